package pipeline

// messages.go turns fatal run errors into summaries a person can act on.
//
// # Error Codes Reference
//
// Run lifecycle (RUN001-RUN099):
//
//	RUN001 - Run cancelled          Patterns: "run cancelled", "context canceled"
//	RUN002 - Run timed out          Patterns: "run timed out", "context deadline exceeded"
//	RUN003 - Engine busy            Patterns: "too many concurrent runs"
//
// Configuration package (MAN001-MAN099, BLD001-BLD099):
//
//	MAN001 - Manifest invalid       Patterns: "manifest invalid", "config_script_api_version", "parse manifest"
//	MAN002 - Manifest missing       Patterns: "manifest not found"
//	BLD001 - Snapshot build failed  Patterns: "snapshot build failed"
//	BLD002 - Snapshot not found     Patterns: "snapshot not found"
//
// Input and output (INP001-INP099, OUT001-OUT099):
//
//	INP001 - Input unreadable       Patterns: "unsupported input format", "open workbook", "read sheet"
//	INP002 - Input too large        Patterns: "input too large"
//	OUT001 - Output not written     Patterns: "write output"
//
// Rules (RUL001-RUL099):
//
//	RUL001 - Rule broke its contract on a required field   Patterns: "contract violation"
//	RUL002 - Rule failed on a required field                Patterns: "rule exceeded", "failed:"
//	RUL003 - Rule module could not be loaded                Patterns: "load rule module"
//
// ERR000 is the fallback. The first matching pattern wins; a FatalError's own
// code takes precedence over pattern matching.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Code for support reference
}

var messages = map[string]UserMessage{
	CodeCancelled:       {Message: "The run was cancelled", Action: "Start the run again when ready"},
	CodeTimedOut:        {Message: "The run exceeded its time budget", Action: "Split the input or raise ENGINE_RUN_TIMEOUT"},
	CodeBusy:            {Message: "The engine is busy with other runs", Action: "Wait a moment and try again"},
	CodeManifestInvalid: {Message: "The configuration manifest is invalid", Action: "Fix the listed manifest problems and prepare the package again"},
	CodeManifestMissing: {Message: "The configuration package has no manifest", Action: "Add manifest.yaml or manifest.json to the package"},
	CodeBuildFailed:     {Message: "The configuration package could not be prepared", Action: "Check build.log in the snapshot directory for the failing step"},
	CodeSnapshotMissing: {Message: "The requested snapshot does not exist", Action: "Prepare the package first or list snapshots to find its id"},
	CodeInputUnreadable: {Message: "The input file could not be read", Action: "Provide an XLSX or CSV file"},
	CodeInputTooLarge:   {Message: "The input file exceeds the size limit", Action: "Split the file or raise ENGINE_MAX_INPUT_SIZE"},
	CodeRuleContract:    {Message: "A rule for a required field returned a malformed result", Action: "Fix the rule named in the error detail"},
	CodeRuleFailed:      {Message: "A rule for a required field failed", Action: "Check the rule's error and its time and memory limits"},
	CodeRuleUnavailable: {Message: "A rule module could not be loaded", Action: "Check that the script exists and speaks the worker protocol"},
	CodeOutputFailed:    {Message: "The output could not be written", Action: "Check the output path and free disk space"},
	CodeUnknown:         {Message: "An unexpected error occurred", Action: "Check the engine logs for the technical error"},
}

type errorPattern struct {
	pattern string
	code    string
}

// errorPatterns are matched case-insensitively in order, specific before general.
var errorPatterns = []errorPattern{
	{"run cancelled", CodeCancelled},
	{"run timed out", CodeTimedOut},
	{"context canceled", CodeCancelled},
	{"context deadline exceeded", CodeTimedOut},
	{"too many concurrent runs", CodeBusy},
	{"manifest not found", CodeManifestMissing},
	{"manifest invalid", CodeManifestInvalid},
	{"config_script_api_version", CodeManifestInvalid},
	{"parse manifest", CodeManifestInvalid},
	{"snapshot build failed", CodeBuildFailed},
	{"snapshot not found", CodeSnapshotMissing},
	{"input too large", CodeInputTooLarge},
	{"unsupported input format", CodeInputUnreadable},
	{"open workbook", CodeInputUnreadable},
	{"read sheet", CodeInputUnreadable},
	{"write output", CodeOutputFailed},
	{"load rule module", CodeRuleUnavailable},
	{"contract violation", CodeRuleContract},
	{"rule exceeded", CodeRuleFailed},
}

// Message returns the user message registered for code.
func Message(code string) UserMessage {
	msg, ok := messages[code]
	if !ok {
		code = CodeUnknown
		msg = messages[code]
	}
	msg.Code = code
	return msg
}

// MapError converts a run error to a user message. A FatalError's code wins;
// otherwise the first matching pattern decides, falling back to ERR000.
//
// Example:
//
//	msg := MapError(errors.New("snapshot build failed at install: exit status 1"))
//	// msg.Code == "BLD001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	var fe *FatalError
	if errors.As(err, &fe) && fe.Code != "" && fe.Code != CodeUnknown {
		return Message(fe.Code)
	}
	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return Message(ep.code)
		}
	}
	return Message(CodeUnknown)
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
