package rules

import "strings"

// Canonical issue codes.
const (
	CodeRequiredMissing = "required_missing"
	CodeInvalidFormat   = "invalid_format"
	CodeInvalidType     = "invalid_type"
	CodeInvalidChoice   = "invalid_choice"
	CodeOutOfRange      = "out_of_range"
	CodeDuplicateValue  = "duplicate_value"
)

// Severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

var codeAliases = map[string]string{
	"missing":          CodeRequiredMissing,
	"required":         CodeRequiredMissing,
	"blank":            CodeRequiredMissing,
	"empty":            CodeRequiredMissing,
	"required_missing": CodeRequiredMissing,
	"invalid":          CodeInvalidFormat,
	"format":           CodeInvalidFormat,
	"invalid_format":   CodeInvalidFormat,
	"type":             CodeInvalidType,
	"type_mismatch":    CodeInvalidType,
	"invalid_type":     CodeInvalidType,
	"enum":             CodeInvalidChoice,
	"choice":           CodeInvalidChoice,
	"not_allowed":      CodeInvalidChoice,
	"invalid_choice":   CodeInvalidChoice,
	"range":            CodeOutOfRange,
	"out_of_range":     CodeOutOfRange,
	"duplicate":        CodeDuplicateValue,
	"duplicate_value":  CodeDuplicateValue,
}

// NormalizeCode maps validator code aliases to canonical codes. Unknown codes
// are lowercased and passed through so rules can define their own.
func NormalizeCode(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	c = strings.ReplaceAll(c, "-", "_")
	c = strings.ReplaceAll(c, " ", "_")
	if canon, ok := codeAliases[c]; ok {
		return canon
	}
	return c
}

// NormalizeSeverity maps severity aliases. An empty severity means error.
func NormalizeSeverity(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "error", "err", "fatal", "critical":
		return SeverityError, true
	case "warning", "warn", "info":
		return SeverityWarning, true
	default:
		return "", false
	}
}
