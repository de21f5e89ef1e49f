// Package rules defines the contract between the engine and rule code.
//
// Rule code is either a worker script inside a config package (run out of
// process by the sandbox) or a builtin module compiled into the engine. Both
// kinds see the same keyword arguments and their results pass through the same
// contract checks.
//
// # Rule Kinds
//
//   - Row detectors: detect_* functions of a module listed in rows.detectors.
//     They score a physical row toward labels such as header, data or other.
//   - Column detectors: detect_* functions of a field's module. They score one
//     raw column toward exactly that field.
//   - Transform: rewrites a whole mapped column; output length must equal input
//     length.
//   - Validate: reports issues for a mapped column.
//   - Hook: runs at a pipeline stage and may return notes for the artifact.
//
// # Calling Convention
//
// Arguments are keyword-only. On the wire they form a JSON object; rules must
// ignore keys they do not know, so the engine can add arguments without
// breaking older rules. The artifact argument is a serialized, versioned view,
// never a live handle.
//
// # Builtin Modules
//
// Builtins register at init time using [Register]:
//
//	rules.Register(rules.Module{
//	    Name: "rows",
//	    RowDetectors: map[string]rules.RowDetectFunc{
//	        "detect_blank": detectBlank,
//	    },
//	})
//
// Manifests reference them as "builtin:<name>".
//
// # Issue Codes
//
// Validator codes are normalized through an alias table ([NormalizeCode]) so
// that "missing", "required" and "blank" all surface as required_missing.
package rules
