package rules

import (
	"context"
	"encoding/json"
	"fmt"
)

func init() {
	Register(Module{
		Name: "table_summary",
		Hook: tableSummaryHook,
	})
}

// artifactTables is the slice of the artifact view the summary hook reads.
type artifactTables struct {
	Sheets []struct {
		Name   string `json:"name"`
		Tables []struct {
			ID      string `json:"id"`
			Mapping []struct {
				Field *string `json:"field"`
			} `json:"mapping"`
		} `json:"tables"`
	} `json:"sheets"`
}

// tableSummaryHook reports how many tables and mapped columns the artifact
// view holds at the hook's stage.
func tableSummaryHook(_ context.Context, args HookArgs) (HookResult, error) {
	var view artifactTables
	if len(args.Artifact) > 0 {
		if err := json.Unmarshal(args.Artifact, &view); err != nil {
			return HookResult{}, fmt.Errorf("read artifact view: %w", err)
		}
	}
	var tables, mapped, unmapped int
	for _, sh := range view.Sheets {
		for _, tb := range sh.Tables {
			tables++
			for _, m := range tb.Mapping {
				if m.Field != nil {
					mapped++
				} else {
					unmapped++
				}
			}
		}
	}
	return HookResult{Notes: map[string]any{
		"stage":            args.Stage,
		"tables":           tables,
		"mapped_columns":   mapped,
		"unmapped_columns": unmapped,
	}}, nil
}
