package pipeline

import (
	"context"
	"encoding/json"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
)

// runHooks calls the hooks of stage in manifest order. Hook failures are
// recorded as annotations and never fail the run.
func (st *runState) runHooks(ctx context.Context, stage string) {
	hooks := st.hooks[stage]
	if len(hooks) == 0 {
		return
	}
	view, err := st.rec.View()
	if err != nil {
		st.log.Warn("hook view", "stage", stage, "error", err)
		return
	}
	prevPass, prevView := st.pass, st.view
	st.pass, st.view = stage, view
	defer func() { st.pass, st.view = prevPass, prevView }()

	for _, h := range hooks {
		if ctx.Err() != nil {
			return
		}
		var res rules.HookResult
		err := st.call(ctx, h, rules.HookArgs{Common: st.common(), Stage: stage}, func(raw json.RawMessage) (err error) {
			res, err = rules.DecodeHook(h.ID, raw)
			return err
		})
		if isFatal(err) {
			return
		}
		ann := artifact.Annotation{Stage: stage, Hook: h.ID, Notes: res.Notes}
		if err != nil {
			ann.Error = err.Error()
			st.log.Warn("hook failed", "stage", stage, "hook", h.ID, "error", err)
		}
		st.rec.Annotate(ann)
	}
}
