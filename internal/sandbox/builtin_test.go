package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
)

func init() {
	rules.Register(rules.Module{
		Name: "sandbox_test_misbehaving",
		Transform: func(context.Context, rules.ValuesArgs) (rules.TransformResult, error) {
			panic("index out of range")
		},
		Validate: func(context.Context, rules.ValuesArgs) (rules.ValidateResult, error) {
			time.Sleep(time.Second)
			return rules.ValidateResult{}, nil
		},
		Hook: func(context.Context, rules.HookArgs) (rules.HookResult, error) {
			return rules.HookResult{}, errors.New("no notes today")
		},
	})
}

func TestBuiltinInvoker_Call(t *testing.T) {
	inv, err := NewBuiltin("builtin:fields", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "builtin:fields", inv.Name())

	raw, err := inv.Call(context.Background(), rules.FuncTransform, rules.ValuesArgs{
		FieldMeta: manifest.FieldMeta{TypeHint: "boolean"},
		Values:    []any{"yes", "N", ""},
	})
	require.NoError(t, err)
	res, err := rules.DecodeTransform("builtin:fields.transform", 3, raw)
	require.NoError(t, err)
	assert.Equal(t, []any{true, false, nil}, res.Values)

	raw, err = inv.Call(context.Background(), "detect_label", rules.ColumnArgs{
		Header: "E-mail", FieldName: "email", FieldMeta: manifest.FieldMeta{Label: "E-mail"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"scores": {"email": 1}}`, string(raw))
}

func TestBuiltinInvoker_Failures(t *testing.T) {
	inv, err := NewBuiltin("sandbox_test_misbehaving", 100*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = inv.Call(ctx, rules.FuncTransform, rules.ValuesArgs{})
	var re *ResourceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ResourceCrash, re.Kind)
	assert.Contains(t, re.Detail, "index out of range")

	_, err = inv.Call(ctx, rules.FuncValidate, rules.ValuesArgs{})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ResourceTimeout, re.Kind)

	_, err = inv.Call(ctx, rules.FuncRun, rules.HookArgs{})
	assert.ErrorIs(t, err, ErrRuleFailed)

	_, err = inv.Call(ctx, "detect_anything", rules.RowArgs{})
	assert.ErrorIs(t, err, ErrRuleFailed)

	_, err = inv.Call(ctx, rules.FuncRun, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrRuleFailed)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = inv.Call(cctx, rules.FuncRun, rules.HookArgs{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewBuiltin_Unknown(t *testing.T) {
	_, err := NewBuiltin("builtin:does_not_exist", time.Second)
	assert.Error(t, err)
}
