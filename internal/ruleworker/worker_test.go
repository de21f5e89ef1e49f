package ruleworker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sheetnorm/internal/rules"
)

func serve(t *testing.T, w *Worker, requests ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	err := w.Serve(context.Background(), strings.NewReader(strings.Join(requests, "\n")+"\n"), &out)
	require.NoError(t, err)

	var resps []Response
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		resps = append(resps, r)
	}
	return resps
}

func TestServe_Describe(t *testing.T) {
	mod, ok := rules.Lookup(rules.FieldsModule)
	require.True(t, ok)

	resps := serve(t, FromModule(mod), `{"id":1,"op":"describe"}`)
	require.Len(t, resps, 1)
	assert.True(t, resps[0].OK)

	var d Description
	require.NoError(t, json.Unmarshal(resps[0].Result, &d))
	assert.Equal(t, Protocol, d.Protocol)
	assert.Equal(t, mod.Functions(), d.Functions)
}

func TestServe_Call(t *testing.T) {
	mod, _ := rules.Lookup(rules.FieldsModule)
	resps := serve(t, FromModule(mod),
		`{"id":7,"op":"call","function":"transform","kwargs":{"field_meta":{"type_hint":"integer"},"values":["1,000",null],"extra":"ignored"}}`,
		`{"id":8,"op":"call","function":"detect_label","kwargs":{"header":"Department","field_name":"department","field_meta":{"label":"Department"}}}`,
	)
	require.Len(t, resps, 2)

	assert.Equal(t, uint64(7), resps[0].ID)
	require.True(t, resps[0].OK, resps[0].Error)
	res, err := rules.DecodeTransform("fields.transform", 2, resps[0].Result)
	require.NoError(t, err)
	assert.Equal(t, []any{json.Number("1000"), nil}, res.Values)

	scores, err := rules.DecodeScores("fields.detect_label", rules.KindColumnDetector, "department", resps[1].Result)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"department": 1.0}, scores)
}

func TestServe_Errors(t *testing.T) {
	w := New().
		Handle("run", func(context.Context, json.RawMessage) (any, error) { return nil, errors.New("hook exploded") }).
		Handle("detect_panic", func(context.Context, json.RawMessage) (any, error) { panic("boom") })

	resps := serve(t, w,
		`not json`,
		`{"id":2,"op":"call","function":"missing"}`,
		`{"id":3,"op":"call","function":"run"}`,
		`{"id":4,"op":"call","function":"detect_panic"}`,
		`{"id":5,"op":"explode"}`,
		`{"id":6,"op":"shutdown"}`,
		`{"id":7,"op":"describe"}`,
	)
	require.Len(t, resps, 6, "requests after shutdown are not served")
	for _, r := range resps[:5] {
		assert.False(t, r.OK)
		assert.NotEmpty(t, r.Error)
	}
	assert.Contains(t, resps[2].Error, "hook exploded")
	assert.Contains(t, resps[3].Error, "panic")
	assert.True(t, resps[5].OK)
}
