package kv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePatch(t *testing.T) {
	tests := []struct {
		name   string
		target string
		patch  string
		want   string
	}{
		{"add to empty", `{}`, `{"test":"abc"}`, `{"test":"abc"}`},
		{"empty target", ``, `{"a":1}`, `{"a":1}`},
		{"overwrite", `{"a":"b"}`, `{"a":"c"}`, `{"a":"c"}`},
		{"delete", `{"a":"b","c":"d"}`, `{"a":null}`, `{"c":"d"}`},
		{"delete missing", `{}`, `{"a":null}`, `{}`},
		{"nested merge", `{"a":{"b":1,"c":2}}`, `{"a":{"b":null,"d":3}}`, `{"a":{"c":2,"d":3}}`},
		{"object over scalar", `{"a":"x"}`, `{"a":{"b":null,"c":1}}`, `{"a":{"c":1}}`},
		{"array replaces", `{"a":[1,2]}`, `{"a":[3]}`, `{"a":[3]}`},
		{"non-object patch replaces", `{"a":1}`, `[1,2]`, `[1,2]`},
		{"scalar target", `"text"`, `{"a":1}`, `{"a":1}`},
		{"null patch", `{"a":1}`, `null`, `null`},
		{"keeps number text", `{}`, `{"n":1.50,"big":12345678901234567890}`, `{"big":12345678901234567890,"n":1.50}`},
		{"no html escaping", `{}`, `{"s":"<a&b>"}`, `{"s":"<a&b>"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MergePatch(json.RawMessage(tc.target), json.RawMessage(tc.patch))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestMergePatch_DeleteIsIdempotent(t *testing.T) {
	once, err := MergePatch(json.RawMessage(`{"k":"v"}`), json.RawMessage(`{"k":null}`))
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(once))

	twice, err := MergePatch(once, json.RawMessage(`{"k":null}`))
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(twice))
}

func TestMergePatch_Invalid(t *testing.T) {
	_, err := MergePatch(json.RawMessage(`{}`), json.RawMessage(`{"a":`))
	assert.Error(t, err)

	_, err = MergePatch(json.RawMessage(`{nope`), json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = MergePatch(json.RawMessage(`{}`), json.RawMessage(`{} {}`))
	assert.Error(t, err)
}

func TestFold(t *testing.T) {
	got, err := Fold()
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))

	got, err = Fold(
		json.RawMessage(`{"test":"abc"}`),
		json.RawMessage(`{"test":null,"test2":"new"}`),
	)
	require.NoError(t, err)
	assert.Equal(t, `{"test2":"new"}`, string(got))

	_, err = Fold(json.RawMessage(`{}`), json.RawMessage(`oops`))
	assert.ErrorContains(t, err, "fold patch 1")
}
