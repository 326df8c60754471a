package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetValueByPath_DottedSegments(t *testing.T) {
	obj := map[string]any{"a": map[string]any{"b": map[string]any{"c": 42.0}}}
	assert.Equal(t, 42.0, GetValueByPath(obj, "a.b.c"))
}

func TestGetValueByPath_ArrayIndex(t *testing.T) {
	obj := map[string]any{"items": []any{"first", "second"}}
	assert.Equal(t, "second", GetValueByPath(obj, "items[1]"))
}

func TestGetValueByPath_BracketedProperty(t *testing.T) {
	obj := map[string]any{"user": map[string]any{"fullName": "Ada Lovelace"}}
	assert.Equal(t, "Ada Lovelace", GetValueByPath(obj, "user[fullName]"))
}

func TestGetValueByPath_RootToken(t *testing.T) {
	obj := map[string]any{"a": 1.0}
	assert.Equal(t, map[string]any(obj), GetValueByPath(obj, "$"))
	assert.Equal(t, map[string]any(obj), GetValueByPath(obj, "root"))
}

func TestGetValueByPath_EqualityFilter(t *testing.T) {
	obj := map[string]any{"items": []any{
		map[string]any{"field": "a", "value": 1.0},
		map[string]any{"field": "b", "value": 2.0},
	}}
	got := GetValueByPath(obj, "items[?(@.field=='b')]")
	require.NotNil(t, got)
	assert.Equal(t, 2.0, got.(map[string]any)["value"])
}

func TestGetValueByPath_MissingReturnsNilNeverPanics(t *testing.T) {
	obj := map[string]any{"a": map[string]any{}}
	assert.Nil(t, GetValueByPath(obj, "a.b.c"))
	assert.Nil(t, GetValueByPath(obj, "nonexistent.deeply.nested"))
}

func TestSetValueByPath_AutoCreatesIntermediateObjects(t *testing.T) {
	obj := map[string]any{}
	out, err := SetValueByPath(obj, "a.b.c", "value")
	require.NoError(t, err)
	assert.Equal(t, "value", GetValueByPath(out, "a.b.c"))
}

func TestSetValueByPath_ReturnsDeepCopy(t *testing.T) {
	obj := map[string]any{"a": map[string]any{"b": "orig"}}
	out, err := SetValueByPath(obj, "a.b", "changed")
	require.NoError(t, err)
	assert.Equal(t, "changed", GetValueByPath(out, "a.b"))
	assert.Equal(t, "orig", GetValueByPath(obj, "a.b"), "original must not be mutated")
}

func TestValidate_RejectsCurlyBraces(t *testing.T) {
	err := Validate("a.{b}")
	require.Error(t, err)
}

func TestValidate_RejectsUnbalancedBrackets(t *testing.T) {
	require.Error(t, Validate("items[0"))
	require.Error(t, Validate("items]0["))
}

func TestValidate_AcceptsWellFormedPaths(t *testing.T) {
	require.NoError(t, Validate("a.b.c"))
	require.NoError(t, Validate("items[0]"))
	require.NoError(t, Validate("items[?(@.field=='value')]"))
}

func TestApplyOutputMapping_InvalidPathYieldsNullWithoutAborting(t *testing.T) {
	source := map[string]any{"a": 1.0}
	mapping := map[string]string{
		"good": "a",
		"bad":  "b{broken",
	}
	out := ApplyOutputMapping(nil, source, mapping)
	assert.Equal(t, 1.0, out["good"])
	assert.Nil(t, out["bad"])
}
