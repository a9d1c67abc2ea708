package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = `{
	"id": 42,
	"user": {"name": "ada", "tags": ["admin", "ops"]},
	"items": [{"sku": "a-1", "qty": 2}, {"sku": "b-2", "qty": 0}],
	"active": true,
	"nothing": null
}`

func TestToGJSON(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "$", want: "@this"},
		{path: "$.id", want: "id"},
		{path: "$.user.name", want: "user.name"},
		{path: "$.items[1].sku", want: "items.1.sku"},
		{path: "items[0].qty", want: "items.0.qty"},
		{path: "$['user']['name']", want: "user.name"},
		{path: "plain.path", want: "plain.path"},
		{path: "$..name", wantErr: true},
		{path: "$.items[", wantErr: true},
		{path: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ToGJSON(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract(t *testing.T) {
	v, ok, err := Extract(doc, "$.user.name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ada", v)

	v, ok, err = Extract(doc, "$.items[0].sku")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a-1", v)

	v, ok, err = Extract(doc, "$.nothing")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "null", v)

	_, ok, err = Extract(doc, "$.missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtractAny(t *testing.T) {
	v, ok, err := ExtractAny(doc, "$.id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(42), v)

	v, ok, err = ExtractAny(doc, "$.active")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, true, v)

	v, ok, err = ExtractAny(doc, "$.user.tags")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []interface{}{"admin", "ops"}, v)
}

func TestLookupEmptyDocument(t *testing.T) {
	_, _, err := Lookup("", "$.id")
	assert.Error(t, err)
}
