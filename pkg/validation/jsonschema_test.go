package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidate_Valid(t *testing.T) {
	schema := `{
		"type": "object",
		"properties": { "driver": {"type": "string"}, "port": {"type": "integer"} },
		"required": ["driver"]
	}`
	s, err := Compile("config.json", schema)
	require.NoError(t, err)
	assert.NoError(t, s.Validate([]byte(`{"driver": "file", "port": 6379}`)))
	assert.NoError(t, s.Validate([]byte(`{"driver": "redis"}`)))
}

func TestSchemaValidate_Invalid(t *testing.T) {
	schema := `{
		"type": "object",
		"properties": { "driver": {"type": "string"}, "port": {"type": "integer", "minimum": 1} },
		"required": ["driver", "port"]
	}`
	s := MustCompile("config.json", schema)
	err := s.Validate([]byte(`{"driver": "redis"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing properties: 'port'")

	err = s.Validate([]byte(`{"driver": "redis", "port": "six"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected integer, but got string")
}

func TestCompile_InvalidSchema(t *testing.T) {
	_, err := Compile("bad.json", `{"type": "object", "properties": {"driver": {"type": "str"}}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile JSON schema")
}

func TestSchemaValidate_MalformedData(t *testing.T) {
	s := MustCompile("any.json", `{"type": "object"}`)
	err := s.Validate([]byte("{not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal JSON data")
}
