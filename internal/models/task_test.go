package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestTaskRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		task Task
	}{
		{
			name: "fully populated",
			task: Task{
				ID:             NewTaskID(),
				FileName:       "billing.kt",
				FunctionName:   "charge",
				Params:         Params{"arg0": `"42"`, "arg1": `{"currency":"EUR"}`},
				Signature:      Signature{ParamTypes: []string{"Int", "Money"}, ReturnType: "Unit"},
				ScriptPath:     "/opt/jobs/billing.so",
				PackageName:    strPtr("billing"),
				Origin:         "api",
				Context:        "acme",
				SourceType:     SourceCompiled,
				SourceSnapshot: strPtr("fun charge(a: Int, m: Money) {}"),
				ArtifactURI:    strPtr("s3://artifacts/billing.so"),
				ArtifactSHA256: strPtr("deadbeef"),
			},
		},
		{
			name: "empty params and null snapshot",
			task: Task{
				ID:           NewTaskID(),
				FunctionName: "noop",
				Params:       Params{},
				Signature:    Signature{ParamTypes: []string{}, ReturnType: "Unit"},
				Context:      "acme",
				SourceType:   SourceScript,
			},
		},
		{
			name: "nil params and nil param types",
			task: Task{
				ID:           NewTaskID(),
				FunctionName: "noop",
				Context:      "acme",
				SourceType:   SourceJar,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeTask(tc.task)
			require.NoError(t, err)

			decoded, err := DecodeTask(data)
			require.NoError(t, err)
			assert.Equal(t, tc.task, decoded)
		})
	}
}

func TestParamsMarshalNumericOrder(t *testing.T) {
	p := Params{}
	for i := 11; i >= 0; i-- {
		p[ArgKey(i)] = "1"
	}

	data, err := p.MarshalJSON()
	require.NoError(t, err)

	text := string(data)
	assert.Less(t, strings.Index(text, `"arg2"`), strings.Index(text, `"arg10"`))
	assert.Less(t, strings.Index(text, `"arg0"`), strings.Index(text, `"arg1"`))
	assert.True(t, strings.HasPrefix(text, `{"arg0":"1","arg1":"1","arg2":"1"`))
}

func TestParamsMarshalIsStable(t *testing.T) {
	p := Params{"arg1": `"b"`, "arg0": `"a"`, "arg2": `3`}
	first, err := p.MarshalJSON()
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := p.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestArgIndex(t *testing.T) {
	idx, ok := ArgIndex("arg12")
	assert.True(t, ok)
	assert.Equal(t, 12, idx)

	for _, bad := range []string{"arg", "arg-1", "arg01", "param0", "argx"} {
		_, ok := ArgIndex(bad)
		assert.False(t, ok, bad)
	}
}

func TestTaskValidate(t *testing.T) {
	base := NewTask("acme", "f.kt", "run", SourceScript,
		Signature{ParamTypes: []string{"Int", "String?"}}, Params{"arg0": "1"})
	assert.NoError(t, base.Validate())

	beyond := base.WithParams(Params{"arg0": "1", "arg2": "3"})
	assert.Error(t, beyond.Validate())

	malformed := base.WithParams(Params{"first": "1"})
	assert.Error(t, malformed.Validate())

	noContext := base
	noContext.Context = ""
	assert.Error(t, noContext.Validate())

	badSource := base
	badSource.SourceType = "binary"
	assert.Error(t, badSource.Validate())
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID(NewTaskID()))
	assert.NoError(t, ValidateID("t1"))
	for _, id := range []string{"", "../escaped", "a/b", `a\b`, ".hidden", "a..b", "nul\x00"} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidTaskID, "id %q", id)
	}

	task := NewTask("acme", "f.go", "run", SourceCompiled, Signature{}, nil)
	task.ID = "../../../escaped"
	assert.ErrorIs(t, task.Validate(), ErrInvalidTaskID)
}

func TestWithParamsProducesNewTask(t *testing.T) {
	original := NewTask("acme", "f.kt", "run", SourceScript,
		Signature{ParamTypes: []string{"Int"}}, Params{"arg0": "1"})

	next := original.WithParams(Params{"arg0": "2"})

	assert.NotEqual(t, original.ID, next.ID)
	assert.Equal(t, "1", original.Params["arg0"])
	assert.Equal(t, "2", next.Params["arg0"])
	assert.Equal(t, original.FunctionName, next.FunctionName)
}

func TestNullableTypeNames(t *testing.T) {
	assert.True(t, IsNullable("String?"))
	assert.False(t, IsNullable("String"))
	assert.Equal(t, "String", BaseType("String?"))
}
