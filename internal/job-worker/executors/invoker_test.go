package executors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-replay-service/internal/models"
)

func newTask(types []string, params models.Params) models.Task {
	return models.NewTask("default", "tasks.go", "fn", models.SourceCompiled,
		models.Signature{ParamTypes: types, ReturnType: "String"}, params)
}

func TestInvoker_CoercesStoredParams(t *testing.T) {
	c, err := NewFuncCallable("fn", func(n int, s string) string { return fmt.Sprintf("%d-%s", n, s) })
	require.NoError(t, err)

	for name, params := range map[string]models.Params{
		"plain":          {"arg0": "42", "arg1": `"hi"`},
		"double encoded": {"arg0": `"42"`, "arg1": `"\"hi\""`},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := NewInvoker(nil).Invoke(context.Background(), newTask([]string{"Int", "String"}, params), c, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, "42-hi", out)
		})
	}
}

func TestInvoker_ArityMismatch(t *testing.T) {
	c, err := NewFuncCallable("fn", func(n int) int { return n })
	require.NoError(t, err)

	task := newTask([]string{"Int", "Int"}, models.Params{"arg0": "1", "arg1": "2"})
	_, err = NewInvoker(nil).Invoke(context.Background(), task, c, nil, nil)
	assert.ErrorIs(t, err, models.ErrArityMismatch)
	assert.True(t, models.IsKind(err, models.KindExecution))
}

func TestInvoker_MissingArgument(t *testing.T) {
	c, err := NewFuncCallable("fn", func(n int) int { return n })
	require.NoError(t, err)

	for name, params := range map[string]models.Params{
		"absent": {},
		"null":   {"arg0": "null"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewInvoker(nil).Invoke(context.Background(), newTask([]string{"Int"}, params), c, nil, nil)
			assert.ErrorIs(t, err, models.ErrMissingArgument)
			assert.True(t, models.IsKind(err, models.KindExecution))
		})
	}
}

func TestInvoker_NullableParameter(t *testing.T) {
	c, err := NewFuncCallable("fn", func(n *int64) string {
		if n == nil {
			return "none"
		}
		return fmt.Sprint(*n)
	})
	require.NoError(t, err)
	iv := NewInvoker(nil)

	out, err := iv.Invoke(context.Background(), newTask([]string{"Long?"}, models.Params{}), c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", out)

	out, err = iv.Invoke(context.Background(), newTask([]string{"Long?"}, models.Params{"arg0": "5"}), c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "5", out)
}

func TestInvoker_Precedence(t *testing.T) {
	type event struct{ ID string }
	c, err := NewFuncCallable("fn", func(e event, n int) string { return fmt.Sprintf("%s:%d", e.ID, n) })
	require.NoError(t, err)

	task := newTask([]string{"Event", "Int"}, models.Params{"arg0": `{"ID":"stored"}`, "arg1": "1"})
	inject := ChainInjectors(nil, Inject("Event", event{ID: "injected"}))

	out, err := NewInvoker(nil).Invoke(context.Background(), task, c, inject, models.Params{"arg1": "2"})
	require.NoError(t, err)
	assert.Equal(t, "injected:2", out)

	out, err = NewInvoker(nil).Invoke(context.Background(), task, c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "stored:1", out)
}

func TestInvoker_CoercionFailure(t *testing.T) {
	c, err := NewFuncCallable("fn", func(n int) int { return n })
	require.NoError(t, err)

	_, err = NewInvoker(nil).Invoke(context.Background(), newTask([]string{"Int"}, models.Params{"arg0": `"x"`}), c, nil, nil)
	assert.ErrorIs(t, err, models.ErrCoercion)
}
