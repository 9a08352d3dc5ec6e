package executors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-replay-service/internal/models"
)

func TestNewFuncCallable_RejectsNonFunctions(t *testing.T) {
	_, err := NewFuncCallable("x", 42)
	assert.Error(t, err)

	_, err = NewFuncCallable("v", func(xs ...int) {})
	assert.Error(t, err)

	_, err = NewFuncCallable("bad", func() (int, string) { return 0, "" })
	assert.Error(t, err)
}

func TestFuncCallable_ContextIsNotCounted(t *testing.T) {
	c, err := NewFuncCallable("add", func(ctx context.Context, a, b int) int { return a + b })
	require.NoError(t, err)
	assert.Equal(t, 2, c.Arity())

	out, err := c.Call(context.Background(), []any{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestFuncCallable_ArityMismatch(t *testing.T) {
	c, err := NewFuncCallable("one", func(a string) string { return a })
	require.NoError(t, err)

	_, err = c.Call(context.Background(), []any{"a", "b"})
	assert.ErrorIs(t, err, models.ErrArityMismatch)
}

func TestFuncCallable_ReturnShapes(t *testing.T) {
	boom := errors.New("boom")

	onlyErr, err := NewFuncCallable("e", func() error { return boom })
	require.NoError(t, err)
	_, err = onlyErr.Call(context.Background(), nil)
	assert.ErrorIs(t, err, boom)

	none, err := NewFuncCallable("n", func() {})
	require.NoError(t, err)
	out, err := none.Call(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, out)

	pair, err := NewFuncCallable("p", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	out, err = pair.Call(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestFuncCallable_PanicBecomesError(t *testing.T) {
	c, err := NewFuncCallable("panics", func() { panic("kaboom") })
	require.NoError(t, err)

	_, err = c.Call(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestFuncCallable_FitsArguments(t *testing.T) {
	type money struct {
		Amount   int    `json:"amount"`
		Currency string `json:"currency"`
	}
	c, err := NewFuncCallable("fit", func(n int64, f float32, p *int, m money) []any {
		return []any{n, f, *p, m}
	})
	require.NoError(t, err)

	out, err := c.Call(context.Background(), []any{
		7,
		1.5,
		3,
		map[string]any{"amount": 5, "currency": "EUR"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), float32(1.5), 3, money{Amount: 5, Currency: "EUR"}}, out)
}

func TestFuncCallable_RejectsOverflow(t *testing.T) {
	c, err := NewFuncCallable("byte", func(b uint8) uint8 { return b })
	require.NoError(t, err)

	_, err = c.Call(context.Background(), []any{300})
	assert.ErrorIs(t, err, models.ErrCoercion)

	_, err = c.Call(context.Background(), []any{-1})
	assert.ErrorIs(t, err, models.ErrCoercion)
}
