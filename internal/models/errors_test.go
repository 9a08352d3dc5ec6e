package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobErrorKinds(t *testing.T) {
	err := ExecutionError("bind arguments", fmt.Errorf("%w: arg1", ErrMissingArgument))

	assert.Equal(t, KindExecution, KindOf(err))
	assert.True(t, errors.Is(err, ErrMissingArgument))
	assert.Contains(t, err.Error(), "bind arguments")
}

func TestIsKindLooksThroughNesting(t *testing.T) {
	inner := TransportError("push", errors.New("connection refused"))
	outer := ReplayError("re-dispatch", inner)

	assert.Equal(t, KindReplay, KindOf(outer))
	assert.True(t, IsKind(outer, KindTransport))
	assert.False(t, IsKind(outer, KindConfiguration))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestNilErrorStaysNil(t *testing.T) {
	assert.NoError(t, ConfigurationError("load", nil))
}

func TestJobResultVariants(t *testing.T) {
	task := Task{ID: "t1"}
	results := []JobResult{JobSucceeded{Task: task}, JobFailed{Task: task, Err: errors.New("boom")}}

	var succeeded, failed int
	for _, r := range results {
		switch r.(type) {
		case JobSucceeded:
			succeeded++
		case JobFailed:
			failed++
		}
		assert.Equal(t, "t1", r.JobTask().ID)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
}
