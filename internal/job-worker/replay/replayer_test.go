package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-replay-service/internal/job-manager/dispatcher"
	"job-replay-service/internal/job-manager/drivers"
	"job-replay-service/internal/job-manager/events"
	"job-replay-service/internal/job-worker/executors"
	"job-replay-service/internal/jobconfig"
	"job-replay-service/internal/models"
	"job-replay-service/internal/platform/logger"
)

type fixture struct {
	file      *drivers.FileDriver
	functions *executors.FunctionRegistry
	replayer  *Replayer
	cfg       jobconfig.JobConfiguration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	file := drivers.NewFileDriver(t.TempDir(), logger.Discard())
	functions := executors.NewFunctionRegistry(logger.Discard())
	resolver := executors.Resolvers{Compiled: executors.NewCompiledResolver(functions, logger.Discard())}
	d := dispatcher.New(drivers.NewRegistry(file), logger.Discard())
	r := New(resolver, executors.NewInvoker(nil), d, nil, logger.Discard())
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return &fixture{
		file:      file,
		functions: functions,
		replayer:  r,
		cfg:       jobconfig.JobConfiguration{Driver: "file", Queue: "next"},
	}
}

func (f *fixture) pending(t *testing.T) []models.Task {
	t.Helper()
	claimed, err := f.file.Claim(context.Background(), f.cfg.Queue, 0)
	require.NoError(t, err)
	var out []models.Task
	for _, c := range claimed {
		task, err := c.Decode()
		require.NoError(t, err)
		out = append(out, task)
	}
	return out
}

func TestReplay_NewParamsWin(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var seen []int
	f.functions.MustRegister("step", func(n int) int {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return n
	})

	original := models.NewTask("acme", "tasks.go", "step", models.SourceCompiled,
		models.Signature{ParamTypes: []string{"Int"}, ReturnType: "Int"},
		models.Params{"arg0": "1"})

	next, err := f.replayer.Replay(context.Background(), original, f.cfg, models.Params{"arg0": "2"}, nil, "")
	require.NoError(t, err)

	assert.Equal(t, []int{2}, seen)
	assert.NotEqual(t, original.ID, next.ID)
	assert.Equal(t, models.OriginReplay, next.Origin)
	assert.Equal(t, models.Params{"arg0": "2"}, next.Params)
	assert.Equal(t, models.Params{"arg0": "1"}, original.Params, "original task is untouched")

	queued := f.pending(t)
	require.Len(t, queued, 1)
	assert.Equal(t, next, queued[0])
}

func TestReplay_FallsBackToStoredParams(t *testing.T) {
	f := newFixture(t)
	f.functions.MustRegister("pair", func(a, b string) string { return a + b })
	original := models.NewTask("acme", "tasks.go", "pair", models.SourceCompiled,
		models.Signature{ParamTypes: []string{"String", "String"}, ReturnType: "String"},
		models.Params{"arg0": `"a"`, "arg1": `"b"`})

	next, err := f.replayer.Replay(context.Background(), original, f.cfg, models.Params{"arg1": `"z"`}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.Params{"arg0": `"a"`, "arg1": `"z"`}, next.Params)
}

func TestReplay_InjectsCompletionEvent(t *testing.T) {
	f := newFixture(t)
	var got events.JobCompletedEvent
	f.functions.MustRegister("after", func(e events.JobCompletedEvent, n int) {
		got = e
	})
	original := models.NewTask("acme", "tasks.go", "after", models.SourceCompiled,
		models.Signature{ParamTypes: []string{events.CompletionEventType, "Int"}, ReturnType: "Unit"},
		models.Params{"arg1": "7"})
	original.Origin = "api"

	_, err := f.replayer.Replay(context.Background(), original, f.cfg, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, events.JobCompletedEvent{
		TaskID:       original.ID,
		FunctionName: "after",
		Context:      "acme",
		Origin:       "api",
		CompletedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, got)
}

func TestNew_RegistersCompletionEventType(t *testing.T) {
	f := newFixture(t)
	stored := `"{\"task_id\":\"t1\",\"function_name\":\"inc\",\"origin\":\"replay\"}"`

	v, err := f.replayer.invoker.Types.Decode(events.CompletionEventType, stored, nil)
	require.NoError(t, err)
	require.IsType(t, events.JobCompletedEvent{}, v)
	ev := v.(events.JobCompletedEvent)
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, "inc", ev.FunctionName)
	assert.Equal(t, "replay", ev.Origin)
}

func TestReplay_CallerInjectorBeatsParams(t *testing.T) {
	f := newFixture(t)
	var got string
	f.functions.MustRegister("who", func(s string) { got = s })
	original := models.NewTask("acme", "tasks.go", "who", models.SourceCompiled,
		models.Signature{ParamTypes: []string{"String"}}, models.Params{"arg0": `"stored"`})

	_, err := f.replayer.Replay(context.Background(), original, f.cfg, models.Params{"arg0": `"new"`},
		executors.Inject("String", "injected"), "")
	require.NoError(t, err)
	assert.Equal(t, "injected", got)
}

func TestReplay_ReturnedParamsOverlayFollowUp(t *testing.T) {
	f := newFixture(t)
	f.functions.MustRegister("count", func(n int) models.Params {
		return models.Params{"arg0": fmt.Sprint(n + 1), "arg9": "ignored"}
	})
	original := models.NewTask("acme", "tasks.go", "count", models.SourceCompiled,
		models.Signature{ParamTypes: []string{"Int"}}, models.Params{"arg0": "10"})

	next, err := f.replayer.Replay(context.Background(), original, f.cfg, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.Params{"arg0": "11"}, next.Params)
}

func TestReplay_SymbolOverride(t *testing.T) {
	f := newFixture(t)
	var called string
	f.functions.MustRegister("first", func() { called = "first" })
	f.functions.MustRegister("second", func() { called = "second" })
	original := models.NewTask("acme", "tasks.go", "first", models.SourceCompiled, models.Signature{}, nil)

	next, err := f.replayer.Replay(context.Background(), original, f.cfg, nil, nil, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", called)
	assert.Equal(t, "second", next.FunctionName)
}

func TestReplay_Failures(t *testing.T) {
	f := newFixture(t)
	f.functions.MustRegister("one", func(n int) int { return n })
	ctx := context.Background()

	missing := models.NewTask("acme", "tasks.go", "nowhere", models.SourceCompiled, models.Signature{}, nil)
	_, err := f.replayer.Replay(ctx, missing, f.cfg, nil, nil, "")
	assert.ErrorIs(t, err, models.ErrSymbolNotFound)
	assert.Equal(t, models.KindReplay, models.KindOf(err))

	noArg := models.NewTask("acme", "tasks.go", "one", models.SourceCompiled,
		models.Signature{ParamTypes: []string{"Int"}}, nil)
	_, err = f.replayer.Replay(ctx, noArg, f.cfg, nil, nil, "")
	assert.ErrorIs(t, err, models.ErrMissingArgument)
	assert.Equal(t, models.KindReplay, models.KindOf(err))

	ok := models.NewTask("acme", "tasks.go", "one", models.SourceCompiled,
		models.Signature{ParamTypes: []string{"Int"}}, models.Params{"arg0": "1"})
	_, err = f.replayer.Replay(ctx, ok, jobconfig.JobConfiguration{Driver: "tape", Queue: "q"}, nil, nil, "")
	assert.ErrorIs(t, err, models.ErrUnknownDriver)
	assert.Equal(t, models.KindReplay, models.KindOf(err))

	script := models.NewTask("acme", "x.sh", "fn", models.SourceScript, models.Signature{}, nil)
	_, err = f.replayer.Replay(ctx, script, f.cfg, nil, nil, "")
	assert.ErrorIs(t, err, ErrNotReplayable)
}

func TestHandler_ChainsAndSwallowsFailures(t *testing.T) {
	f := newFixture(t)
	f.functions.MustRegister("inc", func(n int) models.Params {
		return models.Params{"arg0": "3"}
	})
	f.functions.MustRegister("boom", func() { panic("kaboom") })
	h := f.replayer.Handler(f.cfg, nil)
	ctx := context.Background()

	chained := models.NewTask("acme", "tasks.go", "inc", models.SourceCompiled,
		models.Signature{ParamTypes: []string{"Int"}}, models.Params{"arg0": "1"})
	h(ctx, models.JobSucceeded{Task: chained, Value: models.Params{"arg0": "2"}})
	queued := f.pending(t)
	require.Len(t, queued, 1)
	assert.Equal(t, models.Params{"arg0": "3"}, queued[0].Params)

	h(ctx, models.JobSucceeded{Task: chained, Value: "done"})
	assert.Empty(t, f.pending(t), "a job that returns no params ends its chain")

	failing := models.NewTask("acme", "tasks.go", "boom", models.SourceCompiled, models.Signature{}, nil)
	assert.NotPanics(t, func() {
		h(ctx, models.JobSucceeded{Task: failing, Value: models.Params{}})
		h(ctx, models.JobFailed{Task: failing})
	})
	assert.Empty(t, f.pending(t))

	custom := f.replayer.Handler(f.cfg, func(models.JobSucceeded) (models.Params, bool) {
		panic("bad selector")
	})
	assert.NotPanics(t, func() { custom(ctx, models.JobSucceeded{Task: chained}) })

	entries, _ := os.ReadDir(filepath.Join(f.file.QueueDir(f.cfg.Queue)))
	for _, e := range entries {
		assert.True(t, e.IsDir(), "unexpected pending file %s", e.Name())
	}
}
