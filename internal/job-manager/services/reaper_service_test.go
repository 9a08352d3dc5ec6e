package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-replay-service/internal/config"
	"job-replay-service/internal/job-manager/drivers"
	"job-replay-service/internal/models"
	"job-replay-service/internal/platform/logger"
)

func pushTask(t *testing.T, d drivers.Driver, queue string) {
	t.Helper()
	task := models.NewTask("default", "tasks.go", "echo", models.SourceCompiled,
		models.Signature{ParamTypes: []string{"String"}, ReturnType: "String"},
		models.Params{models.ArgKey(0): `"hi"`})
	_, err := d.Push(context.Background(), queue, task)
	require.NoError(t, err)
}

// claimAndAge claims every pending task and back-dates the claims.
func claimAndAge(t *testing.T, d *drivers.FileDriver, queue string, age time.Duration) {
	t.Helper()
	claimed, err := d.Claim(context.Background(), queue, 0)
	require.NoError(t, err)
	old := time.Now().Add(-age)
	for _, dl := range claimed {
		require.NoError(t, os.Chtimes(dl.Handle, old, old))
	}
}

type nonReclaimer struct{ drivers.Driver }

func (nonReclaimer) Name() string { return "sqs" }

func TestReaperService_SweepReturnsStaleClaims(t *testing.T) {
	d := drivers.NewFileDriver(t.TempDir(), logger.Discard())
	pushTask(t, d, "q")
	pushTask(t, d, "q")
	claimAndAge(t, d, "q", time.Hour)

	s, err := NewReaperService(config.ReaperConfig{IntervalSeconds: 0, StaleAfterSeconds: 60}, logger.Discard())
	require.NoError(t, err)
	assert.True(t, s.Watch(d, "q"))
	assert.True(t, s.Watch(d, "q"), "watching twice is harmless")

	assert.Equal(t, 2, s.Sweep(context.Background()))

	claimed, err := d.Claim(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Len(t, claimed, 2, "reclaimed tasks are pending again")
}

func TestReaperService_SweepKeepsFreshClaims(t *testing.T) {
	d := drivers.NewFileDriver(t.TempDir(), logger.Discard())
	pushTask(t, d, "q")
	claimAndAge(t, d, "q", 0)

	s, err := NewReaperService(config.ReaperConfig{StaleAfterSeconds: 600}, logger.Discard())
	require.NoError(t, err)
	s.Watch(d, "q")

	assert.Equal(t, 0, s.Sweep(context.Background()))
	claimed, err := d.Claim(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestReaperService_WatchSkipsSelfExpiringDrivers(t *testing.T) {
	s, err := NewReaperService(config.ReaperConfig{StaleAfterSeconds: 60}, logger.Discard())
	require.NoError(t, err)
	assert.False(t, s.Watch(nonReclaimer{}, "q"))
	assert.Equal(t, 0, s.Sweep(context.Background()))
}

func TestReaperService_StartDisabled(t *testing.T) {
	s, err := NewReaperService(config.ReaperConfig{IntervalSeconds: 0, StaleAfterSeconds: 60}, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, s.Scheduler.Jobs())
	s.Stop()
}

func TestReaperService_StartSchedulesSweep(t *testing.T) {
	d := drivers.NewFileDriver(t.TempDir(), logger.Discard())
	pushTask(t, d, "q")
	claimAndAge(t, d, "q", time.Hour)

	s, err := NewReaperService(config.ReaperConfig{IntervalSeconds: 1, StaleAfterSeconds: 60}, logger.Discard())
	require.NoError(t, err)
	s.Watch(d, "q")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Len(t, s.Scheduler.Jobs(), 1)
	assert.Equal(t, []string{reaperTag}, s.Scheduler.Jobs()[0].Tags())

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(d.QueueDir("q"))
		if err != nil {
			return false
		}
		for _, e := range entries {
			if !e.IsDir() {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}
