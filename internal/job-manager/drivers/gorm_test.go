package drivers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-replay-service/internal/platform/logger"
)

func setupGormDriver(t *testing.T) *GormDriver {
	t.Helper()
	d, err := OpenGorm("sqlite://"+filepath.Join(t.TempDir(), "jobs.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGormDriver_Protocol(t *testing.T) {
	exerciseDriver(t, setupGormDriver(t), "q1")
}

func TestGormDriver_ReleaseRecordsError(t *testing.T) {
	d := setupGormDriver(t)
	ctx := context.Background()
	task := testTask("fn")
	_, err := d.Push(ctx, "q", task)
	require.NoError(t, err)

	_, err = d.Push(ctx, "q", task)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	claimed, err := d.Claim(ctx, "q", 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	rec, err := d.Record(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotNil(t, rec.ClaimedAt)

	require.NoError(t, d.Release(ctx, "q", claimed[0], errors.New("exploded")))
	rec, err = d.Record(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "exploded", rec.LastError)
	assert.Nil(t, rec.ClaimedAt)
}

func TestGormDriver_QueuesAreSeparate(t *testing.T) {
	d := setupGormDriver(t)
	ctx := context.Background()
	_, err := d.Push(ctx, "a", testTask("fn"))
	require.NoError(t, err)

	claimed, err := d.Claim(ctx, "b", 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestGormDriver_Reclaim(t *testing.T) {
	d := setupGormDriver(t)
	ctx := context.Background()
	task := testTask("fn")
	_, err := d.Push(ctx, "q", task)
	require.NoError(t, err)
	_, err = d.Claim(ctx, "q", 0)
	require.NoError(t, err)

	n, err := d.Reclaim(ctx, "q", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, d.db.Model(&JobRecord{}).Where("id = ?", task.ID).Update("claimed_at", old).Error)

	n, err = d.Reclaim(ctx, "q", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := d.Record(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}
