package drivers

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-replay-service/internal/platform/logger"
)

// setupPostgresDriver connects to DATABASE_URL; the tests skip without it.
func setupPostgresDriver(t *testing.T) *PostgresDriver {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping postgres driver tests")
	}
	d, err := OpenPostgres(context.Background(), url, logger.Discard())
	require.NoError(t, err)
	_, err = d.db.Exec(`DELETE FROM jobs`)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPostgresDriver_Protocol(t *testing.T) {
	exerciseDriver(t, setupPostgresDriver(t), "pg-q1")
}

func TestPostgresDriver_DuplicateAndRelease(t *testing.T) {
	d := setupPostgresDriver(t)
	ctx := context.Background()
	task := testTask("fn")

	_, err := d.Push(ctx, "pg-q", task)
	require.NoError(t, err)
	_, err = d.Push(ctx, "pg-q", task)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	claimed, err := d.Claim(ctx, "pg-q", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, d.Release(ctx, "pg-q", claimed[0], errors.New("exploded")))

	var status, lastError string
	var claimedAt sql.NullTime
	err = d.db.QueryRow(`SELECT status, last_error, claimed_at FROM jobs WHERE id = $1`, task.ID).Scan(&status, &lastError, &claimedAt)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.Equal(t, "exploded", lastError)
	assert.False(t, claimedAt.Valid)
}

func TestPostgresDriver_Reclaim(t *testing.T) {
	d := setupPostgresDriver(t)
	ctx := context.Background()
	task := testTask("fn")
	_, err := d.Push(ctx, "pg-r", task)
	require.NoError(t, err)
	_, err = d.Claim(ctx, "pg-r", 0)
	require.NoError(t, err)

	_, err = d.db.Exec(`UPDATE jobs SET claimed_at = $1 WHERE id = $2`, time.Now().Add(-2*time.Hour), task.ID)
	require.NoError(t, err)

	n, err := d.Reclaim(ctx, "pg-r", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIsPostgresURL(t *testing.T) {
	assert.True(t, isPostgresURL("postgres://u:p@localhost/db"))
	assert.True(t, isPostgresURL("postgresql://localhost/db"))
	assert.False(t, isPostgresURL("mysql://root@tcp(localhost)/db"))
	assert.False(t, isPostgresURL("jobs.db"))
}
