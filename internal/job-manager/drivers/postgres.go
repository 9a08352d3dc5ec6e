package drivers

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/pressly/goose/v3"

	"job-replay-service/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationTable = "jobs_schema_migrations"

// goose keeps its settings in package state.
var gooseMu sync.Mutex

// PostgresDriver stores tasks in PostgreSQL. Claims select pending rows with
// FOR UPDATE SKIP LOCKED so concurrent runners never block on, or share, a row.
type PostgresDriver struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects to url, verifies the connection and applies the
// embedded migrations.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*PostgresDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, models.TransportError("open database", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, models.TransportError("ping database", err)
	}

	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Database connection established", "dialect", "postgres")
	return NewPostgresDriver(db, logger), nil
}

// Migrate applies the embedded goose migrations to db.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{logger: logger.With("component", "migrations")})
	goose.SetTableName(migrationTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func NewPostgresDriver(db *sql.DB, logger *slog.Logger) *PostgresDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDriver{db: db, logger: logger}
}

func (d *PostgresDriver) Name() string { return "database" }

func (d *PostgresDriver) Push(ctx context.Context, queue string, task models.Task) (string, error) {
	data, err := models.EncodeTask(task)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, task.ID, queue, StatusPending, string(data), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		return "", models.TransportError("insert job", err)
	}
	return task.ID, nil
}

func (d *PostgresDriver) Claim(ctx context.Context, queue string, limit int) ([]Delivery, error) {
	var max sql.NullInt64
	if limit > 0 {
		max = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	now := time.Now().UTC()
	rows, err := d.db.QueryContext(ctx, `
		WITH picked AS (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = $2
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = $4, claimed_at = $5, updated_at = $5, attempts = j.attempts + 1
		FROM picked
		WHERE j.id = picked.id
		RETURNING j.id, j.payload, j.created_at
	`, queue, StatusPending, max, StatusProcessing, now)
	if err != nil {
		return nil, models.TransportError("claim jobs", err)
	}
	defer rows.Close()

	type claimed struct {
		d       Delivery
		created time.Time
	}
	var picked []claimed
	for rows.Next() {
		var id, payload string
		var created time.Time
		if err := rows.Scan(&id, &payload, &created); err != nil {
			return nil, models.TransportError("scan job", err)
		}
		picked = append(picked, claimed{d: Delivery{Handle: id, Body: []byte(payload)}, created: created})
	}
	if err := rows.Err(); err != nil {
		return nil, models.TransportError("claim jobs", err)
	}

	sort.SliceStable(picked, func(i, j int) bool { return picked[i].created.Before(picked[j].created) })
	out := make([]Delivery, len(picked))
	for i, p := range picked {
		out[i] = p.d
	}
	return out, nil
}

func (d *PostgresDriver) Ack(ctx context.Context, _ string, dl Delivery) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, dl.Handle); err != nil {
		return models.TransportError("delete job", err)
	}
	return nil
}

func (d *PostgresDriver) Release(ctx context.Context, _ string, dl Delivery, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	_, err := d.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, last_error = $2, claimed_at = NULL, updated_at = $3
		WHERE id = $4 AND status = $5
	`, StatusPending, lastError, time.Now().UTC(), dl.Handle, StatusProcessing)
	if err != nil {
		return models.TransportError("release job", err)
	}
	return nil
}

func (d *PostgresDriver) Reclaim(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := d.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, claimed_at = NULL, updated_at = $2
		WHERE queue = $3 AND status = $4 AND claimed_at < $5
	`, StatusPending, now, queue, StatusProcessing, now.Add(-olderThan))
	if err != nil {
		return 0, models.TransportError("reclaim jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, models.TransportError("reclaim jobs", err)
	}
	return int(n), nil
}

func (d *PostgresDriver) Close() error {
	return d.db.Close()
}

// gooseLogger forwards goose output to slog without exiting on Fatalf.
type gooseLogger struct {
	logger *slog.Logger
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

var (
	_ Driver    = (*PostgresDriver)(nil)
	_ Reclaimer = (*PostgresDriver)(nil)
)
