package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"job-replay-service/internal/models"
	pkgdb "job-replay-service/pkg/db"
)

// Job row states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
)

// JobRecord is one queued task. Rows are selected by (queue, status).
type JobRecord struct {
	ID        string     `gorm:"primaryKey;size:64"`
	Queue     string     `gorm:"size:191;not null;index:idx_jobs_queue_status,priority:1"`
	Status    string     `gorm:"size:32;not null;index:idx_jobs_queue_status,priority:2"`
	Payload   string     `gorm:"type:text;not null"`
	Attempts  int        `gorm:"not null;default:0"`
	LastError string     `gorm:"type:text"`
	ClaimedAt *time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (JobRecord) TableName() string { return "jobs" }

// GormDriver stores tasks in a relational jobs table through gorm. A row is
// claimed with a conditional pending to processing update, so of two racing
// runners only one sees a row affected.
type GormDriver struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenGorm connects to url and migrates the jobs table.
func OpenGorm(url string, logger *slog.Logger) (*GormDriver, error) {
	db, err := pkgdb.Open(url, logger)
	if err != nil {
		return nil, models.TransportError("open database", err)
	}
	d, err := NewGormDriver(db, logger)
	if err != nil {
		pkgdb.Close(db)
		return nil, err
	}
	return d, nil
}

func NewGormDriver(db *gorm.DB, logger *slog.Logger) (*GormDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := pkgdb.AutoMigrate(db, &JobRecord{}); err != nil {
		return nil, models.TransportError("migrate jobs table", err)
	}
	return &GormDriver{db: db, logger: logger}, nil
}

func (d *GormDriver) Name() string { return "database" }

func (d *GormDriver) Push(ctx context.Context, queue string, task models.Task) (string, error) {
	data, err := models.EncodeTask(task)
	if err != nil {
		return "", err
	}
	var existing int64
	if err := d.db.WithContext(ctx).Model(&JobRecord{}).Where("id = ?", task.ID).Count(&existing).Error; err != nil {
		return "", models.TransportError("insert job", err)
	}
	if existing > 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	rec := JobRecord{ID: task.ID, Queue: queue, Status: StatusPending, Payload: string(data)}
	if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", models.TransportError("insert job", err)
	}
	return rec.ID, nil
}

func (d *GormDriver) Claim(ctx context.Context, queue string, limit int) ([]Delivery, error) {
	var recs []JobRecord
	q := d.db.WithContext(ctx).
		Where("queue = ? AND status = ?", queue, StatusPending).
		Order("created_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, models.TransportError("select pending jobs", err)
	}

	var out []Delivery
	for _, rec := range recs {
		now := time.Now().UTC()
		res := d.db.WithContext(ctx).Model(&JobRecord{}).
			Where("id = ? AND status = ?", rec.ID, StatusPending).
			Updates(map[string]interface{}{
				"status":     StatusProcessing,
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return out, models.TransportError("claim job", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		out = append(out, Delivery{Handle: rec.ID, Body: []byte(rec.Payload)})
	}
	return out, nil
}

// Ack deletes the row.
func (d *GormDriver) Ack(ctx context.Context, _ string, dl Delivery) error {
	if err := d.db.WithContext(ctx).Delete(&JobRecord{}, "id = ?", dl.Handle).Error; err != nil {
		return models.TransportError("delete job", err)
	}
	return nil
}

// Release puts the row back to pending and records the failure.
func (d *GormDriver) Release(ctx context.Context, _ string, dl Delivery, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	err := d.db.WithContext(ctx).Model(&JobRecord{}).
		Where("id = ? AND status = ?", dl.Handle, StatusProcessing).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"last_error": lastError,
			"claimed_at": nil,
		}).Error
	if err != nil {
		return models.TransportError("release job", err)
	}
	return nil
}

func (d *GormDriver) Reclaim(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := d.db.WithContext(ctx).Model(&JobRecord{}).
		Where("queue = ? AND status = ? AND claimed_at < ?", queue, StatusProcessing, cutoff).
		Updates(map[string]interface{}{"status": StatusPending, "claimed_at": nil})
	if res.Error != nil {
		return 0, models.TransportError("reclaim jobs", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Record returns the stored row for id.
func (d *GormDriver) Record(ctx context.Context, id string) (JobRecord, error) {
	var rec JobRecord
	err := d.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, fmt.Errorf("job %s not found", id)
	}
	return rec, err
}

func (d *GormDriver) Close() error {
	return pkgdb.Close(d.db)
}

var (
	_ Driver    = (*GormDriver)(nil)
	_ Reclaimer = (*GormDriver)(nil)
)
