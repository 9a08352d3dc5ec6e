// Package drivers holds the backing stores tasks are queued in. Every driver
// follows the same claim protocol: Claim takes pending tasks out of view of
// other runners, Ack removes a claimed task after it ran, and Release hands a
// failed task back to the queue. Delivery is therefore at-least-once.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"job-replay-service/internal/jobconfig"
	"job-replay-service/internal/models"
)

var (
	// ErrDuplicateTask is returned by Push when the queue already holds a
	// task with the same id.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrUnsafePath is returned by the file driver for a queue or task id
	// that would resolve outside its queue directory.
	ErrUnsafePath = errors.New("path escapes queue directory")
)

// Delivery is one claimed task awaiting Ack or Release.
type Delivery struct {
	// Handle identifies the claim within the driver (file path, row id,
	// receipt handle, list member).
	Handle string
	Body   []byte

	receipt any
}

// Decode parses the delivery body.
func (d Delivery) Decode() (models.Task, error) {
	return models.DecodeTask(d.Body)
}

// Driver is a backing store for task queues.
type Driver interface {
	Name() string
	// Push enqueues task on queue and returns a delivery identifier.
	Push(ctx context.Context, queue string, task models.Task) (string, error)
	// Claim takes up to limit pending tasks from queue; limit <= 0 means all
	// that are available.
	Claim(ctx context.Context, queue string, limit int) ([]Delivery, error)
	Ack(ctx context.Context, queue string, d Delivery) error
	Release(ctx context.Context, queue string, d Delivery, cause error) error
	Close() error
}

// Reclaimer is implemented by drivers whose claims do not expire on their
// own. Reclaim returns claims older than olderThan to the queue.
type Reclaimer interface {
	Reclaim(ctx context.Context, queue string, olderThan time.Duration) (int, error)
}

// Registry maps driver names onto open drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds d under its name, replacing a previous driver of that name.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Name()] = d
}

// Get returns the driver registered under name.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownDriver, name)
	}
	return d, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered driver.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, d := range r.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s driver: %w", name, err))
		}
	}
	r.drivers = make(map[string]Driver)
	return errors.Join(errs...)
}

// Options carries process-level settings used when opening drivers.
type Options struct {
	// StoreRoot is the file driver root when the configuration has none.
	StoreRoot string
	Logger    *slog.Logger
}

// Open connects the driver a job configuration names.
func Open(ctx context.Context, cfg jobconfig.JobConfiguration, opts Options) (Driver, error) {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	l = l.With("driver", cfg.Driver, "queue", cfg.Queue)

	switch cfg.Driver {
	case jobconfig.DriverFile:
		root := cfg.StoreRoot
		if root == "" {
			root = opts.StoreRoot
		}
		return NewFileDriver(root, l), nil
	case jobconfig.DriverDatabase:
		if isPostgresURL(cfg.DatabaseURL) {
			d, err := OpenPostgres(ctx, cfg.DatabaseURL, l)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
		d, err := OpenGorm(cfg.DatabaseURL, l)
		if err != nil {
			return nil, err
		}
		return d, nil
	case jobconfig.DriverRedis:
		d, err := OpenRedis(ctx, cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, l)
		if err != nil {
			return nil, err
		}
		return d, nil
	case jobconfig.DriverSQS:
		d, err := OpenSQS(SQSConfig{
			QueueName:   cfg.Queue,
			QueueURL:    cfg.SQSQueueURL,
			Region:      cfg.SQSRegion,
			AccessKey:   cfg.SQSAccessKey,
			SecretKey:   cfg.SQSSecretKey,
			WaitSeconds: cfg.SQSWaitSeconds,
		}, l)
		if err != nil {
			return nil, err
		}
		return d, nil
	case jobconfig.DriverKafka:
		return NewKafkaDriver(cfg.Brokers(), cfg.KafkaGroupID, l), nil
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownDriver, cfg.Driver)
}

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}
