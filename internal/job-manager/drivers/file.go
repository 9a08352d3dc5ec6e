package drivers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"job-replay-service/internal/models"
)

const processingDir = ".processing"

// FileDriver keeps one JSON document per task under <root>/jobs/<queue>.
// A task is claimed by renaming it into the queue's .processing directory,
// so only one runner can win a given file.
type FileDriver struct {
	root   string
	logger *slog.Logger
}

func NewFileDriver(root string, logger *slog.Logger) *FileDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileDriver{root: root, logger: logger}
}

func (d *FileDriver) Name() string { return "file" }

// QueueDir is the directory holding the pending tasks of queue.
func (d *FileDriver) QueueDir(queue string) string {
	return filepath.Join(d.root, "jobs", queue)
}

func (d *FileDriver) claimDir(queue string) string {
	return filepath.Join(d.QueueDir(queue), processingDir)
}

// taskPath is <root>/jobs/<queue>/<id>.json, provided queue is a single
// directory name and the document lands directly inside it.
func (d *FileDriver) taskPath(queue, id string) (string, error) {
	if queue == "" || queue == "." || queue == ".." || strings.ContainsAny(queue, "/\\") {
		return "", fmt.Errorf("%w: queue %q", ErrUnsafePath, queue)
	}
	if err := models.ValidateID(id); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsafePath, err)
	}
	dir := filepath.Clean(d.QueueDir(queue))
	path := filepath.Join(dir, id+".json")
	if filepath.Dir(path) != dir {
		return "", fmt.Errorf("%w: task %q", ErrUnsafePath, id)
	}
	return path, nil
}

// Push writes the task as <id>.json. The document is written to a hidden
// temp file first and renamed into place.
func (d *FileDriver) Push(_ context.Context, queue string, task models.Task) (string, error) {
	path, err := d.taskPath(queue, task.ID)
	if err != nil {
		return "", err
	}
	data, err := models.EncodeTask(task)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", models.TransportError("create queue directory", err)
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	tmp, err := os.CreateTemp(dir, ".push-*")
	if err != nil {
		return "", models.TransportError("write task", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", models.TransportError("write task", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", models.TransportError("write task", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", models.TransportError("write task", err)
	}
	return path, nil
}

// Claim renames pending documents into the processing directory in directory
// order. Files another runner claimed first are skipped.
func (d *FileDriver) Claim(ctx context.Context, queue string, limit int) ([]Delivery, error) {
	entries, err := os.ReadDir(d.QueueDir(queue))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, models.TransportError("list queue", err)
	}

	var out []Delivery
	for _, e := range entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		if err := os.MkdirAll(d.claimDir(queue), 0o755); err != nil {
			return out, models.TransportError("create processing directory", err)
		}

		src := filepath.Join(d.QueueDir(queue), name)
		dst := filepath.Join(d.claimDir(queue), name)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return out, models.TransportError("claim task", err)
		}
		now := time.Now()
		_ = os.Chtimes(dst, now, now)

		data, err := os.ReadFile(dst)
		if err != nil {
			d.logger.Warn("claimed task unreadable", "path", dst, "error", err)
			_ = os.Rename(dst, src)
			continue
		}
		out = append(out, Delivery{Handle: dst, Body: data})
	}
	return out, nil
}

// Ack deletes the claimed document.
func (d *FileDriver) Ack(_ context.Context, _ string, dl Delivery) error {
	if err := os.Remove(dl.Handle); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return models.TransportError("ack task", err)
	}
	return nil
}

// Release moves the claimed document back into the queue.
func (d *FileDriver) Release(_ context.Context, queue string, dl Delivery, _ error) error {
	dst := filepath.Join(d.QueueDir(queue), filepath.Base(dl.Handle))
	if err := os.Rename(dl.Handle, dst); err != nil {
		return models.TransportError("release task", err)
	}
	return nil
}

// Reclaim returns documents claimed longer ago than olderThan.
func (d *FileDriver) Reclaim(_ context.Context, queue string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(d.claimDir(queue))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, models.TransportError("list claims", err)
	}
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		src := filepath.Join(d.claimDir(queue), e.Name())
		if err := os.Rename(src, filepath.Join(d.QueueDir(queue), e.Name())); err != nil {
			d.logger.Warn("reclaim failed", "path", src, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (d *FileDriver) Close() error { return nil }

var (
	_ Driver    = (*FileDriver)(nil)
	_ Reclaimer = (*FileDriver)(nil)
)
