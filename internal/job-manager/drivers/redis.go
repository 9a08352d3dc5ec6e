package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"job-replay-service/internal/models"
)

// RedisDriver queues serialized tasks on a list per queue. Claiming moves a
// task atomically onto "<queue>:processing" and stamps the claim time in the
// sorted set "<queue>:claims".
type RedisDriver struct {
	client *redis.Client
	logger *slog.Logger
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisDriver, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, models.TransportError("ping redis", err)
	}
	return NewRedisDriver(client, logger), nil
}

func NewRedisDriver(client *redis.Client, logger *slog.Logger) *RedisDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDriver{client: client, logger: logger}
}

func (d *RedisDriver) Name() string { return "redis" }

// reclaimScript moves one claimed body back to the head of the queue and
// drops its claim stamp in a single step. It returns 1 when the body was
// still in the processing list.
var reclaimScript = redis.NewScript(`
local moved = 0
if redis.call("LREM", KEYS[1], 1, ARGV[1]) > 0 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	moved = 1
end
redis.call("ZREM", KEYS[3], ARGV[1])
return moved
`)

func processingKey(queue string) string { return queue + ":processing" }
func claimsKey(queue string) string     { return queue + ":claims" }

func (d *RedisDriver) Push(ctx context.Context, queue string, task models.Task) (string, error) {
	data, err := models.EncodeTask(task)
	if err != nil {
		return "", err
	}
	n, err := d.client.RPush(ctx, queue, data).Result()
	if err != nil {
		return "", models.TransportError("push task", err)
	}
	d.logger.Debug("task pushed", "task_id", task.ID, "length", n)
	return task.ID, nil
}

func (d *RedisDriver) Claim(ctx context.Context, queue string, limit int) ([]Delivery, error) {
	var out []Delivery
	for limit <= 0 || len(out) < limit {
		body, err := d.client.LMove(ctx, queue, processingKey(queue), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, models.TransportError("claim task", err)
		}
		score := float64(time.Now().UnixMilli())
		if err := d.client.ZAdd(ctx, claimsKey(queue), redis.Z{Score: score, Member: body}).Err(); err != nil {
			d.logger.Warn("failed to stamp claim", "queue", queue, "error", err)
		}
		out = append(out, Delivery{Handle: body, Body: []byte(body)})
	}
	return out, nil
}

func (d *RedisDriver) Ack(ctx context.Context, queue string, dl Delivery) error {
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, processingKey(queue), 1, dl.Handle)
		p.ZRem(ctx, claimsKey(queue), dl.Handle)
		return nil
	})
	if err != nil {
		return models.TransportError("ack task", err)
	}
	return nil
}

// Release appends the task to the tail of the queue.
func (d *RedisDriver) Release(ctx context.Context, queue string, dl Delivery, _ error) error {
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, processingKey(queue), 1, dl.Handle)
		p.ZRem(ctx, claimsKey(queue), dl.Handle)
		p.RPush(ctx, queue, dl.Handle)
		return nil
	})
	if err != nil {
		return models.TransportError("release task", err)
	}
	return nil
}

func (d *RedisDriver) Reclaim(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	stale, err := d.client.ZRangeByScore(ctx, claimsKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, models.TransportError("list claims", err)
	}

	n := 0
	for _, body := range stale {
		moved, err := reclaimScript.Run(ctx, d.client,
			[]string{processingKey(queue), queue, claimsKey(queue)}, body).Int()
		if err != nil {
			return n, models.TransportError("reclaim task", err)
		}
		n += moved
	}
	return n, nil
}

// Len reports the number of pending tasks on queue.
func (d *RedisDriver) Len(ctx context.Context, queue string) (int64, error) {
	n, err := d.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (d *RedisDriver) Close() error {
	return d.client.Close()
}

var (
	_ Driver    = (*RedisDriver)(nil)
	_ Reclaimer = (*RedisDriver)(nil)
)
