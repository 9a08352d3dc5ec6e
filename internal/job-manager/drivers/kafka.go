package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"job-replay-service/internal/models"
)

const (
	DefaultKafkaGroupID = "job-replay-workers"
	// DefaultKafkaPollWindow bounds how long Claim waits for messages.
	DefaultKafkaPollWindow = time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDriver publishes each task to the topic named by its queue and
// consumes through a consumer group. Ack commits the message offset; Release
// re-publishes the task before committing, so a failed task goes to the back
// of the topic.
type KafkaDriver struct {
	writer     messageWriter
	newReader  func(topic string) messageReader
	pollWindow time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	readers map[string]messageReader
}

func NewKafkaDriver(brokers []string, groupID string, logger *slog.Logger) *KafkaDriver {
	if groupID == "" {
		groupID = DefaultKafkaGroupID
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	newReader := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return newKafkaDriver(writer, newReader, logger)
}

func newKafkaDriver(writer messageWriter, newReader func(string) messageReader, logger *slog.Logger) *KafkaDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaDriver{
		writer:     writer,
		newReader:  newReader,
		pollWindow: DefaultKafkaPollWindow,
		logger:     logger,
		readers:    make(map[string]messageReader),
	}
}

func (d *KafkaDriver) Name() string { return "kafka" }

func (d *KafkaDriver) reader(topic string) messageReader {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.readers[topic]
	if !ok {
		r = d.newReader(topic)
		d.readers[topic] = r
	}
	return r
}

func (d *KafkaDriver) Push(ctx context.Context, queue string, task models.Task) (string, error) {
	data, err := models.EncodeTask(task)
	if err != nil {
		return "", err
	}
	if err := d.publish(ctx, queue, []byte(task.ID), data); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (d *KafkaDriver) publish(ctx context.Context, topic string, key, value []byte) error {
	err := d.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: value})
	if err != nil {
		return models.TransportError("publish task", err)
	}
	return nil
}

// Claim fetches messages until limit is reached or no message arrives within
// the poll window.
func (d *KafkaDriver) Claim(ctx context.Context, queue string, limit int) ([]Delivery, error) {
	r := d.reader(queue)
	var out []Delivery
	for limit <= 0 || len(out) < limit {
		fetchCtx, cancel := context.WithTimeout(ctx, d.pollWindow)
		msg, err := r.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return out, models.TransportError("fetch message", err)
		}
		out = append(out, Delivery{
			Handle:  fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Body:    msg.Value,
			receipt: msg,
		})
	}
	return out, nil
}

func (d *KafkaDriver) commit(ctx context.Context, queue string, dl Delivery) error {
	msg, ok := dl.receipt.(kafka.Message)
	if !ok {
		return fmt.Errorf("delivery %s was not claimed from kafka", dl.Handle)
	}
	if err := d.reader(queue).CommitMessages(ctx, msg); err != nil {
		return models.TransportError("commit offset", err)
	}
	return nil
}

func (d *KafkaDriver) Ack(ctx context.Context, queue string, dl Delivery) error {
	return d.commit(ctx, queue, dl)
}

func (d *KafkaDriver) Release(ctx context.Context, queue string, dl Delivery, _ error) error {
	var key []byte
	if msg, ok := dl.receipt.(kafka.Message); ok {
		key = msg.Key
	}
	if err := d.publish(ctx, queue, key, dl.Body); err != nil {
		return err
	}
	return d.commit(ctx, queue, dl)
}

func (d *KafkaDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	errs := []error{d.writer.Close()}
	for topic, r := range d.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %s: %w", topic, err))
		}
	}
	d.readers = make(map[string]messageReader)
	return errors.Join(errs...)
}

var _ Driver = (*KafkaDriver)(nil)
