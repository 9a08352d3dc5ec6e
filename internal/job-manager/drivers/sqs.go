package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"job-replay-service/internal/models"
)

// SQS returns at most ten messages per receive.
const sqsMaxBatch = 10

// SQSConfig is the connection data for one SQS queue.
type SQSConfig struct {
	QueueName   string
	QueueURL    string
	Region      string
	AccessKey   string
	SecretKey   string
	WaitSeconds int64
}

// SQSDriver sends tasks as message bodies. A received message stays hidden
// for the queue's visibility timeout; Ack deletes it and Release leaves it to
// reappear once that timeout lapses.
type SQSDriver struct {
	client      sqsiface.SQSAPI
	waitSeconds int64
	logger      *slog.Logger

	mu   sync.Mutex
	urls map[string]string
}

// OpenSQS builds a client with static credentials for cfg.Region.
func OpenSQS(cfg SQSConfig, logger *slog.Logger) (*SQSDriver, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, models.ConfigurationError("open sqs", fmt.Errorf("%w: sqs access key and secret key", models.ErrMissingCredential))
	}
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
	})
	if err != nil {
		return nil, models.TransportError("create aws session", err)
	}
	d := NewSQSDriver(sqs.New(sess), cfg.WaitSeconds, logger)
	if cfg.QueueName != "" && cfg.QueueURL != "" {
		d.urls[cfg.QueueName] = cfg.QueueURL
	}
	return d, nil
}

func NewSQSDriver(client sqsiface.SQSAPI, waitSeconds int64, logger *slog.Logger) *SQSDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSDriver{
		client:      client,
		waitSeconds: waitSeconds,
		logger:      logger,
		urls:        make(map[string]string),
	}
}

func (d *SQSDriver) Name() string { return "sqs" }

// SetQueueURL binds a queue name to its URL.
func (d *SQSDriver) SetQueueURL(queue, url string) {
	d.mu.Lock()
	d.urls[queue] = url
	d.mu.Unlock()
}

// queueURL resolves queue through GetQueueUrl the first time it is used.
func (d *SQSDriver) queueURL(ctx context.Context, queue string) (string, error) {
	d.mu.Lock()
	url, ok := d.urls[queue]
	d.mu.Unlock()
	if ok {
		return url, nil
	}
	out, err := d.client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", models.TransportError("resolve queue url", err)
	}
	url = aws.StringValue(out.QueueUrl)
	d.SetQueueURL(queue, url)
	return url, nil
}

func (d *SQSDriver) Push(ctx context.Context, queue string, task models.Task) (string, error) {
	data, err := models.EncodeTask(task)
	if err != nil {
		return "", err
	}
	url, err := d.queueURL(ctx, queue)
	if err != nil {
		return "", err
	}
	out, err := d.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		return "", models.TransportError("send message", err)
	}
	id := aws.StringValue(out.MessageId)
	d.logger.Info("task sent", "task_id", task.ID, "message_id", id)
	return id, nil
}

// Claim receives one batch, waiting up to the configured wait time.
func (d *SQSDriver) Claim(ctx context.Context, queue string, limit int) ([]Delivery, error) {
	url, err := d.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	max := int64(sqsMaxBatch)
	if limit > 0 && limit < sqsMaxBatch {
		max = int64(limit)
	}
	out, err := d.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: aws.Int64(max),
		WaitTimeSeconds:     aws.Int64(d.waitSeconds),
	})
	if err != nil {
		return nil, models.TransportError("receive messages", err)
	}
	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, Delivery{
			Handle: aws.StringValue(m.ReceiptHandle),
			Body:   []byte(aws.StringValue(m.Body)),
		})
	}
	return deliveries, nil
}

func (d *SQSDriver) Ack(ctx context.Context, queue string, dl Delivery) error {
	url, err := d.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = d.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(dl.Handle),
	})
	if err != nil {
		return models.TransportError("delete message", err)
	}
	return nil
}

func (d *SQSDriver) Release(_ context.Context, queue string, dl Delivery, cause error) error {
	d.logger.Debug("message left for redelivery", "queue", queue, "cause", cause)
	return nil
}

func (d *SQSDriver) Close() error { return nil }

var _ Driver = (*SQSDriver)(nil)
