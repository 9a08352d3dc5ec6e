// Package jobconfig loads the driver/queue bindings a context declares in its
// jobs.json document.
package jobconfig

import (
	"fmt"
	"os"
	"strings"

	"job-replay-service/internal/models"
)

// Driver names understood by the drivers package.
const (
	DriverFile     = "file"
	DriverDatabase = "database"
	DriverRedis    = "redis"
	DriverSQS      = "sqs"
	DriverKafka    = "kafka"
)

// JobConfiguration binds a driver and queue together with the connection
// parameters the driver needs. It is immutable once loaded.
type JobConfiguration struct {
	ID     string `json:"id,omitempty"`
	Driver string `json:"driver" validate:"required,oneof=file database redis sqs kafka"`
	Queue  string `json:"queue" validate:"required"`

	// Context is filled in by the loader, not read from the document.
	Context string `json:"-"`

	StoreRoot string `json:"store-root,omitempty"`

	SQSQueueURL    string `json:"sqs-queue-url,omitempty"`
	SQSRegion      string `json:"sqs-region,omitempty"`
	SQSAccessKey   string `json:"sqs-access-key,omitempty"`
	SQSSecretKey   string `json:"sqs-secret-key,omitempty"`
	SQSWaitSeconds int64  `json:"sqs-wait-seconds,omitempty" validate:"gte=0,lte=20"`

	RedisHost     string `json:"redis-host,omitempty"`
	RedisPort     int    `json:"redis-port,omitempty" validate:"gte=0,lt=65536"`
	RedisPassword string `json:"redis-password,omitempty"`
	RedisDB       int    `json:"redis-db,omitempty" validate:"gte=0"`

	DatabaseURL string `json:"database-url,omitempty"`

	KafkaBrokers string `json:"kafka-brokers,omitempty"`
	KafkaGroupID string `json:"kafka-group-id,omitempty"`

	ForAllProjects     bool `json:"for-all-projects,omitempty"`
	IgnoreOnRunning    bool `json:"ignore-on-running,omitempty"`
	IgnoreOnProcessing bool `json:"ignore-on-processing,omitempty"`
}

// Ignored reports whether the configuration opts out of unaddressed runs.
func (c JobConfiguration) Ignored() bool {
	return c.IgnoreOnRunning || c.IgnoreOnProcessing
}

// Name identifies the configuration within its context: its id, or its queue
// when it has none.
func (c JobConfiguration) Name() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Queue
}

// ListenerKey is the registry key of the poller serving c.
func (c JobConfiguration) ListenerKey() string {
	return ListenerKey(c.Context, c.Name())
}

// ListenerKey combines a context and a queue or configuration id.
func ListenerKey(contextName, name string) string {
	return contextName + "::" + name
}

// Brokers splits the comma separated broker list.
func (c JobConfiguration) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// RedisAddr is host:port with the default port filled in.
func (c JobConfiguration) RedisAddr() string {
	port := c.RedisPort
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, port)
}

// resolveEnv fills cloud credentials from the environment when the document
// leaves them out.
func (c *JobConfiguration) resolveEnv() {
	if c.Driver != DriverSQS {
		return
	}
	if c.SQSQueueURL == "" {
		c.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	}
	if c.SQSRegion == "" {
		c.SQSRegion = os.Getenv("AWS_REGION")
	}
	if c.SQSAccessKey == "" {
		c.SQSAccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.SQSSecretKey == "" {
		c.SQSSecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
}

// checkDriver enforces the connection parameters each driver requires.
func (c JobConfiguration) checkDriver() error {
	missing := func(what string) error {
		return fmt.Errorf("%w: %s driver for queue %q needs %s", models.ErrMissingCredential, c.Driver, c.Queue, what)
	}
	switch c.Driver {
	case DriverSQS:
		switch {
		case c.SQSQueueURL == "":
			return missing("sqs-queue-url")
		case c.SQSRegion == "":
			return missing("sqs-region")
		case c.SQSAccessKey == "":
			return missing("sqs-access-key")
		case c.SQSSecretKey == "":
			return missing("sqs-secret-key")
		}
	case DriverRedis:
		if c.RedisHost == "" {
			return missing("redis-host")
		}
	case DriverDatabase:
		if c.DatabaseURL == "" {
			return missing("database-url")
		}
	case DriverKafka:
		if len(c.Brokers()) == 0 {
			return missing("kafka-brokers")
		}
	}
	return nil
}
