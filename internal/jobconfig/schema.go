package jobconfig

import "job-replay-service/pkg/validation"

const configurationSchema = `{
	"$defs": {
		"configuration": {
			"type": "object",
			"required": ["driver", "queue"],
			"properties": {
				"id": {"type": "string"},
				"driver": {"enum": ["file", "database", "redis", "sqs", "kafka"]},
				"queue": {"type": "string", "minLength": 1},
				"store-root": {"type": "string"},
				"sqs-queue-url": {"type": "string"},
				"sqs-region": {"type": "string"},
				"sqs-access-key": {"type": "string"},
				"sqs-secret-key": {"type": "string"},
				"sqs-wait-seconds": {"type": "integer", "minimum": 0, "maximum": 20},
				"redis-host": {"type": "string"},
				"redis-port": {"type": "integer", "minimum": 0, "maximum": 65535},
				"redis-password": {"type": "string"},
				"redis-db": {"type": "integer", "minimum": 0},
				"database-url": {"type": "string"},
				"kafka-brokers": {"type": "string"},
				"kafka-group-id": {"type": "string"},
				"for-all-projects": {"type": "boolean"},
				"ignore-on-running": {"type": "boolean"},
				"ignore-on-processing": {"type": "boolean"}
			}
		}
	},
	"oneOf": [
		{"$ref": "#/$defs/configuration"},
		{"type": "array", "items": {"$ref": "#/$defs/configuration"}}
	]
}`

var documentSchema = validation.MustCompile("jobs.schema.json", configurationSchema)
