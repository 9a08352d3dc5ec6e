package events

import (
	"time"

	"job-replay-service/internal/models"
)

// CompletionEventType is the declared parameter type name under which the
// completion event is injected into replayed callables.
const CompletionEventType = "JobCompletedEvent"

// JobCompletedEvent is synthesized by the replayer when a task has finished.
type JobCompletedEvent struct {
	TaskID       string    `json:"task_id"`
	FunctionName string    `json:"function_name"`
	Context      string    `json:"context"`
	Origin       string    `json:"origin"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Completed builds the completion event for t.
func Completed(t models.Task, at time.Time) JobCompletedEvent {
	return JobCompletedEvent{
		TaskID:       t.ID,
		FunctionName: t.FunctionName,
		Context:      t.Context,
		Origin:       t.Origin,
		CompletedAt:  at.UTC(),
	}
}
