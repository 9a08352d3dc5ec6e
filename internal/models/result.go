package models

// JobResult is the outcome of one task within a polling cycle. The set of
// variants is closed: JobSucceeded and JobFailed.
type JobResult interface {
	JobTask() Task
	jobResult()
}

// JobSucceeded carries a task that executed and was acknowledged.
type JobSucceeded struct {
	Task Task
	// Value is whatever the callable returned.
	Value any
}

func (r JobSucceeded) JobTask() Task { return r.Task }
func (JobSucceeded) jobResult()      {}

// JobFailed carries a task whose execution failed and was released back to
// its backing store.
type JobFailed struct {
	Task Task
	Err  error
}

func (r JobFailed) JobTask() Task { return r.Task }
func (JobFailed) jobResult()      {}
