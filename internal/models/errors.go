package models

import (
	"errors"
	"fmt"
)

// Kind groups errors by how the system reacts to them.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindDispatch      Kind = "dispatch"
	KindExecution     Kind = "execution"
	KindTransport     Kind = "transport"
	KindReplay        Kind = "replay"
	KindUnknown       Kind = "unknown"
)

var (
	ErrUnknownDriver            = errors.New("unknown driver")
	ErrNoConfiguration          = errors.New("no job configuration")
	ErrAmbiguousConfiguration   = errors.New("ambiguous job configuration")
	ErrDuplicateConfigurationID = errors.New("duplicate job configuration id")
	ErrMissingCredential        = errors.New("missing credential")
	ErrMissingArgument          = errors.New("missing argument")
	ErrArityMismatch            = errors.New("arity mismatch")
	ErrSymbolNotFound           = errors.New("symbol not found")
	ErrCoercion                 = errors.New("type coercion failed")
	ErrArtifactMismatch         = errors.New("artifact checksum mismatch")
	ErrInvalidTaskID            = errors.New("invalid task id")
)

// JobError attaches a Kind and the failing operation to an underlying error.
type JobError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *JobError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &JobError{Kind: kind, Op: op, Err: err}
}

// ConfigurationError marks err as a startup-blocking configuration problem.
func ConfigurationError(op string, err error) error { return newError(KindConfiguration, op, err) }

// DispatchError marks err as a failure to enqueue.
func DispatchError(op string, err error) error { return newError(KindDispatch, op, err) }

// ExecutionError marks err as a per-task execution failure.
func ExecutionError(op string, err error) error { return newError(KindExecution, op, err) }

// TransportError marks err as a backend connectivity failure.
func TransportError(op string, err error) error { return newError(KindTransport, op, err) }

// ReplayError marks err as a failure to replay or re-dispatch.
func ReplayError(op string, err error) error { return newError(KindReplay, op, err) }

// KindOf returns the outermost kind attached to err.
func KindOf(err error) Kind {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in err's chain carries kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var jobErr *JobError
		if !errors.As(err, &jobErr) {
			return false
		}
		if jobErr.Kind == kind {
			return true
		}
		err = jobErr.Err
	}
	return false
}
