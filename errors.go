package duops

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	// ErrNotFound indicates the operation does not exist in the store.
	ErrNotFound = errors.New("duops: operation not found")

	// ErrCheckpointConflict indicates a checkpoint was written with a different value
	// or a keyed and a singleton checkpoint share a discriminator.
	ErrCheckpointConflict = errors.New("duops: checkpoint conflict")

	// ErrOperationFinished indicates a write after the operation reached a terminal state.
	ErrOperationFinished = errors.New("duops: operation already finished")

	// ErrSerialization indicates an encode or decode failure.
	ErrSerialization = errors.New("duops: serialization failed")

	// ErrConfiguration indicates a malformed identifier or an unregistered discriminator.
	ErrConfiguration = errors.New("duops: configuration error")

	// ErrStateMismatch indicates the store reports a state different from the one
	// the poller wrote. It is never retried.
	ErrStateMismatch = errors.New("duops: persisted state mismatch")

	// ErrStorage marks errors returned by a Store.
	ErrStorage = errors.New("duops: storage error")
)

// NotFoundError reports a missing operation record.
type NotFoundError struct {
	Operation OperationKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("duops: %s was not found", e.Operation)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CheckpointConflictError reports a rejected checkpoint write.
type CheckpointConflictError struct {
	Operation  OperationKey
	Checkpoint CheckpointDiscriminator
	Key        SerializedCheckpointKey
	Keyed      bool
	Reason     string
}

func (e *CheckpointConflictError) Error() string {
	if e.Keyed {
		return fmt.Sprintf("duops: %s.InterResults[%s][%s]: %s", e.Operation, e.Checkpoint, e.Key, e.Reason)
	}
	return fmt.Sprintf("duops: %s.InterResults[%s]: %s", e.Operation, e.Checkpoint, e.Reason)
}

func (e *CheckpointConflictError) Is(target error) bool { return target == ErrCheckpointConflict }

// OperationFinishedError reports a write attempted after finalization.
type OperationFinishedError struct {
	Operation OperationKey
	State     OperationState
}

func (e *OperationFinishedError) Error() string {
	return fmt.Sprintf("duops: %s is already %s", e.Operation, e.State)
}

func (e *OperationFinishedError) Is(target error) bool { return target == ErrOperationFinished }

// SerializationError wraps a codec failure.
type SerializationError struct {
	// Subject names what was being converted, e.g. "args" or "checkpoint first_step".
	Subject string
	Decode  bool
	Err     error
}

func (e *SerializationError) Error() string {
	op := "serialize"
	if e.Decode {
		op = "deserialize"
	}
	return fmt.Sprintf("duops: %s %s: %v", op, e.Subject, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// ConfigurationError reports a programming or setup mistake.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "duops: " + e.Msg }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// StateMismatchError reports that a conditional state write converged on a
// different state than the one requested.
type StateMismatchError struct {
	Operation OperationKey
	Written   OperationState
	Stored    OperationState
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("duops: %s: wrote %s but store holds %s", e.Operation, e.Written, e.Stored)
}

func (e *StateMismatchError) Is(target error) bool { return target == ErrStateMismatch }

// StorageError wraps a failure raised by a Store call made on behalf of user code.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("duops: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// PanicError wraps a panic raised by an operation implementation or a cached step.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("duops: panic: %v", e.Value)
}

// RetryableError wraps an error to indicate it should be retried.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// TerminalError wraps an error to indicate it should not be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError creates a new terminal error.
func NewTerminalError(err error) error {
	return &TerminalError{Err: err}
}

// IsTerminalError checks if an error is terminal.
func IsTerminalError(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// isEngineError reports errors the poller propagates instead of handing them
// to the retry policy.
func isEngineError(err error) bool {
	for _, target := range []error{
		ErrStorage,
		ErrSerialization,
		ErrCheckpointConflict,
		ErrOperationFinished,
		ErrNotFound,
		ErrConfiguration,
		ErrStateMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
