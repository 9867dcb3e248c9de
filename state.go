package duops

import (
	"fmt"
	"time"
)

// OperationState is the lifecycle state of an operation.
//
// The set of implementations is closed: Created, Yielded, Waiting, Retrying,
// Finished and Failed. Finished and Failed are terminal; stores never replace
// a terminal state.
type OperationState interface {
	IsTerminal() bool
	Code() StateCode
	String() string

	isOperationState()
}

// StateCode is the persisted tag of an OperationState.
type StateCode int

const (
	StateCreated  StateCode = 0
	StateYielded  StateCode = 10
	StateWaiting  StateCode = 20
	StateRetrying StateCode = 30
	StateFinished StateCode = 40
	StateFailed   StateCode = 50
)

func (c StateCode) IsTerminal() bool { return c == StateFinished || c == StateFailed }

func (c StateCode) String() string {
	switch c {
	case StateCreated:
		return "created"
	case StateYielded:
		return "yielded"
	case StateWaiting:
		return "waiting"
	case StateRetrying:
		return "retrying"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(c))
	}
}

// Created is the state of a freshly started operation that was never polled.
type Created struct{}

// Yielded means the operation is not finished and has no pending timer.
type Yielded struct{}

// Waiting means the operation suspended itself until Until.
type Waiting struct {
	Until time.Time
}

// Retrying means the last poll failed and the retry policy scheduled another attempt.
type Retrying struct {
	At         time.Time
	RetryCount int
}

// Finished is the terminal success state.
type Finished struct {
	Result SerializedResult
}

// Failed is the terminal failure state.
type Failed struct {
	Reason string
}

func (Created) IsTerminal() bool  { return false }
func (Yielded) IsTerminal() bool  { return false }
func (Waiting) IsTerminal() bool  { return false }
func (Retrying) IsTerminal() bool { return false }
func (Finished) IsTerminal() bool { return true }
func (Failed) IsTerminal() bool   { return true }

func (Created) Code() StateCode  { return StateCreated }
func (Yielded) Code() StateCode  { return StateYielded }
func (Waiting) Code() StateCode  { return StateWaiting }
func (Retrying) Code() StateCode { return StateRetrying }
func (Finished) Code() StateCode { return StateFinished }
func (Failed) Code() StateCode   { return StateFailed }

func (Created) String() string    { return "Created" }
func (Yielded) String() string    { return "Yielded" }
func (s Waiting) String() string  { return "Waiting(" + s.Until.UTC().Format(time.RFC3339Nano) + ")" }
func (s Retrying) String() string {
	return fmt.Sprintf("Retrying(%s, %d)", s.At.UTC().Format(time.RFC3339Nano), s.RetryCount)
}
func (s Finished) String() string { return fmt.Sprintf("Finished(%q)", string(s.Result)) }
func (s Failed) String() string   { return fmt.Sprintf("Failed(%q)", s.Reason) }

func (Created) isOperationState()  {}
func (Yielded) isOperationState()  {}
func (Waiting) isOperationState()  {}
func (Retrying) isOperationState() {}
func (Finished) isOperationState() {}
func (Failed) isOperationState()   {}

// SameState compares two states the way stores round-trip them: timestamps
// are compared at millisecond precision.
func SameState(a, b OperationState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Code() != b.Code() {
		return false
	}
	switch a := a.(type) {
	case Waiting:
		return sameMillis(a.Until, b.(Waiting).Until)
	case Retrying:
		br := b.(Retrying)
		return a.RetryCount == br.RetryCount && sameMillis(a.At, br.At)
	case Finished:
		return a.Result == b.(Finished).Result
	case Failed:
		return a.Reason == b.(Failed).Reason
	default:
		return true
	}
}

func sameMillis(a, b time.Time) bool {
	return a.UnixMilli() == b.UnixMilli()
}

// StateRecord is the flattened, column-friendly form of an OperationState.
type StateRecord struct {
	Code         StateCode         `json:"code"`
	WaitingUntil *time.Time        `json:"waiting_until,omitempty"`
	RetryingAt   *time.Time        `json:"retrying_at,omitempty"`
	RetryCount   *int              `json:"retry_count,omitempty"`
	Result       *SerializedResult `json:"result,omitempty"`
	FailReason   *string           `json:"fail_reason,omitempty"`
}

// FlattenState converts s into its StateRecord.
func FlattenState(s OperationState) StateRecord {
	switch s := s.(type) {
	case Waiting:
		until := s.Until.UTC()
		return StateRecord{Code: StateWaiting, WaitingUntil: &until}
	case Retrying:
		at, n := s.At.UTC(), s.RetryCount
		return StateRecord{Code: StateRetrying, RetryingAt: &at, RetryCount: &n}
	case Finished:
		r := s.Result
		return StateRecord{Code: StateFinished, Result: &r}
	case Failed:
		reason := s.Reason
		return StateRecord{Code: StateFailed, FailReason: &reason}
	default:
		return StateRecord{Code: s.Code()}
	}
}

// State rebuilds the OperationState. Missing payload fields are a corruption error.
func (r StateRecord) State() (OperationState, error) {
	switch r.Code {
	case StateCreated:
		return Created{}, nil
	case StateYielded:
		return Yielded{}, nil
	case StateWaiting:
		if r.WaitingUntil == nil {
			return nil, fmt.Errorf("%w: waiting state without waiting_until", ErrStorage)
		}
		return Waiting{Until: *r.WaitingUntil}, nil
	case StateRetrying:
		if r.RetryingAt == nil || r.RetryCount == nil {
			return nil, fmt.Errorf("%w: retrying state without retrying_at or retry_count", ErrStorage)
		}
		return Retrying{At: *r.RetryingAt, RetryCount: *r.RetryCount}, nil
	case StateFinished:
		if r.Result == nil {
			return nil, fmt.Errorf("%w: finished state without result", ErrStorage)
		}
		return Finished{Result: *r.Result}, nil
	case StateFailed:
		var reason string
		if r.FailReason != nil {
			reason = *r.FailReason
		}
		return Failed{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: unknown state code %d", ErrStorage, int(r.Code))
	}
}
