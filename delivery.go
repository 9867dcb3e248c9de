package duops

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HandleWait bounds how long a delivery waits for its starter to persist the
// schedule handle before giving up on it.
type HandleWait struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultHandleWait polls every 10ms for up to 100ms.
var DefaultHandleWait = HandleWait{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond}

// Delivery is one scheduled poll as seen by a scheduler.
type Delivery struct {
	Discriminator OperationDiscriminator
	ID            OperationID
	ScheduleID    ScheduleID
}

// DeliveryResult says what a scheduler should do after running a delivery.
type DeliveryResult struct {
	// Drop is set when the delivery must not run again.
	Drop bool
	// Reason explains a drop, for logs.
	Reason string
	// State is the operation state after the poll, nil if it did not run.
	State OperationState
	// NextPoll is when to run the delivery again; only meaningful when Drop is false.
	NextPoll time.Time
}

// Deliver runs one delivery on behalf of a scheduler.
//
// A delivery whose operation is gone, terminal, or owned by a different
// schedule handle is dropped without polling. When no handle was persisted
// within wait, the delivery stores its own handle and proceeds. Poll errors
// that cannot heal (an unregistered discriminator, a vanished operation) are
// dropped too. Any other error is returned and the scheduler should retry the
// delivery later.
func Deliver(ctx context.Context, r *Registry, p *Poller, d Delivery, wait HandleWait, now time.Time) (DeliveryResult, error) {
	rec, err := AwaitScheduleID(ctx, p.Store(), d.Discriminator, d.ID, wait.Interval, wait.Timeout)
	if err != nil {
		return DeliveryResult{}, err
	}
	switch {
	case rec == nil:
		return DeliveryResult{Drop: true, Reason: "operation not found"}, nil
	case rec.State.IsTerminal():
		return DeliveryResult{Drop: true, Reason: "operation already " + rec.State.Code().String(), State: rec.State}, nil
	case rec.ScheduleID.IsZero():
		// The starter has not persisted its handle yet. The handle it will
		// write is the one this delivery carries, so claim it first; a
		// concurrent starter that already stored another handle wins.
		stored, err := p.Store().GetOrSetScheduleID(ctx, d.Discriminator, d.ID, d.ScheduleID)
		switch {
		case errors.Is(err, ErrOperationFinished):
			return DeliveryResult{Drop: true, Reason: "operation finished before its schedule handle was persisted"}, nil
		case errors.Is(err, ErrNotFound):
			return DeliveryResult{Drop: true, Reason: "operation not found"}, nil
		case err != nil:
			return DeliveryResult{}, fmt.Errorf("claim schedule handle: %w", err)
		case stored != d.ScheduleID:
			return DeliveryResult{Drop: true, Reason: "schedule handle superseded by " + stored.String(), State: rec.State}, nil
		}
	case rec.ScheduleID != d.ScheduleID:
		return DeliveryResult{Drop: true, Reason: "schedule handle superseded by " + rec.ScheduleID.String(), State: rec.State}, nil
	}

	state, err := r.Poll(ctx, p, d.Discriminator, d.ID)
	if err != nil {
		if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNotFound) {
			return DeliveryResult{Drop: true, Reason: err.Error()}, nil
		}
		return DeliveryResult{}, err
	}

	next, ok := NextPoll(state, now)
	if !ok {
		return DeliveryResult{Drop: true, Reason: "operation " + state.Code().String(), State: state}, nil
	}
	return DeliveryResult{State: state, NextPoll: next}, nil
}

// NextPoll returns when an operation in state should be polled again, and
// false for terminal states.
func NextPoll(state OperationState, now time.Time) (time.Time, bool) {
	switch st := state.(type) {
	case Created, Yielded:
		return now, true
	case Waiting:
		return st.Until, true
	case Retrying:
		return st.At, true
	default:
		return time.Time{}, false
	}
}
