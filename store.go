package duops

import (
	"context"
	"fmt"
	"time"
)

// OperationRecord is the persisted form of an operation.
type OperationRecord struct {
	Discriminator OperationDiscriminator
	ID            OperationID
	ScheduleID    ScheduleID // zero until a poll was scheduled
	StartedAt     time.Time
	Args          SerializedArgs
	State         OperationState
	Checkpoints   Checkpoints
}

// NewOperationRecord returns a record in the Created state with no checkpoints.
func NewOperationRecord(disc OperationDiscriminator, id OperationID, args SerializedArgs, startedAt time.Time) OperationRecord {
	return OperationRecord{
		Discriminator: disc,
		ID:            id,
		StartedAt:     startedAt.UTC(),
		Args:          args,
		State:         Created{},
	}
}

func (r OperationRecord) Key() OperationKey {
	return OperationKey{Discriminator: r.Discriminator, ID: r.ID}
}

// Clone returns a copy that shares no mutable state with r.
func (r OperationRecord) Clone() OperationRecord {
	r.Checkpoints = r.Checkpoints.Clone()
	return r
}

// Store persists operation records and their checkpoints.
//
// Every mutating call is an atomic read-modify-conditionally-write that returns
// the current value, so duplicate and concurrent polls converge.
type Store interface {
	// GetByID returns nil, nil when the operation does not exist.
	GetByID(ctx context.Context, disc OperationDiscriminator, id OperationID) (*OperationRecord, error)

	// GetOrAdd inserts rec unless a record with the same identity exists, and
	// returns whichever record is stored afterwards.
	GetOrAdd(ctx context.Context, rec OperationRecord) (OperationRecord, error)

	// AddCheckpoint stores cp. Writing an identical record again is a no-op.
	// It fails with *OperationFinishedError when the operation is terminal and
	// with *CheckpointConflictError on a different value or kind mismatch.
	AddCheckpoint(ctx context.Context, disc OperationDiscriminator, id OperationID, cp CheckpointRecord) error

	// SetState writes state unless the stored state is terminal, and returns
	// the stored state afterwards. Setting Created is a configuration error.
	SetState(ctx context.Context, disc OperationDiscriminator, id OperationID, state OperationState) (OperationState, error)

	// GetOrSetScheduleID sets the schedule handle if none is set and returns
	// the stored handle. It fails with *OperationFinishedError when terminal.
	GetOrSetScheduleID(ctx context.Context, disc OperationDiscriminator, id OperationID, sid ScheduleID) (ScheduleID, error)

	// Delete removes the operation. Deleting a missing operation is not an error.
	Delete(ctx context.Context, disc OperationDiscriminator, id OperationID) error
}

// ValidateSetState rejects states a store must never persist through SetState.
// Store implementations call it first.
func ValidateSetState(state OperationState) error {
	if state == nil {
		return configErrorf("state is nil")
	}
	if _, ok := state.(Created); ok {
		return configErrorf("operation state can not be set to Created")
	}
	return nil
}

// AwaitScheduleID reads the operation until its schedule handle is set.
//
// A scheduler may fire before the starter persisted the handle it was given;
// this bridges that window. It returns the record as last read, which may
// still have no handle when timeout elapsed, and nil when the operation does
// not exist.
func AwaitScheduleID(ctx context.Context, store Store, disc OperationDiscriminator, id OperationID, interval, timeout time.Duration) (*OperationRecord, error) {
	deadline := time.Now().Add(timeout)
	for {
		rec, err := store.GetByID(ctx, disc, id)
		if err != nil {
			return nil, fmt.Errorf("get operation: %w", err)
		}
		if rec == nil || !rec.ScheduleID.IsZero() || !time.Now().Before(deadline) {
			return rec, nil
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
