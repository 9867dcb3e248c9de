// Package memory is an in-process duops.Store. It is meant for tests and
// single-process deployments; nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"github.com/nvcnvn/duops"
)

// Store keeps operation records in a mutex-guarded map. Every call is atomic.
type Store struct {
	mu         sync.Mutex
	operations map[duops.OperationKey]*duops.OperationRecord
}

func New() *Store {
	return &Store{operations: map[duops.OperationKey]*duops.OperationRecord{}}
}

var _ duops.Store = (*Store)(nil)

func key(disc duops.OperationDiscriminator, id duops.OperationID) duops.OperationKey {
	return duops.OperationKey{Discriminator: disc, ID: id}
}

func (s *Store) GetByID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) (*duops.OperationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.operations[key(disc, id)]
	if !ok {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

func (s *Store) GetOrAdd(ctx context.Context, rec duops.OperationRecord) (duops.OperationRecord, error) {
	if err := ctx.Err(); err != nil {
		return duops.OperationRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.Key()
	if existing, ok := s.operations[k]; ok {
		return existing.Clone(), nil
	}
	stored := rec.Clone()
	if stored.State == nil {
		stored.State = duops.Created{}
	}
	s.operations[k] = &stored
	return stored.Clone(), nil
}

func (s *Store) AddCheckpoint(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, cp duops.CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(disc, id)
	rec, ok := s.operations[k]
	if !ok {
		return &duops.NotFoundError{Operation: k}
	}
	if rec.State.IsTerminal() {
		return &duops.OperationFinishedError{Operation: k, State: rec.State}
	}
	if _, err := rec.Checkpoints.Add(cp); err != nil {
		if conflict, ok := err.(*duops.CheckpointConflictError); ok {
			conflict.Operation = k
		}
		return err
	}
	return nil
}

func (s *Store) SetState(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, state duops.OperationState) (duops.OperationState, error) {
	if err := duops.ValidateSetState(state); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(disc, id)
	rec, ok := s.operations[k]
	if !ok {
		return nil, &duops.NotFoundError{Operation: k}
	}
	if !rec.State.IsTerminal() {
		rec.State = state
	}
	return rec.State, nil
}

func (s *Store) GetOrSetScheduleID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, sid duops.ScheduleID) (duops.ScheduleID, error) {
	if err := ctx.Err(); err != nil {
		return duops.ScheduleID{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(disc, id)
	rec, ok := s.operations[k]
	if !ok {
		return duops.ScheduleID{}, &duops.NotFoundError{Operation: k}
	}
	if rec.State.IsTerminal() {
		return duops.ScheduleID{}, &duops.OperationFinishedError{Operation: k, State: rec.State}
	}
	if rec.ScheduleID.IsZero() {
		rec.ScheduleID = sid
	}
	return rec.ScheduleID, nil
}

func (s *Store) Delete(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.operations, key(disc, id))
	return nil
}

// Len returns the number of stored operations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.operations)
}
