// Package redis stores duops operations in Redis through go-redis.
//
// Each operation is one JSON document under its own key. Conditional writes
// use optimistic WATCH/MULTI/EXEC transactions retried on contention.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nvcnvn/duops"
)

// DefaultKeyPrefix namespaces the keys written by the store.
const DefaultKeyPrefix = "duops:"

// maxTxRetries bounds how often a contended transaction is replayed.
const maxTxRetries = 32

// ErrContention is returned when a transaction kept losing to concurrent writers.
var ErrContention = errors.New("duops/redis: too much contention on operation key")

// Store is a duops.Store backed by Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ duops.Store = (*Store)(nil)

// New returns a store using client. An empty keyPrefix uses DefaultKeyPrefix.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Ping checks if the store is healthy
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// operationKey returns the Redis key of an operation document.
func (s *Store) operationKey(disc duops.OperationDiscriminator, id duops.OperationID) string {
	return s.keyPrefix + "op:" + disc.String() + ":" + id.String()
}

// document is the stored JSON form of an OperationRecord.
type document struct {
	Discriminator string            `json:"discriminator"`
	ID            string            `json:"id"`
	ScheduleID    string            `json:"schedule_id,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	Args          string            `json:"args"`
	State         duops.StateRecord `json:"state"`
	Checkpoints   duops.Checkpoints `json:"checkpoints"`
}

func toDocument(rec duops.OperationRecord) document {
	state := rec.State
	if state == nil {
		state = duops.Created{}
	}
	return document{
		Discriminator: rec.Discriminator.String(),
		ID:            rec.ID.String(),
		ScheduleID:    rec.ScheduleID.String(),
		StartedAt:     rec.StartedAt.UTC(),
		Args:          string(rec.Args),
		State:         duops.FlattenState(state),
		Checkpoints:   rec.Checkpoints,
	}
}

func (d document) record() (*duops.OperationRecord, error) {
	var (
		rec duops.OperationRecord
		err error
	)
	if rec.Discriminator, err = duops.NewOperationDiscriminator(d.Discriminator); err != nil {
		return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
	}
	if rec.ID, err = duops.ParseOperationID(d.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
	}
	if d.ScheduleID != "" {
		if rec.ScheduleID, err = duops.NewScheduleID(d.ScheduleID); err != nil {
			return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
		}
	}
	if rec.State, err = d.State.State(); err != nil {
		return nil, err
	}
	rec.StartedAt = d.StartedAt.UTC()
	rec.Args = duops.SerializedArgs(d.Args)
	rec.Checkpoints = d.Checkpoints
	return &rec, nil
}

func decode(data []byte) (*duops.OperationRecord, error) {
	var d document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: decode operation document: %v", duops.ErrStorage, err)
	}
	return d.record()
}

func (s *Store) GetByID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) (*duops.OperationRecord, error) {
	data, err := s.client.Get(ctx, s.operationKey(disc, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", key(disc, id), err)
	}
	return decode(data)
}

func (s *Store) GetOrAdd(ctx context.Context, rec duops.OperationRecord) (duops.OperationRecord, error) {
	data, err := json.Marshal(toDocument(rec))
	if err != nil {
		return duops.OperationRecord{}, fmt.Errorf("encode operation document: %w", err)
	}
	if err := s.client.SetNX(ctx, s.operationKey(rec.Discriminator, rec.ID), data, 0).Err(); err != nil {
		return duops.OperationRecord{}, fmt.Errorf("add operation %s: %w", rec.Key(), err)
	}
	stored, err := s.GetByID(ctx, rec.Discriminator, rec.ID)
	if err != nil {
		return duops.OperationRecord{}, err
	}
	if stored == nil {
		// Deleted between the write and the read.
		return duops.OperationRecord{}, &duops.NotFoundError{Operation: rec.Key()}
	}
	return *stored, nil
}

// update runs fn on the current record inside a WATCH transaction. fn returns
// the record to write back, or nil to leave the document untouched.
func (s *Store) update(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, fn func(rec *duops.OperationRecord) (*duops.OperationRecord, error)) error {
	k := s.operationKey(disc, id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return &duops.NotFoundError{Operation: key(disc, id)}
		}
		if err != nil {
			return err
		}
		rec, err := decode(data)
		if err != nil {
			return err
		}
		next, err := fn(rec)
		if err != nil || next == nil {
			return err
		}
		out, err := json.Marshal(toDocument(*next))
		if err != nil {
			return fmt.Errorf("encode operation document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrContention, key(disc, id))
}

func (s *Store) AddCheckpoint(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, cp duops.CheckpointRecord) error {
	return s.update(ctx, disc, id, func(rec *duops.OperationRecord) (*duops.OperationRecord, error) {
		if rec.State.IsTerminal() {
			return nil, &duops.OperationFinishedError{Operation: rec.Key(), State: rec.State}
		}
		changed, err := rec.Checkpoints.Add(cp)
		if err != nil {
			var conflict *duops.CheckpointConflictError
			if errors.As(err, &conflict) {
				conflict.Operation = rec.Key()
			}
			return nil, err
		}
		if !changed {
			return nil, nil
		}
		return rec, nil
	})
}

func (s *Store) SetState(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, state duops.OperationState) (duops.OperationState, error) {
	if err := duops.ValidateSetState(state); err != nil {
		return nil, err
	}
	var stored duops.OperationState
	err := s.update(ctx, disc, id, func(rec *duops.OperationRecord) (*duops.OperationRecord, error) {
		if rec.State.IsTerminal() {
			stored = rec.State
			return nil, nil
		}
		rec.State = state
		stored = state
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetOrSetScheduleID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, sid duops.ScheduleID) (duops.ScheduleID, error) {
	var stored duops.ScheduleID
	err := s.update(ctx, disc, id, func(rec *duops.OperationRecord) (*duops.OperationRecord, error) {
		if rec.State.IsTerminal() {
			return nil, &duops.OperationFinishedError{Operation: rec.Key(), State: rec.State}
		}
		if !rec.ScheduleID.IsZero() {
			stored = rec.ScheduleID
			return nil, nil
		}
		rec.ScheduleID = sid
		stored = sid
		return rec, nil
	})
	if err != nil {
		return duops.ScheduleID{}, err
	}
	return stored, nil
}

func (s *Store) Delete(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) error {
	if err := s.client.Del(ctx, s.operationKey(disc, id)).Err(); err != nil {
		return fmt.Errorf("delete operation %s: %w", key(disc, id), err)
	}
	return nil
}

func key(disc duops.OperationDiscriminator, id duops.OperationID) duops.OperationKey {
	return duops.OperationKey{Discriminator: disc, ID: id}
}
