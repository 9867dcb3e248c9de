package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nvcnvn/duops"
)

// Store is a duops.Store backed by PostgreSQL.
//
// SetState and GetOrSetScheduleID are single conditional UPDATE ... RETURNING
// statements. AddCheckpoint locks the row, merges the checkpoint document in
// Go and writes it back in one transaction.
type Store struct {
	db     DBTX
	cfg    Config
	tables Tables
}

var _ duops.Store = (*Store)(nil)

// New returns a store using db, typically a *pgxpool.Pool.
func New(db DBTX, cfg Config) *Store {
	return &Store{db: db, cfg: cfg, tables: TablesFor(cfg)}
}

// Tables exposes the table names, for components sharing the schema.
func (s *Store) Tables() Tables { return s.tables }

// ShardValue returns the distribution column value of an operation.
func (s *Store) ShardValue(disc duops.OperationDiscriminator, id duops.OperationID) string {
	return duops.ShardValue(disc, id, s.cfg.shardCount())
}

func (s *Store) keyArgs(disc duops.OperationDiscriminator, id duops.OperationID) []any {
	return []any{s.ShardValue(disc, id), disc.String(), id.String()}
}

func (s *Store) GetByID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) (*duops.OperationRecord, error) {
	rec, err := scanOperation(s.db.QueryRow(ctx, s.tables.selectOperationSQL(), s.keyArgs(disc, id)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select operation %s: %w", key(disc, id), err)
	}
	return rec, nil
}

func (s *Store) GetOrAdd(ctx context.Context, rec duops.OperationRecord) (duops.OperationRecord, error) {
	state := rec.State
	if state == nil {
		state = duops.Created{}
	}
	checkpoints, err := json.Marshal(rec.Checkpoints)
	if err != nil {
		return duops.OperationRecord{}, fmt.Errorf("encode checkpoints: %w", err)
	}
	var scheduleID *string
	if !rec.ScheduleID.IsZero() {
		v := rec.ScheduleID.String()
		scheduleID = &v
	}

	args := append(s.keyArgs(rec.Discriminator, rec.ID), scheduleID, rec.StartedAt.UTC(), string(rec.Args))
	args = append(args, stateArgs(duops.FlattenState(state))...)
	args = append(args, checkpoints)
	if _, err := s.db.Exec(ctx, s.tables.insertOperationSQL(), args...); err != nil {
		return duops.OperationRecord{}, fmt.Errorf("insert operation %s: %w", rec.Key(), err)
	}

	stored, err := s.GetByID(ctx, rec.Discriminator, rec.ID)
	if err != nil {
		return duops.OperationRecord{}, err
	}
	if stored == nil {
		// Deleted between the insert and the read.
		return duops.OperationRecord{}, &duops.NotFoundError{Operation: rec.Key()}
	}
	return *stored, nil
}

func (s *Store) AddCheckpoint(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, cp duops.CheckpointRecord) error {
	k := key(disc, id)
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var (
			sr  duops.StateRecord
			raw []byte
		)
		err := scanStateRecord(tx.QueryRow(ctx, s.tables.selectOperationForUpdateSQL(), s.keyArgs(disc, id)...), &sr, &raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return &duops.NotFoundError{Operation: k}
		}
		if err != nil {
			return fmt.Errorf("lock operation %s: %w", k, err)
		}

		if sr.Code.IsTerminal() {
			state, err := sr.State()
			if err != nil {
				return err
			}
			return &duops.OperationFinishedError{Operation: k, State: state}
		}

		var checkpoints duops.Checkpoints
		if err := json.Unmarshal(raw, &checkpoints); err != nil {
			return fmt.Errorf("%w: checkpoints of %s: %v", duops.ErrStorage, k, err)
		}
		changed, err := checkpoints.Add(cp)
		if err != nil {
			var conflict *duops.CheckpointConflictError
			if errors.As(err, &conflict) {
				conflict.Operation = k
			}
			return err
		}
		if !changed {
			return nil
		}

		doc, err := json.Marshal(checkpoints)
		if err != nil {
			return fmt.Errorf("encode checkpoints: %w", err)
		}
		if _, err := tx.Exec(ctx, s.tables.updateCheckpointsSQL(), append(s.keyArgs(disc, id), doc)...); err != nil {
			return fmt.Errorf("update checkpoints of %s: %w", k, err)
		}
		return nil
	})
}

func (s *Store) SetState(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, state duops.OperationState) (duops.OperationState, error) {
	if err := duops.ValidateSetState(state); err != nil {
		return nil, err
	}
	k := key(disc, id)

	args := append(s.keyArgs(disc, id), stateArgs(duops.FlattenState(state))...)
	var sr duops.StateRecord
	err := scanStateRecord(s.db.QueryRow(ctx, s.tables.setStateSQL(), args...), &sr, nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &duops.NotFoundError{Operation: k}
	}
	if err != nil {
		return nil, fmt.Errorf("set state of %s: %w", k, err)
	}
	return sr.State()
}

func (s *Store) GetOrSetScheduleID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, sid duops.ScheduleID) (duops.ScheduleID, error) {
	k := key(disc, id)

	var stored string
	err := s.db.QueryRow(ctx, s.tables.setScheduleIDSQL(), append(s.keyArgs(disc, id), sid.String())...).Scan(&stored)
	if err == nil {
		return duops.NewScheduleID(stored)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return duops.ScheduleID{}, fmt.Errorf("set schedule id of %s: %w", k, err)
	}

	// No row updated: either missing or terminal.
	rec, err := s.GetByID(ctx, disc, id)
	if err != nil {
		return duops.ScheduleID{}, err
	}
	if rec == nil {
		return duops.ScheduleID{}, &duops.NotFoundError{Operation: k}
	}
	return duops.ScheduleID{}, &duops.OperationFinishedError{Operation: k, State: rec.State}
}

func (s *Store) Delete(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) error {
	if _, err := s.db.Exec(ctx, s.tables.deleteOperationSQL(), s.keyArgs(disc, id)...); err != nil {
		return fmt.Errorf("delete operation %s: %w", key(disc, id), err)
	}
	return nil
}

func key(disc duops.OperationDiscriminator, id duops.OperationID) duops.OperationKey {
	return duops.OperationKey{Discriminator: disc, ID: id}
}

// stateArgs renders the state columns in the order
// state, waiting_until, retrying_at, retry_count, result, fail_reason.
func stateArgs(r duops.StateRecord) []any {
	var result *string
	if r.Result != nil {
		v := string(*r.Result)
		result = &v
	}
	return []any{int(r.Code), r.WaitingUntil, r.RetryingAt, r.RetryCount, result, r.FailReason}
}

// scanStateRecord reads the state columns, followed by the checkpoint
// document when raw is not nil.
func scanStateRecord(row pgx.Row, sr *duops.StateRecord, raw *[]byte) error {
	var (
		code   int
		result *string
	)
	dest := []any{&code, &sr.WaitingUntil, &sr.RetryingAt, &sr.RetryCount, &result, &sr.FailReason}
	if raw != nil {
		dest = append(dest, raw)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	sr.Code = duops.StateCode(code)
	if result != nil {
		r := duops.SerializedResult(*result)
		sr.Result = &r
	}
	return nil
}

func scanOperation(row pgx.Row) (*duops.OperationRecord, error) {
	var (
		discriminator string
		id            string
		scheduleID    *string
		startedAt     time.Time
		args          string
		code          int
		result        *string
		raw           []byte
		sr            duops.StateRecord
	)
	err := row.Scan(&discriminator, &id, &scheduleID, &startedAt, &args,
		&code, &sr.WaitingUntil, &sr.RetryingAt, &sr.RetryCount, &result, &sr.FailReason, &raw)
	if err != nil {
		return nil, err
	}
	sr.Code = duops.StateCode(code)
	if result != nil {
		r := duops.SerializedResult(*result)
		sr.Result = &r
	}

	rec := &duops.OperationRecord{StartedAt: startedAt.UTC(), Args: duops.SerializedArgs(args)}
	if rec.Discriminator, err = duops.NewOperationDiscriminator(discriminator); err != nil {
		return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
	}
	if rec.ID, err = duops.ParseOperationID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
	}
	if scheduleID != nil {
		if rec.ScheduleID, err = duops.NewScheduleID(*scheduleID); err != nil {
			return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
		}
	}
	if rec.State, err = sr.State(); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &rec.Checkpoints); err != nil {
		return nil, fmt.Errorf("%w: checkpoints of %s: %v", duops.ErrStorage, rec.Key(), err)
	}
	return rec, nil
}
