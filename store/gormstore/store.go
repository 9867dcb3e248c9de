// Package gormstore stores duops operations through gorm using a normalized
// schema: one row per operation and one row per checkpoint entry.
//
// It runs on any gorm dialector; OpenSQLite and OpenPostgres cover the two
// the project is tested with.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/nvcnvn/duops"
)

// Store is a duops.Store backed by gorm.
//
// Conditional writes run in a transaction that first locks the operation row
// (SELECT ... FOR UPDATE where the dialect supports it; SQLite serializes
// writers on its own).
type Store struct {
	db *gorm.DB
}

var _ duops.Store = (*Store)(nil)

// New wraps an open gorm handle. Call Migrate before first use.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// OpenSQLite opens a pure Go SQLite database at dsn, e.g. "file:duops.db"
// or "file::memory:?cache=shared".
//
// The pool is limited to one connection: SQLite allows a single writer and
// waiting for the connection beats SQLITE_BUSY errors.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return New(db), nil
}

// OpenPostgres opens a Postgres database through gorm's pgx based driver.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return New(db), nil
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&operationRow{}, &checkpointRow{})
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) GetByID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) (*duops.OperationRecord, error) {
	db := s.db.WithContext(ctx)
	row, err := findOperation(db, disc, id, false)
	if err != nil || row == nil {
		return nil, err
	}
	var cps []checkpointRow
	if err := db.Where("discriminator = ? AND operation_id = ?", disc.String(), id.String()).
		Order("id").Find(&cps).Error; err != nil {
		return nil, fmt.Errorf("select checkpoints of %s: %w", key(disc, id), err)
	}
	return toRecord(row, cps)
}

func (s *Store) GetOrAdd(ctx context.Context, rec duops.OperationRecord) (duops.OperationRecord, error) {
	state := rec.State
	if state == nil {
		state = duops.Created{}
	}
	row := operationRow{
		Discriminator: rec.Discriminator.String(),
		ID:            rec.ID.String(),
		StartedAt:     rec.StartedAt.UTC(),
		Args:          string(rec.Args),
	}
	if !rec.ScheduleID.IsZero() {
		sid := rec.ScheduleID.String()
		row.ScheduleID = &sid
	}
	applyState(&row, duops.FlattenState(state))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		for _, cp := range rec.Checkpoints.Records() {
			if err := tx.Create(newCheckpointRow(rec.Key(), cp)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return duops.OperationRecord{}, fmt.Errorf("insert operation %s: %w", rec.Key(), err)
	}

	stored, err := s.GetByID(ctx, rec.Discriminator, rec.ID)
	if err != nil {
		return duops.OperationRecord{}, err
	}
	if stored == nil {
		return duops.OperationRecord{}, &duops.NotFoundError{Operation: rec.Key()}
	}
	return *stored, nil
}

func (s *Store) AddCheckpoint(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, cp duops.CheckpointRecord) error {
	k := key(disc, id)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findOperation(tx, disc, id, true)
		if err != nil {
			return err
		}
		if row == nil {
			return &duops.NotFoundError{Operation: k}
		}
		state, err := rowState(row)
		if err != nil {
			return err
		}
		if state.IsTerminal() {
			return &duops.OperationFinishedError{Operation: k, State: state}
		}

		// Only the rows of this checkpoint discriminator matter for the merge.
		var existing []checkpointRow
		if err := tx.Where("discriminator = ? AND operation_id = ? AND checkpoint = ?", disc.String(), id.String(), cp.Discriminator.String()).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("select checkpoints of %s: %w", k, err)
		}
		records := make([]duops.CheckpointRecord, 0, len(existing))
		for _, r := range existing {
			rec, err := r.record()
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		checkpoints, err := duops.NewCheckpoints(records...)
		if err != nil {
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
		if err := tx.Create(newCheckpointRow(k, cp)).Error; err != nil {
			return fmt.Errorf("insert checkpoint %s of %s: %w", cp.Discriminator, k, err)
		}
		return nil
	})
}

func (s *Store) SetState(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, state duops.OperationState) (duops.OperationState, error) {
	if err := duops.ValidateSetState(state); err != nil {
		return nil, err
	}
	k := key(disc, id)

	var stored duops.OperationState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findOperation(tx, disc, id, true)
		if err != nil {
			return err
		}
		if row == nil {
			return &duops.NotFoundError{Operation: k}
		}
		current, err := rowState(row)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			stored = current
			return nil
		}

		applyState(row, duops.FlattenState(state))
		if err := tx.Model(&operationRow{}).
			Where("discriminator = ? AND id = ?", row.Discriminator, row.ID).
			Updates(map[string]any{
				"state":         row.State,
				"waiting_until": row.WaitingUntil,
				"retrying_at":   row.RetryingAt,
				"retry_count":   row.RetryCount,
				"result":        row.Result,
				"fail_reason":   row.FailReason,
			}).Error; err != nil {
			return fmt.Errorf("set state of %s: %w", k, err)
		}
		stored = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetOrSetScheduleID(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID, sid duops.ScheduleID) (duops.ScheduleID, error) {
	k := key(disc, id)

	var stored duops.ScheduleID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findOperation(tx, disc, id, true)
		if err != nil {
			return err
		}
		if row == nil {
			return &duops.NotFoundError{Operation: k}
		}
		state, err := rowState(row)
		if err != nil {
			return err
		}
		if state.IsTerminal() {
			return &duops.OperationFinishedError{Operation: k, State: state}
		}
		if row.ScheduleID != nil {
			stored, err = duops.NewScheduleID(*row.ScheduleID)
			return err
		}

		if err := tx.Model(&operationRow{}).
			Where("discriminator = ? AND id = ?", row.Discriminator, row.ID).
			Update("schedule_id", sid.String()).Error; err != nil {
			return fmt.Errorf("set schedule id of %s: %w", k, err)
		}
		stored = sid
		return nil
	})
	if err != nil {
		return duops.ScheduleID{}, err
	}
	return stored, nil
}

func (s *Store) Delete(ctx context.Context, disc duops.OperationDiscriminator, id duops.OperationID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("discriminator = ? AND operation_id = ?", disc.String(), id.String()).
			Delete(&checkpointRow{}).Error; err != nil {
			return err
		}
		return tx.Where("discriminator = ? AND id = ?", disc.String(), id.String()).
			Delete(&operationRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete operation %s: %w", key(disc, id), err)
	}
	return nil
}

// findOperation loads the operation row, or nil when it does not exist.
func findOperation(db *gorm.DB, disc duops.OperationDiscriminator, id duops.OperationID, lock bool) (*operationRow, error) {
	q := db.Where("discriminator = ? AND id = ?", disc.String(), id.String())
	if lock && db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row operationRow
	err := q.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select operation %s: %w", key(disc, id), err)
	}
	return &row, nil
}

func applyState(row *operationRow, sr duops.StateRecord) {
	row.State = int(sr.Code)
	row.WaitingUntil = sr.WaitingUntil
	row.RetryingAt = sr.RetryingAt
	row.RetryCount = sr.RetryCount
	row.Result = nil
	if sr.Result != nil {
		r := string(*sr.Result)
		row.Result = &r
	}
	row.FailReason = sr.FailReason
}

func rowState(row *operationRow) (duops.OperationState, error) {
	sr := duops.StateRecord{
		Code:         duops.StateCode(row.State),
		WaitingUntil: utc(row.WaitingUntil),
		RetryingAt:   utc(row.RetryingAt),
		RetryCount:   row.RetryCount,
		FailReason:   row.FailReason,
	}
	if row.Result != nil {
		r := duops.SerializedResult(*row.Result)
		sr.Result = &r
	}
	return sr.State()
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toRecord(row *operationRow, cps []checkpointRow) (*duops.OperationRecord, error) {
	var (
		rec duops.OperationRecord
		err error
	)
	if rec.Discriminator, err = duops.NewOperationDiscriminator(row.Discriminator); err != nil {
		return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
	}
	if rec.ID, err = duops.ParseOperationID(row.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
	}
	if row.ScheduleID != nil {
		if rec.ScheduleID, err = duops.NewScheduleID(*row.ScheduleID); err != nil {
			return nil, fmt.Errorf("%w: %v", duops.ErrStorage, err)
		}
	}
	if rec.State, err = rowState(row); err != nil {
		return nil, err
	}
	rec.StartedAt = row.StartedAt.UTC()
	rec.Args = duops.SerializedArgs(row.Args)

	records := make([]duops.CheckpointRecord, 0, len(cps))
	for _, cp := range cps {
		r, err := cp.record()
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if rec.Checkpoints, err = duops.NewCheckpoints(records...); err != nil {
		return nil, fmt.Errorf("%w: checkpoints of %s: %v", duops.ErrStorage, rec.Key(), err)
	}
	return &rec, nil
}

func newCheckpointRow(op duops.OperationKey, cp duops.CheckpointRecord) *checkpointRow {
	return &checkpointRow{
		Discriminator: op.Discriminator.String(),
		OperationID:   op.ID.String(),
		Checkpoint:    cp.Discriminator.String(),
		CheckpointKey: string(cp.Key),
		Keyed:         cp.Keyed,
		Value:         string(cp.Value),
	}
}

func (r checkpointRow) record() (duops.CheckpointRecord, error) {
	disc, err := duops.NewCheckpointDiscriminator(r.Checkpoint)
	if err != nil {
		return duops.CheckpointRecord{}, fmt.Errorf("%w: %v", duops.ErrStorage, err)
	}
	return duops.CheckpointRecord{
		Discriminator: disc,
		Keyed:         r.Keyed,
		Key:           duops.SerializedCheckpointKey(r.CheckpointKey),
		Value:         duops.SerializedCheckpointValue(r.Value),
	}, nil
}

func key(disc duops.OperationDiscriminator, id duops.OperationID) duops.OperationKey {
	return duops.OperationKey{Discriminator: disc, ID: id}
}
