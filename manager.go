package duops

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Operation is the typed view of an OperationRecord.
type Operation[A any, R any] struct {
	Discriminator OperationDiscriminator
	ID            OperationID
	ScheduleID    ScheduleID
	StartedAt     time.Time
	Args          A
	State         OperationState
	// Result is set when State is Finished.
	Result R
}

func (o *Operation[A, R]) Key() OperationKey {
	return OperationKey{Discriminator: o.Discriminator, ID: o.ID}
}

// Manager starts operations in the background.
type Manager struct {
	store     Store
	scheduler Scheduler
	now       func() time.Time
	logger    *zap.Logger
	notify    notifier
}

func NewManager(store Store, scheduler Scheduler, opts ...Option) *Manager {
	o := applyOptions(opts)
	logger := o.logger.With(zap.String("component", "manager"))
	return &Manager{
		store:     store,
		scheduler: scheduler,
		now:       o.now,
		logger:    logger,
		notify:    notifier{sink: o.telemetry, logger: logger},
	}
}

// Start persists the operation and schedules its first poll.
//
// Starting an id that already exists returns the stored operation; the args
// passed by the later caller are discarded. When two starters race, both may
// schedule a poll but only one schedule handle is kept.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func Start[A any, R any](ctx context.Context, m *Manager, def OperationDefinition[A, R], id OperationID, args A) (*Operation[A, R], error) {
	disc := def.Discriminator()
	key := OperationKey{Discriminator: disc, ID: id}

	serialized, err := def.SerializeArgs(args)
	if err != nil {
		return nil, wrapSerialization(disc.String()+" args", false, err)
	}

	rec, err := m.store.GetOrAdd(ctx, NewOperationRecord(disc, id, serialized, m.now()))
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", key, err)
	}

	if rec.ScheduleID.IsZero() && !rec.State.IsTerminal() {
		sid, err := m.scheduler.Schedule(ctx, disc, id)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", key, err)
		}
		stored, err := m.store.GetOrSetScheduleID(ctx, disc, id, sid)
		if err != nil {
			return nil, fmt.Errorf("set schedule id of %s: %w", key, err)
		}
		if stored != sid {
			m.logger.Info("operation already scheduled by a concurrent start",
				zap.Stringer("operation.discriminator", disc),
				zap.Stringer("operation.id", id),
				zap.Stringer("schedule.id", stored),
				zap.Stringer("discarded_schedule.id", sid),
			)
		}
		rec.ScheduleID = stored
	}

	m.notify.notify("started", func(t Telemetry) { t.OperationStarted(rec) })

	return toOperation(def, rec)
}

// Get reads the typed operation, or returns nil when it does not exist.
func Get[A any, R any](ctx context.Context, store Store, def OperationDefinition[A, R], id OperationID) (*Operation[A, R], error) {
	rec, err := store.GetByID(ctx, def.Discriminator(), id)
	if err != nil || rec == nil {
		return nil, err
	}
	return toOperation(def, *rec)
}

// Delete purges the operation record. It is idempotent.
func (m *Manager) Delete(ctx context.Context, disc OperationDiscriminator, id OperationID) error {
	if err := m.store.Delete(ctx, disc, id); err != nil {
		return fmt.Errorf("delete %s: %w", OperationKey{Discriminator: disc, ID: id}, err)
	}
	return nil
}

func toOperation[A any, R any](def OperationDefinition[A, R], rec OperationRecord) (*Operation[A, R], error) {
	args, err := def.DeserializeArgs(rec.Args)
	if err != nil {
		return nil, wrapSerialization(def.Discriminator().String()+" args", true, err)
	}
	op := &Operation[A, R]{
		Discriminator: rec.Discriminator,
		ID:            rec.ID,
		ScheduleID:    rec.ScheduleID,
		StartedAt:     rec.StartedAt,
		Args:          args,
		State:         rec.State,
	}
	if f, ok := rec.State.(Finished); ok {
		if op.Result, err = def.DeserializeResult(f.Result); err != nil {
			return nil, wrapSerialization(def.Discriminator().String()+" result", true, err)
		}
	}
	return op, nil
}
