package duops

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// OperationHandle is a registered operation kind with its types erased.
//
// Schedulers and tooling only know a discriminator and serialized payloads;
// the handle routes them back to the correctly typed Poll instantiation.
type OperationHandle interface {
	Discriminator() OperationDiscriminator
	Poll(ctx context.Context, p *Poller, id OperationID) (OperationState, error)
	// Describe decodes a stored record into a printable view.
	Describe(rec OperationRecord) (OperationView, error)
}

// OperationView is a human readable rendering of an operation record.
type OperationView struct {
	Operation   OperationKey
	ScheduleID  ScheduleID
	StartedAt   string
	Args        string
	State       OperationState
	Result      string
	Checkpoints []CheckpointRecord
}

type registeredOperation[A any, R any] struct {
	def  OperationDefinition[A, R]
	impl Implementation[A, R]
}

func (r registeredOperation[A, R]) Discriminator() OperationDiscriminator {
	return r.def.Discriminator()
}

func (r registeredOperation[A, R]) Poll(ctx context.Context, p *Poller, id OperationID) (OperationState, error) {
	res, err := Poll(ctx, p, r.def, r.impl, id)
	return res.State, err
}

func (r registeredOperation[A, R]) Describe(rec OperationRecord) (OperationView, error) {
	op, err := toOperation(r.def, rec)
	if err != nil {
		return OperationView{}, err
	}
	view := OperationView{
		Operation:   rec.Key(),
		ScheduleID:  rec.ScheduleID,
		StartedAt:   rec.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Args:        fmt.Sprintf("%+v", op.Args),
		State:       rec.State,
		Checkpoints: rec.Checkpoints.Records(),
	}
	if _, ok := rec.State.(Finished); ok {
		view.Result = fmt.Sprintf("%+v", op.Result)
	}
	return view, nil
}

// Registry maps operation discriminators to registered implementations.
//
// Registration is type-safe; execution is dynamic (by discriminator from the
// store or the scheduler). Build one Registry at startup and pass it to the
// components that need it.
type Registry struct {
	mu         sync.RWMutex
	operations map[OperationDiscriminator]OperationHandle
}

func NewRegistry() *Registry {
	return &Registry{operations: map[OperationDiscriminator]OperationHandle{}}
}

// Register registers an operation kind.
//
// Go does not support type parameters on methods, so this is a package-level generic.
// It panics when the discriminator is already registered.
func Register[A any, R any](r *Registry, def OperationDefinition[A, R], impl Implementation[A, R]) {
	if err := register(r, def, impl); err != nil {
		panic(err)
	}
}

func register[A any, R any](r *Registry, def OperationDefinition[A, R], impl Implementation[A, R]) error {
	if r == nil {
		return configErrorf("registry is nil")
	}
	if def == nil {
		return configErrorf("operation definition is nil")
	}
	if impl == nil {
		return configErrorf("implementation of %s is nil", def.Discriminator())
	}
	disc := def.Discriminator()
	if disc.IsZero() {
		return configErrorf("operation discriminator is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.operations[disc]; ok {
		return configErrorf("operation already registered: %s", disc)
	}
	r.operations[disc] = registeredOperation[A, R]{def: def, impl: impl}
	return nil
}

// Lookup returns the handle for disc. An unregistered discriminator is a
// configuration error.
func (r *Registry) Lookup(disc OperationDiscriminator) (OperationHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.operations[disc]
	if !ok {
		return nil, configErrorf("operation %s is not properly registered", disc)
	}
	return h, nil
}

// Invoke calls fn with the handle registered for disc.
func (r *Registry) Invoke(disc OperationDiscriminator, fn func(OperationHandle) error) error {
	h, err := r.Lookup(disc)
	if err != nil {
		return err
	}
	return fn(h)
}

// Poll polls an operation known only by discriminator.
func (r *Registry) Poll(ctx context.Context, p *Poller, disc OperationDiscriminator, id OperationID) (OperationState, error) {
	var state OperationState
	err := r.Invoke(disc, func(h OperationHandle) error {
		var err error
		state, err = h.Poll(ctx, p, id)
		return err
	})
	return state, err
}

// Describe loads and renders an operation known only by discriminator.
// It returns nil when the operation does not exist.
func (r *Registry) Describe(ctx context.Context, store Store, disc OperationDiscriminator, id OperationID) (*OperationView, error) {
	h, err := r.Lookup(disc)
	if err != nil {
		return nil, err
	}
	rec, err := store.GetByID(ctx, disc, id)
	if err != nil || rec == nil {
		return nil, err
	}
	view, err := h.Describe(*rec)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Discriminators lists the registered operation kinds in lexical order.
func (r *Registry) Discriminators() []OperationDiscriminator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]OperationDiscriminator, 0, len(r.operations))
	for disc := range r.operations {
		result = append(result, disc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result
}
