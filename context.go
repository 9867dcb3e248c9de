package duops

import (
	"context"
	"errors"
	"runtime"
	"time"
)

type suspendKind int

const (
	suspendWait suspendKind = iota
	suspendYield
)

// suspendSignal is raised with panic by Wait, WaitUntil and Yield and
// recovered by the poller. It is an intentional non-local transfer of control
// out of the operation implementation, not an error condition.
type suspendSignal struct {
	kind   suspendKind
	reason string
	until  time.Time
}

func (s suspendSignal) String() string {
	if s.kind == suspendYield {
		return "duops: yield(" + s.reason + ")"
	}
	return "duops: wait(" + s.reason + ")"
}

// Context is passed to operation implementations. It gives access to the
// checkpoints persisted by earlier polls and records new ones.
//
// A Context is built for one poll from the checkpoints loaded with the
// operation and must not be shared between goroutines.
type Context struct {
	op          OperationKey
	store       Store
	checkpoints Checkpoints
	now         func() time.Time
	notify      notifier
}

func newContext(rec *OperationRecord, store Store, now func() time.Time, n notifier) *Context {
	if now == nil {
		now = time.Now
	}
	return &Context{
		op:          rec.Key(),
		store:       store,
		checkpoints: rec.Checkpoints.Clone(),
		now:         now,
		notify:      n,
	}
}

func (c *Context) OperationID() OperationID { return c.op.ID }

func (c *Context) Discriminator() OperationDiscriminator { return c.op.Discriminator }

func (c *Context) Operation() OperationKey { return c.op }

// Now reads the engine clock. Values derived from it are not replay safe
// unless cached with RunWithCache.
func (c *Context) Now() time.Time { return c.now() }

// Checkpoints returns a copy of the checkpoints known to this poll.
func (c *Context) Checkpoints() Checkpoints { return c.checkpoints.Clone() }

// Wait suspends the operation for d, measured from the call. It does not return.
func (c *Context) Wait(reason string, d time.Duration) {
	panic(suspendSignal{kind: suspendWait, reason: reason, until: c.now().Add(d)})
}

// WaitUntil suspends the operation until the given time. It does not return.
func (c *Context) WaitUntil(reason string, until time.Time) {
	panic(suspendSignal{kind: suspendWait, reason: reason, until: until})
}

// Yield suspends the operation without a deadline; the scheduler re-polls it
// soon. It does not return.
func (c *Context) Yield(reason string) {
	panic(suspendSignal{kind: suspendYield, reason: reason})
}

// add persists rec. A computed value is stored even when the poll is being
// cancelled, so the work that produced it is not repeated.
func (c *Context) add(ctx context.Context, rec CheckpointRecord) error {
	if err := c.store.AddCheckpoint(context.WithoutCancel(ctx), c.op.Discriminator, c.op.ID, rec); err != nil {
		return &StorageError{Op: "add checkpoint " + rec.Discriminator.String() + " to " + c.op.String(), Err: err}
	}
	if _, err := c.checkpoints.Add(rec); err != nil {
		return c.conflict(err)
	}
	c.notify.notify("checkpoint_added", func(t Telemetry) { t.CheckpointAdded(c.op, rec) })
	return nil
}

func (c *Context) conflict(err error) error {
	var ce *CheckpointConflictError
	if errors.As(err, &ce) && ce.Operation == (OperationKey{}) {
		ce.Operation = c.op
	}
	return err
}

func wrapSerialization(subject string, decode bool, err error) error {
	if err == nil || errors.Is(err, ErrSerialization) {
		return err
	}
	return &SerializationError{Subject: subject, Decode: decode, Err: err}
}

// runStep executes a cached step and turns a panic into *PanicError.
// Suspension signals pass through untouched.
func runStep[V any](ctx context.Context, fn func(context.Context) (V, error)) (out V, err error) {
	defer func() {
		if r := recover(); r != nil {
			if s, ok := r.(suspendSignal); ok {
				panic(s)
			}
			err = &PanicError{Value: r, Stack: stack()}
		}
	}()
	return fn(ctx)
}

func stack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// GetCheckpoint returns the value of a singleton checkpoint. It never reads the store.
func GetCheckpoint[V any](c *Context, def CheckpointDefinition[V]) (V, bool, error) {
	var zero V
	s, ok, err := c.checkpoints.Get(def.Discriminator(), false, "")
	if err != nil || !ok {
		return zero, false, c.conflict(err)
	}
	v, err := def.DeserializeValue(s)
	if err != nil {
		return zero, false, wrapSerialization("checkpoint "+def.Discriminator().String(), true, err)
	}
	return v, true, nil
}

// GetKeyedCheckpoint returns the value stored for key. It never reads the store.
func GetKeyedCheckpoint[K any, V any](c *Context, def KeyedCheckpointDefinition[K, V], key K) (V, bool, error) {
	var zero V
	sk, err := def.SerializeKey(key)
	if err != nil {
		return zero, false, wrapSerialization("checkpoint key "+def.Discriminator().String(), false, err)
	}
	s, ok, err := c.checkpoints.Get(def.Discriminator(), true, sk)
	if err != nil || !ok {
		return zero, false, c.conflict(err)
	}
	v, err := def.DeserializeValue(s)
	if err != nil {
		return zero, false, wrapSerialization("checkpoint "+def.Discriminator().String(), true, err)
	}
	return v, true, nil
}

// KeyedValue is one entry of a keyed checkpoint.
type KeyedValue[K any, V any] struct {
	Key   K
	Value V
}

// GetKeyedCheckpoints returns every entry stored under a keyed definition,
// ordered by serialized key.
func GetKeyedCheckpoints[K any, V any](c *Context, def KeyedCheckpointDefinition[K, V]) ([]KeyedValue[K, V], error) {
	records, err := c.checkpoints.Keyed(def.Discriminator())
	if err != nil {
		return nil, c.conflict(err)
	}
	out := make([]KeyedValue[K, V], 0, len(records))
	for _, r := range records {
		k, err := def.DeserializeKey(r.Key)
		if err != nil {
			return nil, wrapSerialization("checkpoint key "+def.Discriminator().String(), true, err)
		}
		v, err := def.DeserializeValue(r.Value)
		if err != nil {
			return nil, wrapSerialization("checkpoint "+def.Discriminator().String(), true, err)
		}
		out = append(out, KeyedValue[K, V]{Key: k, Value: v})
	}
	return out, nil
}

// AddCheckpoint persists a singleton checkpoint. Writing the same value twice is a no-op.
func AddCheckpoint[V any](ctx context.Context, c *Context, def CheckpointDefinition[V], v V) error {
	s, err := def.SerializeValue(v)
	if err != nil {
		return wrapSerialization("checkpoint "+def.Discriminator().String(), false, err)
	}
	return c.add(ctx, CheckpointRecord{Discriminator: def.Discriminator(), Value: s})
}

// AddKeyedCheckpoint persists a keyed checkpoint entry.
func AddKeyedCheckpoint[K any, V any](ctx context.Context, c *Context, def KeyedCheckpointDefinition[K, V], key K, v V) error {
	sk, err := def.SerializeKey(key)
	if err != nil {
		return wrapSerialization("checkpoint key "+def.Discriminator().String(), false, err)
	}
	s, err := def.SerializeValue(v)
	if err != nil {
		return wrapSerialization("checkpoint "+def.Discriminator().String(), false, err)
	}
	return c.add(ctx, CheckpointRecord{Discriminator: def.Discriminator(), Keyed: true, Key: sk, Value: s})
}

// RunWithCache returns the checkpointed value for def, or runs fn, persists
// its result and returns it.
//
// Once the checkpoint is stored fn is never run again for this operation. The
// value returned on the first run has been through serialize and deserialize,
// so it equals what later polls read back.
func RunWithCache[V any](ctx context.Context, c *Context, def CheckpointDefinition[V], fn func(ctx context.Context) (V, error)) (V, error) {
	if v, ok, err := GetCheckpoint(c, def); err != nil || ok {
		return v, err
	}
	return computeAndStore(ctx, c, def, CheckpointRecord{Discriminator: def.Discriminator()}, fn)
}

// RunKeyedWithCache is RunWithCache for one key of a keyed checkpoint.
func RunKeyedWithCache[K any, V any](ctx context.Context, c *Context, def KeyedCheckpointDefinition[K, V], key K, fn func(ctx context.Context) (V, error)) (V, error) {
	if v, ok, err := GetKeyedCheckpoint(c, def, key); err != nil || ok {
		return v, err
	}
	sk, err := def.SerializeKey(key)
	if err != nil {
		var zero V
		return zero, wrapSerialization("checkpoint key "+def.Discriminator().String(), false, err)
	}
	return computeAndStore(ctx, c, def, CheckpointRecord{Discriminator: def.Discriminator(), Keyed: true, Key: sk}, fn)
}

// RunStep runs a step that produces no value at most once per operation.
func RunStep(ctx context.Context, c *Context, def CheckpointDefinition[Void], fn func(ctx context.Context) error) error {
	_, err := RunWithCache(ctx, c, def, func(ctx context.Context) (Void, error) {
		return Void{}, fn(ctx)
	})
	return err
}

func computeAndStore[V any](ctx context.Context, c *Context, def CheckpointDefinition[V], rec CheckpointRecord, fn func(context.Context) (V, error)) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	v, err := runStep(ctx, fn)
	if err != nil {
		c.notify.notify("checkpoint_failed", func(t Telemetry) { t.CheckpointFailed(c.op, rec.Discriminator, err) })
		return zero, err
	}

	subject := "checkpoint " + def.Discriminator().String()
	s, err := def.SerializeValue(v)
	if err != nil {
		return zero, wrapSerialization(subject, false, err)
	}
	v, err = def.DeserializeValue(s)
	if err != nil {
		return zero, wrapSerialization(subject, true, err)
	}

	rec.Value = s
	if err := c.add(ctx, rec); err != nil {
		return zero, err
	}
	return v, nil
}
