package duops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Implementation is the body of an operation. It is invoked from scratch on
// every poll; work that must not repeat belongs in RunWithCache.
type Implementation[A any, R any] func(ctx context.Context, c *Context, args A) (R, error)

// PollResult is the state persisted by a poll.
type PollResult[R any] struct {
	State OperationState
	// Result is set when State is Finished.
	Result R
}

// Poller runs one execution attempt of an operation against its stored state.
//
// A Poller holds no per-operation state and is safe for concurrent use.
type Poller struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
	notify notifier
}

func NewPoller(store Store, opts ...Option) *Poller {
	o := applyOptions(opts)
	logger := o.logger.With(zap.String("component", "poller"))
	return &Poller{
		store:  store,
		now:    o.now,
		logger: logger,
		notify: notifier{sink: o.telemetry, logger: logger},
	}
}

// Store returns the store the poller reads and writes.
func (p *Poller) Store() Store { return p.store }

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeSuspended
	outcomeFailed
)

// outcome is what one invocation of an implementation produced.
type outcome[R any] struct {
	kind    outcomeKind
	result  R
	suspend suspendSignal
	err     error
}

func invoke[A any, R any](ctx context.Context, c *Context, impl Implementation[A, R], args A) (out outcome[R]) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if s, ok := r.(suspendSignal); ok {
			out = outcome[R]{kind: outcomeSuspended, suspend: s}
			return
		}
		out = outcome[R]{kind: outcomeFailed, err: &PanicError{Value: r, Stack: stack()}}
	}()

	result, err := impl(ctx, c, args)
	if err != nil {
		return outcome[R]{kind: outcomeFailed, err: err}
	}
	return outcome[R]{kind: outcomeCompleted, result: result}
}

// Poll performs one attempt of the operation and persists the resulting state.
//
// A terminal operation is returned unchanged without invoking impl. Errors
// from impl go through the definition's retry policy; store, serialization and
// consistency errors are returned to the caller and change nothing.
//
// Cancelling ctx asks the implementation to yield: if it returns a context
// error while ctx is done, the operation is persisted as Yielded.
func Poll[A any, R any](ctx context.Context, p *Poller, def OperationDefinition[A, R], impl Implementation[A, R], id OperationID) (PollResult[R], error) {
	disc := def.Discriminator()
	key := OperationKey{Discriminator: disc, ID: id}

	rec, err := p.store.GetByID(ctx, disc, id)
	if err != nil {
		return PollResult[R]{}, fmt.Errorf("load %s: %w", key, err)
	}
	if rec == nil {
		return PollResult[R]{}, &NotFoundError{Operation: key}
	}
	if rec.State.IsTerminal() {
		return terminalResult(def, rec.State)
	}

	args, err := def.DeserializeArgs(rec.Args)
	if err != nil {
		return PollResult[R]{}, wrapSerialization(disc.String()+" args", true, err)
	}

	c := newContext(rec, p.store, p.now, p.notify)
	out := invoke(ctx, c, impl, args)

	var (
		next   OperationState
		result R
		reason string
	)
	switch out.kind {
	case outcomeCompleted:
		s, err := def.SerializeResult(out.result)
		if err != nil {
			return PollResult[R]{}, wrapSerialization(disc.String()+" result", false, err)
		}
		if result, err = def.DeserializeResult(s); err != nil {
			return PollResult[R]{}, wrapSerialization(disc.String()+" result", true, err)
		}
		next = Finished{Result: s}

	case outcomeSuspended:
		reason = out.suspend.reason
		if out.suspend.kind == suspendYield {
			next = Yielded{}
		} else {
			next = Waiting{Until: out.suspend.until}
		}

	case outcomeFailed:
		switch {
		case ctx.Err() != nil && (errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded)):
			reason = "poll cancelled"
			next = Yielded{}
		case isEngineError(out.err):
			return PollResult[R]{}, out.err
		default:
			next = p.failureState(def.RetryPolicy(), rec.State, out.err)
		}

	default:
		panic(fmt.Sprintf("duops: unknown outcome kind %d", out.kind))
	}

	stored, err := p.store.SetState(context.WithoutCancel(ctx), disc, id, next)
	if err != nil {
		return PollResult[R]{}, fmt.Errorf("set state of %s: %w", key, err)
	}
	if !SameState(stored, next) {
		return PollResult[R]{State: stored}, &StateMismatchError{Operation: key, Written: next, Stored: stored}
	}

	p.report(key, next, reason, out.err)
	return PollResult[R]{State: stored, Result: result}, nil
}

// failureState applies the retry policy. The retry count is recovered from
// the previous state: only a Retrying state carries it.
func (p *Poller) failureState(policy RetryPolicy, prev OperationState, err error) OperationState {
	if policy == nil {
		policy = ZeroRetryPolicy{}
	}
	retryCount := 0
	if r, ok := prev.(Retrying); ok {
		retryCount = r.RetryCount
	}
	if policy.ShouldRetry(err, retryCount) {
		return Retrying{At: p.now().Add(policy.RetryDelay(err, retryCount)), RetryCount: retryCount + 1}
	}
	return Failed{Reason: err.Error()}
}

func (p *Poller) report(key OperationKey, state OperationState, reason string, err error) {
	logger := p.logger.With(
		zap.Stringer("operation.discriminator", key.Discriminator),
		zap.Stringer("operation.id", key.ID),
	)
	switch s := state.(type) {
	case Finished:
		logger.Debug("operation finished")
		p.notify.notify("finished", func(t Telemetry) { t.OperationFinished(key, s.Result) })
	case Waiting:
		logger.Debug("operation waiting", zap.Time("until", s.Until), zap.String("reason", reason))
		p.notify.notify("waiting", func(t Telemetry) { t.OperationWaiting(key, reason, s.Until) })
	case Yielded:
		logger.Debug("operation yielded", zap.String("reason", reason))
		p.notify.notify("yielded", func(t Telemetry) { t.OperationYielded(key, reason) })
	case Retrying:
		logger.Warn("operation failed, retry scheduled", zap.Error(err), zap.Time("retry_at", s.At), zap.Int("retry_count", s.RetryCount))
		at := s.At
		p.notify.notify("threw", func(t Telemetry) { t.OperationThrew(key, err, &at) })
	case Failed:
		logger.Error("operation failed", zap.Error(err))
		p.notify.notify("threw", func(t Telemetry) { t.OperationThrew(key, err, nil) })
		p.notify.notify("failed", func(t Telemetry) { t.OperationFailed(key, s.Reason) })
	}
}

func terminalResult[A any, R any](def OperationDefinition[A, R], state OperationState) (PollResult[R], error) {
	f, ok := state.(Finished)
	if !ok {
		return PollResult[R]{State: state}, nil
	}
	result, err := def.DeserializeResult(f.Result)
	if err != nil {
		return PollResult[R]{}, wrapSerialization(def.Discriminator().String()+" result", true, err)
	}
	return PollResult[R]{State: state, Result: result}, nil
}
