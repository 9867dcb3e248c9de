package duops

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Poller or a Manager.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	telemetry Telemetry
	now       func() time.Time
}

// WithLogger sets the logger. Default is zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry sets the telemetry sink. Default is NopTelemetry.
func WithTelemetry(t Telemetry) Option {
	return func(o *options) {
		o.telemetry = t
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.telemetry == nil {
		o.telemetry = NopTelemetry{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}
