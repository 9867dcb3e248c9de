// Package telemetry holds duops.Telemetry sinks: a zap logger, Prometheus
// counters, OpenTelemetry counters and a fan-out over several sinks.
package telemetry

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nvcnvn/duops"
)

// Logger renders operation lifecycle events as log lines.
type Logger struct {
	logger *zap.Logger
}

var _ duops.Telemetry = (*Logger)(nil)

// NewLogger returns a sink writing to logger. A nil logger discards events.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.With(zap.String("component", "telemetry"))}
}

func opFields(op duops.OperationKey) []zap.Field {
	return []zap.Field{
		zap.Stringer("operation.discriminator", op.Discriminator),
		zap.Stringer("operation.id", op.ID),
	}
}

func (l *Logger) OperationStarted(rec duops.OperationRecord) {
	l.logger.Info(fmt.Sprintf("%s started with schedule %s and args %s", rec.Key(), rec.ScheduleID, rec.Args),
		append(opFields(rec.Key()), zap.Stringer("schedule.id", rec.ScheduleID))...)
}

func (l *Logger) CheckpointAdded(op duops.OperationKey, cp duops.CheckpointRecord) {
	var msg string
	if cp.Keyed {
		msg = fmt.Sprintf("%s.InterResults[%s][%s] = '%s'", op, cp.Discriminator, cp.Key, cp.Value)
	} else {
		msg = fmt.Sprintf("%s.InterResults[%s] = '%s'", op, cp.Discriminator, cp.Value)
	}
	l.logger.Info(msg, append(opFields(op), zap.Stringer("checkpoint.discriminator", cp.Discriminator))...)
}

func (l *Logger) CheckpointFailed(op duops.OperationKey, disc duops.CheckpointDiscriminator, err error) {
	l.logger.Warn(fmt.Sprintf("%s.InterResults[%s] threw an exception", op, disc),
		append(opFields(op), zap.Stringer("checkpoint.discriminator", disc), zap.Error(err))...)
}

func (l *Logger) OperationWaiting(op duops.OperationKey, reason string, until time.Time) {
	l.logger.Info(fmt.Sprintf("%s is waiting until %s because %s", op, until.UTC().Format(time.RFC3339Nano), reason),
		append(opFields(op), zap.Time("until", until), zap.String("reason", reason))...)
}

func (l *Logger) OperationYielded(op duops.OperationKey, reason string) {
	l.logger.Info(fmt.Sprintf("%s yielded", op), append(opFields(op), zap.String("reason", reason))...)
}

func (l *Logger) OperationThrew(op duops.OperationKey, err error, retryAt *time.Time) {
	if retryAt != nil {
		l.logger.Warn(fmt.Sprintf("%s threw an exception, retry at %s", op, retryAt.UTC().Format(time.RFC3339Nano)),
			append(opFields(op), zap.Error(err), zap.Time("retry_at", *retryAt))...)
		return
	}
	l.logger.Error(fmt.Sprintf("%s threw an exception", op), append(opFields(op), zap.Error(err))...)
}

func (l *Logger) OperationFinished(op duops.OperationKey, result duops.SerializedResult) {
	l.logger.Info(fmt.Sprintf("%s.Result = '%s'", op, result), opFields(op)...)
}

func (l *Logger) OperationFailed(op duops.OperationKey, reason string) {
	l.logger.Error(fmt.Sprintf("%s failed: %s", op, reason), opFields(op)...)
}
