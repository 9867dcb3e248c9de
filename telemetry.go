package duops

import (
	"time"

	"go.uber.org/zap"
)

// Telemetry receives lifecycle notifications. Calls are synchronous and must
// not block; a panicking sink is recovered and logged.
type Telemetry interface {
	OperationStarted(rec OperationRecord)
	CheckpointAdded(op OperationKey, cp CheckpointRecord)
	CheckpointFailed(op OperationKey, disc CheckpointDiscriminator, err error)
	OperationWaiting(op OperationKey, reason string, until time.Time)
	OperationYielded(op OperationKey, reason string)
	// OperationThrew reports a user-function error. retryAt is nil when the
	// error is not retried.
	OperationThrew(op OperationKey, err error, retryAt *time.Time)
	OperationFinished(op OperationKey, result SerializedResult)
	OperationFailed(op OperationKey, reason string)
}

// NopTelemetry ignores every notification.
type NopTelemetry struct{}

func (NopTelemetry) OperationStarted(OperationRecord)                              {}
func (NopTelemetry) CheckpointAdded(OperationKey, CheckpointRecord)                {}
func (NopTelemetry) CheckpointFailed(OperationKey, CheckpointDiscriminator, error) {}
func (NopTelemetry) OperationWaiting(OperationKey, string, time.Time)              {}
func (NopTelemetry) OperationYielded(OperationKey, string)                         {}
func (NopTelemetry) OperationThrew(OperationKey, error, *time.Time)                {}
func (NopTelemetry) OperationFinished(OperationKey, SerializedResult)              {}
func (NopTelemetry) OperationFailed(OperationKey, string)                          {}

// notifier shields the engine from sink failures.
type notifier struct {
	sink   Telemetry
	logger *zap.Logger
}

func (n notifier) notify(event string, fn func(Telemetry)) {
	if n.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("telemetry sink panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn(n.sink)
}
