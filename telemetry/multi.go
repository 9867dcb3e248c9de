package telemetry

import (
	"time"

	"github.com/nvcnvn/duops"
)

// Multi forwards every event to each sink in order.
type Multi []duops.Telemetry

var _ duops.Telemetry = Multi(nil)

// Combine drops nil sinks and returns a fan-out over the rest.
func Combine(sinks ...duops.Telemetry) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m Multi) OperationStarted(rec duops.OperationRecord) {
	for _, s := range m {
		s.OperationStarted(rec)
	}
}

func (m Multi) CheckpointAdded(op duops.OperationKey, cp duops.CheckpointRecord) {
	for _, s := range m {
		s.CheckpointAdded(op, cp)
	}
}

func (m Multi) CheckpointFailed(op duops.OperationKey, disc duops.CheckpointDiscriminator, err error) {
	for _, s := range m {
		s.CheckpointFailed(op, disc, err)
	}
}

func (m Multi) OperationWaiting(op duops.OperationKey, reason string, until time.Time) {
	for _, s := range m {
		s.OperationWaiting(op, reason, until)
	}
}

func (m Multi) OperationYielded(op duops.OperationKey, reason string) {
	for _, s := range m {
		s.OperationYielded(op, reason)
	}
}

func (m Multi) OperationThrew(op duops.OperationKey, err error, retryAt *time.Time) {
	for _, s := range m {
		s.OperationThrew(op, err, retryAt)
	}
}

func (m Multi) OperationFinished(op duops.OperationKey, result duops.SerializedResult) {
	for _, s := range m {
		s.OperationFinished(op, result)
	}
}

func (m Multi) OperationFailed(op duops.OperationKey, reason string) {
	for _, s := range m {
		s.OperationFailed(op, reason)
	}
}
