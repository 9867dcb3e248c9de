package telemetry

import (
	"errors"
	"fmt"

	"github.com/nvcnvn/duops"
)

// Metric names, dotted as OpenTelemetry instruments. The Prometheus sink
// derives its names by replacing dots with underscores.
const (
	MetricStarted               = "duops.operation.started"
	MetricCheckpointAdded       = "duops.operation.inter_result.added"
	MetricCheckpointFailed      = "duops.operation.inter_result.threw_exception"
	MetricWaiting               = "duops.operation.waitings"
	MetricYielded               = "duops.operation.yielded"
	MetricThrew                 = "duops.operation.threw_exception"
	MetricFinished              = "duops.operation.finished"
	MetricFailed                = "duops.operation.failed"
	AttrOperationDiscriminator  = "operation.discriminator"
	AttrCheckpointDiscriminator = "inter_result.discriminator"
	AttrExceptionType           = "exception.type.name"
	AttrWaitingReason           = "waiting.reason"
)

// exceptionType names the innermost error type, skipping the engine's own
// wrappers so retry-steering wrappers don't hide the cause.
func exceptionType(err error) string {
	if err == nil {
		return ""
	}
	for {
		switch e := err.(type) {
		case *duops.RetryableError, *duops.TerminalError:
			if inner := errors.Unwrap(e); inner != nil {
				err = inner
				continue
			}
		}
		return fmt.Sprintf("%T", err)
	}
}
