package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nvcnvn/duops"
)

const instrumentationName = "github.com/nvcnvn/duops"

// OTel counts lifecycle events with OpenTelemetry Int64 counters.
type OTel struct {
	started          metric.Int64Counter
	checkpointAdded  metric.Int64Counter
	checkpointFailed metric.Int64Counter
	waiting          metric.Int64Counter
	yielded          metric.Int64Counter
	threw            metric.Int64Counter
	finished         metric.Int64Counter
	failed           metric.Int64Counter
}

var _ duops.Telemetry = (*OTel)(nil)

// NewOTel creates the counters on a meter of provider.
func NewOTel(provider metric.MeterProvider) (*OTel, error) {
	meter := provider.Meter(instrumentationName)

	o := &OTel{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.started, MetricStarted, "Operations started"},
		{&o.checkpointAdded, MetricCheckpointAdded, "Checkpoints persisted"},
		{&o.checkpointFailed, MetricCheckpointFailed, "Checkpoint computations that returned an error"},
		{&o.waiting, MetricWaiting, "Polls that suspended the operation with a deadline"},
		{&o.yielded, MetricYielded, "Polls that yielded"},
		{&o.threw, MetricThrew, "Polls that returned an error"},
		{&o.finished, MetricFinished, "Operations finished"},
		{&o.failed, MetricFailed, "Operations failed"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{event}"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

func opAttr(op duops.OperationDiscriminator) attribute.KeyValue {
	return attribute.String(AttrOperationDiscriminator, op.String())
}

// Sinks are called synchronously with no request context.
func add(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (o *OTel) OperationStarted(rec duops.OperationRecord) {
	add(o.started, opAttr(rec.Discriminator))
}

func (o *OTel) CheckpointAdded(op duops.OperationKey, cp duops.CheckpointRecord) {
	add(o.checkpointAdded, opAttr(op.Discriminator), attribute.String(AttrCheckpointDiscriminator, cp.Discriminator.String()))
}

func (o *OTel) CheckpointFailed(op duops.OperationKey, disc duops.CheckpointDiscriminator, err error) {
	add(o.checkpointFailed, opAttr(op.Discriminator),
		attribute.String(AttrCheckpointDiscriminator, disc.String()),
		attribute.String(AttrExceptionType, exceptionType(err)))
}

func (o *OTel) OperationWaiting(op duops.OperationKey, reason string, _ time.Time) {
	add(o.waiting, opAttr(op.Discriminator), attribute.String(AttrWaitingReason, reason))
}

func (o *OTel) OperationYielded(op duops.OperationKey, _ string) {
	add(o.yielded, opAttr(op.Discriminator))
}

func (o *OTel) OperationThrew(op duops.OperationKey, err error, _ *time.Time) {
	add(o.threw, opAttr(op.Discriminator), attribute.String(AttrExceptionType, exceptionType(err)))
}

func (o *OTel) OperationFinished(op duops.OperationKey, _ duops.SerializedResult) {
	add(o.finished, opAttr(op.Discriminator))
}

func (o *OTel) OperationFailed(op duops.OperationKey, _ string) {
	add(o.failed, opAttr(op.Discriminator))
}
