package telemetry

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvcnvn/duops"
)

// Prometheus counts lifecycle events as Prometheus counters.
type Prometheus struct {
	started          *prometheus.CounterVec
	checkpointAdded  *prometheus.CounterVec
	checkpointFailed *prometheus.CounterVec
	waiting          *prometheus.CounterVec
	yielded          *prometheus.CounterVec
	threw            *prometheus.CounterVec
	finished         *prometheus.CounterVec
	failed           *prometheus.CounterVec
}

var _ duops.Telemetry = (*Prometheus)(nil)

func promName(metric string) string {
	return strings.ReplaceAll(metric, ".", "_") + "_total"
}

func promLabel(attr string) string {
	return strings.ReplaceAll(attr, ".", "_")
}

// NewPrometheus creates the counters and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	op := promLabel(AttrOperationDiscriminator)
	cp := promLabel(AttrCheckpointDiscriminator)
	exc := promLabel(AttrExceptionType)

	counter := func(metric, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: promName(metric), Help: help}, labels)
	}
	p := &Prometheus{
		started:          counter(MetricStarted, "Operations started", op),
		checkpointAdded:  counter(MetricCheckpointAdded, "Checkpoints persisted", op, cp),
		checkpointFailed: counter(MetricCheckpointFailed, "Checkpoint computations that returned an error", op, cp, exc),
		waiting:          counter(MetricWaiting, "Polls that suspended the operation with a deadline", op, promLabel(AttrWaitingReason)),
		yielded:          counter(MetricYielded, "Polls that yielded", op),
		threw:            counter(MetricThrew, "Polls that returned an error", op, exc),
		finished:         counter(MetricFinished, "Operations finished", op),
		failed:           counter(MetricFailed, "Operations failed", op),
	}
	for _, c := range []prometheus.Collector{
		p.started, p.checkpointAdded, p.checkpointFailed, p.waiting,
		p.yielded, p.threw, p.finished, p.failed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) OperationStarted(rec duops.OperationRecord) {
	p.started.WithLabelValues(rec.Discriminator.String()).Inc()
}

func (p *Prometheus) CheckpointAdded(op duops.OperationKey, cp duops.CheckpointRecord) {
	p.checkpointAdded.WithLabelValues(op.Discriminator.String(), cp.Discriminator.String()).Inc()
}

func (p *Prometheus) CheckpointFailed(op duops.OperationKey, disc duops.CheckpointDiscriminator, err error) {
	p.checkpointFailed.WithLabelValues(op.Discriminator.String(), disc.String(), exceptionType(err)).Inc()
}

func (p *Prometheus) OperationWaiting(op duops.OperationKey, reason string, _ time.Time) {
	p.waiting.WithLabelValues(op.Discriminator.String(), reason).Inc()
}

func (p *Prometheus) OperationYielded(op duops.OperationKey, _ string) {
	p.yielded.WithLabelValues(op.Discriminator.String()).Inc()
}

func (p *Prometheus) OperationThrew(op duops.OperationKey, err error, _ *time.Time) {
	p.threw.WithLabelValues(op.Discriminator.String(), exceptionType(err)).Inc()
}

func (p *Prometheus) OperationFinished(op duops.OperationKey, _ duops.SerializedResult) {
	p.finished.WithLabelValues(op.Discriminator.String()).Inc()
}

func (p *Prometheus) OperationFailed(op duops.OperationKey, _ string) {
	p.failed.WithLabelValues(op.Discriminator.String()).Inc()
}
