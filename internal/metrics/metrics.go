package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emojirelay/backend/internal/storage"
)

const namespace = "emojirelay"

// Metrics exports relay and ledger activity to Prometheus. A nil *Metrics
// discards every observation.
type Metrics struct {
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	transfers        *prometheus.CounterVec
	transferBytes    prometheus.Counter
	ledgerOps        *prometheus.CounterVec
}

// New registers the collectors on reg, reusing collectors that are already
// registered under the same name.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Relay pipeline runs by terminal state.",
		}, []string{"state"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of relay pipeline runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_transfers_total",
			Help:      "Asset transfers by outcome.",
		}, []string{"result"}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_transfer_bytes_total",
			Help:      "Bytes streamed from the platform into object storage.",
		}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Share ledger operations by kind and result.",
		}, []string{"op", "result"}),
	}

	var err error
	if m.pipelineRuns, err = register(reg, m.pipelineRuns); err != nil {
		return nil, err
	}
	if m.pipelineDuration, err = register(reg, m.pipelineDuration); err != nil {
		return nil, err
	}
	if m.transfers, err = register(reg, m.transfers); err != nil {
		return nil, err
	}
	if m.transferBytes, err = register(reg, m.transferBytes); err != nil {
		return nil, err
	}
	if m.ledgerOps, err = register(reg, m.ledgerOps); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// PipelineFinished counts a run that ended in state.
func (m *Metrics) PipelineFinished(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(state).Inc()
	m.pipelineDuration.Observe(elapsed.Seconds())
}

// TransferFinished implements storage.Observer.
func (m *Metrics) TransferFinished(outcome storage.Outcome, bytes int64) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(string(outcome)).Inc()
	if bytes > 0 {
		m.transferBytes.Add(float64(bytes))
	}
}

// LedgerOperation counts one ledger call.
func (m *Metrics) LedgerOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerOps.WithLabelValues(op, result).Inc()
}

var _ storage.Observer = (*Metrics)(nil)
