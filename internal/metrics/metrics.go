// Package metrics holds the Prometheus collectors reported by the ingestion
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reelflow"

type Metrics struct {
	transformDuration *prometheus.HistogramVec
	activeJobs        prometheus.Gauge
	queueDepth        prometheus.Gauge
	jobDuration       *prometheus.HistogramVec
	publishTotal      *prometheus.CounterVec
	ingestTotal       *prometheus.CounterVec
	stagedFiles       prometheus.Gauge
}

// New builds the collectors and registers them with reg. A collector that is
// already registered is reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Time spent classifying and encoding one input.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"decision"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "active_jobs",
			Help:      "Transform jobs currently executing.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Transform jobs waiting for a worker.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time of a job from pickup to completion.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"outcome"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Objects published to storage.",
		}, []string{"strategy", "outcome"}),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Upload requests by final outcome.",
		}, []string{"outcome"}),
		stagedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "staged_files",
			Help:      "Temporary files currently held on local disk.",
		}),
	}

	var err error
	m.transformDuration, err = register(reg, m.transformDuration)
	if err != nil {
		return nil, err
	}
	if m.activeJobs, err = register(reg, m.activeJobs); err != nil {
		return nil, err
	}
	if m.queueDepth, err = register(reg, m.queueDepth); err != nil {
		return nil, err
	}
	if m.jobDuration, err = register(reg, m.jobDuration); err != nil {
		return nil, err
	}
	if m.publishTotal, err = register(reg, m.publishTotal); err != nil {
		return nil, err
	}
	if m.ingestTotal, err = register(reg, m.ingestTotal); err != nil {
		return nil, err
	}
	if m.stagedFiles, err = register(reg, m.stagedFiles); err != nil {
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
		return c, err
	}
	return c, nil
}

func (m *Metrics) ObserveTransform(decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.transformDuration.WithLabelValues(decision).Observe(d.Seconds())
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

func (m *Metrics) JobFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Published(strategy, outcome string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) Ingested(outcome string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(outcome).Inc()
}

// StagedDelta matches the tempstore change hook signature.
func (m *Metrics) StagedDelta(delta int) {
	if m == nil {
		return
	}
	m.stagedFiles.Add(float64(delta))
}
