package core

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the import engine.
type Metrics struct {
	Rows         *prometheus.CounterVec
	FKUnresolved *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec
	Operations   *prometheus.CounterVec
	ActiveLoads  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		Rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_rows_total",
				Help: "Imported records partitioned by entity and outcome.",
			},
			[]string{"entity", "outcome"},
		),
		FKUnresolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_fk_unresolved_total",
				Help: "References that could not be resolved, by entity and target.",
			},
			[]string{"entity", "target"},
		),
		LoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_load_duration_seconds",
				Help:    "Time taken to load one entity",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"entity"},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_operations_total",
				Help: "Engine operations partitioned by name and status.",
			},
			[]string{"operation", "status"},
		),
		ActiveLoads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reconcile_active_operations",
				Help: "Operations currently holding the operation limiter.",
			},
		),
	}
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register reconcile metrics: %w", err)
		}
	}
	return m, nil
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Rows.Describe(ch)
	m.FKUnresolved.Describe(ch)
	m.LoadDuration.Describe(ch)
	m.Operations.Describe(ch)
	ch <- m.ActiveLoads.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Rows.Collect(ch)
	m.FKUnresolved.Collect(ch)
	m.LoadDuration.Collect(ch)
	m.Operations.Collect(ch)
	ch <- m.ActiveLoads
}

// ObserveLoad records one entity load. A nil receiver is a no-op.
func (m *Metrics) ObserveLoad(r *LoadResult) {
	if m == nil || r == nil {
		return
	}
	for outcome, n := range map[string]int{
		"loaded":           r.Loaded,
		"updated":          r.Updated,
		"skipped":          r.Skipped,
		"replaced":         r.Replaced,
		"quality_accepted": r.QualityAccepted,
		"quality_rejected": r.QualityRejected,
	} {
		if n > 0 {
			m.Rows.WithLabelValues(r.Entity, outcome).Add(float64(n))
		}
	}
	for _, fe := range r.FKErrors {
		m.FKUnresolved.WithLabelValues(r.Entity, fe.TargetEntity).Add(float64(fe.Count))
	}
	m.LoadDuration.WithLabelValues(r.Entity).Observe(r.Duration.Seconds())
}

// ObserveOperation counts a finished operation.
func (m *Metrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(op, status).Inc()
}

func (m *Metrics) operationStarted() {
	if m != nil {
		m.ActiveLoads.Inc()
	}
}

func (m *Metrics) operationDone() {
	if m != nil {
		m.ActiveLoads.Dec()
	}
}
