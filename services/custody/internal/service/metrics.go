package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	RejectionsTotal   *prometheus.CounterVec
	RecordFailures    prometheus.Counter
	CustodiedValue    prometheus.Gauge
	AdminActionsTotal *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_operations_total",
				Help: "Total custody operations by outcome.",
			},
			[]string{"op", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_operation_duration_seconds",
				Help:    "Custody operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_rejections_total",
				Help: "Total rejected custody operations by reason.",
			},
			[]string{"reason"},
		),
		RecordFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "custody_event_record_failures_total",
				Help: "Total movements committed but not recorded.",
			},
		),
		CustodiedValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "custody_aggregate_value",
				Help: "Reference-currency value of custodied assets at the last stats read (float approximation).",
			},
		),
		AdminActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_admin_actions_total",
				Help: "Total registry admin actions by outcome.",
			},
			[]string{"action", "status"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.OperationsTotal,
			m.OperationDuration,
			m.RejectionsTotal,
			m.RecordFailures,
			m.CustodiedValue,
			m.AdminActionsTotal,
		)
	}
	return m
}

func (m *Metrics) ObserveOperation(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRecordFailure() {
	if m == nil {
		return
	}
	m.RecordFailures.Inc()
}

func (m *Metrics) SetCustodiedValue(v float64) {
	if m == nil {
		return
	}
	m.CustodiedValue.Set(v)
}

func (m *Metrics) IncAdminAction(action, status string) {
	if m == nil {
		return
	}
	m.AdminActionsTotal.WithLabelValues(action, status).Inc()
}
