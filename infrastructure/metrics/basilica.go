package metrics

import "github.com/prometheus/client_golang/prometheus"

// BasilicaMetrics holds the domain-specific collectors for the payments,
// billing, and rental subsystems (spec.md §9), layered onto the generic
// Metrics the rest of the ambient stack shares.
type BasilicaMetrics struct {
	ChainMonitorConnected  prometheus.Gauge
	ChainMonitorBlockLag   prometheus.Gauge
	DepositsObservedTotal  *prometheus.CounterVec
	OutboxBacklog          prometheus.Gauge
	OutboxDispatchedTotal  *prometheus.CounterVec
	OutboxRetriesTotal     prometheus.Counter
	ReservationsActive     prometheus.Gauge
	CreditsAppliedTotal    prometheus.Counter
	TelemetrySamplesTotal  *prometheus.CounterVec
	TelemetryDroppedTotal  prometheus.Counter
	RentalsActive          *prometheus.GaugeVec
	RentalTeardownsTotal   *prometheus.CounterVec
}

// NewBasilicaMetrics constructs and registers the domain collectors.
func NewBasilicaMetrics(registerer prometheus.Registerer) *BasilicaMetrics {
	m := &BasilicaMetrics{
		ChainMonitorConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "basilica_chain_monitor_connected",
			Help: "1 if the chain monitor currently holds a live subscription, else 0",
		}),
		ChainMonitorBlockLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "basilica_chain_monitor_block_height",
			Help: "Last finalized block number processed by the chain monitor",
		}),
		DepositsObservedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basilica_deposits_observed_total",
			Help: "Total number of deposit transfer events observed, by outcome",
		}, []string{"outcome"}),
		OutboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "basilica_outbox_backlog",
			Help: "Number of outbox entries not yet dispatched",
		}),
		OutboxDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basilica_outbox_dispatched_total",
			Help: "Total outbox entries dispatched, by status",
		}, []string{"status"}),
		OutboxRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basilica_outbox_retries_total",
			Help: "Total outbox dispatch retries scheduled",
		}),
		ReservationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "basilica_reservations_active",
			Help: "Current number of active (unreleased, unexpired) credit reservations",
		}),
		CreditsAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basilica_credits_applied_total",
			Help: "Total number of apply_credits calls that succeeded",
		}),
		TelemetrySamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basilica_telemetry_samples_total",
			Help: "Total telemetry samples collected, by source",
		}, []string{"source"}),
		TelemetryDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basilica_telemetry_dropped_total",
			Help: "Total telemetry records dropped from the stream client's bounded queue",
		}),
		RentalsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basilica_rentals_active",
			Help: "Current number of rentals in each lifecycle state",
		}, []string{"state"}),
		RentalTeardownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basilica_rental_teardowns_total",
			Help: "Total rental teardowns, by reason",
		}, []string{"reason"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ChainMonitorConnected,
			m.ChainMonitorBlockLag,
			m.DepositsObservedTotal,
			m.OutboxBacklog,
			m.OutboxDispatchedTotal,
			m.OutboxRetriesTotal,
			m.ReservationsActive,
			m.CreditsAppliedTotal,
			m.TelemetrySamplesTotal,
			m.TelemetryDroppedTotal,
			m.RentalsActive,
			m.RentalTeardownsTotal,
		)
	}

	return m
}
