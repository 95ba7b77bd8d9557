// Package services – Prometheus instrumentation
//
// This file exposes the domain-level collectors for the reconciliation engine.
// Labels are deliberately low-cardinality:
//
//   - source: which observation channel resolved a payment
//     ("webhook", "poll", "status", "recovery")
//   - reason: why a payment was canceled
//     ("provider", "poll_budget")
//
// All collectors are safe for concurrent use.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// paymentsCreated counts payment intents opened at the gateway.
	paymentsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Total number of payments created.",
		},
	)

	// paymentsFulfilled counts pending→succeeded transitions by the channel
	// that observed the success first.
	paymentsFulfilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_fulfilled_total",
			Help: "Total number of payments fulfilled, by observation source.",
		},
		[]string{"source"},
	)

	// paymentsCanceled counts pending→canceled transitions by reason.
	paymentsCanceled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_canceled_total",
			Help: "Total number of payments canceled, by reason.",
		},
		[]string{"reason"},
	)

	// creditsGranted counts credits added to user balances by fulfillment.
	creditsGranted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_granted_total",
			Help: "Total number of credits granted to users.",
		},
	)

	// pollTicks counts status-poll requests made against the gateway.
	pollTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_poll_ticks_total",
			Help: "Total number of gateway status polls.",
		},
	)

	// pollErrors counts failed status polls. Transient failures do not stop a
	// poller, so this can grow without any payment being stuck.
	pollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_poll_errors_total",
			Help: "Total number of failed gateway status polls.",
		},
	)

	// activePollers gauges pollers currently watching a pending payment.
	activePollers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_pollers_active",
			Help: "Current number of active payment pollers.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		paymentsCreated, paymentsFulfilled, paymentsCanceled,
		creditsGranted, pollTicks, pollErrors, activePollers,
	)
}
