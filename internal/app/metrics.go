package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	demandeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_demande_transitions_total",
			Help: "Demande transitions by target status",
		},
		[]string{"status"},
	)

	riskScoreHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lifecycle_risk_score",
			Help:    "Risk scores computed during analysis",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"level"},
	)

	transactionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_transaction_transitions_total",
			Help: "Transaction transitions by type and target status",
		},
		[]string{"type", "status"},
	)

	staleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_stale_transitions_total",
			Help: "Compare-and-set transitions lost to a concurrent writer",
		},
		[]string{"machine"},
	)

	consumedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_consumed_messages_total",
			Help: "Inbound messages by routing key and result",
		},
		[]string{"routing_key", "result"},
	)

	outboxDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_outbox_deliveries_total",
			Help: "Outbox deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifecycle_sweep_duration_seconds",
			Help:    "Duration of an expiration sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	sweptRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_swept_records_total",
			Help: "Records handled by the sweeper",
		},
		[]string{"machine", "result"},
	)
)
