package relayer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_events_consumed_total",
			Help: "Total number of core relayer VAAs consumed, by outcome",
		}, []string{"outcome"})

	batchesDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_batches_discovered_total",
			Help: "Total number of synthetic batches discovered from source chain receipts",
		})

	batchesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_batches_resolved_total",
			Help: "Total number of synthetic batches whose messages were all fetched, by path",
		}, []string{"path"})

	pendingBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayer_pending_batches",
			Help: "Number of batches waiting for missing messages as of the last reconciliation round",
		})

	reconciliationRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_reconciliation_rounds_total",
			Help: "Total number of reconciliation rounds, by outcome",
		}, []string{"outcome"})
)
