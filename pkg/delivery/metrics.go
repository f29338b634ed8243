package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_deliveries_submitted_total",
			Help: "Total number of deliverSingle transactions submitted",
		}, []string{"target_chain"})
	deliveriesConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_deliveries_confirmed_total",
			Help: "Total number of deliverSingle transactions mined successfully",
		}, []string{"target_chain"})
	deliveriesReverted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_deliveries_reverted_total",
			Help: "Total number of deliverSingle transactions that reverted",
		}, []string{"target_chain"})
	deliveriesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_deliveries_skipped_total",
			Help: "Total number of instructions skipped without submitting a transaction",
		}, []string{"target_chain", "reason"})
	deliveriesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_deliveries_failed_total",
			Help: "Total number of instructions that could not be delivered",
		}, []string{"target_chain"})
)
