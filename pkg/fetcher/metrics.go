package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_guardian_fetch_requests_total",
			Help: "Total number of GetSignedVAA requests, by gRPC status code",
		}, []string{"code"})

	messagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_batch_messages_fetched_total",
			Help: "Total number of batch messages filled in from the guardian network",
		})

	fetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_batch_message_fetch_failures_total",
			Help: "Total number of batch message fetch attempts that failed",
		})
)
