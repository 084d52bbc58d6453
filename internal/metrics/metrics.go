// Package metrics holds the Prometheus collectors of the feed pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsApplied counts operations applied by the merge engine, by kind and outcome.
	OperationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkfeed_operations_applied_total",
		Help: "Operations applied by the merge engine",
	}, []string{"kind", "outcome"})

	// SignalsReceived counts inbound signals by type.
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkfeed_signals_received_total",
		Help: "Signals received by the feed pipeline",
	}, []string{"signal"})

	MalformedSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkfeed_malformed_signals_total",
		Help: "Signals dropped because they could not be normalized",
	})

	DanglingVotesBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkfeed_dangling_votes_buffered_total",
		Help: "Votes buffered because their item was not known yet",
	})

	DanglingVotesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkfeed_dangling_votes_dropped_total",
		Help: "Buffered votes dropped after their retry budget ran out",
	}, []string{"reason"})

	PendingVotes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkfeed_pending_votes",
		Help: "Votes currently waiting for their item",
	})

	Revocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkfeed_revocations_total",
		Help: "Provisional submissions removed because they were never confirmed",
	})

	StoreItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkfeed_store_items",
		Help: "Items currently held by the item store",
	})

	ViewEmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkfeed_view_emissions_total",
		Help: "Views pushed to subscribers",
	})

	ViewFramesReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkfeed_view_frames_replaced_total",
		Help: "Undelivered views replaced by a newer one because the subscriber was slow",
	})

	InboxFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkfeed_inbox_full_total",
		Help: "Times a producer had to wait because the pipeline inbox was full",
	})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkfeed_fetch_duration_seconds",
		Help:    "Duration of upstream bulk fetches",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
)
