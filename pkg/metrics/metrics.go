package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BookUpdates counts processed book updates by instrument and effect class
var BookUpdates = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_book_updates_total",
		Help: "Total number of order book updates processed, by effect",
	},
	[]string{"instrument", "effect"},
)

// SequenceErrors counts rejected updates due to sequence-number violations
var SequenceErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_book_sequence_errors_total",
		Help: "Total number of updates rejected for sequence violations",
	},
	[]string{"instrument"},
)

// BookCorrections counts CorrectBook repairs by the side that was cleared
var BookCorrections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_book_corrections_total",
		Help: "Total number of bid/ask collision repairs, by corrected side",
	},
	[]string{"instrument", "side"},
)

// Risk engine metrics
var (
	RiskMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincex_risk_mode",
			Help: "Current risk manager mode (0=normal 1=relaxed 2=stp 3=safe)",
		},
	)

	OrderRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_risk_order_rejections_total",
			Help: "Orders rejected at entry, by reason",
		},
		[]string{"reason"},
	)

	SafeModeTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_risk_safe_mode_trips_total",
			Help: "Transitions into safe mode, by trigger",
		},
		[]string{"trigger"},
	)

	TickFanoutLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pincex_risk_tick_fanout_latency_seconds",
			Help:    "Latency of revaluing all risk objects on a market-data tick",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(BookUpdates, SequenceErrors, BookCorrections)
	prometheus.MustRegister(RiskMode, OrderRejections, SafeModeTrips, TickFanoutLatency)
}
