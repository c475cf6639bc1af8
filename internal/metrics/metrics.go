// Package metrics defines the process-global Prometheus instruments used
// across feeds, strategy, risk, and the recorder. Grounded on
// chidi150c-coinbase/metrics.go's init()-registered CounterVec/Gauge
// pattern. Exposition of /metrics over HTTP is wired in cmd/agent (the
// specific endpoint deployment is out of scope per spec.md §1, the
// registry itself is not).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StaleFeed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_stale_feed_total",
		Help: "Number of stale oracle ticks: delivered past the staleness threshold by the oracle feed, or rejected as stale by the strategy.",
	})

	FeedBlockedStalePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_feed_blocked_stale_price",
		Help: "1 when the latest oracle tick is currently considered stale, else 0.",
	})

	WatchEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_watch_mode_transitions_total",
		Help: "Number of watch-mode enable/disable transitions.",
	})

	WatchTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_watch_mode_triggered_total",
		Help: "Number of times watch mode was entered.",
	})

	CurrentEV = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_current_ev",
		Help: "EV of the most recently selected best candidate.",
	})

	RejectedMaxEntryPrice = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_rejected_max_entry_price_total",
		Help: "Candidates rejected because ask exceeded max_entry_price.",
	})

	TradingAllowed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_trading_allowed",
		Help: "1 when the quorum verdict currently allows trading, else 0.",
	})

	BookDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_book_drops_total",
		Help: "Dropped/unparseable book feed frames by reason and event type.",
	}, []string{"reason", "event_type"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_orders_total",
		Help: "FOK order attempts by outcome label.",
	}, []string{"result"})

	RiskRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_risk_rejections_total",
		Help: "Risk ledger rejections by reason.",
	}, []string{"reason"})

	RecorderDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_recorder_dropped_total",
		Help: "Events dropped because the recorder queue was full.",
	})

	RecorderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_recorder_queue_depth",
		Help: "Current depth of the recorder's bounded event queue.",
	})
)
