package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-mm/internal/metrics"
	"polymarket-mm/internal/wsconn"
	"polymarket-mm/pkg/clock"
)

var priceKeys = []string{"value", "price", "px"}
var timestampKeys = []string{"timestamp", "ts", "time"}

// OracleConfig parameterizes OracleFeed (spec.md §4.1).
type OracleConfig struct {
	URL                       string
	Symbol                    string
	OracleTopic               string
	SpotTopic                 string
	ReconnectDelayMin         time.Duration
	ReconnectDelayMax         time.Duration
	ReconnectStabilityDuration time.Duration
	PingInterval              time.Duration
	PongTimeout               time.Duration
	SpotMaxAgeSeconds         float64
	PriceStalenessThreshold   time.Duration
	Clock                     clock.Clock
	Logger                    *slog.Logger
}

// OracleFeed subscribes to the primary oracle topic (and a companion spot
// topic on the same socket) and yields normalized ticks on Ticks().
type OracleFeed struct {
	cfg  OracleConfig
	conn *wsconn.Conn
	spot *SpotTracker

	ticks        chan Tick
	lastTickAt   time.Time
}

// NewOracleFeed creates an OracleFeed. spot is shared with a SpotFeed so
// divergence metadata can be attached to oracle ticks.
func NewOracleFeed(cfg OracleConfig, spot *SpotTracker) *OracleFeed {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "feed_oracle")
	f := &OracleFeed{
		cfg:   cfg,
		spot:  spot,
		ticks: make(chan Tick, 256),
	}
	f.conn = wsconn.New(wsconn.Config{
		URL:               cfg.URL,
		ReconnectMin:      cfg.ReconnectDelayMin,
		ReconnectMax:      cfg.ReconnectDelayMax,
		StabilityDuration: cfg.ReconnectStabilityDuration,
		PingInterval:      cfg.PingInterval,
		PongTimeout:       cfg.PongTimeout,
		Clock:             cfg.Clock,
		Logger:            logger,
		OnConnect:         f.sendSubscription,
		OnMessage:         f.dispatch,
	})
	return f
}

// Ticks returns the channel of normalized oracle ticks.
func (f *OracleFeed) Ticks() <-chan Tick { return f.ticks }

// Run drives the connection until ctx is cancelled.
func (f *OracleFeed) Run(ctx context.Context) error {
	return f.conn.Run(ctx)
}

// LastTickAge reports how long it has been since the last tick was produced,
// used by the supervisor's staleness monitor (spec.md §4.1 staleness warning).
func (f *OracleFeed) LastTickAge() time.Duration {
	if f.lastTickAt.IsZero() {
		return 0
	}
	return f.cfg.Clock.Now().Sub(f.lastTickAt)
}

func (f *OracleFeed) sendSubscription(_ *websocket.Conn) error {
	filters := fmt.Sprintf(`{"symbol":"%s"}`, f.cfg.Symbol)
	subs := []map[string]any{
		{"topic": f.cfg.OracleTopic, "type": "*", "filters": filters},
	}
	if f.cfg.SpotTopic != "" {
		subs = append(subs, map[string]any{"topic": f.cfg.SpotTopic, "type": "*", "filters": filters})
	}
	sub := map[string]any{
		"action":        "subscribe",
		"subscriptions": subs,
	}
	return f.conn.Send(sub)
}

func (f *OracleFeed) dispatch(raw []byte) {
	var envelope struct {
		Topic string `json:"topic"`
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		f.cfg.Logger.Debug("ignoring non-json oracle frame")
		return
	}
	if t, ok := body["topic"].(string); ok {
		envelope.Topic = t
	}

	if envelope.Topic != "" && envelope.Topic != f.cfg.OracleTopic && envelope.Topic != f.cfg.SpotTopic {
		f.cfg.Logger.Debug("dropping frame on unexpected topic", "topic", envelope.Topic, "reason", "unexpected_topic")
		return
	}

	price, priceOK := findNestedFloat(body, priceKeys)
	rawTS, tsOK := findNestedFloat(body, timestampKeys)
	symbol, _ := body["symbol"].(string)
	if !priceOK || !tsOK || symbol == "" {
		f.cfg.Logger.Warn("dropping frame missing symbol/price/timestamp", "reason", "missing_field")
		return
	}
	ts := normalizeTimestamp(rawTS)

	if envelope.Topic == f.cfg.SpotTopic {
		if f.spot != nil {
			f.spot.Update(symbol, price, ts)
		}
		return
	}

	now := f.cfg.Clock.Now()
	tick := Tick{
		EventTimeSec:      ts,
		Price:             price,
		Source:            SourceOracle,
		PayloadTimestamp:  ts,
		ReceivedTimestamp: float64(now.Unix()),
	}
	if f.spot != nil {
		if spotPrice, ok := f.spot.Lookup(symbol, ts, f.cfg.SpotMaxAgeSeconds); ok {
			d := divergencePct(price, spotPrice)
			tick.DivergencePct = &d
			tick.SpotPrice = &spotPrice
		}
	}

	f.lastTickAt = now
	if age := now.Sub(time.Unix(int64(ts), 0)); age > f.cfg.PriceStalenessThreshold {
		f.cfg.Logger.Warn("stale oracle tick produced", "age", age)
		metrics.StaleFeed.Inc()
	}

	select {
	case f.ticks <- tick:
	default:
		f.cfg.Logger.Warn("oracle tick channel full, dropping tick")
	}
}
