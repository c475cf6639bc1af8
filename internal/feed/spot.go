package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-mm/internal/wsconn"
	"polymarket-mm/pkg/clock"
)

// SpotConfig parameterizes SpotFeed.
type SpotConfig struct {
	URL                        string
	Symbol                     string
	Topic                      string
	ReconnectDelayMin          time.Duration
	ReconnectDelayMax          time.Duration
	ReconnectStabilityDuration time.Duration
	PingInterval               time.Duration
	PongTimeout                time.Duration
	Clock                      clock.Clock
	Logger                     *slog.Logger
}

// SpotFeed maintains a live spot mid-price stream. It never drives the
// strategy directly: it exists to feed SpotTracker for oracle divergence
// checks and to back the quorum monitor's spot-availability signal
// (spec.md §4.2).
type SpotFeed struct {
	cfg  SpotConfig
	conn *wsconn.Conn
	spot *SpotTracker

	ticks chan Tick
}

// NewSpotFeed creates a SpotFeed writing samples into tracker.
func NewSpotFeed(cfg SpotConfig, tracker *SpotTracker) *SpotFeed {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "feed_spot")
	f := &SpotFeed{
		cfg:   cfg,
		spot:  tracker,
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

// Ticks returns the channel of normalized spot ticks.
func (f *SpotFeed) Ticks() <-chan Tick { return f.ticks }

// Run drives the connection until ctx is cancelled.
func (f *SpotFeed) Run(ctx context.Context) error {
	return f.conn.Run(ctx)
}

func (f *SpotFeed) sendSubscription(_ *websocket.Conn) error {
	sub := map[string]any{
		"action": "subscribe",
		"subscriptions": []map[string]any{
			{"topic": f.cfg.Topic, "type": "*", "filters": `{"symbol":"` + f.cfg.Symbol + `"}`},
		},
	}
	return f.conn.Send(sub)
}

func (f *SpotFeed) dispatch(raw []byte) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	price, priceOK := findNestedFloat(body, priceKeys)
	if bid, ok := findNestedFloat(body, []string{"bid", "best_bid"}); ok {
		if ask, ok := findNestedFloat(body, []string{"ask", "best_ask"}); ok {
			price, priceOK = (bid+ask)/2, true
		}
	}
	rawTS, tsOK := findNestedFloat(body, timestampKeys)
	symbol, _ := body["symbol"].(string)
	if !priceOK || !tsOK || symbol == "" {
		return
	}
	ts := normalizeTimestamp(rawTS)
	f.spot.Update(symbol, price, ts)

	now := f.cfg.Clock.Now()
	tick := Tick{
		EventTimeSec:      ts,
		Price:             price,
		Source:            SourceSpot,
		PayloadTimestamp:  ts,
		ReceivedTimestamp: float64(now.Unix()),
	}
	select {
	case f.ticks <- tick:
	default:
	}
}
