// Package book implements the order-book feed client (spec.md §4.4): a
// single WebSocket per venue carrying per-token book snapshots and
// incremental updates, exposing a per-token "book top" view and a
// per-token constraint cache (tick size, min order size, fee rate).
package book

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-mm/internal/metrics"
	"polymarket-mm/internal/wsconn"
	"polymarket-mm/pkg/clock"
)

// Level is one ladder entry.
type Level struct {
	Price float64
	Size  float64
}

// Top is the latest known book top for one token. Sides are updated
// independently: a partial update that mentions only one side leaves the
// other side's fields untouched (spec.md §4.4).
type Top struct {
	AssetID     string
	BestBid     float64
	BestBidSize float64
	BestAsk     float64
	BestAskSize float64
	Bids        []Level
	Asks        []Level
	EventTime   float64
	UpdatedAt   time.Time
}

// MidPrice returns (bid+ask)/2, or false if either side is unset.
func (t Top) MidPrice() (float64, bool) {
	if t.BestBid <= 0 || t.BestAsk <= 0 {
		return 0, false
	}
	return (t.BestBid + t.BestAsk) / 2, true
}

// Constraints holds per-token trading constraints, merged last-write-wins
// per field from catalog metadata and tick_size_change events.
type Constraints struct {
	TickSize     float64
	MinOrderSize float64
	FeeRateBps   int
}

// Config parameterizes Feed.
type Config struct {
	URL                        string
	AssetIDs                   []string
	ReconnectDelayMin          time.Duration
	ReconnectDelayMax          time.Duration
	ReconnectStabilityDuration time.Duration
	PingInterval               time.Duration
	PongTimeout                time.Duration
	StalenessThreshold         time.Duration
	Clock                      clock.Clock
	Logger                     *slog.Logger
}

// Feed maintains local book tops and constraints for a set of tokens.
type Feed struct {
	cfg  Config
	conn *wsconn.Conn

	mu          sync.RWMutex
	tops        map[string]Top
	constraints map[string]Constraints
	lastMessage time.Time
	assetIDs    []string
}

// New creates a Feed subscribed to cfg.AssetIDs.
func New(cfg Config) *Feed {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 30 * time.Second
	}
	logger := cfg.Logger.With("component", "feed_book")
	f := &Feed{
		cfg:         cfg,
		tops:        make(map[string]Top),
		constraints: make(map[string]Constraints),
		assetIDs:    append([]string(nil), cfg.AssetIDs...),
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

// Run drives the connection until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	return f.conn.Run(ctx)
}

// Resubscribe rebuilds and caches the subscription payload for a new token
// set. Called by the supervisor on token-set change, not internally.
func (f *Feed) Resubscribe(assetIDs []string) error {
	f.mu.Lock()
	f.assetIDs = append([]string(nil), assetIDs...)
	f.mu.Unlock()
	return f.conn.Send(map[string]any{"assets_ids": assetIDs, "type": "market"})
}

// Top returns the current book top for a token.
func (f *Feed) Top(assetID string) (Top, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tops[assetID]
	return t, ok
}

// Constraints returns the current constraint set for a token.
func (f *Feed) Constraints(assetID string) (Constraints, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.constraints[assetID]
	return c, ok
}

// SeedConstraints merges catalog-sourced constraints into the cache
// (last-write-wins per field is enforced by only overwriting non-zero
// fields supplied here).
func (f *Feed) SeedConstraints(assetID string, c Constraints) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.constraints[assetID]
	if c.TickSize > 0 {
		existing.TickSize = c.TickSize
	}
	if c.MinOrderSize > 0 {
		existing.MinOrderSize = c.MinOrderSize
	}
	if c.FeeRateBps > 0 {
		existing.FeeRateBps = c.FeeRateBps
	}
	f.constraints[assetID] = existing
}

// IsStale reports whether no message has been received within
// StalenessThreshold.
func (f *Feed) IsStale() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastMessage.IsZero() {
		return true
	}
	return f.cfg.Clock.Now().Sub(f.lastMessage) > f.cfg.StalenessThreshold
}

func (f *Feed) sendSubscription(_ *websocket.Conn) error {
	f.mu.RLock()
	assetIDs := append([]string(nil), f.assetIDs...)
	f.mu.RUnlock()
	return f.conn.Send(map[string]any{"assets_ids": assetIDs, "type": "market"})
}

func (f *Feed) dispatch(raw []byte) {
	f.mu.Lock()
	f.lastMessage = f.cfg.Clock.Now()
	f.mu.Unlock()

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		for _, e := range arr {
			f.dispatchOne(e)
		}
		return
	}
	f.dispatchOne(raw)
}

func (f *Feed) dispatchOne(raw json.RawMessage) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		metrics.BookDropsTotal.WithLabelValues("unparseable_json", "unknown").Inc()
		f.cfg.Logger.Warn("dropping unparseable book frame")
		return
	}
	eventType, _ := body["event_type"].(string)
	if eventType == "" {
		eventType, _ = body["type"].(string)
	}

	switch eventType {
	case "book", "snapshot", "book_snapshot", "price_snapshot":
		f.applySnapshot(body, eventType)
	case "price_change":
		f.applyPriceChange(body, eventType)
	case "update", "book_update", "price_update":
		f.applyUpdate(body, eventType)
	case "tick_size_change":
		f.applyTickSizeChange(body)
	default:
		metrics.BookDropsTotal.WithLabelValues("unrecognized_event_type", eventType).Inc()
		f.cfg.Logger.Warn("dropping book frame of unrecognized type", "event_type", eventType)
	}
}

func (f *Feed) applySnapshot(body map[string]any, eventType string) {
	assetID, _ := body["asset_id"].(string)
	if assetID == "" {
		metrics.BookDropsTotal.WithLabelValues("missing_asset_id", eventType).Inc()
		return
	}
	bids := parseLadder(body["bids"])
	asks := parseLadder(body["asks"])

	top := Top{
		AssetID:   assetID,
		Bids:      bids,
		Asks:      asks,
		EventTime: asFloat(body["timestamp"]),
		UpdatedAt: f.cfg.Clock.Now(),
	}
	if len(bids) > 0 {
		top.BestBid, top.BestBidSize = bids[0].Price, bids[0].Size
	}
	if len(asks) > 0 {
		top.BestAsk, top.BestAskSize = asks[0].Price, asks[0].Size
	}

	f.mu.Lock()
	f.tops[assetID] = top
	f.mu.Unlock()
}

// applyPriceChange handles the price_change event_type, which carries
// either schema under the same name: the legacy side-specific "changes"
// ladder-diff array (pre-migration) or the new flat best-bid/ask fields
// (spec.md §4.4). A frame with a "changes" key is routed through the same
// per-side logic as applyUpdate before falling back to the flat fields,
// so a legacy frame updates the book instead of silently updating only
// UpdatedAt.
func (f *Feed) applyPriceChange(body map[string]any, eventType string) {
	assetID, _ := body["asset_id"].(string)
	if assetID == "" {
		metrics.BookDropsTotal.WithLabelValues("missing_asset_id", eventType).Inc()
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	top := f.tops[assetID]
	top.AssetID = assetID

	if changes, ok := body["changes"].([]any); ok {
		if len(changes) == 0 {
			metrics.BookDropsTotal.WithLabelValues("empty_changes", eventType).Inc()
			return
		}
		applyLegacyChanges(&top, changes, eventType)
	} else {
		if v, ok := body["best_bid"]; ok {
			top.BestBid = asFloat(v)
		}
		if v, ok := body["best_bid_size"]; ok {
			top.BestBidSize = asFloat(v)
		}
		if v, ok := body["best_ask"]; ok {
			top.BestAsk = asFloat(v)
		}
		if v, ok := body["best_ask_size"]; ok {
			top.BestAskSize = asFloat(v)
		}
	}
	if v, ok := body["timestamp"]; ok {
		top.EventTime = asFloat(v)
	}
	top.UpdatedAt = f.cfg.Clock.Now()
	f.tops[assetID] = top
}

// applyUpdate handles the legacy update/book_update/price_update schema:
// a list of side-specific top changes.
func (f *Feed) applyUpdate(body map[string]any, eventType string) {
	assetID, _ := body["asset_id"].(string)
	if assetID == "" {
		metrics.BookDropsTotal.WithLabelValues("missing_asset_id", eventType).Inc()
		return
	}
	changes, _ := body["changes"].([]any)
	if len(changes) == 0 {
		metrics.BookDropsTotal.WithLabelValues("empty_changes", eventType).Inc()
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	top := f.tops[assetID]
	top.AssetID = assetID
	applyLegacyChanges(&top, changes, eventType)
	top.UpdatedAt = f.cfg.Clock.Now()
	f.tops[assetID] = top
}

// applyLegacyChanges applies a side-specific top-of-book changes ladder
// (shared by the legacy "update" schema and pre-migration "price_change"
// frames) onto top.
func applyLegacyChanges(top *Top, changes []any, eventType string) {
	for _, raw := range changes {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		side, _ := c["side"].(string)
		price := asFloat(c["price"])
		size := asFloat(c["size"])
		if price <= 0 || size < 0 {
			metrics.BookDropsTotal.WithLabelValues("non_positive_level", eventType).Inc()
			continue
		}
		switch side {
		case "BUY", "buy", "bid", "BID":
			top.BestBid, top.BestBidSize = price, size
		case "SELL", "sell", "ask", "ASK":
			top.BestAsk, top.BestAskSize = price, size
		}
	}
}

func (f *Feed) applyTickSizeChange(body map[string]any) {
	assetID, _ := body["asset_id"].(string)
	if assetID == "" {
		metrics.BookDropsTotal.WithLabelValues("missing_asset_id", "tick_size_change").Inc()
		return
	}
	tick := asFloat(body["new_tick_size"])
	if tick <= 0 {
		tick = asFloat(body["tick_size"])
	}
	if tick <= 0 {
		metrics.BookDropsTotal.WithLabelValues("invalid_tick_size", "tick_size_change").Inc()
		return
	}
	f.SeedConstraints(assetID, Constraints{TickSize: tick})
}

// parseLadder accepts both [price,size] tuples and {price,size} objects,
// dropping non-positive entries (spec.md §4.4).
func parseLadder(raw any) []Level {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	levels := make([]Level, 0, len(items))
	for _, item := range items {
		var price, size float64
		switch v := item.(type) {
		case []any:
			if len(v) < 2 {
				continue
			}
			price, size = asFloat(v[0]), asFloat(v[1])
		case map[string]any:
			price, size = asFloat(v["price"]), asFloat(v["size"])
		default:
			continue
		}
		if price <= 0 || size <= 0 {
			continue
		}
		levels = append(levels, Level{Price: price, Size: size})
	}
	return levels
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
