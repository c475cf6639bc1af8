// Package supervisor runs the single task group that owns every feed,
// the strategy state machine, the quorum monitor, and the trader
// (spec.md §4.11): resilient per-worker restart with backoff, primary/
// fallback price continuity, debounced book resubscription on token-set
// roll, and whole-minute market refresh.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"polymarket-mm/internal/book"
	"polymarket-mm/internal/feed"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/metrics"
	"polymarket-mm/internal/quorum"
	"polymarket-mm/internal/strategy"
	"polymarket-mm/internal/trader"
	"polymarket-mm/pkg/clock"
)

// Recorder is the journal the supervisor emits decision/price/order
// events to. internal/recorder.Journal satisfies this.
type Recorder interface {
	Record(event map[string]any)
}

// Config parameterizes the Supervisor's resilience and refresh cadence.
type Config struct {
	MinBackoff              time.Duration
	MaxBackoff              time.Duration
	PriceStalenessThreshold time.Duration
	ClobResubscribeDebounce time.Duration
	MarketRefreshHorizons   []int // minutes, e.g. [5, 15]

	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor is the single owner of all feed clients, the strategy,
// trader, and quorum monitor (spec.md §5 ownership model).
type Supervisor struct {
	cfg Config

	oracle   *feed.OracleFeed
	spot     *feed.SpotFeed
	fallback *feed.FallbackFeed // optional, nil disables consume_fallback
	book     *book.Feed

	catalog  *market.Catalog
	metadata *market.TokenMetadataCache
	feeRates *market.FeeRateCache

	quorumMon *quorum.Monitor
	strategy  *strategy.StateMachine
	trader    *trader.Trader
	recorder  Recorder

	mu              sync.Mutex
	currentMarkets  []*market.Market
	currentTokenIDs map[string]struct{}

	resubscribeEvent chan struct{}
}

// New wires a Supervisor from already-constructed components.
func New(cfg Config, oracle *feed.OracleFeed, spot *feed.SpotFeed, fallback *feed.FallbackFeed, bookFeed *book.Feed, catalog *market.Catalog, metadata *market.TokenMetadataCache, feeRates *market.FeeRateCache, quorumMon *quorum.Monitor, sm *strategy.StateMachine, tr *trader.Trader, recorder Recorder) *Supervisor {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:              cfg,
		oracle:           oracle,
		spot:             spot,
		fallback:         fallback,
		book:             bookFeed,
		catalog:          catalog,
		metadata:         metadata,
		feeRates:         feeRates,
		quorumMon:        quorumMon,
		strategy:         sm,
		trader:           tr,
		recorder:         recorder,
		currentTokenIDs:  make(map[string]struct{}),
		resubscribeEvent: make(chan struct{}, 1),
	}
}

// Run starts every worker under run_resilient and blocks until ctx is
// cancelled; runResilient restarts failed workers and returns nil, so no
// worker ends the group early. On return it closes shared resources
// (spec.md §4.11 shutdown ordering).
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.runResilient(gctx, "consume_rtds", s.consumeOracle) })
	g.Go(func() error { return s.runResilient(gctx, "consume_spot", s.consumeSpot) })
	g.Go(func() error { return s.runResilient(gctx, "consume_book", s.consumeBook) })
	g.Go(func() error { return s.runResilient(gctx, "monitor_staleness", s.monitorStaleness) })
	g.Go(func() error { return s.runResilient(gctx, "market_refresh", s.marketRefreshLoop) })
	if s.fallback != nil {
		g.Go(func() error { return s.runResilient(gctx, "consume_fallback", s.consumeFallback) })
	}

	err := g.Wait()
	s.shutdown()
	return err
}

func (s *Supervisor) shutdown() {
	s.cfg.Logger.Info("supervisor shutting down")
	if s.catalog != nil {
		s.catalog.Close()
	}
	if closer, ok := s.recorder.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.cfg.Logger.Error("recorder close failed", "err", err)
		}
	}
}

// runResilient is the shell every worker runs under: catch non-cancel
// errors, log, sleep backoff, redouble up to MaxBackoff; on a clean
// (context-cancelled) return it stops without error.
func (s *Supervisor) runResilient(ctx context.Context, name string, worker func(context.Context) error) error {
	backoff := s.cfg.MinBackoff
	for {
		err := worker(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = s.cfg.MinBackoff
			continue
		}

		s.cfg.Logger.Error("worker failed, restarting", "worker", name, "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Supervisor) consumeOracle(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() { runErr <- s.oracle.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case tick, ok := <-s.oracle.Ticks():
			if !ok {
				return nil
			}
			s.onOracleTick(ctx, tick)
		}
	}
}

func (s *Supervisor) onOracleTick(ctx context.Context, tick feed.Tick) {
	s.quorumMon.UpdateOracle(tick.Price, tick.PayloadTimestamp)
	s.strategy.OnPrice(tick.EventTimeSec, tick.Price, strategy.PriceMetadata{
		Source:    feed.SourceOracle,
		Timestamp: tick.PayloadTimestamp,
	})
	s.record("rtds_price", tick.EventTimeSec, map[string]any{"price": tick.Price, "source": tick.Source})
	s.tryTrade(ctx, tick.EventTimeSec)
}

func (s *Supervisor) consumeSpot(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() { runErr <- s.spot.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case tick, ok := <-s.spot.Ticks():
			if !ok {
				return nil
			}
			s.quorumMon.UpdateSpot("primary_spot", tick.Price, tick.PayloadTimestamp)
			s.record("rtds_price", tick.EventTimeSec, map[string]any{"price": tick.Price, "source": tick.Source})
		}
	}
}

// consumeFallback realizes stream_prices_with_fallback's spot-quorum
// continuity role: the HTTP poller never substitutes for the oracle's
// strict chainlink-sourced stream (spec.md §3 validate_price_source only
// ever accepts the oracle source), but it keeps a live sample in the
// quorum monitor so Evaluate's fresh-spot-count requirement survives a
// primary websocket outage (spec.md §4.11).
func (s *Supervisor) consumeFallback(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() { runErr <- s.fallback.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case tick, ok := <-s.fallback.Ticks():
			if !ok {
				return nil
			}
			s.quorumMon.UpdateSpot("fallback_spot", tick.Price, tick.PayloadTimestamp)
			s.record("rtds_price", tick.EventTimeSec, map[string]any{"price": tick.Price, "source": tick.Source})
		}
	}
}

func (s *Supervisor) consumeBook(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() { runErr <- s.book.Run(ctx) }()

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case <-s.resubscribeEvent:
			pending = true
			debounce.Reset(s.cfg.ClobResubscribeDebounce)
		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			ids := s.snapshotTokenIDs()
			if err := s.book.Resubscribe(ids); err != nil {
				s.cfg.Logger.Warn("book resubscribe failed", "err", err)
			}
		case <-time.After(100 * time.Millisecond):
			s.pollBookTops(ctx)
		}
	}
}

// pollBookTops feeds the strategy's book snapshots for every currently
// tracked token. The book feed has no per-message channel (it mutates
// shared top-of-book state directly), so the supervisor samples it on
// the same cadence it checks for resubscription.
func (s *Supervisor) pollBookTops(ctx context.Context) {
	for _, tokenID := range s.snapshotTokenIDs() {
		top, ok := s.book.Top(tokenID)
		if !ok {
			continue
		}
		bidLevels := toStrategyLevels(top.Bids)
		askLevels := toStrategyLevels(top.Asks)
		s.strategy.OnBook(tokenID, top.BestBid, top.BestAsk, top.BestBid > 0, top.BestAsk > 0,
			top.BestBidSize, top.BestAskSize, top.BestBidSize > 0 || top.BestAskSize > 0,
			bidLevels, askLevels, top.EventTime)
	}
	s.tryTrade(ctx, s.cfg.Clock.Now().Sub(time.Unix(0, 0)).Seconds())
}

func toStrategyLevels(levels []book.Level) []strategy.Level {
	if len(levels) == 0 {
		return nil
	}
	out := make([]strategy.Level, len(levels))
	for i, l := range levels {
		out[i] = strategy.Level{Price: l.Price, Size: l.Size}
	}
	return out
}

func (s *Supervisor) monitorStaleness(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	usingFallback := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			age := s.oracle.LastTickAge()
			stale := age > s.cfg.PriceStalenessThreshold
			if stale && !usingFallback {
				usingFallback = true
				s.cfg.Logger.Warn("primary price feed stale, relying on spot quorum continuity", "age", age)
			} else if !stale && usingFallback {
				usingFallback = false
				s.cfg.Logger.Info("switching back to primary price feed")
			}

			verdict := s.quorumMon.Evaluate()
			if verdict.Allowed {
				metrics.TradingAllowed.Set(1)
			} else {
				metrics.TradingAllowed.Set(0)
			}
		}
	}
}

func (s *Supervisor) marketRefreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastMinute int64 = -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := s.cfg.Clock.Now()
			minute := now.Unix() / 60
			if minute == lastMinute {
				continue
			}
			lastMinute = minute
			s.refreshMarkets(ctx, now)
		}
	}
}

// refreshMarkets fetches the current and next market for every
// configured horizon in parallel, warms the metadata/fee-rate caches,
// and signals a debounced book resubscription if the token set changed
// (spec.md §4.11 "Market refresh").
func (s *Supervisor) refreshMarkets(ctx context.Context, now time.Time) {
	type fetch struct {
		horizonMinutes int
		startEpoch     int64
	}
	var fetches []fetch
	for _, h := range s.cfg.MarketRefreshHorizons {
		step := int64(h * 60)
		if step <= 0 {
			continue
		}
		current := (now.Unix() / step) * step
		fetches = append(fetches, fetch{h, current}, fetch{h, current + step})
	}

	var wg sync.WaitGroup
	results := make([]*market.Market, len(fetches))
	for i, f := range fetches {
		wg.Add(1)
		go func(i int, f fetch) {
			defer wg.Done()
			m, err := s.catalog.GetMarket(ctx, f.horizonMinutes, f.startEpoch)
			if err != nil {
				s.cfg.Logger.Debug("market refresh fetch failed", "horizon", f.horizonMinutes, "start_epoch", f.startEpoch, "err", err)
				return
			}
			results[i] = m
		}(i, f)
	}
	wg.Wait()

	var markets []*market.Market
	tokenIDs := make(map[string]struct{})
	for _, m := range results {
		if m == nil {
			continue
		}
		markets = append(markets, m)
		tokenIDs[m.UpTokenID] = struct{}{}
		tokenIDs[m.DownTokenID] = struct{}{}
	}

	ids := make([]string, 0, len(tokenIDs))
	for id := range tokenIDs {
		ids = append(ids, id)
	}
	if s.metadata != nil {
		// TTL refresh for constraints happens lazily via GetAllowStale;
		// nothing to warm without a dedicated constraints endpoint.
		_ = s.metadata
	}
	if s.feeRates != nil {
		if errs := s.feeRates.Warm(ctx, ids); len(errs) > 0 {
			s.cfg.Logger.Debug("fee-rate warm had partial failures", "count", len(errs))
		}
	}

	s.mu.Lock()
	changed := !sameTokenSet(s.currentTokenIDs, tokenIDs)
	s.currentMarkets = markets
	s.currentTokenIDs = tokenIDs
	s.mu.Unlock()

	if changed {
		select {
		case s.resubscribeEvent <- struct{}{}:
		default:
		}
	}
}

func sameTokenSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func (s *Supervisor) snapshotTokenIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.currentTokenIDs))
	for id := range s.currentTokenIDs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) snapshotMarkets() []*market.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*market.Market, len(s.currentMarkets))
	copy(out, s.currentMarkets)
	return out
}

// tryTrade asks the strategy for the best candidate across all currently
// known markets and, if the quorum allows trading and the candidate is
// positive-EV, submits a FOK buy (spec.md data-flow summary in §1).
func (s *Supervisor) tryTrade(ctx context.Context, nowSec float64) {
	markets := s.snapshotMarkets()
	if len(markets) == 0 {
		return
	}
	best := s.strategy.PickBest(int64(nowSec), markets)
	if best == nil {
		return
	}
	s.record("decision", nowSec, map[string]any{
		"token_id": best.TokenID, "direction": string(best.Direction), "ev": best.EV, "p_hat": best.PHat,
	})
	if best.EV <= 0 {
		return
	}

	verdict := s.quorumMon.Evaluate()
	if !verdict.Allowed {
		return
	}

	req := trader.Request{
		TokenID:          best.TokenID,
		Ask:              best.Ask,
		HorizonSeconds:   best.Market.HorizonMinutes * 60,
		Direction:        string(best.Direction),
		PHat:             best.PHat,
		HasPHat:          true,
		FeeCost:          best.FeeCost,
		SlippageCost:     best.SlippageCost,
		MarketSlug:       best.Market.Slug,
		HasMarketSlug:    true,
		MarketStartEpoch: best.Market.StartEpoch,
	}

	s.record("order_attempt", nowSec, map[string]any{"token_id": best.TokenID, "ev": best.EV})
	filled, key, err := s.trader.Buy(ctx, req)
	if err != nil {
		s.cfg.Logger.Error("buy_fok failed", "token_id", best.TokenID, "err", err)
		return
	}
	s.record("order_result", nowSec, map[string]any{"token_id": best.TokenID, "key": key, "filled": filled})
}

func (s *Supervisor) record(eventType string, ts float64, fields map[string]any) {
	if s.recorder == nil {
		return
	}
	event := map[string]any{"type": eventType, "ts": ts}
	for k, v := range fields {
		event[k] = v
	}
	s.recorder.Record(event)
}
