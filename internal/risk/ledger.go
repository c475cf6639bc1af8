// Package risk implements the persisted monetary risk ledger owned by the
// trader (spec.md §4.9): daily/hourly resets, exposure tracking, cooldown
// and drawdown tracking, and atomic on-disk persistence.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"polymarket-mm/pkg/clock"
	"polymarket-mm/pkg/types"
)

// State is the persisted shape (spec.md §3 "Risk state", §6 state layout).
type State struct {
	DailyRealizedPnL        float64            `json:"daily_realized_pnl"`
	LastPnLResetDateUTC     string             `json:"last_pnl_reset_date_utc"`
	TradesThisHour          int                `json:"trades_this_hour"`
	LastTradeHour           int                `json:"last_trade_hour"`
	OpenExposureUSDByMarket map[string]float64 `json:"open_exposure_usd_by_market"`
	TotalOpenNotionalUSD    float64            `json:"total_open_notional_usd"`
	CumulativeRealizedPnL   float64            `json:"cumulative_realized_pnl"`
	ConsecutiveLosses       int                `json:"consecutive_losses"`
	CooldownUntilTS         int64              `json:"cooldown_until_ts"`
	PeakEquityUSD           float64            `json:"peak_equity_usd"`
	TradesSinceReconcile    int                `json:"trades_since_reconcile"`
}

// EquityFetcher queries the venue's balance endpoints. It returns
// (equity, true) on success; any failure is reported as (_, false) so the
// ledger can fail closed in live mode.
type EquityFetcher func(ctx context.Context) (float64, bool)

// PositionsFetcher queries the venue's open-positions endpoint for
// exposure reconciliation (spec.md §4.9).
type PositionsFetcher func(ctx context.Context) ([]types.Position, error)

// Config parameterizes Ledger.
type Config struct {
	StatePath                 string
	MaxUSDPerTrade            float64
	MaxDailyLoss              float64
	MaxTradesPerHour          int
	CooldownConsecutiveLosses int
	CooldownMinutes           float64
	CooldownDrawdownPct       float64
	PerMarketCapUSD           float64
	PerMarketCapPct           float64
	TotalCapUSD               float64
	TotalCapPct               float64
	EquityRefreshSeconds      float64
	ConfiguredEquityUSD       float64
	DryRun                    bool
	ReconcileEveryNTrades     int
	EquityFetcher             EquityFetcher
	PositionsFetcher          PositionsFetcher
	Clock                     clock.Clock
	Logger                    *slog.Logger
}

// Ledger is the single-writer persisted risk state.
type Ledger struct {
	cfg Config

	mu                sync.Mutex
	state             State
	cachedEquity      float64
	lastEquityRefresh time.Time
}

// New creates a Ledger with fresh in-memory state. Call Load to restore
// persisted state from disk.
func New(cfg Config) *Ledger {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		cfg: cfg,
		state: State{
			OpenExposureUSDByMarket: make(map[string]float64),
		},
	}
}

// Load reads persisted state from disk, migrating legacy 3-field exposure
// keys to the 4-field form by suffixing "|legacy" (spec.md §4.9).
func (l *Ledger) Load() error {
	data, err := os.ReadFile(l.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read risk state: %w", err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("unmarshal risk state: %w", err)
	}
	if loaded.OpenExposureUSDByMarket == nil {
		loaded.OpenExposureUSDByMarket = make(map[string]float64)
	}

	migrated := make(map[string]float64, len(loaded.OpenExposureUSDByMarket))
	for key, value := range loaded.OpenExposureUSDByMarket {
		if strings.Count(key, "|") == 2 {
			key = key + "|legacy"
		}
		migrated[key] = migrated[key] + value
	}
	loaded.OpenExposureUSDByMarket = migrated

	l.mu.Lock()
	l.state = loaded
	l.mu.Unlock()
	return nil
}

func (l *Ledger) persistLocked() error {
	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	dir := filepath.Dir(l.cfg.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create risk state dir: %w", err)
	}
	tmp := l.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write risk state: %w", err)
	}
	return os.Rename(tmp, l.cfg.StatePath)
}

// exposureKey builds the 4-field key described in spec.md §3.
func exposureKey(tokenID string, horizonSeconds int, direction, marketIdentity string) string {
	return fmt.Sprintf("%s|%d|%s|%s", tokenID, horizonSeconds, direction, marketIdentity)
}

// inferEndEpoch extracts an end_epoch from an exposure key's
// market_identity segment when possible.
func inferEndEpoch(key string) (int64, bool) {
	parts := strings.Split(key, "|")
	if len(parts) != 4 {
		return 0, false
	}
	horizonSeconds, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	identity := parts[3]
	switch {
	case strings.HasPrefix(identity, "slug:"):
		slug := strings.TrimPrefix(identity, "slug:")
		idx := strings.LastIndex(slug, "-")
		if idx < 0 {
			return 0, false
		}
		start, err := strconv.ParseInt(slug[idx+1:], 10, 64)
		if err != nil {
			return 0, false
		}
		return start + horizonSeconds, true
	case strings.HasPrefix(identity, "start:"):
		start, err := strconv.ParseInt(strings.TrimPrefix(identity, "start:"), 10, 64)
		if err != nil {
			return 0, false
		}
		return start + horizonSeconds, true
	default:
		return 0, false
	}
}

func utcDateString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// resetIfNeededLocked rolls the daily PnL and hourly trade count, and
// purges exposure keys whose inferred end_epoch has elapsed.
func (l *Ledger) resetIfNeededLocked(now time.Time) {
	today := utcDateString(now)
	if l.state.LastPnLResetDateUTC != today {
		l.state.DailyRealizedPnL = 0
		l.state.LastPnLResetDateUTC = today
	}
	hour := now.UTC().Hour()
	if l.state.LastTradeHour != hour {
		l.state.TradesThisHour = 0
		l.state.LastTradeHour = hour
	}

	nowUnix := now.Unix()
	var total float64
	for key, value := range l.state.OpenExposureUSDByMarket {
		if end, ok := inferEndEpoch(key); ok && end <= nowUnix {
			delete(l.state.OpenExposureUSDByMarket, key)
			continue
		}
		total += value
	}
	l.state.TotalOpenNotionalUSD = total
}

// effectiveCap returns min(absoluteUSD, pct*equity); a non-positive
// absoluteUSD or pct disables that arm of the cap.
func effectiveCap(absoluteUSD, pct, equity float64) float64 {
	limit := math.Inf(1)
	if absoluteUSD > 0 {
		limit = absoluteUSD
	}
	if pct > 0 {
		pctCap := pct * equity
		if pctCap < limit {
			limit = pctCap
		}
	}
	return limit
}

// Decision is the result of evaluating a prospective trade.
type Decision struct {
	Blocked bool
	Reason  string
}

// Evaluate checks a prospective trade of notionalUSD keyed by exposureKey
// against every block condition in spec.md §4.9.
func (l *Ledger) Evaluate(ctx context.Context, tokenID string, horizonSeconds int, direction, marketIdentity string, notionalUSD float64) (Decision, string) {
	key := exposureKey(tokenID, horizonSeconds, direction, marketIdentity)

	l.mu.Lock()
	now := l.cfg.Clock.Now()
	l.resetIfNeededLocked(now)

	if notionalUSD > l.cfg.MaxUSDPerTrade {
		l.mu.Unlock()
		return Decision{Blocked: true, Reason: "max_usd_per_trade"}, key
	}
	if l.cfg.MaxDailyLoss > 0 && l.state.DailyRealizedPnL <= -math.Abs(l.cfg.MaxDailyLoss) {
		l.mu.Unlock()
		return Decision{Blocked: true, Reason: "daily_loss_limit"}, key
	}
	if now.Unix() < l.state.CooldownUntilTS {
		l.mu.Unlock()
		return Decision{Blocked: true, Reason: "cooldown_active"}, key
	}
	if l.cfg.MaxTradesPerHour > 0 && l.state.TradesThisHour >= l.cfg.MaxTradesPerHour {
		l.mu.Unlock()
		return Decision{Blocked: true, Reason: "hourly_trade_limit"}, key
	}
	currentMarketExposure := l.state.OpenExposureUSDByMarket[key]
	currentTotal := l.state.TotalOpenNotionalUSD
	l.mu.Unlock()

	equity, err := l.equity(ctx)
	if err != nil {
		return Decision{Blocked: true, Reason: "equity_refresh_failed"}, key
	}

	perMarketCap := effectiveCap(l.cfg.PerMarketCapUSD, l.cfg.PerMarketCapPct, equity)
	if currentMarketExposure+notionalUSD > perMarketCap {
		return Decision{Blocked: true, Reason: "per_market_cap"}, key
	}
	totalCap := effectiveCap(l.cfg.TotalCapUSD, l.cfg.TotalCapPct, equity)
	if currentTotal+notionalUSD > totalCap {
		return Decision{Blocked: true, Reason: "total_cap"}, key
	}

	return Decision{Blocked: false}, key
}

// Equity returns the cached or freshly refreshed equity figure used for
// percentage-based caps (spec.md §4.9, §4.10).
func (l *Ledger) Equity(ctx context.Context) (float64, error) {
	return l.equity(ctx)
}

func (l *Ledger) equity(ctx context.Context) (float64, error) {
	l.mu.Lock()
	now := l.cfg.Clock.Now()
	needRefresh := l.lastEquityRefresh.IsZero() ||
		now.Sub(l.lastEquityRefresh).Seconds() >= l.cfg.EquityRefreshSeconds
	cached := l.cachedEquity
	l.mu.Unlock()

	if !needRefresh {
		return cached, nil
	}

	if l.cfg.DryRun {
		l.mu.Lock()
		equity := l.cfg.ConfiguredEquityUSD + l.state.CumulativeRealizedPnL
		l.cachedEquity = equity
		l.lastEquityRefresh = now
		l.mu.Unlock()
		return equity, nil
	}

	if l.cfg.EquityFetcher == nil {
		return 0, fmt.Errorf("equity refresh failed: no fetcher configured")
	}
	equity, ok := l.cfg.EquityFetcher(ctx)
	if !ok || equity <= 0 {
		return 0, fmt.Errorf("equity refresh failed: live fetch unavailable")
	}

	l.mu.Lock()
	l.cachedEquity = equity
	l.lastEquityRefresh = now
	l.mu.Unlock()
	return equity, nil
}

// TradeResult is what the trader reports after a submission attempt.
type TradeResult struct {
	Key             string
	FilledNotional  float64
	RealizedPnL     float64
	HasRealizedPnL  bool
}

// RecordTradeResult folds a completed trade into the ledger: exposure
// update, PnL accounting, consecutive-loss and drawdown tracking, and
// persistence (spec.md §4.9).
func (l *Ledger) RecordTradeResult(tr TradeResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Clock.Now()
	l.resetIfNeededLocked(now)

	l.state.OpenExposureUSDByMarket[tr.Key] += tr.FilledNotional
	l.state.TotalOpenNotionalUSD += tr.FilledNotional
	l.state.TradesThisHour++
	l.state.TradesSinceReconcile++

	if tr.HasRealizedPnL {
		l.state.DailyRealizedPnL += tr.RealizedPnL
		l.state.CumulativeRealizedPnL += tr.RealizedPnL
		if tr.RealizedPnL < 0 {
			l.state.ConsecutiveLosses++
		} else {
			l.state.ConsecutiveLosses = 0
		}
	}

	equity := l.cfg.ConfiguredEquityUSD + l.state.CumulativeRealizedPnL
	if equity > l.state.PeakEquityUSD {
		l.state.PeakEquityUSD = equity
	}
	drawdownPct := 0.0
	if l.state.PeakEquityUSD > 0 {
		drawdownPct = (l.state.PeakEquityUSD - equity) / l.state.PeakEquityUSD
	}

	if (l.cfg.CooldownConsecutiveLosses > 0 && l.state.ConsecutiveLosses >= l.cfg.CooldownConsecutiveLosses) ||
		(l.cfg.CooldownDrawdownPct > 0 && drawdownPct >= l.cfg.CooldownDrawdownPct) {
		l.state.CooldownUntilTS = now.Unix() + int64(l.cfg.CooldownMinutes*60)
	}

	return l.persistLocked()
}

// ShouldReconcile reports whether a just-recorded trade should trigger
// Reconcile: either the fill details were incomplete (forced) or the
// trade count since the last reconciliation has reached
// ReconcileEveryNTrades (spec.md §4.9).
func (l *Ledger) ShouldReconcile(completeFillDetails bool) bool {
	if !completeFillDetails {
		return true
	}
	if l.cfg.ReconcileEveryNTrades <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.TradesSinceReconcile >= l.cfg.ReconcileEveryNTrades
}

// legacyExposureKey builds the 3-field exposure key used for positions
// reconciled from the exchange, which carries no market_identity. Load
// already treats any 3-field key as legacy and migrates it on restart.
func legacyExposureKey(tokenID, horizon, direction string) string {
	return fmt.Sprintf("%s|%s|%s", tokenID, horizon, direction)
}

// Reconcile overwrites the exposure map with the exchange's own view of
// open positions and resets the trade counter (spec.md §4.9). It is a
// no-op when no PositionsFetcher is configured (dry-run, or a venue
// adapter that doesn't support it).
func (l *Ledger) Reconcile(ctx context.Context) error {
	if l.cfg.PositionsFetcher == nil {
		return nil
	}
	positions, err := l.cfg.PositionsFetcher(ctx)
	if err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}

	rebuilt := make(map[string]float64, len(positions))
	var total float64
	for _, p := range positions {
		if p.TokenID == "" {
			continue
		}
		notional := math.Abs(p.NotionalUSD)
		key := legacyExposureKey(p.TokenID, p.Horizon, p.Direction)
		rebuilt[key] += notional
		total += notional
	}

	l.mu.Lock()
	l.state.OpenExposureUSDByMarket = rebuilt
	l.state.TotalOpenNotionalUSD = total
	l.state.TradesSinceReconcile = 0
	err = l.persistLocked()
	l.mu.Unlock()
	return err
}

// ExtractRealizedPnL recursively sums realized_pnl|realizedPnl|pnl|
// settlement_pnl|settlementPnl fields found under fills/settlements keys
// of an order response payload (spec.md §4.9).
func ExtractRealizedPnL(payload map[string]any) (float64, bool) {
	total := 0.0
	found := false
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for _, key := range []string{"realized_pnl", "realizedPnl", "pnl", "settlement_pnl", "settlementPnl"} {
				if raw, ok := t[key]; ok {
					if f, ok := raw.(float64); ok {
						total += f
						found = true
					}
				}
			}
			for _, key := range []string{"fills", "settlements"} {
				if nested, ok := t[key]; ok {
					walk(nested)
				}
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(payload)
	return total, found
}

// Snapshot returns a copy of the current persisted state for inspection
// (metrics, diagnostics).
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := l.state
	cp.OpenExposureUSDByMarket = make(map[string]float64, len(l.state.OpenExposureUSDByMarket))
	for k, v := range l.state.OpenExposureUSDByMarket {
		cp.OpenExposureUSDByMarket[k] = v
	}
	return cp
}
