package risk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"polymarket-mm/pkg/clock"
	"polymarket-mm/pkg/types"
)

func newTestLedger(t *testing.T, fc *clock.Fake) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "risk_state.json")
	return New(Config{
		StatePath:            path,
		MaxUSDPerTrade:       100,
		MaxDailyLoss:         50,
		MaxTradesPerHour:     10,
		PerMarketCapUSD:      200,
		TotalCapUSD:          500,
		EquityRefreshSeconds: 60,
		ConfiguredEquityUSD:  1000,
		DryRun:               true,
		Clock:                fc,
	})
}

func TestEvaluateBlocksAboveMaxPerTrade(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := newTestLedger(t, fc)
	d, _ := l.Evaluate(context.Background(), "tok1", 300, "UP", "slug:btc-updown-5m-1700000000", 150)
	if !d.Blocked || d.Reason != "max_usd_per_trade" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEvaluateAllowsWithinCaps(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := newTestLedger(t, fc)
	d, key := l.Evaluate(context.Background(), "tok1", 300, "UP", "slug:btc-updown-5m-1700000000", 50)
	if d.Blocked {
		t.Fatalf("expected allowed, got %+v", d)
	}
	if key != "tok1|300|UP|slug:btc-updown-5m-1700000000" {
		t.Fatalf("key = %q", key)
	}
}

func TestRecordTradeResultPersistsAndUpdatesExposure(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := newTestLedger(t, fc)
	key := exposureKey("tok1", 300, "UP", "slug:btc-updown-5m-1700000000")

	if err := l.RecordTradeResult(TradeResult{Key: key, FilledNotional: 40, RealizedPnL: -10, HasRealizedPnL: true}); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}

	snap := l.Snapshot()
	if snap.OpenExposureUSDByMarket[key] != 40 {
		t.Fatalf("exposure = %v", snap.OpenExposureUSDByMarket[key])
	}
	if snap.TotalOpenNotionalUSD != 40 {
		t.Fatalf("total = %v", snap.TotalOpenNotionalUSD)
	}
	if snap.ConsecutiveLosses != 1 {
		t.Fatalf("consecutive losses = %d", snap.ConsecutiveLosses)
	}

	if _, err := os.Stat(l.cfg.StatePath); err != nil {
		t.Fatalf("expected persisted file: %v", err)
	}
}

func TestCooldownTriggersAfterConsecutiveLosses(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := newTestLedger(t, fc)
	l.cfg.CooldownConsecutiveLosses = 2
	l.cfg.CooldownMinutes = 15

	key := exposureKey("tok1", 300, "UP", "slug:btc-updown-5m-1700000000")
	l.RecordTradeResult(TradeResult{Key: key, FilledNotional: 10, RealizedPnL: -5, HasRealizedPnL: true})
	l.RecordTradeResult(TradeResult{Key: key, FilledNotional: 10, RealizedPnL: -5, HasRealizedPnL: true})

	snap := l.Snapshot()
	if snap.CooldownUntilTS <= fc.Now().Unix() {
		t.Fatalf("expected cooldown to be set, got %d", snap.CooldownUntilTS)
	}

	d, _ := l.Evaluate(context.Background(), "tok2", 300, "UP", "slug:btc-updown-5m-1700000000", 10)
	if !d.Blocked || d.Reason != "cooldown_active" {
		t.Fatalf("expected cooldown_active, got %+v", d)
	}
}

func TestDailyResetOnUTCDateRollover(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC))
	l := newTestLedger(t, fc)
	key := exposureKey("tok1", 300, "UP", "slug:btc-updown-5m-1700000000")
	l.RecordTradeResult(TradeResult{Key: key, FilledNotional: 10, RealizedPnL: -20, HasRealizedPnL: true})
	if l.Snapshot().DailyRealizedPnL != -20 {
		t.Fatalf("expected -20 before rollover, got %v", l.Snapshot().DailyRealizedPnL)
	}

	fc.Advance(2 * time.Minute) // crosses into 2026-01-02 UTC
	d, _ := l.Evaluate(context.Background(), "tok1", 300, "UP", "slug:btc-updown-5m-1700000000", 10)
	if d.Blocked {
		t.Fatalf("expected daily loss to reset after UTC rollover, got %+v", d)
	}
	if l.Snapshot().DailyRealizedPnL != 0 {
		t.Fatalf("expected reset daily PnL, got %v", l.Snapshot().DailyRealizedPnL)
	}
}

func TestLoadMigratesLegacyThreeFieldKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk_state.json")
	os.WriteFile(path, []byte(`{"open_exposure_usd_by_market":{"tok1|300|UP":25}}`), 0o600)

	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := New(Config{StatePath: path, Clock: fc})
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := l.Snapshot()
	if v, ok := snap.OpenExposureUSDByMarket["tok1|300|UP|legacy"]; !ok || v != 25 {
		t.Fatalf("expected migrated legacy key, got %+v", snap.OpenExposureUSDByMarket)
	}
}

func TestInferEndEpochFromSlugAndStartIdentities(t *testing.T) {
	if end, ok := inferEndEpoch("tok1|300|UP|slug:btc-updown-5m-1700000000"); !ok || end != 1700000300 {
		t.Fatalf("slug-based inference = %d, %v", end, ok)
	}
	if end, ok := inferEndEpoch("tok1|900|DOWN|start:1700000000"); !ok || end != 1700000900 {
		t.Fatalf("start-based inference = %d, %v", end, ok)
	}
	if _, ok := inferEndEpoch("tok1|300|UP|legacy"); ok {
		t.Fatal("expected legacy identity to be non-inferable")
	}
}

func TestExtractRealizedPnLRecursesThroughFillsAndSettlements(t *testing.T) {
	payload := map[string]any{
		"fills": []any{
			map[string]any{"realized_pnl": 1.5},
			map[string]any{"pnl": 2.0},
		},
		"settlements": []any{
			map[string]any{"settlementPnl": -0.5},
		},
	}
	total, found := ExtractRealizedPnL(payload)
	if !found {
		t.Fatal("expected realized PnL to be found")
	}
	if diff := total - 3.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("total = %v, want 3.0", total)
	}
}

func TestPurgeExpiredExposureKeys(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := newTestLedger(t, fc)
	key := exposureKey("tok1", 300, "UP", "slug:btc-updown-5m-1699999800")
	l.RecordTradeResult(TradeResult{Key: key, FilledNotional: 30})

	fc.Advance(10 * time.Minute)
	l.Evaluate(context.Background(), "tok2", 300, "UP", "slug:btc-updown-5m-1700000000", 1)

	snap := l.Snapshot()
	if _, ok := snap.OpenExposureUSDByMarket[key]; ok {
		t.Fatal("expected expired exposure key to be purged")
	}
}

func TestShouldReconcileForcesOnIncompleteFillDetails(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := newTestLedger(t, fc)
	l.cfg.ReconcileEveryNTrades = 10

	if !l.ShouldReconcile(false) {
		t.Fatal("incomplete fill details should force reconciliation regardless of trade count")
	}
	if l.ShouldReconcile(true) {
		t.Fatal("complete fill details should not reconcile before the trade count threshold")
	}
}

func TestShouldReconcileEveryNTrades(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := newTestLedger(t, fc)
	l.cfg.ReconcileEveryNTrades = 2

	key := exposureKey("tok1", 300, "UP", "slug:btc-updown-5m-1700000000")
	l.RecordTradeResult(TradeResult{Key: key, FilledNotional: 10})
	if l.ShouldReconcile(true) {
		t.Fatal("should not reconcile before reaching ReconcileEveryNTrades")
	}
	l.RecordTradeResult(TradeResult{Key: key, FilledNotional: 10})
	if !l.ShouldReconcile(true) {
		t.Fatal("expected reconciliation to trigger on the Nth trade")
	}
}

func TestReconcileOverwritesExposureMapFromExchange(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	l := newTestLedger(t, fc)
	key := exposureKey("stale", 300, "UP", "slug:btc-updown-5m-1700000000")
	l.RecordTradeResult(TradeResult{Key: key, FilledNotional: 999})
	l.state.TradesSinceReconcile = 5

	l.cfg.PositionsFetcher = func(ctx context.Context) ([]types.Position, error) {
		return []types.Position{
			{TokenID: "tok1", Horizon: "300", Direction: "UP", NotionalUSD: 40},
			{TokenID: "tok1", Horizon: "300", Direction: "UP", NotionalUSD: 10},
			{TokenID: "", Horizon: "300", Direction: "UP", NotionalUSD: 5},
		}, nil
	}

	if err := l.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	snap := l.Snapshot()
	if _, ok := snap.OpenExposureUSDByMarket[key]; ok {
		t.Fatal("expected stale exposure key to be dropped by reconciliation")
	}
	if snap.OpenExposureUSDByMarket["tok1|300|UP"] != 50 {
		t.Fatalf("expected rebuilt exposure 50, got %v", snap.OpenExposureUSDByMarket["tok1|300|UP"])
	}
	if snap.TotalOpenNotionalUSD != 50 {
		t.Fatalf("expected total 50, got %v", snap.TotalOpenNotionalUSD)
	}
	if snap.TradesSinceReconcile != 0 {
		t.Fatalf("expected TradesSinceReconcile reset to 0, got %d", snap.TradesSinceReconcile)
	}
}
