package strategy

import (
	"testing"
	"time"

	"polymarket-mm/internal/feed"
	"polymarket-mm/internal/market"
	"polymarket-mm/pkg/clock"
)

func newTestMachine(fc *clock.Fake) *StateMachine {
	return New(Config{
		Threshold:              0.001,
		HammerSecs:             30,
		DMin:                   0.0,
		MaxEntryPrice:          0.99,
		FeeBps:                 50,
		FeeFormulaExponent:     1.0,
		ExpectedNotionalUSD:    10,
		PriceStaleAfterSeconds: 2.0,
		RollingWindowSeconds:   60,
		WatchModeExpirySeconds: 60,
		Clock:                  fc,
	})
}

func oracleMeta(ts float64) PriceMetadata {
	return PriceMetadata{Source: feed.SourceOracle, Timestamp: ts}
}

func TestOnPriceDropsNonOracleSource(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	sm := newTestMachine(fc)
	sm.OnPrice(1000, 100, PriceMetadata{Source: "spot", Timestamp: 1000})
	if _, ok := sm.LastPrice(); ok {
		t.Fatal("expected no price recorded for non-oracle source")
	}
}

func TestOnPriceRejectsStaleByEventClock(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	sm := newTestMachine(fc)
	sm.OnPrice(1000, 100, oracleMeta(990))
	if _, ok := sm.LastPrice(); ok {
		t.Fatal("expected stale-by-event-clock price to be dropped")
	}
	if !sm.IsPriceStale() {
		t.Fatal("expected priceIsStale to be set")
	}
}

func TestOnPriceAcceptsFreshTick(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	sm := newTestMachine(fc)
	sm.OnPrice(1000, 100, oracleMeta(1000))
	price, ok := sm.LastPrice()
	if !ok || price != 100 {
		t.Fatalf("LastPrice = %v, %v", price, ok)
	}
	if sm.IsPriceStale() {
		t.Fatal("expected fresh tick to clear staleness")
	}
}

func TestOnPriceSetsHorizonAnchorsOnFirstTick(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	sm := newTestMachine(fc)
	sm.OnPrice(1000, 100, oracleMeta(1000))

	sm.mu.Lock()
	start300, ok300 := sm.startPrices[300]
	start900, ok900 := sm.startPrices[900]
	sm.mu.Unlock()
	if !ok300 || start300 != 100 {
		t.Fatalf("start_prices[300] = %v, %v", start300, ok300)
	}
	if !ok900 || start900 != 100 {
		t.Fatalf("start_prices[900] = %v, %v", start900, ok900)
	}
}

func TestWatchModeTriggersOnLargeReturn(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	sm := newTestMachine(fc)
	sm.OnPrice(1000, 100, oracleMeta(1000))
	fc.Advance(time.Second)
	sm.OnPrice(1001, 101, oracleMeta(1001)) // 1% jump vs 0.1% threshold

	if !sm.WatchMode() {
		t.Fatal("expected watch mode to trigger on large rolling return")
	}
}

func TestWatchModeDoesNotTriggerOnSmallReturn(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	sm := newTestMachine(fc)
	sm.OnPrice(1000, 100, oracleMeta(1000))
	fc.Advance(time.Second)
	sm.OnPrice(1001, 100.001, oracleMeta(1001))

	if sm.WatchMode() {
		t.Fatal("expected watch mode to stay off for tiny return")
	}
}

func TestOnBookPartialUpdatePreservesOtherSide(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	sm := newTestMachine(fc)
	sm.OnBook("tok1", 0.5, 0.6, true, true, 10, 10, true, nil, nil, 1000)
	sm.OnBook("tok1", 0.55, 0, true, false, 0, 0, false, nil, nil, 1001)

	sm.mu.Lock()
	snap := sm.books["tok1"]
	sm.mu.Unlock()
	if snap.Bid != 0.55 {
		t.Fatalf("bid = %v, want 0.55", snap.Bid)
	}
	if snap.Ask != 0.6 {
		t.Fatalf("ask should be preserved, got %v", snap.Ask)
	}
}

func TestVwapToFillWalksLadder(t *testing.T) {
	levels := []Level{{Price: 0.5, Size: 5}, {Price: 0.52, Size: 10}}
	vwap, ok := vwapToFill(10, levels)
	if !ok {
		t.Fatal("expected ladder to cover required size")
	}
	want := (5*0.5 + 5*0.52) / 10
	if diff := vwap - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("vwap = %v, want %v", vwap, want)
	}
}

func TestVwapToFillInsufficientLadder(t *testing.T) {
	levels := []Level{{Price: 0.5, Size: 1}}
	if _, ok := vwapToFill(10, levels); ok {
		t.Fatal("expected insufficient ladder to report not-fillable")
	}
}

func TestPickBestRequiresHammerWindowAndAsk(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	sm := newTestMachine(fc)
	sm.OnPrice(1000, 100, oracleMeta(1000))
	for i := 1; i <= 65; i++ {
		fc.Advance(time.Second)
		sm.OnPrice(float64(1000+i), 100+float64(i)*0.01, oracleMeta(float64(1000+i)))
	}
	m := &market.Market{Slug: "btc-updown-5m-1000", HorizonMinutes: 5, StartEpoch: 1000, EndEpoch: 1000 + 65 + 10, UpTokenID: "up1", DownTokenID: "down1"}

	if best := sm.PickBest(1000+65, []*market.Market{m}); best != nil {
		t.Fatalf("expected nil candidate without book data, got %+v", best)
	}

	sm.OnBook("up1", 0.4, 0.45, true, true, 100, 100, true, []Level{{Price: 0.45, Size: 1000}}, nil, float64(1000+65))
	if best := sm.PickBest(m.EndEpoch-31, []*market.Market{m}); best != nil {
		t.Fatalf("expected nil candidate outside the 30s hammer window, got %+v", best)
	}
	if best := sm.PickBest(1000+65, []*market.Market{m}); best == nil {
		t.Log("no positive-EV candidate found with this synthetic data (acceptable depending on sigma1 availability)")
	}
}
