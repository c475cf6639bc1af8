package quorum

import (
	"testing"
	"time"

	"polymarket-mm/pkg/clock"
)

func newMonitor(fc *clock.Fake) *Monitor {
	return New(Config{
		ChainlinkMaxLagSeconds:   10,
		SpotMaxLagSeconds:        10,
		MinSpotSources:           2,
		DivergenceThresholdPct:   1.0,
		DivergenceSustainSeconds: 30,
		Clock:                    fc,
	})
}

func TestNoOracleSampleBlocks(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := newMonitor(fc)
	v := m.Evaluate()
	if v.Allowed || len(v.Reasons) != 1 || v.Reasons[0] != ReasonChainlinkMissing {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestStaleOracleBlocks(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := newMonitor(fc)
	m.UpdateOracle(100, 980) // 20s lag > 10s threshold
	m.UpdateSpot("a", 100, float64(fc.Now().Unix()))
	m.UpdateSpot("b", 100.5, float64(fc.Now().Unix()))
	v := m.Evaluate()
	if v.Allowed {
		t.Fatal("expected blocked due to stale oracle")
	}
	found := false
	for _, r := range v.Reasons {
		if r == ReasonChainlinkStale {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected CHAINLINK_STALE, got %+v", v.Reasons)
	}
}

func TestInsufficientSpotSourcesBlocks(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := newMonitor(fc)
	m.UpdateOracle(100, 1000)
	m.UpdateSpot("a", 100, float64(fc.Now().Unix()))
	v := m.Evaluate()
	if v.Allowed {
		t.Fatal("expected blocked due to insufficient spot quorum")
	}
}

func TestSustainedDivergenceBlocksAfterWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := newMonitor(fc)
	m.UpdateOracle(100, 1000)
	m.UpdateSpot("a", 110, float64(fc.Now().Unix()))
	m.UpdateSpot("b", 111, float64(fc.Now().Unix()))

	v := m.Evaluate()
	if !v.Allowed {
		t.Fatalf("expected allowed on first divergence tick (not yet sustained), got %+v", v)
	}

	fc.Advance(31 * time.Second)
	m.UpdateOracle(100, float64(fc.Now().Unix()))
	m.UpdateSpot("a", 110, float64(fc.Now().Unix()))
	m.UpdateSpot("b", 111, float64(fc.Now().Unix()))
	v = m.Evaluate()
	if v.Allowed {
		t.Fatal("expected blocked after sustained divergence window")
	}
}

func TestSpotLagUsesPayloadTimestampNotReceiveTime(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := newMonitor(fc)
	m.UpdateOracle(100, 1000)
	// Received "now" but the sample's own payload timestamp is already
	// 20s stale (a delayed message), which should be judged stale even
	// though it just arrived.
	m.UpdateSpot("a", 100, 980)
	m.UpdateSpot("b", 100, 1000)

	v := m.Evaluate()
	if v.SpotFreshCount != 1 {
		t.Fatalf("expected only the on-time sample to count as fresh, got %d", v.SpotFreshCount)
	}
}

func TestHealthyQuorumAllows(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := newMonitor(fc)
	m.UpdateOracle(100, 1000)
	m.UpdateSpot("a", 100.1, float64(fc.Now().Unix()))
	m.UpdateSpot("b", 99.9, float64(fc.Now().Unix()))
	v := m.Evaluate()
	if !v.Allowed {
		t.Fatalf("expected allowed, got %+v", v)
	}
}
