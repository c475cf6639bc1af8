// Package quorum fuses oracle and spot price samples into a
// trading-allowed verdict (spec.md §4.7).
package quorum

import (
	"math"
	"sort"
	"sync"
	"time"

	"polymarket-mm/pkg/clock"
)

// Reason codes carried by a blocked Verdict.
const (
	ReasonChainlinkMissing       = "CHAINLINK_MISSING"
	ReasonChainlinkStale         = "CHAINLINK_STALE"
	ReasonSpotQuorumUnavailable  = "SPOT_QUORUM_UNAVAILABLE"
	ReasonSpotDivergenceSustained = "SPOT_DIVERGENCE_SUSTAINED"
)

// Config parameterizes Monitor thresholds.
type Config struct {
	ChainlinkMaxLagSeconds   float64
	SpotMaxLagSeconds        float64
	MinSpotSources           int
	DivergenceThresholdPct   float64
	DivergenceSustainSeconds float64
	Clock                    clock.Clock
}

type oracleSample struct {
	price            float64
	payloadTimestamp float64
	receivedAt       time.Time
}

type spotSample struct {
	price            float64
	payloadTimestamp float64
	receivedAt       time.Time
}

// Verdict is the result of one re-evaluation.
type Verdict struct {
	Allowed          bool
	Reasons          []string
	OracleLagSeconds float64
	SpotFreshCount   int
	DivergencePct    float64
}

// Monitor holds the latest oracle and per-feed spot samples and evaluates
// a trading-allowed verdict on demand.
type Monitor struct {
	cfg Config

	mu                 sync.Mutex
	oracle             *oracleSample
	spotByFeed         map[string]spotSample
	divergenceStartedAt time.Time
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MinSpotSources <= 0 {
		cfg.MinSpotSources = 1
	}
	return &Monitor{cfg: cfg, spotByFeed: make(map[string]spotSample)}
}

// UpdateOracle records the latest oracle sample.
func (m *Monitor) UpdateOracle(price, payloadTimestamp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oracle = &oracleSample{price: price, payloadTimestamp: payloadTimestamp, receivedAt: m.cfg.Clock.Now()}
}

// UpdateSpot records the latest sample for a named spot feed. Staleness
// is judged against payloadTimestamp, the sample's own source timestamp,
// not the time it was received.
func (m *Monitor) UpdateSpot(feedName string, price, payloadTimestamp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spotByFeed[feedName] = spotSample{price: price, payloadTimestamp: payloadTimestamp, receivedAt: m.cfg.Clock.Now()}
}

// Evaluate runs the six-step algorithm (spec.md §4.7) and returns the
// current verdict.
func (m *Monitor) Evaluate() Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Clock.Now()

	if m.oracle == nil {
		return Verdict{Allowed: false, Reasons: []string{ReasonChainlinkMissing}}
	}

	oracleLag := float64(now.Unix()) - m.oracle.payloadTimestamp
	var reasons []string
	if oracleLag > m.cfg.ChainlinkMaxLagSeconds {
		reasons = append(reasons, ReasonChainlinkStale)
	}

	var fresh []float64
	for _, s := range m.spotByFeed {
		lag := float64(now.Unix()) - s.payloadTimestamp
		if lag <= m.cfg.SpotMaxLagSeconds {
			fresh = append(fresh, s.price)
		}
	}

	if len(fresh) < m.cfg.MinSpotSources {
		m.divergenceStartedAt = time.Time{}
		reasons = append(reasons, ReasonSpotQuorumUnavailable)
		return Verdict{
			Allowed:          len(reasons) == 0,
			Reasons:          reasons,
			OracleLagSeconds: oracleLag,
			SpotFreshCount:   len(fresh),
		}
	}

	median := medianOf(fresh)
	divergencePct := 0.0
	if m.oracle.price != 0 {
		divergencePct = 100.0 * math.Abs(m.oracle.price-median) / math.Abs(m.oracle.price)
	}

	if divergencePct >= m.cfg.DivergenceThresholdPct {
		if m.divergenceStartedAt.IsZero() {
			m.divergenceStartedAt = now
		}
		if now.Sub(m.divergenceStartedAt).Seconds() >= m.cfg.DivergenceSustainSeconds {
			reasons = append(reasons, ReasonSpotDivergenceSustained)
		}
	} else {
		m.divergenceStartedAt = time.Time{}
	}

	return Verdict{
		Allowed:          len(reasons) == 0,
		Reasons:          reasons,
		OracleLagSeconds: oracleLag,
		SpotFreshCount:   len(fresh),
		DivergencePct:    divergencePct,
	}
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
