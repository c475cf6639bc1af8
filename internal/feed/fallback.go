package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-mm/pkg/clock"
)

// FallbackConfig parameterizes FallbackFeed.
type FallbackConfig struct {
	URL          string
	PollInterval time.Duration
	Timeout      time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// FallbackFeed polls a spot-liveness HTTP endpoint on a fixed interval.
// When one is configured, the supervisor runs it for the whole session
// and feeds its ticks to the quorum monitor as a spot sample. Polling is
// not gated on the oracle stream's staleness, and its ticks never replace
// oracle ticks in the strategy. Ticks are tagged SourceSpotFallback.
type FallbackFeed struct {
	cfg    FallbackConfig
	client *resty.Client
	ticks  chan Tick
}

// NewFallbackFeed creates a FallbackFeed.
func NewFallbackFeed(cfg FallbackConfig) *FallbackFeed {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := resty.New().SetTimeout(cfg.Timeout)
	return &FallbackFeed{
		cfg:    cfg,
		client: client,
		ticks:  make(chan Tick, 64),
	}
}

// Ticks returns the channel of fallback ticks.
func (f *FallbackFeed) Ticks() <-chan Tick { return f.ticks }

// Run polls the fallback endpoint until ctx is cancelled.
func (f *FallbackFeed) Run(ctx context.Context) error {
	logger := f.cfg.Logger.With("component", "feed_fallback")
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.poll(ctx, logger)
		}
	}
}

func (f *FallbackFeed) poll(ctx context.Context, logger *slog.Logger) {
	var body map[string]any
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(f.cfg.URL)
	if err != nil {
		logger.Warn("fallback poll failed", "error", err)
		return
	}
	if resp.IsError() {
		logger.Warn("fallback poll non-2xx", "status", resp.StatusCode())
		return
	}

	price, priceOK := findNestedFloat(body, priceKeys)
	if !priceOK {
		logger.Warn("fallback response missing price field")
		return
	}
	rawTS, tsOK := findNestedFloat(body, timestampKeys)
	now := f.cfg.Clock.Now()
	ts := float64(now.Unix())
	if tsOK {
		ts = normalizeTimestamp(rawTS)
	}

	tick := Tick{
		EventTimeSec:      ts,
		Price:             price,
		Source:            SourceSpotFallback,
		PayloadTimestamp:  ts,
		ReceivedTimestamp: float64(now.Unix()),
	}
	select {
	case f.ticks <- tick:
	default:
		logger.Warn("fallback tick channel full, dropping tick")
	}
}
