package market

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-mm/pkg/clock"
)

// TokenConstraints is the cached per-token shape (spec.md §4.6).
type TokenConstraints struct {
	TickSize     float64
	MinOrderSize float64
	FeeRateBps   int
}

type constraintEntry struct {
	value     TokenConstraints
	updatedAt time.Time
}

// TokenMetadataCache is a TTL cache of per-token constraints with a
// best-effort stale-read mode for rounding fallbacks.
type TokenMetadataCache struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]constraintEntry
}

// NewTokenMetadataCache creates a cache with the given TTL.
func NewTokenMetadataCache(ttl time.Duration, c clock.Clock) *TokenMetadataCache {
	if c == nil {
		c = clock.Real()
	}
	return &TokenMetadataCache{ttl: ttl, clock: c, entries: make(map[string]constraintEntry)}
}

// Put records constraints for tokenID, observed now.
func (c *TokenMetadataCache) Put(tokenID string, v TokenConstraints) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tokenID] = constraintEntry{value: v, updatedAt: c.clock.Now()}
}

// Get returns the freshest value for tokenID, or false if absent/expired.
func (c *TokenMetadataCache) Get(tokenID string) (TokenConstraints, bool) {
	return c.get(tokenID, false)
}

// GetAllowStale returns the last observed value even if the TTL elapsed.
func (c *TokenMetadataCache) GetAllowStale(tokenID string) (TokenConstraints, bool) {
	return c.get(tokenID, true)
}

func (c *TokenMetadataCache) get(tokenID string, allowStale bool) (TokenConstraints, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tokenID]
	if !ok {
		return TokenConstraints{}, false
	}
	if !allowStale && c.clock.Now().Sub(e.updatedAt) > c.ttl {
		return TokenConstraints{}, false
	}
	return e.value, true
}

// FeeRateCache asynchronously warms and caches per-token fee rates from an
// HTTP endpoint (spec.md §4.6). Expired entries report "unknown".
type FeeRateCache struct {
	client *resty.Client
	ttl    time.Duration
	clock  clock.Clock

	mu      sync.RWMutex
	entries map[string]constraintEntry
}

// NewFeeRateCache creates a FeeRateCache pointed at baseURL.
func NewFeeRateCache(baseURL string, ttl time.Duration, c clock.Clock) *FeeRateCache {
	if c == nil {
		c = clock.Real()
	}
	return &FeeRateCache{
		client:  resty.New().SetBaseURL(baseURL).SetTimeout(5 * time.Second),
		ttl:     ttl,
		clock:   c,
		entries: make(map[string]constraintEntry),
	}
}

// Warm fetches and caches fee rates for tokenIDs, logging but not failing
// the caller on individual errors.
func (c *FeeRateCache) Warm(ctx context.Context, tokenIDs []string) []error {
	var errs []error
	for _, tokenID := range tokenIDs {
		if err := c.warmOne(ctx, tokenID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *FeeRateCache) warmOne(ctx context.Context, tokenID string) error {
	var body map[string]any
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&body).
		Get("/fee-rate")
	if err != nil {
		return fmt.Errorf("fee-rate fetch %s: %w", tokenID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fee-rate fetch %s: status %d", tokenID, resp.StatusCode())
	}
	bps, ok := asFeeRateBps(body)
	if !ok {
		return fmt.Errorf("fee-rate fetch %s: missing feeRateBps/fee_rate_bps", tokenID)
	}

	c.mu.Lock()
	c.entries[tokenID] = constraintEntry{
		value:     TokenConstraints{FeeRateBps: bps},
		updatedAt: c.clock.Now(),
	}
	c.mu.Unlock()
	return nil
}

// Get returns (bps, true) if fresh, else (fallbackBps, false).
func (c *FeeRateCache) Get(tokenID string, fallbackBps int) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tokenID]
	if !ok || c.clock.Now().Sub(e.updatedAt) > c.ttl {
		return fallbackBps, false
	}
	return e.value.FeeRateBps, true
}

func asFeeRateBps(body map[string]any) (int, bool) {
	for _, k := range []string{"feeRateBps", "fee_rate_bps"} {
		switch v := body[k].(type) {
		case float64:
			return int(v), true
		}
	}
	return 0, false
}
