// Package market implements the market catalog and metadata/fee-rate
// caches (spec.md §4.5, §4.6): slug-indexed lookup of Up/Down market
// definitions and TTL'd per-token constraint caching.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-mm/pkg/clock"
)

// Market is a validated Up/Down market definition (spec.md §3).
type Market struct {
	Slug           string
	HorizonMinutes int
	StartEpoch     int64
	EndEpoch       int64
	UpTokenID      string
	DownTokenID    string
	Category       string
}

// RetryableError wraps catalog errors that the supervisor should retry
// against neighboring epochs (rate-limit, timeout) rather than give up on.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or one it wraps) is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ErrBannedCategory is wrapped into the error returned when a resolved
// market's category is in the deployment's banned set.
var ErrBannedCategory = errors.New("market category is banned")

// CatalogConfig parameterizes Catalog.
type CatalogConfig struct {
	BaseURL          string
	Timeout          time.Duration
	UnderlyingTerms  []string // both must appear in question+description, e.g. {"btc","usd"}
	BannedCategories map[string]bool
	Clock            clock.Clock
}

// Catalog resolves and caches Up/Down market definitions by slug.
type Catalog struct {
	cfg    CatalogConfig
	client *resty.Client

	mu    sync.Mutex
	cache map[string]*Market
}

// NewCatalog creates a Catalog.
func NewCatalog(cfg CatalogConfig) *Catalog {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)
	return &Catalog{
		cfg:    cfg,
		client: client,
		cache:  make(map[string]*Market),
	}
}

// Close releases the catalog's HTTP client resources.
func (c *Catalog) Close() {
	c.client.SetCloseConnection(true)
}

func slugFor(horizonMinutes int, startEpoch int64) string {
	return fmt.Sprintf("btc-updown-%dm-%d", horizonMinutes, startEpoch)
}

// GetMarket returns a validated Market for (horizonMinutes, startEpoch),
// cached by slug until its end_epoch elapses.
func (c *Catalog) GetMarket(ctx context.Context, horizonMinutes int, startEpoch int64) (*Market, error) {
	slug := slugFor(horizonMinutes, startEpoch)

	c.mu.Lock()
	if m, ok := c.cache[slug]; ok {
		if m.EndEpoch > c.cfg.Clock.Now().Unix() {
			c.mu.Unlock()
			return m, nil
		}
		delete(c.cache, slug)
	}
	c.mu.Unlock()

	row, err := c.fetchRow(ctx, slug)
	if err != nil {
		return nil, err
	}
	market, err := c.validate(row, slug, horizonMinutes, startEpoch)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[slug] = market
	c.mu.Unlock()
	return market, nil
}

func (c *Catalog) fetchRow(ctx context.Context, slug string) (map[string]any, error) {
	var rows []map[string]any
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&rows).
		Get("/markets")
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("catalog fetch: %w", ctx.Err())
		}
		return nil, &RetryableError{Err: fmt.Errorf("catalog fetch %s: %w", slug, err)}
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return nil, &RetryableError{Err: fmt.Errorf("catalog fetch %s: status %d", slug, resp.StatusCode())}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch %s: status %d", slug, resp.StatusCode())
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("catalog fetch %s: expected exactly one row, got %d", slug, len(rows))
	}
	return rows[0], nil
}

func (c *Catalog) validate(row map[string]any, expectedSlug string, horizonMinutes int, startEpoch int64) (*Market, error) {
	rowSlug, _ := row["slug"].(string)
	if rowSlug != expectedSlug {
		return nil, fmt.Errorf("catalog row slug %q does not match requested %q", rowSlug, expectedSlug)
	}

	if startEpoch%int64(horizonMinutes*60) != 0 {
		return nil, fmt.Errorf("start_epoch %d not aligned to %d minutes", startEpoch, horizonMinutes)
	}

	startStr := firstString(row, "startDate", "startTime")
	endStr := firstString(row, "endDate", "endTime")
	if startStr == "" || endStr == "" {
		return nil, fmt.Errorf("catalog row %s missing start/end timestamp", expectedSlug)
	}
	startTime, err := parseTimestamp(startStr)
	if err != nil {
		return nil, fmt.Errorf("catalog row %s unparseable start timestamp: %w", expectedSlug, err)
	}
	endTime, err := parseTimestamp(endStr)
	if err != nil {
		return nil, fmt.Errorf("catalog row %s unparseable end timestamp: %w", expectedSlug, err)
	}
	_ = startTime

	now := c.cfg.Clock.Now().Unix()
	endEpoch := endTime.Unix()
	if endEpoch <= now {
		return nil, fmt.Errorf("market %s is expired", expectedSlug)
	}
	if asBool(row["closed"]) || asBool(row["resolved"]) {
		return nil, fmt.Errorf("market %s is closed or resolved", expectedSlug)
	}

	question, _ := row["question"].(string)
	description, _ := row["description"].(string)
	haystack := strings.ToLower(question + " " + description)
	for _, term := range c.cfg.UnderlyingTerms {
		if !strings.Contains(haystack, strings.ToLower(term)) {
			return nil, fmt.Errorf("market %s does not mention required term %q", expectedSlug, term)
		}
	}

	outcomes, err := parseStringList(row["outcomes"])
	if err != nil {
		return nil, fmt.Errorf("market %s outcomes unparseable: %w", expectedSlug, err)
	}
	tokenIDs, err := parseStringList(row["clobTokenIds"])
	if err != nil {
		return nil, fmt.Errorf("market %s clobTokenIds unparseable: %w", expectedSlug, err)
	}
	if len(outcomes) != len(tokenIDs) {
		return nil, fmt.Errorf("market %s outcomes/clobTokenIds length mismatch", expectedSlug)
	}

	var upToken, downToken string
	for i, outcome := range outcomes {
		switch strings.ToLower(strings.TrimSpace(outcome)) {
		case "up":
			upToken = tokenIDs[i]
		case "down":
			downToken = tokenIDs[i]
		}
	}
	if upToken == "" || downToken == "" {
		return nil, fmt.Errorf("market %s missing up/down token mapping", expectedSlug)
	}

	category := firstString(row, "category")
	if category == "" {
		if tags, ok := row["tags"].([]any); ok && len(tags) > 0 {
			category, _ = tags[0].(string)
		}
	}
	if c.cfg.BannedCategories != nil && c.cfg.BannedCategories[strings.ToLower(category)] {
		return nil, fmt.Errorf("market %s: %w: %s", expectedSlug, ErrBannedCategory, category)
	}

	return &Market{
		Slug:           expectedSlug,
		HorizonMinutes: horizonMinutes,
		StartEpoch:     startEpoch,
		EndEpoch:       endEpoch,
		UpTokenID:      upToken,
		DownTokenID:    downToken,
		Category:       category,
	}, nil
}

func firstString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(int64(f), 0), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}

// parseStringList accepts either a native JSON list or a JSON-encoded list
// string (spec.md §4.5 rule 6).
func parseStringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("missing list value")
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, _ := item.(string)
			out = append(out, s)
		}
		return out, nil
	case string:
		var out []string
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported list encoding %T", v)
	}
}
