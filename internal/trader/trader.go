// Package trader implements the Kelly-capped FOK order path (spec.md
// §4.10): tick/step rounding, dry-run synthetic fills, live submission with
// timeout-bounded error classification, and post-fill risk ledger updates.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"polymarket-mm/internal/metrics"
	"polymarket-mm/internal/risk"
	"polymarket-mm/pkg/clock"
	"polymarket-mm/pkg/types"
)

// OrderSubmitter is the venue adapter the trader submits FOK orders
// through. internal/exchange.Client satisfies this.
type OrderSubmitter interface {
	PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error)
}

// ConstraintsLookup resolves per-token tick size, minimum order size, and
// fee rate. ok is false when nothing is known for tokenID, in which case
// the trader falls back to its configured defaults.
type ConstraintsLookup func(tokenID string) (tickSize, minOrderSize float64, feeRateBps int, hasFeeRate, ok bool)

// Config parameterizes Trader.
type Config struct {
	DryRun bool

	DefaultTickSize     float64 // fallback when ConstraintsLookup has nothing, spec.md default 0.001
	DefaultMinOrderSize float64 // fallback, spec.md default 0.1
	Epsilon             float64 // clip bound for effective_cost, default 1e-6

	MaxUSDPerTrade float64
	RiskPctPerTrade float64
	MaxRiskPctCap   float64
	KellyFraction   float64

	OrderSubmitTimeout time.Duration

	Ledger            *risk.Ledger
	Submitter         OrderSubmitter
	ConstraintsLookup ConstraintsLookup
	Clock             clock.Clock
	Logger            *slog.Logger
}

// Trader owns FOK order submission and the post-trade risk ledger update.
type Trader struct {
	cfg Config
}

// New creates a Trader. Ledger is required; Submitter may be nil when
// DryRun is always true.
func New(cfg Config) *Trader {
	if cfg.DefaultTickSize == 0 {
		cfg.DefaultTickSize = 0.001
	}
	if cfg.DefaultMinOrderSize == 0 {
		cfg.DefaultMinOrderSize = 0.1
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-6
	}
	if cfg.OrderSubmitTimeout == 0 {
		cfg.OrderSubmitTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Trader{cfg: cfg}
}

// Request describes one candidate the strategy wants filled.
type Request struct {
	TokenID          string
	Ask              float64
	HorizonSeconds   int
	Direction        string // "UP" | "DOWN", used for the exposure key
	PHat             float64
	HasPHat          bool
	FeeCost          float64
	SlippageCost     float64
	MarketSlug       string
	MarketStartEpoch int64
	HasMarketSlug    bool
}

func (r Request) marketIdentity() string {
	if r.HasMarketSlug && r.MarketSlug != "" {
		return "slug:" + r.MarketSlug
	}
	return fmt.Sprintf("start:%d", r.MarketStartEpoch)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step) * step
}

func roundUp(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Ceil(value/step) * step
}

// kellySuggestion computes k = clip((p_hat - cost)/(1 - cost), [0, 1]).
func kellySuggestion(pHat, cost float64) float64 {
	if cost >= 1 {
		return 0
	}
	k := (pHat - cost) / (1 - cost)
	return clip(k, 0, 1)
}

// Buy implements buy_fok (spec.md §4.10). It returns whether an order was
// filled (dry-run or live) and the risk ledger's exposure key for it.
func (tr *Trader) Buy(ctx context.Context, req Request) (bool, string, error) {
	tickSize, minOrderSize, feeRateBps, hasFeeRate, constraintsOK := tr.resolveConstraints(req.TokenID)
	if !hasFeeRate {
		feeRateBps = 0
	}
	if !constraintsOK {
		tickSize, minOrderSize = tr.cfg.DefaultTickSize, tr.cfg.DefaultMinOrderSize
	}

	effectiveCost := clip(req.Ask+req.FeeCost+req.SlippageCost, tr.cfg.Epsilon, 1-tr.cfg.Epsilon)
	k := 0.0
	if req.HasPHat {
		k = kellySuggestion(req.PHat, effectiveCost)
	}

	dynamicRiskPct := math.Max(tr.cfg.RiskPctPerTrade, k*tr.cfg.KellyFraction)
	if tr.cfg.MaxRiskPctCap > 0 && dynamicRiskPct > tr.cfg.MaxRiskPctCap {
		dynamicRiskPct = tr.cfg.MaxRiskPctCap
	}

	equity, err := tr.cfg.Ledger.Equity(ctx)
	if err != nil {
		metrics.RiskRejectionsTotal.WithLabelValues("equity_refresh_failed").Inc()
		return false, "", nil
	}

	quoteUSD := equity * dynamicRiskPct
	if tr.cfg.MaxUSDPerTrade > 0 && quoteUSD > tr.cfg.MaxUSDPerTrade {
		quoteUSD = tr.cfg.MaxUSDPerTrade
	}

	size := roundDown(quoteUSD/req.Ask, minOrderSize)
	price := roundUp(req.Ask, tickSize)

	if size < minOrderSize {
		bumped := math.Ceil(minOrderSize/minOrderSize) * minOrderSize
		size = bumped
	}
	notional := size * price

	decision, key := tr.cfg.Ledger.Evaluate(ctx, req.TokenID, req.HorizonSeconds, req.Direction, req.marketIdentity(), notional)
	if decision.Blocked {
		metrics.RiskRejectionsTotal.WithLabelValues(decision.Reason).Inc()
		metrics.OrdersTotal.WithLabelValues("blocked_" + decision.Reason).Inc()
		return false, key, nil
	}

	if tr.cfg.DryRun {
		tr.cfg.Logger.Info("dry-run fill", "token_id", req.TokenID, "price", price, "size", size)
		if err := tr.cfg.Ledger.RecordTradeResult(risk.TradeResult{Key: key, FilledNotional: notional}); err != nil {
			return false, key, fmt.Errorf("record dry-run trade: %w", err)
		}
		metrics.OrdersTotal.WithLabelValues("dry_run").Inc()
		return true, key, nil
	}

	return tr.submitLive(ctx, req, key, price, size, notional, feeRateBps)
}

func (tr *Trader) resolveConstraints(tokenID string) (tickSize, minOrderSize float64, feeRateBps int, hasFeeRate, ok bool) {
	if tr.cfg.ConstraintsLookup == nil {
		return 0, 0, 0, false, false
	}
	return tr.cfg.ConstraintsLookup(tokenID)
}

func (tr *Trader) submitLive(ctx context.Context, req Request, key string, price, size, notional float64, feeRateBps int) (bool, string, error) {
	if tr.cfg.Submitter == nil {
		metrics.OrdersTotal.WithLabelValues("error").Inc()
		return false, key, fmt.Errorf("no order submitter configured")
	}

	submitCtx, cancel := context.WithTimeout(ctx, tr.cfg.OrderSubmitTimeout)
	defer cancel()

	order := types.UserOrder{
		TokenID:    req.TokenID,
		Price:      formatDecimal(price),
		Size:       formatDecimal(size),
		Side:       types.BUY,
		OrderType:  types.OrderTypeFOK,
		FeeRateBps: feeRateBps,
	}

	responses, err := tr.cfg.Submitter.PostOrders(submitCtx, []types.UserOrder{order}, false)
	if err != nil {
		label := classifyError(err)
		metrics.OrdersTotal.WithLabelValues(label).Inc()
		tr.cfg.Logger.Warn("order submission failed", "token_id", req.TokenID, "classification", label, "err", err)
		return false, key, nil
	}
	if len(responses) == 0 || !responses[0].Success {
		metrics.OrdersTotal.WithLabelValues("rejected").Inc()
		return false, key, nil
	}

	realizedPnL, hasPnL := extractFillPnL(responses[0])
	filledNotional, completeFillDetails := extractFilledNotional(responses[0], notional)

	if err := tr.cfg.Ledger.RecordTradeResult(risk.TradeResult{
		Key:            key,
		FilledNotional: filledNotional,
		RealizedPnL:    realizedPnL,
		HasRealizedPnL: hasPnL,
	}); err != nil {
		tr.cfg.Logger.Error("failed to persist trade result", "err", err)
	}
	if tr.cfg.Ledger.ShouldReconcile(completeFillDetails) {
		if err := tr.cfg.Ledger.Reconcile(ctx); err != nil {
			tr.cfg.Logger.Warn("exposure reconciliation failed", "err", err)
		}
	}
	metrics.OrdersTotal.WithLabelValues("filled").Inc()
	return true, key, nil
}

// classifyError buckets submission failures for the trades counter
// (spec.md §4.10 step 7: timeout, auth, allowance, network, error).
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "signature"):
		return "auth"
	case strings.Contains(msg, "allowance") || strings.Contains(msg, "insufficient"):
		return "allowance"
	case strings.Contains(msg, "connection") || strings.Contains(msg, "dial") || strings.Contains(msg, "no such host"):
		return "network"
	default:
		return "error"
	}
}

// extractFillPnL sums PnL fields at the top level of the response's raw
// JSON bag and under its fills/settlements entries, under any of the
// historical key spellings risk.ExtractRealizedPnL knows.
func extractFillPnL(resp types.OrderResponse) (float64, bool) {
	if resp.Extra != nil {
		return risk.ExtractRealizedPnL(resp.Extra)
	}
	fills := make([]any, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		if f.Raw != nil {
			fills = append(fills, map[string]any(f.Raw))
		}
	}
	if len(fills) == 0 {
		return 0, false
	}
	return risk.ExtractRealizedPnL(map[string]any{"fills": fills})
}

// extractFilledNotional sums fills[*].price*size when parseable, else
// falls back to the quoted notional (full-fill assumption for FOK). The
// second return reports whether every fill carried parseable price and
// size; Buy forces an exposure reconciliation when it is false.
func extractFilledNotional(resp types.OrderResponse, fallback float64) (float64, bool) {
	if len(resp.Fills) == 0 {
		return fallback, false
	}
	var total float64
	var matched bool
	complete := true
	for _, f := range resp.Fills {
		price := parseFloat(f.Price)
		size := parseFloat(f.Size)
		if price > 0 && size > 0 {
			total += price * size
			matched = true
		} else {
			complete = false
		}
	}
	if !matched {
		return fallback, false
	}
	return total, complete
}

func parseFloat(s string) float64 {
	var v float64
	_, err := fmt.Sscanf(s, "%f", &v)
	if err != nil {
		return 0
	}
	return v
}

// formatDecimal renders a float as a plain decimal string (no exponent
// notation) for the venue's string-typed order fields.
func formatDecimal(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}
