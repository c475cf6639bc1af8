// Package strategy implements the rolling price window, watch-mode
// trigger, horizon start-price anchors, book merge, and per-candidate EV
// scoring described in spec.md §4.8.
package strategy

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"polymarket-mm/internal/feed"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/metrics"
	"polymarket-mm/pkg/calibrator"
	"polymarket-mm/pkg/clock"
)

// Direction is an Up/Down candidate side.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// CalibrationInput selects whether the calibrator consumes the raw
// probability or the directional z-score.
type CalibrationInput string

const (
	CalibrateOnPHat   CalibrationInput = "p_hat"
	CalibrateOnZScore CalibrationInput = "z_score"
)

// PriceMetadata accompanies every OnPrice call.
type PriceMetadata struct {
	Source    string
	Timestamp float64
}

// Level mirrors book.Level to avoid a hard dependency on the book package's
// internal wire types; strategy only needs (price, size) pairs.
type Level struct {
	Price float64
	Size  float64
}

// BookSnapshot is the strategy's merged view of one token's book top.
type BookSnapshot struct {
	Bid, Ask         float64
	BidSize, AskSize float64
	HasBid, HasAsk   bool
	FillProb         float64
	BidLevels        []Level
	AskLevels        []Level
}

type fillProbSample struct {
	ask float64
	ts  float64
}

const fillProbMaxSamples = 50

// fillProbStats is a bounded ring of recent (ask, timestamp) samples used
// to estimate the probability the best ask remains stable (a proxy for
// fill probability).
type fillProbStats struct {
	samples []fillProbSample
}

func (s *fillProbStats) push(sample fillProbSample) {
	s.samples = append(s.samples, sample)
	if len(s.samples) > fillProbMaxSamples {
		s.samples = s.samples[len(s.samples)-fillProbMaxSamples:]
	}
}

// Candidate is a scored UP/DOWN order opportunity.
type Candidate struct {
	Market       *market.Market
	Direction    Direction
	TokenID      string
	Ask          float64
	EV           float64
	PHat         float64
	FillProb     float64
	FeeCost      float64
	SlippageCost float64
	EVExec       float64
	D            float64
}

// FeeRateLookup resolves a token's fee rate in basis points, if known.
type FeeRateLookup func(tokenID string) (bps int, ok bool)

// Config parameterizes StateMachine.
type Config struct {
	Threshold               float64
	HammerSecs               int64
	DMin                     float64
	MaxEntryPrice            float64
	FeeBps                   float64
	FeeFormulaExponent       float64
	ExpectedNotionalUSD      float64
	PriceStaleAfterSeconds   float64
	Calibrator               *calibrator.Calibrator
	CalibrationInput         CalibrationInput
	FeeRateLookup            FeeRateLookup
	RollingWindowSeconds     int64
	WatchZScoreThreshold     float64
	WatchModeExpirySeconds   int64
	Clock                    clock.Clock
	Logger                   *slog.Logger
}

type priceSample struct {
	sec   int64
	price float64
}

// StateMachine is the per-process strategy state described in spec.md §3
// ("Strategy state"). The supervisor's oracle worker (OnPrice, PickBest)
// and book worker (OnBook, PickBest) call it from separate goroutines that
// run concurrently; every method takes the mutex, which serializes them.
type StateMachine struct {
	cfg Config
	mu  sync.Mutex

	lastPrice       float64
	hasLastPrice    bool
	watchMode       bool
	watchModeStart  int64

	startPrices map[int64]float64
	last5mBucket  int64
	has5mBucket   bool
	last15mBucket int64
	has15mBucket  bool

	prices1s          []priceSample
	rollingReturns    []*float64
	rollingReturnStat RollingStats
	sigma1Window      []*float64
	sigma1WindowHead  int
	sigma1Count       int
	sigma1Stats       RollingStats

	books     map[string]*BookSnapshot
	fillStats map[string]*fillProbStats

	priceIsStale bool
}

// New creates a StateMachine.
func New(cfg Config) *StateMachine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RollingWindowSeconds < 2 {
		cfg.RollingWindowSeconds = 60
	}
	if cfg.WatchModeExpirySeconds < 1 {
		cfg.WatchModeExpirySeconds = 60
	}
	if cfg.Calibrator == nil {
		cfg.Calibrator = calibrator.Identity()
	}
	if cfg.CalibrationInput == "" {
		cfg.CalibrationInput = CalibrateOnPHat
	}
	return &StateMachine{
		cfg:          cfg,
		startPrices:  make(map[int64]float64),
		sigma1Window: make([]*float64, 60),
		books:        make(map[string]*BookSnapshot),
		fillStats:    make(map[string]*fillProbStats),
	}
}

// validateSource reports whether metadata identifies the oracle feed.
func validateSource(meta PriceMetadata) bool {
	return meta.Source == feed.SourceOracle
}

// OnPrice folds a new oracle price sample into the rolling window, updates
// horizon anchors, and evaluates the watch-mode trigger (spec.md §4.8).
func (s *StateMachine) OnPrice(ts float64, price float64, meta PriceMetadata) {
	if !validateSource(meta) {
		s.cfg.Logger.Warn("invalid price source, dropping", "source", meta.Source)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metadataTS := meta.Timestamp
	if metadataTS == 0 {
		metadataTS = ts
	}
	now := float64(s.cfg.Clock.Now().Unix())
	historicalReplay := math.Abs(now-ts) > (s.cfg.PriceStaleAfterSeconds * 10)
	staleByEventClock := (ts - metadataTS) > s.cfg.PriceStaleAfterSeconds
	staleByWallClock := !historicalReplay && (now-metadataTS) > s.cfg.PriceStaleAfterSeconds

	if staleByEventClock || staleByWallClock {
		s.cfg.Logger.Warn("stale price update", "timestamp", metadataTS)
		metrics.StaleFeed.Inc()
		s.priceIsStale = true
		metrics.FeedBlockedStalePrice.Set(1)
		return
	}
	s.priceIsStale = false
	metrics.FeedBlockedStalePrice.Set(0)

	sec := int64(ts)

	if len(s.prices1s) > 0 {
		prevPrice := s.prices1s[len(s.prices1s)-1].price
		var latestRet *float64
		if prevPrice > 0 {
			r := (price / prevPrice) - 1.0
			latestRet = &r
		}
		s.rollingReturns = append(s.rollingReturns, latestRet)
		if latestRet != nil {
			s.rollingReturnStat.Add(*latestRet)
		}

		if s.sigma1Count == len(s.sigma1Window) {
			expired := s.sigma1Window[s.sigma1WindowHead]
			if expired != nil {
				s.sigma1Stats.Remove(*expired)
			}
		} else {
			s.sigma1Count++
		}
		s.sigma1Window[s.sigma1WindowHead] = latestRet
		s.sigma1WindowHead = (s.sigma1WindowHead + 1) % len(s.sigma1Window)
		if latestRet != nil {
			s.sigma1Stats.Add(*latestRet)
		}
	}

	s.prices1s = append(s.prices1s, priceSample{sec: sec, price: price})
	cutoff := sec - s.cfg.RollingWindowSeconds
	for len(s.prices1s) > 0 && s.prices1s[0].sec < cutoff {
		s.prices1s = s.prices1s[1:]
		if len(s.rollingReturns) > 0 {
			expired := s.rollingReturns[0]
			s.rollingReturns = s.rollingReturns[1:]
			if expired != nil {
				s.rollingReturnStat.Remove(*expired)
			}
		}
	}

	s.lastPrice = price
	s.hasLastPrice = true

	bucket5m := sec / 300
	if !s.has5mBucket || bucket5m != s.last5mBucket {
		s.has5mBucket = true
		s.last5mBucket = bucket5m
		s.startPrices[300] = price
	}
	bucket15m := sec / 900
	if !s.has15mBucket || bucket15m != s.last15mBucket {
		s.has15mBucket = true
		s.last15mBucket = bucket15m
		s.startPrices[900] = price
	}

	if s.watchMode && sec-s.watchModeStart >= s.cfg.WatchModeExpirySeconds {
		s.setWatchMode(false, sec)
		s.prices1s = []priceSample{{sec: sec, price: price}}
		s.rollingReturns = nil
		s.rollingReturnStat = RollingStats{}
		s.sigma1Window = make([]*float64, 60)
		s.sigma1WindowHead = 0
		s.sigma1Count = 0
		s.sigma1Stats = RollingStats{}
		return
	}

	if len(s.prices1s) < 2 {
		return
	}

	firstPrice := s.prices1s[0].price
	rollingAbsRet := 0.0
	if firstPrice > 0 {
		rollingAbsRet = math.Abs((price / firstPrice) - 1)
	}
	triggerByReturn := rollingAbsRet >= s.cfg.Threshold

	triggerByZScore := false
	if s.cfg.WatchZScoreThreshold > 0 && len(s.rollingReturns) > 0 {
		latestRet := s.rollingReturns[len(s.rollingReturns)-1]
		if s.rollingReturnStat.Count() >= 2 && latestRet != nil {
			stddev := s.rollingReturnStat.Stddev()
			if stddev > 0 {
				z := math.Abs((*latestRet - s.rollingReturnStat.Mean()) / stddev)
				triggerByZScore = z >= s.cfg.WatchZScoreThreshold
			}
		}
	}

	if (triggerByReturn || triggerByZScore) && !s.priceIsStale {
		s.setWatchMode(true, sec)
	}
}

func (s *StateMachine) setWatchMode(enabled bool, sec int64) {
	if enabled == s.watchMode {
		return
	}
	s.watchMode = enabled
	if enabled {
		s.watchModeStart = sec
	}
	metrics.WatchEvents.Inc()
	if enabled {
		metrics.WatchTriggered.Inc()
	}
}

// estimateFillProb updates the per-token ask-stability ring and returns a
// time-weighted estimate of the probability the ask remains stable,
// clamped to [0.05, 0.95].
func (s *StateMachine) estimateFillProb(tokenID string, ask float64, hasAsk bool, ts float64) (float64, bool) {
	if !hasAsk {
		return 0, false
	}
	stats, ok := s.fillStats[tokenID]
	if !ok {
		stats = &fillProbStats{}
		s.fillStats[tokenID] = stats
	}
	stats.push(fillProbSample{ask: ask, ts: ts})
	if len(stats.samples) < 2 {
		return 0.5, true
	}

	sameTime, totalTime := 0.0, 0.0
	for i := 1; i < len(stats.samples); i++ {
		prev, curr := stats.samples[i-1], stats.samples[i]
		dt := curr.ts - prev.ts
		if dt < 0 {
			dt = 0
		}
		totalTime += dt
		if prev.ask == curr.ask {
			sameTime += dt
		}
	}

	var stability float64
	if totalTime <= 0 {
		same := 0
		for i := 1; i < len(stats.samples); i++ {
			if stats.samples[i].ask == stats.samples[i-1].ask {
				same++
			}
		}
		stability = float64(same) / float64(len(stats.samples)-1)
	} else {
		stability = sameTime / totalTime
	}
	return math.Min(0.95, math.Max(0.05, stability)), true
}

// OnBook merges a partial or full book-top update into the per-token
// snapshot, preserving fields not mentioned in the update (spec.md §4.8).
func (s *StateMachine) OnBook(tokenID string, bid, ask float64, hasBid, hasAsk bool, bidSize, askSize float64, hasSizes bool, bidLevels, askLevels []Level, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.books[tokenID]
	if !ok {
		snap = &BookSnapshot{}
		s.books[tokenID] = snap
	}
	if hasBid {
		snap.Bid, snap.HasBid = bid, true
	}
	if hasAsk {
		snap.Ask, snap.HasAsk = ask, true
	}
	if hasSizes {
		snap.BidSize, snap.AskSize = bidSize, askSize
	}
	if bidLevels != nil {
		snap.BidLevels = bidLevels
	} else if snap.HasBid {
		snap.BidLevels = []Level{{Price: snap.Bid, Size: snap.BidSize}}
	}
	if askLevels != nil {
		snap.AskLevels = askLevels
	} else if snap.HasAsk {
		snap.AskLevels = []Level{{Price: snap.Ask, Size: snap.AskSize}}
	}

	if inferred, ok := s.estimateFillProb(tokenID, snap.Ask, snap.HasAsk, ts); ok {
		snap.FillProb = inferred
	}
}

// InHammerWindow reports whether endEpoch falls within hammerSecs of now.
func (s *StateMachine) InHammerWindow(nowTS, endEpoch int64) bool {
	remaining := endEpoch - nowTS
	return remaining >= 0 && remaining <= s.cfg.HammerSecs
}

func (s *StateMachine) sigma1() float64 {
	if len(s.prices1s) < 61 || s.sigma1Stats.Count() <= 0 {
		return 0
	}
	denom := s.sigma1Stats.Count() - 1
	if denom < 1 {
		denom = 1
	}
	variance := s.sigma1Stats.m2 / float64(denom)
	if variance < 1e-12 {
		variance = 1e-12
	}
	return math.Sqrt(variance)
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// vwapToFill walks the ask ladder and returns the size-weighted average
// price to fill size shares, or false if the ladder cannot cover it.
func vwapToFill(size float64, levels []Level) (float64, bool) {
	if size <= 0 || len(levels) == 0 {
		return 0, false
	}
	remaining := size
	notional := 0.0
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		take := math.Min(remaining, lvl.Size)
		notional += take * lvl.Price
		remaining -= take
		if remaining <= 1e-12 {
			return notional / size, true
		}
	}
	return 0, false
}

func (s *StateMachine) buyFeeCostPerShare(ask float64, feeRateBps float64) float64 {
	feeRate := feeRateBps / 10000.0
	p := math.Min(math.Max(ask, 1e-9), 1-1e-9)
	return p * feeRate * math.Pow(p*(1-p), s.cfg.FeeFormulaExponent)
}

// candidateEV scores one direction of one market against the current
// book, or returns (nil) if the candidate is not viable.
func (s *StateMachine) candidateEV(m *market.Market, direction Direction, tokenID string, book *BookSnapshot) *Candidate {
	if !s.hasLastPrice || !book.HasAsk || book.Ask <= 0 {
		return nil
	}
	curr := s.lastPrice
	horizonKey := int64(m.HorizonMinutes) * 60
	start, ok := s.startPrices[horizonKey]
	if !ok {
		return nil
	}

	if book.Ask > s.cfg.MaxEntryPrice {
		metrics.RejectedMaxEntryPrice.Inc()
		return nil
	}
	d := math.Abs(curr - start)
	if d <= s.cfg.DMin {
		return nil
	}

	sigma1 := s.sigma1()
	lastSec := s.prices1s[len(s.prices1s)-1].sec
	secs := m.EndEpoch - lastSec
	if secs < 1 {
		secs = 1
	}
	sigmaT := sigma1 * math.Sqrt(float64(secs))
	if sigmaT <= 0 {
		return nil
	}

	zUp := (start - curr) / (curr * sigmaT)
	pUp := 1 - normalCDF(zUp)
	var rawPHat float64
	if direction == Up {
		rawPHat = pUp
	} else {
		rawPHat = 1 - pUp
	}
	zDirectional := zUp
	if direction == Up {
		zDirectional = -zUp
	}

	var pHat float64
	if s.cfg.CalibrationInput == CalibrateOnZScore {
		pHat = s.cfg.Calibrator.Calibrate(zDirectional)
	} else {
		pHat = s.cfg.Calibrator.Calibrate(rawPHat)
	}

	var feeCost float64
	if bps, ok := s.lookupFeeRateBps(tokenID); ok {
		feeCost = s.buyFeeCostPerShare(book.Ask, float64(bps))
	} else {
		feeCost = s.cfg.FeeBps / 10000.0
	}

	requiredShares := s.cfg.ExpectedNotionalUSD / book.Ask
	if requiredShares < 0 {
		requiredShares = 0
	}
	vwapPrice, canFill := vwapToFill(requiredShares, book.AskLevels)
	slippageCost := 0.0
	if canFill {
		slippageCost = math.Max(0, vwapPrice-book.Ask)
	}

	effectiveFillProb := book.FillProb
	if effectiveFillProb == 0 {
		effectiveFillProb = 1.0
	}
	effectiveFillProb = math.Min(1.0, math.Max(0.0, effectiveFillProb))
	if !canFill {
		effectiveFillProb = 0
	}

	evExec := pHat - book.Ask - feeCost - slippageCost
	ev := evExec * effectiveFillProb

	return &Candidate{
		Market:       m,
		Direction:    direction,
		TokenID:      tokenID,
		Ask:          book.Ask,
		EV:           ev,
		PHat:         pHat,
		FillProb:     effectiveFillProb,
		FeeCost:      feeCost,
		SlippageCost: slippageCost,
		EVExec:       evExec,
		D:            d,
	}
}

func (s *StateMachine) lookupFeeRateBps(tokenID string) (int, bool) {
	if s.cfg.FeeRateLookup == nil {
		return 0, false
	}
	return s.cfg.FeeRateLookup(tokenID)
}

// PickBest evaluates every market within its hammer window in both
// directions and returns the candidate with maximum EV, tie-broken by
// (direction, token_id) for determinism (spec.md §4.8).
func (s *StateMachine) PickBest(nowTS int64, markets []*market.Market) *Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.priceIsStale {
		return nil
	}

	var candidates []*Candidate
	for _, m := range markets {
		if !s.InHammerWindow(nowTS, m.EndEpoch) {
			continue
		}
		for _, leg := range [...]struct {
			direction Direction
			tokenID   string
		}{
			{Up, m.UpTokenID},
			{Down, m.DownTokenID},
		} {
			book, ok := s.books[leg.tokenID]
			if !ok || !book.HasAsk {
				continue
			}
			if cand := s.candidateEV(m, leg.direction, leg.tokenID, book); cand != nil {
				candidates = append(candidates, cand)
			}
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].EV != candidates[j].EV {
			return candidates[i].EV > candidates[j].EV
		}
		if candidates[i].Direction != candidates[j].Direction {
			return candidates[i].Direction < candidates[j].Direction
		}
		return candidates[i].TokenID < candidates[j].TokenID
	})

	best := candidates[0]
	metrics.CurrentEV.Set(best.EV)
	return best
}

// IsPriceStale reports the most recently evaluated staleness verdict.
func (s *StateMachine) IsPriceStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priceIsStale
}

// LastPrice returns the most recent accepted price.
func (s *StateMachine) LastPrice() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrice, s.hasLastPrice
}

// WatchMode reports whether watch mode is currently active.
func (s *StateMachine) WatchMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchMode
}
