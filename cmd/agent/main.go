// Command agent runs the Up/Down trading agent: oracle/spot/book feeds,
// the quorum monitor, the rolling-window EV strategy, the Kelly-capped
// FOK trader, and the risk ledger, all under one supervised task group
// (spec.md §4.11).
//
// Boot sequence:
//  1. flag.Parse()                    – config path, dry-run override
//  2. config.Load() + Validate()      – read YAML, apply env overrides
//  3. wire auth, exchange client, feeds, book, catalog, caches, quorum,
//     strategy, risk ledger, trader, recorder
//  4. start Prometheus /metrics and /healthz server on a goroutine
//  5. signal.NotifyContext(os.Interrupt, syscall.SIGTERM)
//  6. supervisor.Run(ctx)
//  7. graceful shutdown
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polymarket-mm/internal/book"
	"polymarket-mm/internal/config"
	"polymarket-mm/internal/exchange"
	"polymarket-mm/internal/feed"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/quorum"
	"polymarket-mm/internal/recorder"
	"polymarket-mm/internal/risk"
	"polymarket-mm/internal/strategy"
	"polymarket-mm/internal/supervisor"
	"polymarket-mm/internal/trader"
	"polymarket-mm/pkg/calibrator"
	"polymarket-mm/pkg/clock"
)

func main() {
	var configPath string
	var dryRun bool
	flag.StringVar(&configPath, "config", "configs/config.yaml", "path to config YAML")
	flag.BoolVar(&dryRun, "dry-run", false, "force dry-run mode regardless of config")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("agent exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	clk := clock.Real()

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		return fmt.Errorf("new auth: %w", err)
	}
	client := exchange.NewClient(*cfg, auth, logger)

	if !cfg.DryRun && !auth.HasL2Credentials() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := client.DeriveAPIKey(ctx); err != nil {
			cancel()
			return fmt.Errorf("derive api key: %w", err)
		}
		cancel()
	}

	bannedCategories := make(map[string]bool, len(cfg.Supervisor.BannedCategories))
	for _, c := range cfg.Supervisor.BannedCategories {
		bannedCategories[c] = true
	}
	catalog := market.NewCatalog(market.CatalogConfig{
		BaseURL:          cfg.API.CatalogBaseURL,
		UnderlyingTerms:  cfg.Supervisor.UnderlyingTerms,
		BannedCategories: bannedCategories,
		Clock:            clk,
	})

	metadata := market.NewTokenMetadataCache(cfg.Feed.BookStalenessThreshold, clk)
	feeRates := market.NewFeeRateCache(cfg.API.FeeRateBaseURL, cfg.Feed.BookStalenessThreshold, clk)

	spotTracker := feed.NewSpotTracker()
	oracle := feed.NewOracleFeed(feed.OracleConfig{
		URL:                        cfg.API.OracleWSURL,
		Symbol:                     cfg.Feed.Symbol,
		OracleTopic:                cfg.Feed.OracleTopic,
		SpotTopic:                  cfg.Feed.SpotTopic,
		ReconnectDelayMin:          cfg.Feed.ReconnectDelayMin,
		ReconnectDelayMax:          cfg.Feed.ReconnectDelayMax,
		ReconnectStabilityDuration: cfg.Feed.ReconnectStabilityDuration,
		PingInterval:               cfg.Feed.PingInterval,
		PongTimeout:                cfg.Feed.PongTimeout,
		SpotMaxAgeSeconds:          cfg.Feed.SpotMaxAgeSeconds,
		PriceStalenessThreshold:    cfg.Feed.PriceStalenessThreshold,
		Clock:                      clk,
		Logger:                     logger,
	}, spotTracker)
	spot := feed.NewSpotFeed(feed.SpotConfig{
		URL:                        cfg.API.SpotWSURL,
		Symbol:                     cfg.Feed.Symbol,
		Topic:                      cfg.Feed.SpotTopic,
		ReconnectDelayMin:          cfg.Feed.ReconnectDelayMin,
		ReconnectDelayMax:          cfg.Feed.ReconnectDelayMax,
		ReconnectStabilityDuration: cfg.Feed.ReconnectStabilityDuration,
		PingInterval:               cfg.Feed.PingInterval,
		PongTimeout:                cfg.Feed.PongTimeout,
		Clock:                      clk,
		Logger:                     logger,
	}, spotTracker)

	var fallback *feed.FallbackFeed
	if cfg.API.FallbackHTTPURL != "" {
		fallback = feed.NewFallbackFeed(feed.FallbackConfig{
			URL:          cfg.API.FallbackHTTPURL,
			PollInterval: cfg.Feed.FallbackPollInterval,
			Clock:        clk,
			Logger:       logger,
		})
	}

	bookFeed := book.New(book.Config{
		URL:                        cfg.API.BookWSURL,
		ReconnectDelayMin:          cfg.Feed.ReconnectDelayMin,
		ReconnectDelayMax:          cfg.Feed.ReconnectDelayMax,
		ReconnectStabilityDuration: cfg.Feed.ReconnectStabilityDuration,
		PingInterval:               cfg.Feed.PingInterval,
		PongTimeout:                cfg.Feed.PongTimeout,
		StalenessThreshold:         cfg.Feed.BookStalenessThreshold,
		Clock:                      clk,
		Logger:                     logger,
	})

	quorumMon := quorum.New(quorum.Config{
		ChainlinkMaxLagSeconds:   cfg.Quorum.ChainlinkMaxLagSeconds,
		SpotMaxLagSeconds:        cfg.Quorum.SpotMaxLagSeconds,
		MinSpotSources:           cfg.Quorum.MinSpotSources,
		DivergenceThresholdPct:   cfg.Quorum.DivergenceThresholdPct,
		DivergenceSustainSeconds: cfg.Quorum.DivergenceSustainSeconds,
		Clock:                    clk,
	})

	calib := calibrator.Load(
		calibrator.Method(cfg.Strategy.CalibrationMethod),
		cfg.Strategy.CalibrationParamsPath,
		cfg.Strategy.LogisticCoef,
		cfg.Strategy.LogisticIntercept,
	)
	calibrationInput := strategy.CalibrateOnPHat
	if cfg.Strategy.CalibrationInput == string(strategy.CalibrateOnZScore) {
		calibrationInput = strategy.CalibrateOnZScore
	}

	sm := strategy.New(strategy.Config{
		Threshold:              cfg.Strategy.WatchThreshold,
		HammerSecs:              int64(cfg.Strategy.HammerSecs),
		DMin:                    cfg.Strategy.DMin,
		MaxEntryPrice:           cfg.Strategy.MaxEntryPrice,
		FeeBps:                  cfg.Strategy.FeeBps,
		FeeFormulaExponent:      cfg.Strategy.FeeFormulaExponent,
		ExpectedNotionalUSD:     cfg.Strategy.ExpectedNotionalUSD,
		PriceStaleAfterSeconds:  cfg.Strategy.PriceStaleAfterSeconds,
		Calibrator:              calib,
		CalibrationInput:        calibrationInput,
		FeeRateLookup: func(tokenID string) (int, bool) {
			return feeRates.Get(tokenID, 0)
		},
		RollingWindowSeconds:   int64(cfg.Strategy.RollingWindowSeconds),
		WatchZScoreThreshold:   cfg.Strategy.WatchZScoreThreshold,
		WatchModeExpirySeconds: int64(cfg.Strategy.WatchModeExpirySeconds),
		Clock:                  clk,
		Logger:                 logger,
	})

	ledger := risk.New(risk.Config{
		StatePath:                 fmt.Sprintf("%s/risk_state.json", cfg.Store.DataDir),
		MaxUSDPerTrade:            cfg.Risk.MaxUSDPerTrade,
		MaxDailyLoss:              cfg.Risk.MaxDailyLoss,
		MaxTradesPerHour:          cfg.Risk.MaxTradesPerHour,
		CooldownConsecutiveLosses: cfg.Risk.CooldownConsecutiveLosses,
		CooldownMinutes:           cfg.Risk.CooldownMinutes,
		CooldownDrawdownPct:       cfg.Risk.CooldownDrawdownPct,
		PerMarketCapUSD:           cfg.Risk.MaxPerMarketExposureUSD,
		PerMarketCapPct:           cfg.Risk.MaxPerMarketExposurePct,
		TotalCapUSD:               cfg.Risk.MaxTotalExposureUSD,
		TotalCapPct:               cfg.Risk.MaxTotalExposurePct,
		EquityRefreshSeconds:      float64(cfg.Risk.EquityRefreshSeconds / time.Second),
		ConfiguredEquityUSD:       cfg.Risk.ConfiguredEquityUSD,
		DryRun:                    cfg.DryRun,
		ReconcileEveryNTrades:     cfg.Risk.ReconcileEveryNTrades,
		PositionsFetcher:          client.GetPositions,
		Clock:                     clk,
		Logger:                    logger,
	})
	if err := ledger.Load(); err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}

	tr := trader.New(trader.Config{
		DryRun:             cfg.DryRun,
		MaxUSDPerTrade:     cfg.Risk.MaxUSDPerTrade,
		RiskPctPerTrade:    cfg.Risk.RiskPctPerTrade,
		MaxRiskPctCap:      cfg.Risk.MaxRiskPctCap,
		KellyFraction:      cfg.Risk.KellyFraction,
		OrderSubmitTimeout: cfg.Risk.OrderSubmitTimeout,
		Ledger:             ledger,
		Submitter:          client,
		ConstraintsLookup: func(tokenID string) (float64, float64, int, bool, bool) {
			if c, ok := bookFeed.Constraints(tokenID); ok {
				bps, hasFeeRate := feeRates.Get(tokenID, c.FeeRateBps)
				if !hasFeeRate {
					bps = c.FeeRateBps
				}
				return c.TickSize, c.MinOrderSize, bps, true, true
			}
			if tc, ok := metadata.Get(tokenID); ok {
				return tc.TickSize, tc.MinOrderSize, tc.FeeRateBps, true, true
			}
			return 0, 0, 0, false, false
		},
		Clock:  clk,
		Logger: logger,
	})

	journal, err := recorder.Open(recorder.Config{
		Enabled:   cfg.Recorder.Enabled,
		Path:      cfg.Recorder.Path,
		QueueSize: cfg.Recorder.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("open recorder: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		MinBackoff:              cfg.Supervisor.MinBackoff,
		MaxBackoff:              cfg.Supervisor.MaxBackoff,
		PriceStalenessThreshold: cfg.Feed.PriceStalenessThreshold,
		ClobResubscribeDebounce: cfg.Feed.ClobResubscribeDebounce,
		MarketRefreshHorizons:   cfg.Supervisor.MarketRefreshHorizons,
		Clock:                   clk,
		Logger:                  logger,
	}, oracle, spot, fallback, bookFeed, catalog, metadata, feeRates, quorumMon, sm, tr, journal)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := sup.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
