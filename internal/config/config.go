// Package config defines all configuration for the Up/Down trading agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Quorum    QuorumConfig    `mapstructure:"quorum"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
type WalletConfig struct {
	PrivateKey      string `mapstructure:"private_key"`
	SignatureType   int    `mapstructure:"signature_type"`
	FunderAddress   string `mapstructure:"funder_address"`
	ChainID         int    `mapstructure:"chain_id"`
	ExchangeAddress string `mapstructure:"exchange_address"` // CTF Exchange contract, verifying address for order signatures
}

// APIConfig holds venue endpoints and optional pre-derived L2 credentials.
type APIConfig struct {
	CLOBBaseURL     string `mapstructure:"clob_base_url"`
	CatalogBaseURL  string `mapstructure:"catalog_base_url"`
	FeeRateBaseURL  string `mapstructure:"fee_rate_base_url"`
	OracleWSURL     string `mapstructure:"oracle_ws_url"`
	SpotWSURL       string `mapstructure:"spot_ws_url"`
	BookWSURL       string `mapstructure:"book_ws_url"`
	UserWSURL       string `mapstructure:"user_ws_url"`
	FallbackHTTPURL string `mapstructure:"fallback_http_url"`
	ApiKey          string `mapstructure:"api_key"`
	Secret          string `mapstructure:"secret"`
	Passphrase      string `mapstructure:"passphrase"`
}

// FeedConfig tunes the oracle/spot/book/fallback feed clients (§4.1-4.4).
type FeedConfig struct {
	Symbol                    string        `mapstructure:"symbol"`
	OracleTopic               string        `mapstructure:"oracle_topic"`
	SpotTopic                 string        `mapstructure:"spot_topic"`
	ReconnectDelayMin         time.Duration `mapstructure:"reconnect_delay_min"`
	ReconnectDelayMax         time.Duration `mapstructure:"reconnect_delay_max"`
	ReconnectStabilityDuration time.Duration `mapstructure:"reconnect_stability_duration"`
	PingInterval              time.Duration `mapstructure:"ping_interval"`
	PongTimeout               time.Duration `mapstructure:"pong_timeout"`
	SpotMaxAgeSeconds         float64       `mapstructure:"spot_max_age_seconds"`
	PriceStalenessThreshold   time.Duration `mapstructure:"price_staleness_threshold"`
	BookDepthLevels           int           `mapstructure:"book_depth_levels"`
	BookStalenessThreshold    time.Duration `mapstructure:"book_staleness_threshold"`
	FallbackPollInterval      time.Duration `mapstructure:"fallback_poll_interval"`
	ClobResubscribeDebounce   time.Duration `mapstructure:"clob_resubscribe_debounce_seconds"`
}

// StrategyConfig tunes the rolling-window watch-mode EV strategy.
type StrategyConfig struct {
	RollingWindowSeconds    int     `mapstructure:"rolling_window_seconds"`
	WatchThreshold          float64 `mapstructure:"watch_threshold"`
	WatchZScoreThreshold    float64 `mapstructure:"watch_zscore_threshold"`
	WatchModeExpirySeconds  int     `mapstructure:"watch_mode_expiry_seconds"`
	HammerSecs              int     `mapstructure:"hammer_secs"`
	DMin                    float64 `mapstructure:"d_min"`
	MaxEntryPrice           float64 `mapstructure:"max_entry_price"`
	FeeBps                  float64 `mapstructure:"fee_bps"`
	FeeFormulaExponent      float64 `mapstructure:"fee_formula_exponent"`
	ExpectedNotionalUSD     float64 `mapstructure:"expected_notional_usd"`
	DepthPenaltyCoeff       float64 `mapstructure:"depth_penalty_coeff"`
	PriceStaleAfterSeconds  float64 `mapstructure:"price_stale_after_seconds"`
	CalibrationMethod       string  `mapstructure:"calibration_method"`
	CalibrationInput        string  `mapstructure:"calibration_input"`
	CalibrationParamsPath   string  `mapstructure:"calibration_params_path"`
	LogisticCoef            float64 `mapstructure:"logistic_coef"`
	LogisticIntercept       float64 `mapstructure:"logistic_intercept"`
}

// QuorumConfig tunes cross-source price-quorum health (§4.7).
type QuorumConfig struct {
	ChainlinkMaxLagSeconds  float64 `mapstructure:"chainlink_max_lag_seconds"`
	SpotMaxLagSeconds       float64 `mapstructure:"spot_max_lag_seconds"`
	MinSpotSources          int     `mapstructure:"min_spot_sources"`
	DivergenceThresholdPct  float64 `mapstructure:"divergence_threshold_pct"`
	DivergenceSustainSeconds float64 `mapstructure:"divergence_sustain_seconds"`
}

// RiskConfig sets monetary limits enforced by the risk ledger (§4.9).
type RiskConfig struct {
	MaxUSDPerTrade          float64       `mapstructure:"max_usd_per_trade"`
	MaxDailyLoss            float64       `mapstructure:"max_daily_loss"`
	MaxTradesPerHour        int           `mapstructure:"max_trades_per_hour"`
	MaxPerMarketExposureUSD float64       `mapstructure:"max_per_market_exposure_usd"`
	MaxPerMarketExposurePct float64       `mapstructure:"max_per_market_exposure_pct"`
	MaxTotalExposureUSD     float64       `mapstructure:"max_total_exposure_usd"`
	MaxTotalExposurePct     float64       `mapstructure:"max_total_exposure_pct"`
	CooldownConsecutiveLosses int         `mapstructure:"cooldown_consecutive_losses"`
	CooldownDrawdownPct     float64       `mapstructure:"cooldown_drawdown_pct"`
	CooldownMinutes         float64       `mapstructure:"cooldown_minutes"`
	EquityRefreshSeconds    time.Duration `mapstructure:"equity_refresh_seconds"`
	ConfiguredEquityUSD     float64       `mapstructure:"configured_equity_usd"`
	ReconcileEveryNTrades   int           `mapstructure:"reconcile_every_n_trades"`
	RiskPctPerTrade         float64       `mapstructure:"risk_pct_per_trade"`
	MaxRiskPctCap           float64       `mapstructure:"max_risk_pct_cap"`
	KellyFraction           float64       `mapstructure:"kelly_fraction"`
	OrderSubmitTimeout      time.Duration `mapstructure:"order_submit_timeout_seconds"`
}

// RecorderConfig controls the JSONL event journal (§6, §5 backpressure).
type RecorderConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queue_size"`
}

// SupervisorConfig tunes the task-group supervisor (§4.11).
type SupervisorConfig struct {
	MinBackoff        time.Duration `mapstructure:"min_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	MarketRefreshHorizons []int     `mapstructure:"market_refresh_horizons"`
	BannedCategories  []string      `mapstructure:"banned_categories"`
	UnderlyingTerms   []string      `mapstructure:"underlying_terms"`
}

// StoreConfig sets where risk ledger state is persisted (JSON file).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus exposition server. Only its
// operational deployment is out of scope for this spec; the registry
// itself (internal/metrics) is wired regardless.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills zero-valued tunables with safe defaults so a minimal
// YAML file (or a config built directly in tests) still behaves sanely.
func applyDefaults(c *Config) {
	if c.Feed.ReconnectDelayMin == 0 {
		c.Feed.ReconnectDelayMin = time.Second
	}
	if c.Feed.ReconnectDelayMax == 0 {
		c.Feed.ReconnectDelayMax = 30 * time.Second
	}
	if c.Feed.ReconnectStabilityDuration == 0 {
		c.Feed.ReconnectStabilityDuration = 60 * time.Second
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = 15 * time.Second
	}
	if c.Feed.PongTimeout == 0 {
		c.Feed.PongTimeout = 10 * time.Second
	}
	if c.Feed.PriceStalenessThreshold == 0 {
		c.Feed.PriceStalenessThreshold = 2 * time.Second
	}
	if c.Feed.BookDepthLevels == 0 {
		c.Feed.BookDepthLevels = 10
	}
	if c.Strategy.RollingWindowSeconds == 0 {
		c.Strategy.RollingWindowSeconds = 60
	}
	if c.Strategy.WatchModeExpirySeconds == 0 {
		c.Strategy.WatchModeExpirySeconds = 60
	}
	if c.Strategy.FeeFormulaExponent == 0 {
		c.Strategy.FeeFormulaExponent = 1.0
	}
	if c.Strategy.ExpectedNotionalUSD == 0 {
		c.Strategy.ExpectedNotionalUSD = 1.0
	}
	if c.Strategy.DepthPenaltyCoeff == 0 {
		c.Strategy.DepthPenaltyCoeff = 1.0
	}
	if c.Strategy.PriceStaleAfterSeconds == 0 {
		c.Strategy.PriceStaleAfterSeconds = 2.0
	}
	if c.Risk.OrderSubmitTimeout == 0 {
		c.Risk.OrderSubmitTimeout = 5 * time.Second
	}
	if c.Risk.EquityRefreshSeconds == 0 {
		c.Risk.EquityRefreshSeconds = 30 * time.Second
	}
	if c.Recorder.QueueSize == 0 {
		c.Recorder.QueueSize = 1000
	}
	if c.Supervisor.MinBackoff == 0 {
		c.Supervisor.MinBackoff = time.Second
	}
	if c.Supervisor.MaxBackoff == 0 {
		c.Supervisor.MaxBackoff = 60 * time.Second
	}
	if len(c.Supervisor.MarketRefreshHorizons) == 0 {
		c.Supervisor.MarketRefreshHorizons = []int{5, 15}
	}
	if len(c.Supervisor.UnderlyingTerms) == 0 {
		c.Supervisor.UnderlyingTerms = []string{"btc", "usd"}
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required in live mode (set POLY_PRIVATE_KEY)")
	}
	if !c.DryRun && c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required in live mode (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.API.CatalogBaseURL == "" {
		return fmt.Errorf("api.catalog_base_url is required")
	}
	if c.Strategy.HammerSecs <= 0 {
		return fmt.Errorf("strategy.hammer_secs must be > 0")
	}
	if c.Risk.MaxUSDPerTrade <= 0 {
		return fmt.Errorf("risk.max_usd_per_trade must be > 0")
	}
	return nil
}
