// Package config defines all configuration for the copy-trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
//
// Money-valued options are written as strings in YAML and decoded
// straight into decimal.Decimal so no balance, price, or fee ever
// passes through a float.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"polycopy/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode            types.Mode      `mapstructure:"mode"`
	InitialBankroll decimal.Decimal `mapstructure:"initial_bankroll"`
	DurationHours   int             `mapstructure:"duration_hours"`
	Demo            bool            `mapstructure:"demo"`

	API        APIConfig        `mapstructure:"api"`
	Stream     StreamConfig     `mapstructure:"stream"`
	DataAPI    DataAPIConfig    `mapstructure:"data_api"`
	Store      StoreConfig      `mapstructure:"store"`
	Markets    MarketsConfig    `mapstructure:"markets"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Sizing     SizingConfig     `mapstructure:"sizing"`
	Copy       CopyConfig       `mapstructure:"copy"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// APIConfig holds the upstream endpoints.
type APIConfig struct {
	WSMarketURL string `mapstructure:"ws_market_url"`
	DataBaseURL string `mapstructure:"data_base_url"`
}

// StreamConfig tunes the market WebSocket client.
//
//   - PingInterval: send the literal PING token at this cadence.
//   - ReadIdleTimeout: no inbound frame within this window forces a reconnect.
//   - BufferSize: minimum consumer buffer; grows with the subscription set.
//   - ConnectRetryForever: when true, Open schedules the first backoff slot
//     instead of failing if the initial dial does not succeed.
type StreamConfig struct {
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	ReadIdleTimeout     time.Duration `mapstructure:"read_idle_timeout"`
	BufferSize          int           `mapstructure:"buffer_size"`
	ConnectRetryForever bool          `mapstructure:"connect_retry_forever"`
}

// DataAPIConfig sets the public data API client policy.
type DataAPIConfig struct {
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// StoreConfig sets where state is persisted. DSN is either a SQLite
// file path or a postgres:// connection string.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MarketsConfig controls active-market discovery for stream subscriptions.
type MarketsConfig struct {
	TopK         int           `mapstructure:"top_k"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DetectorConfig drives the discovery → qualification → ranking pipeline.
type DetectorConfig struct {
	PollingInterval      time.Duration       `mapstructure:"polling_interval"`
	DetectionWindowHours int                 `mapstructure:"detection_window_hours"`
	DailyTradeThreshold  int                 `mapstructure:"daily_trade_threshold"`
	MinTradeSizeUSD      decimal.Decimal     `mapstructure:"min_trade_size_usd"`
	Qualification        QualificationConfig `mapstructure:"qualification"`
	Ranking              RankingConfig       `mapstructure:"ranking"`
	SignalBuffer         int                 `mapstructure:"signal_buffer"`
}

// QualificationConfig holds the thresholds a discovered address must
// clear to become a qualified whale.
type QualificationConfig struct {
	MinTrades          int             `mapstructure:"min_trades"`
	MinVolumeUSD       decimal.Decimal `mapstructure:"min_volume_usd"`
	MinTradesLast3Days int             `mapstructure:"min_trades_last_3_days"`
	MinDaysActive      int             `mapstructure:"min_days_active"`
	MaxInactiveDays    int             `mapstructure:"max_inactive_days"`
}

// RankingConfig sets the composite-score parameters for the top-N view.
// Weights apply to normalized volume, recency, frequency, and inverted
// risk score in that order.
type RankingConfig struct {
	TopN       int             `mapstructure:"top_n"`
	WVolume    decimal.Decimal `mapstructure:"w_volume"`
	WRecency   decimal.Decimal `mapstructure:"w_recency"`
	WFrequency decimal.Decimal `mapstructure:"w_frequency"`
	WRisk      decimal.Decimal `mapstructure:"w_risk"`
}

// RiskConfig sets the pre-trade gates and kill-switch triggers.
type RiskConfig struct {
	MaxDailyLoss           decimal.Decimal `mapstructure:"max_daily_loss"`
	MaxExposurePct         decimal.Decimal `mapstructure:"max_exposure_pct"`
	MaxPositionPerMarket   decimal.Decimal `mapstructure:"max_position_per_market"`
	MaxConsecutiveLosses   int             `mapstructure:"max_consecutive_losses"`
	SingleTradeDrawdownPct decimal.Decimal `mapstructure:"single_trade_drawdown_pct"`
	FailedExecThreshold    int             `mapstructure:"failed_exec_threshold"`
	FailedExecWindow       time.Duration   `mapstructure:"failed_exec_window"`
	MaxGasGwei             int             `mapstructure:"max_gas_gwei"`
	EmergencyUnwind        bool            `mapstructure:"emergency_unwind"`
}

// SizingConfig tunes fractional-Kelly position sizing.
//
//   - KellyPrior: baseline win probability when no rank signal exists.
//   - Alpha: how much the normalized rank score lifts the prior.
//   - FractionCap: hard ceiling on the bankroll fraction per trade.
//   - KellyMultiplier: fraction of full Kelly actually used (0.25 = quarter).
//   - Min/MaxPositionPct: clamps as fractions of the current bankroll.
type SizingConfig struct {
	KellyPrior      decimal.Decimal `mapstructure:"kelly_prior"`
	Alpha           decimal.Decimal `mapstructure:"alpha"`
	FractionCap     decimal.Decimal `mapstructure:"fraction_cap"`
	KellyMultiplier decimal.Decimal `mapstructure:"kelly_multiplier"`
	MinPositionPct  decimal.Decimal `mapstructure:"min_position_pct"`
	MaxPositionPct  decimal.Decimal `mapstructure:"max_position_pct"`
	CommissionRate  decimal.Decimal `mapstructure:"commission_rate"`
	GasCostUSD      decimal.Decimal `mapstructure:"gas_cost_usd"`
}

// CopyConfig tunes the copy engine's signal handling.
type CopyConfig struct {
	RiskScoreMax int           `mapstructure:"risk_score_max"`
	DedupWindow  time.Duration `mapstructure:"dedup_window"`
	AllowScaleIn bool          `mapstructure:"allow_scale_in"`
}

// ExecutorConfig holds live-mode credentials for the gasless Builder
// order path. Unused in paper mode.
type ExecutorConfig struct {
	BuilderBaseURL string `mapstructure:"builder_base_url"`
	RPCURL         string `mapstructure:"rpc_url"`
	PrivateKey     string `mapstructure:"private_key"`
	FunderAddress  string `mapstructure:"funder_address"`
	ChainID        int    `mapstructure:"chain_id"`
	ApiKey         string `mapstructure:"api_key"`
	Secret         string `mapstructure:"secret"`
	Passphrase     string `mapstructure:"passphrase"`
}

// SupervisorConfig tunes the runner cadences and the promotion gate.
type SupervisorConfig struct {
	StatusInterval  time.Duration   `mapstructure:"status_interval"`
	MetricsInterval time.Duration   `mapstructure:"metrics_interval"`
	ShutdownGrace   time.Duration   `mapstructure:"shutdown_grace"`
	PromotionROI    decimal.Decimal `mapstructure:"promotion_roi"`
	MaxDrawdown     decimal.Decimal `mapstructure:"max_drawdown"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, POLY_STORE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Executor.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.Executor.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.Executor.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.Executor.Passphrase = pass
	}
	if dsn := os.Getenv("POLY_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if mode := os.Getenv("POLY_MODE"); mode != "" {
		cfg.Mode = types.Mode(mode)
	}

	return &cfg, nil
}

// decodeHook composes the standard duration/slice hooks with a decimal
// hook so YAML strings and ints land in decimal.Decimal fields exactly.
// Float YAML values for decimal fields are rejected: write them quoted.
func decodeHook() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	decimalHook := func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return nil, fmt.Errorf("decimal option must be a quoted string, got float %v", v)
		default:
			return data, nil
		}
	}
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("initial_bankroll", "100.00")
	v.SetDefault("duration_hours", 168)
	v.SetDefault("demo", false)

	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")

	v.SetDefault("stream.ping_interval", "5s")
	v.SetDefault("stream.read_idle_timeout", "30s")
	v.SetDefault("stream.buffer_size", 256)
	v.SetDefault("stream.connect_retry_forever", true)

	v.SetDefault("data_api.rate_per_minute", 100)
	v.SetDefault("data_api.timeout", "30s")
	v.SetDefault("data_api.max_retries", 3)

	v.SetDefault("store.dsn", "data/polycopy.db")

	v.SetDefault("markets.top_k", 50)
	v.SetDefault("markets.poll_interval", "5m")

	v.SetDefault("detector.polling_interval", "60s")
	v.SetDefault("detector.detection_window_hours", 72)
	v.SetDefault("detector.daily_trade_threshold", 5)
	v.SetDefault("detector.min_trade_size_usd", "50")
	v.SetDefault("detector.signal_buffer", 256)
	v.SetDefault("detector.qualification.min_trades", 10)
	v.SetDefault("detector.qualification.min_volume_usd", "500")
	v.SetDefault("detector.qualification.min_trades_last_3_days", 3)
	v.SetDefault("detector.qualification.min_days_active", 1)
	v.SetDefault("detector.qualification.max_inactive_days", 30)
	v.SetDefault("detector.ranking.top_n", 10)
	v.SetDefault("detector.ranking.w_volume", "0.5")
	v.SetDefault("detector.ranking.w_recency", "0.2")
	v.SetDefault("detector.ranking.w_frequency", "0.2")
	v.SetDefault("detector.ranking.w_risk", "0.1")

	v.SetDefault("risk.max_daily_loss", "10.00")
	v.SetDefault("risk.max_exposure_pct", "0.80")
	v.SetDefault("risk.max_position_per_market", "10.00")
	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.single_trade_drawdown_pct", "0.05")
	v.SetDefault("risk.failed_exec_threshold", 3)
	v.SetDefault("risk.failed_exec_window", "10m")
	v.SetDefault("risk.max_gas_gwei", 200)
	v.SetDefault("risk.emergency_unwind", false)

	v.SetDefault("sizing.kelly_prior", "0.52")
	v.SetDefault("sizing.alpha", "0.08")
	v.SetDefault("sizing.fraction_cap", "0.05")
	v.SetDefault("sizing.kelly_multiplier", "0.25")
	v.SetDefault("sizing.min_position_pct", "0.01")
	v.SetDefault("sizing.max_position_pct", "0.05")
	v.SetDefault("sizing.commission_rate", "0.02")
	v.SetDefault("sizing.gas_cost_usd", "0.01")

	v.SetDefault("copy.risk_score_max", 6)
	v.SetDefault("copy.dedup_window", "5s")
	v.SetDefault("copy.allow_scale_in", false)

	v.SetDefault("executor.builder_base_url", "https://clob.polymarket.com")
	v.SetDefault("executor.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("executor.chain_id", 137)

	v.SetDefault("supervisor.status_interval", "1h")
	v.SetDefault("supervisor.metrics_interval", "5m")
	v.SetDefault("supervisor.shutdown_grace", "10s")
	v.SetDefault("supervisor.promotion_roi", "0.25")
	v.SetDefault("supervisor.max_drawdown", "0.20")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// SessionDuration is the bounded run window. Demo mode compresses the
// week-long validation run into minutes for smoke-testing a full cycle.
func (c *Config) SessionDuration() time.Duration {
	if c.Demo {
		return 15 * time.Minute
	}
	return time.Duration(c.DurationHours) * time.Hour
}

// ApplyDemo tightens every polling and reporting interval so a demo
// session exercises the whole pipeline within its short window.
func (c *Config) ApplyDemo() {
	c.Demo = true
	c.Detector.PollingInterval = 10 * time.Second
	c.Markets.PollInterval = 30 * time.Second
	c.Supervisor.StatusInterval = time.Minute
	c.Supervisor.MetricsInterval = 30 * time.Second
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case types.ModePaper, types.ModeLive:
	default:
		return types.ConfigErrorf("mode must be paper or live, got %q", c.Mode)
	}
	if !c.InitialBankroll.IsPositive() {
		return types.ConfigErrorf("initial_bankroll must be > 0")
	}
	if c.DurationHours <= 0 {
		return types.ConfigErrorf("duration_hours must be > 0, got %d", c.DurationHours)
	}
	if c.Demo && c.Mode == types.ModeLive {
		return types.ConfigErrorf("demo mode is paper-only")
	}
	if c.API.WSMarketURL == "" {
		return types.ConfigErrorf("api.ws_market_url is required")
	}
	if c.API.DataBaseURL == "" {
		return types.ConfigErrorf("api.data_base_url is required")
	}
	if c.Store.DSN == "" {
		return types.ConfigErrorf("store.dsn is required (set POLY_STORE_DSN)")
	}
	if c.Detector.DetectionWindowHours != 72 {
		return types.ConfigErrorf("detector.detection_window_hours is fixed at 72, got %d", c.Detector.DetectionWindowHours)
	}
	if c.Detector.PollingInterval <= 0 {
		return types.ConfigErrorf("detector.polling_interval must be > 0")
	}
	if c.Detector.Ranking.TopN <= 0 {
		return types.ConfigErrorf("detector.ranking.top_n must be > 0")
	}
	for name, w := range map[string]decimal.Decimal{
		"w_volume":    c.Detector.Ranking.WVolume,
		"w_recency":   c.Detector.Ranking.WRecency,
		"w_frequency": c.Detector.Ranking.WFrequency,
		"w_risk":      c.Detector.Ranking.WRisk,
	} {
		if w.IsNegative() {
			return types.ConfigErrorf("detector.ranking.%s must be >= 0", name)
		}
	}
	if c.DataAPI.RatePerMinute <= 0 {
		return types.ConfigErrorf("data_api.rate_per_minute must be > 0")
	}
	if !c.Sizing.FractionCap.IsPositive() {
		return types.ConfigErrorf("sizing.fraction_cap must be > 0")
	}
	if c.Sizing.MinPositionPct.GreaterThan(c.Sizing.MaxPositionPct) {
		return types.ConfigErrorf("sizing.min_position_pct must not exceed max_position_pct")
	}
	if c.Copy.RiskScoreMax < 1 || c.Copy.RiskScoreMax > 10 {
		return types.ConfigErrorf("copy.risk_score_max must be in 1..10, got %d", c.Copy.RiskScoreMax)
	}
	if c.Mode == types.ModeLive {
		if c.Executor.PrivateKey == "" {
			return types.ConfigErrorf("executor.private_key is required in live mode (set POLY_PRIVATE_KEY)")
		}
		if c.Executor.BuilderBaseURL == "" {
			return types.ConfigErrorf("executor.builder_base_url is required in live mode")
		}
		if c.Executor.ChainID == 0 {
			return types.ConfigErrorf("executor.chain_id is required (137 for mainnet)")
		}
	}
	return nil
}
