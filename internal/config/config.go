// Package config defines all configuration for the order-flow engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// the run mode overridable via the ORDERFLOW_MODE environment variable.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects the top-level run mode.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeRecord  Mode = "record"
	ModeReplay  Mode = "replay"
	ModeReport  Mode = "report"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode         Mode               `mapstructure:"mode"`
	DepthSlots   int                `mapstructure:"depth_slots"`
	MarketData   MarketDataConfig   `mapstructure:"market_data"`
	Universe     UniverseConfig     `mapstructure:"universe"`
	Signals      SignalsConfig      `mapstructure:"signals"`
	Scarcity     ScarcityConfig     `mapstructure:"scarcity"`
	EvalWindow   EvalWindowConfig   `mapstructure:"evaluation_window"`
	Tape         TapeConfig         `mapstructure:"tape"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	Recorder     RecorderConfig     `mapstructure:"recorder"`
	Replayer     ReplayerConfig     `mapstructure:"replayer"`
	Runtime      RuntimeConfig      `mapstructure:"runtime"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// MarketDataConfig bounds the broker data-line and depth budgets.
type MarketDataConfig struct {
	MaxLines                  int           `mapstructure:"max_lines"`
	DepthRows                  int           `mapstructure:"depth_rows"`
	TickByTickMaxSymbols       int           `mapstructure:"tick_by_tick_max_symbols"`
	L1ReceiptTimeoutMs         int           `mapstructure:"l1_receipt_timeout_ms"`
	TickByTickReceiptTimeoutMs int           `mapstructure:"tick_by_tick_receipt_timeout_ms"`
	BookStaleWindow            time.Duration `mapstructure:"book_stale_window"`
}

// UniverseConfig controls universe discovery and refresh cadence.
type UniverseConfig struct {
	Source          string   `mapstructure:"source"` // Static|Scanner
	RefreshMinutes  int      `mapstructure:"refresh_minutes"`
	ScannerQueryURL string   `mapstructure:"scanner_query_url"`
	StaticSymbols   []string `mapstructure:"static_symbols"`
}

// HardGatesConfig sets the validator's reject-before-accept thresholds.
type HardGatesConfig struct {
	MaxSpoofScore        float64 `mapstructure:"max_spoof_score"`
	MinTapeAcceleration  float64 `mapstructure:"min_tape_acceleration"`
	MinWallPersistenceMs int64   `mapstructure:"min_wall_persistence_ms"`
}

// SignalsConfig tunes the Signal Validator.
type SignalsConfig struct {
	HardGates             HardGatesConfig `mapstructure:"hard_gates"`
	QueueImbalanceTheta    float64         `mapstructure:"queue_imbalance_theta"`
	QueueImbalanceLevels   int             `mapstructure:"queue_imbalance_levels"`
	AbsorptionThreshold    float64         `mapstructure:"absorption_threshold"`
	SymbolCooldownMinutes  int             `mapstructure:"symbol_cooldown_minutes"`
	GlobalRateLimitPerHour int             `mapstructure:"global_rate_limit_per_hour"`
	StopRatioK1            float64         `mapstructure:"stop_ratio_k1"`
	TargetRatioK2          float64         `mapstructure:"target_ratio_k2"`
	RiskBudgetUSD          float64         `mapstructure:"risk_budget_usd"`
}

// ScarcityConfig bounds the Signal Coordinator's daily/global acceptance rate.
type ScarcityConfig struct {
	MaxBlueprintsPerDay   int `mapstructure:"max_blueprints_per_day"`
	MaxPerSymbolPerDay    int `mapstructure:"max_per_symbol_per_day"`
	GlobalCooldownMinutes int `mapstructure:"global_cooldown_minutes"`
	SymbolCooldownMinutes int `mapstructure:"symbol_cooldown_minutes"`
	RankWindowSeconds     int `mapstructure:"rank_window_seconds"`
}

// EvalWindowConfig bounds the Evaluation-Window Controller.
type EvalWindowConfig struct {
	MinMs      int64 `mapstructure:"min_ms"`
	MaxMs      int64 `mapstructure:"max_ms"`
	CooldownMs int64 `mapstructure:"cooldown_ms"`
	GraceMs    int64 `mapstructure:"grace_ms"`
	StaleMs    int64 `mapstructure:"stale_ms"`
}

// TapeConfig bounds tape freshness/warmup gating.
type TapeConfig struct {
	StaleWindowMs   int64 `mapstructure:"stale_window_ms"`
	WarmupMinTrades int   `mapstructure:"warmup_min_trades"`
	WarmupWindowMs  int64 `mapstructure:"warmup_window_ms"`
	RingWindowMs    int64 `mapstructure:"ring_window_ms"`
}

// JournalConfig controls the append-only decision log.
type JournalConfig struct {
	FilePath       string        `mapstructure:"file_path"`
	EmitGateTrace  bool          `mapstructure:"emit_gate_trace"`
	HeartbeatEvery time.Duration `mapstructure:"heartbeat_every"`
}

// BrokerConfig points at the broker gateway adapter.
type BrokerConfig struct {
	GatewayURL string `mapstructure:"gateway_url"`
}

// RecorderConfig controls raw-event capture.
type RecorderConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	Symbol    string `mapstructure:"symbol"`
}

// ReplayerConfig controls deterministic replay.
type ReplayerConfig struct {
	InputDir string `mapstructure:"input_dir"`
}

// RuntimeConfig sizes the worker pool.
type RuntimeConfig struct {
	WorkerPoolSize int `mapstructure:"worker_pool_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ORDERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if mode := os.Getenv("ORDERFLOW_MODE"); mode != "" {
		cfg.Mode = Mode(mode)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "default")
	v.SetDefault("depth_slots", 3)
	v.SetDefault("market_data.max_lines", 80)
	v.SetDefault("market_data.depth_rows", 5)
	v.SetDefault("market_data.tick_by_tick_max_symbols", 6)
	v.SetDefault("market_data.l1_receipt_timeout_ms", 15000)
	v.SetDefault("market_data.tick_by_tick_receipt_timeout_ms", 15000)
	v.SetDefault("market_data.book_stale_window", "5s")
	v.SetDefault("universe.source", "Static")
	v.SetDefault("universe.refresh_minutes", 5)
	v.SetDefault("signals.hard_gates.max_spoof_score", 0.6)
	v.SetDefault("signals.hard_gates.min_tape_acceleration", 1.0)
	v.SetDefault("signals.hard_gates.min_wall_persistence_ms", 2000)
	v.SetDefault("signals.queue_imbalance_theta", 2.0)
	v.SetDefault("signals.queue_imbalance_levels", 4)
	v.SetDefault("signals.absorption_threshold", 1.0)
	v.SetDefault("signals.symbol_cooldown_minutes", 10)
	v.SetDefault("signals.global_rate_limit_per_hour", 3)
	v.SetDefault("signals.stop_ratio_k1", 1.0)
	v.SetDefault("signals.target_ratio_k2", 2.0)
	v.SetDefault("signals.risk_budget_usd", 500)
	v.SetDefault("scarcity.max_blueprints_per_day", 6)
	v.SetDefault("scarcity.max_per_symbol_per_day", 1)
	v.SetDefault("scarcity.global_cooldown_minutes", 0)
	v.SetDefault("scarcity.symbol_cooldown_minutes", 0)
	v.SetDefault("scarcity.rank_window_seconds", 0)
	v.SetDefault("evaluation_window.min_ms", 60000)
	v.SetDefault("evaluation_window.max_ms", 180000)
	v.SetDefault("evaluation_window.cooldown_ms", 3600000)
	v.SetDefault("evaluation_window.grace_ms", 2000)
	v.SetDefault("evaluation_window.stale_ms", 10000)
	v.SetDefault("tape.stale_window_ms", 5000)
	v.SetDefault("tape.warmup_min_trades", 3)
	v.SetDefault("tape.warmup_window_ms", 10000)
	v.SetDefault("tape.ring_window_ms", 60000)
	v.SetDefault("journal.file_path", "journal.jsonl")
	v.SetDefault("journal.emit_gate_trace", true)
	v.SetDefault("journal.heartbeat_every", "30s")
	v.SetDefault("recorder.output_dir", "recordings")
	v.SetDefault("replayer.input_dir", "recordings")
	v.SetDefault("runtime.worker_pool_size", 0) // 0 = runtime.New falls back to 4 shards
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDefault, ModeRecord, ModeReplay, ModeReport:
	default:
		return fmt.Errorf("mode must be one of default|record|replay|report, got %q", c.Mode)
	}
	if c.DepthSlots <= 0 {
		return fmt.Errorf("depth_slots must be > 0")
	}
	if c.MarketData.MaxLines <= 0 {
		return fmt.Errorf("market_data.max_lines must be > 0")
	}
	if c.MarketData.DepthRows < 1 || c.MarketData.DepthRows > 10 {
		return fmt.Errorf("market_data.depth_rows must be in 1..10")
	}
	if c.MarketData.L1ReceiptTimeoutMs < 5000 {
		return fmt.Errorf("market_data.l1_receipt_timeout_ms must be >= 5000")
	}
	if c.MarketData.TickByTickReceiptTimeoutMs < 5000 {
		return fmt.Errorf("market_data.tick_by_tick_receipt_timeout_ms must be >= 5000")
	}
	switch c.Universe.Source {
	case "Static", "Scanner":
	default:
		return fmt.Errorf("universe.source must be Static or Scanner, got %q", c.Universe.Source)
	}
	if c.Mode == ModeRecord && c.Recorder.Symbol == "" {
		return fmt.Errorf("recorder.symbol is required in record mode")
	}
	if c.Journal.FilePath == "" {
		return fmt.Errorf("journal.file_path is required")
	}
	return nil
}
