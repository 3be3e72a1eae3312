// Package config loads and validates the structured configuration record
// consumed by cmd/tradecore: YAML on disk, environment-variable expansion
// for secrets, and a Validate pass that surfaces every problem found
// rather than stopping at the first one.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationError names the offending field and value.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: field %q (value=%v): %s", e.Field, e.Value, e.Message)
}

// TradingConfig is the `trading` section.
type TradingConfig struct {
	Mode                 string   `yaml:"mode"`
	BaseCurrency         string   `yaml:"baseCurrency"`
	Symbols              []string `yaml:"symbols"`
	MaxPositionSize      float64  `yaml:"maxPositionSize"`
	MaxDailyDrawdown     float64  `yaml:"maxDailyDrawdown"`
	MaxConsecutiveLosses int      `yaml:"maxConsecutiveLosses"`
}

// ExchangeConfig is the `exchange` section.
type ExchangeConfig struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
	BaseURL   string `yaml:"baseURL"`
	WSBaseURL string `yaml:"wsBaseURL"`
}

// RiskConfig is the `risk` section.
type RiskConfig struct {
	MaxLeverage     float64            `yaml:"maxLeverage"`
	PositionLimits  map[string]float64 `yaml:"positionLimits"`
	StopLossPct     float64            `yaml:"stopLossPct"`
	TakeProfitPct   float64            `yaml:"takeProfitPct"`
}

// ScalperConfig is the Scalper strategy's parameter table.
type ScalperConfig struct {
	OBIThreshold  float64 `yaml:"obiThreshold"`
	EMAShort      int     `yaml:"emaShort"`
	EMALong       int     `yaml:"emaLong"`
	SlipOffsetBps float64 `yaml:"slipOffsetBps"`
	RiskFraction  float64 `yaml:"riskFraction"`
	StopDistance  float64 `yaml:"stopDistance"`
}

// MarketMakerConfig is the MarketMaker strategy's parameter table.
type MarketMakerConfig struct {
	InventoryBias   float64 `yaml:"inventoryBias"`
	MaxInventory    float64 `yaml:"maxInventory"`
	BasePct         float64 `yaml:"basePct"`
	OrderSize       float64 `yaml:"orderSize"`
	VolWindow       int     `yaml:"volWindow"`
	RefreshInterval int     `yaml:"refreshIntervalSeconds"`
}

// PairsArbitrageConfig is the PairsArbitrage strategy's parameter table.
type PairsArbitrageConfig struct {
	WindowSize      int     `yaml:"windowSize"`
	ThetaEnter      float64 `yaml:"thetaEnter"`
	BaseSize        float64 `yaml:"baseSize"`
	KellyFraction   float64 `yaml:"kellyFraction"`
	MaxPositionRatio float64 `yaml:"maxPositionRatio"`
	PairA           string  `yaml:"pairA"`
	PairB           string  `yaml:"pairB"`
}

// StrategiesConfig is the `strategies` section.
type StrategiesConfig struct {
	Scalper         ScalperConfig        `yaml:"scalper"`
	MarketMaker     MarketMakerConfig    `yaml:"marketMaker"`
	PairsArbitrage  PairsArbitrageConfig `yaml:"pairsArbitrage"`
}

// BacktestConfig is the `backtest` section.
type BacktestConfig struct {
	StartDate      string  `yaml:"startDate"`
	EndDate        string  `yaml:"endDate"`
	InitialCapital float64 `yaml:"initialCapital"`
	CommissionBps  float64 `yaml:"commission"`
	SlippageBps    float64 `yaml:"slippage"`
	LatencyMeanMs  float64 `yaml:"latencyMean"`
	LatencyStdMs   float64 `yaml:"latencyStd"`
	Seed           int64   `yaml:"seed"`
	MonteCarloRuns int     `yaml:"monteCarloRuns"`
}

// LoggingConfig is the `logging` section.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MonitoringConfig is the `monitoring` section. Kept as a recognized
// section shape; the core never wires a transport for it (dashboards and
// alerting are external collaborators).
type MonitoringConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the structured root record.
type Config struct {
	Trading    TradingConfig    `yaml:"trading"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Risk       RiskConfig       `yaml:"risk"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

var criticalEnvVars = map[string]bool{
	"EXCHANGE_API_KEY":    true,
	"EXCHANGE_API_SECRET": true,
}

func isCriticalEnvVar(name string) bool {
	return criticalEnvVars[name]
}

// expandEnvVars substitutes ${VAR} references, failing loudly only when a
// recognized secret variable is referenced but unset.
func expandEnvVars(raw string) (string, error) {
	var missing []string
	expanded := os.Expand(raw, func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok && isCriticalEnvVar(name) {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// Load reads filename, expands environment references, unmarshals into a
// Config, and validates it.
func Load(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	expanded, err := expandEnvVars(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
	}
	return &cfg, nil
}

// Validate returns every validation problem found; an empty slice means
// the config is usable.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateTrading()...)
	errs = append(errs, c.validateExchange()...)
	errs = append(errs, c.validateRisk()...)
	errs = append(errs, c.validateBacktest()...)
	return errs
}

func (c *Config) validateTrading() []ValidationError {
	var errs []ValidationError
	t := c.Trading
	switch t.Mode {
	case "paper", "live", "backtest":
	default:
		errs = append(errs, ValidationError{"trading.mode", t.Mode, "must be one of paper, live, backtest"})
	}
	if len(t.Symbols) == 0 {
		errs = append(errs, ValidationError{"trading.symbols", t.Symbols, "must list at least one symbol"})
	}
	if t.MaxPositionSize <= 0 {
		errs = append(errs, ValidationError{"trading.maxPositionSize", t.MaxPositionSize, "must be positive"})
	}
	if t.MaxDailyDrawdown <= 0 {
		errs = append(errs, ValidationError{"trading.maxDailyDrawdown", t.MaxDailyDrawdown, "must be positive"})
	}
	return errs
}

func (c *Config) validateExchange() []ValidationError {
	var errs []ValidationError
	if c.Trading.Mode == "live" {
		if c.Exchange.APIKey == "" {
			errs = append(errs, ValidationError{"exchange.apiKey", "", "required in live mode"})
		}
		if c.Exchange.APISecret == "" {
			errs = append(errs, ValidationError{"exchange.apiSecret", "", "required in live mode"})
		}
	}
	return errs
}

func (c *Config) validateRisk() []ValidationError {
	var errs []ValidationError
	if c.Risk.MaxLeverage < 1 {
		errs = append(errs, ValidationError{"risk.maxLeverage", c.Risk.MaxLeverage, "must be >= 1"})
	}
	return errs
}

func (c *Config) validateBacktest() []ValidationError {
	var errs []ValidationError
	if c.Trading.Mode != "backtest" {
		return errs
	}
	if c.Backtest.InitialCapital <= 0 {
		errs = append(errs, ValidationError{"backtest.initialCapital", c.Backtest.InitialCapital, "must be positive"})
	}
	return errs
}

// String renders the config as YAML with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.Exchange.APIKey = maskString(masked.Exchange.APIKey)
	masked.Exchange.APISecret = maskString(masked.Exchange.APISecret)
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(out)
}

func maskString(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// Default returns a conservative default config, useful for tests and as
// a starting point for operators.
func Default() *Config {
	return &Config{
		Trading: TradingConfig{
			Mode:                 "paper",
			BaseCurrency:         "USDT",
			Symbols:              []string{"BTCUSDT"},
			MaxPositionSize:      1.0,
			MaxDailyDrawdown:     500,
			MaxConsecutiveLosses: 5,
		},
		Exchange: ExchangeConfig{
			Name:    "binance",
			BaseURL: "https://api.binance.com",
			WSBaseURL: "wss://stream.binance.com:9443",
		},
		Risk: RiskConfig{
			MaxLeverage:   1,
			StopLossPct:   0.01,
			TakeProfitPct: 0.02,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
