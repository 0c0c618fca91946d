package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"forex-trading-bot/internal/types"

	"gopkg.in/yaml.v3"
)

type MarketConfig struct {
	PipSize     float64 `yaml:"pip_size"`
	UnitsPerLot float64 `yaml:"units_per_lot"`
}

type RiskConfig struct {
	MaxDailyLossPct      float64 `yaml:"max_daily_loss_pct"`
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"`
	MaxPositionSize      float64 `yaml:"max_position_size"`
	DefaultPositionSize  float64 `yaml:"default_position_size"`
	MaxConcurrentTrades  int     `yaml:"max_concurrent_trades"`
	RiskPerTradePct      float64 `yaml:"risk_per_trade_pct"`
	StopLossPips         float64 `yaml:"stop_loss_pips"`
	TakeProfitPips       float64 `yaml:"take_profit_pips"`
	MinRewardRisk        float64 `yaml:"min_reward_risk"`
	MaxUnrealizedLossPct float64 `yaml:"max_unrealized_loss_pct"`
	SizingPolicy         string  `yaml:"sizing_policy"`
}

type IndicatorConfig struct {
	RSIPeriod  int     `yaml:"rsi_period"`
	SMAShort   int     `yaml:"sma_short"`
	SMALong    int     `yaml:"sma_long"`
	MACDFast   int     `yaml:"macd_fast"`
	MACDSlow   int     `yaml:"macd_slow"`
	MACDSignal int     `yaml:"macd_signal"`
	BBWindow   int     `yaml:"bb_window"`
	BBStdDev   float64 `yaml:"bb_stddev"`
	ATRPeriod  int     `yaml:"atr_period"`
}

type TradingHours struct {
	Enabled  bool     `yaml:"enabled"`
	Start    string   `yaml:"start"`
	End      string   `yaml:"end"`
	Weekdays []string `yaml:"weekdays"`
}

type SafetyConfig struct {
	RequireManualConfirmation bool         `yaml:"require_manual_confirmation"`
	MaxConsecutiveLosses      int          `yaml:"max_consecutive_losses"`
	MinLiveBalance            float64      `yaml:"min_live_balance"`
	ConfirmTimeoutSeconds     int          `yaml:"confirm_timeout_seconds"`
	MaxConnectionFailures     int          `yaml:"max_connection_failures"`
	TradingHours              TradingHours `yaml:"trading_hours"`
}

type Config struct {
	Environment types.Environment `yaml:"environment"`
	Instrument  string            `yaml:"instrument"`
	Timezone    string            `yaml:"timezone"`
	Cycle       struct {
		PeriodSeconds int    `yaml:"period_seconds"`
		HistoryBars   int    `yaml:"history_bars"`
		MinBars       int    `yaml:"min_bars"`
		Granularity   string `yaml:"granularity"`
	} `yaml:"cycle"`
	Market     MarketConfig    `yaml:"market"`
	Risk       RiskConfig      `yaml:"risk"`
	Indicators IndicatorConfig `yaml:"indicators"`
	Signal     struct {
		MinConfidence float64 `yaml:"min_confidence"`
	} `yaml:"signal"`
	Safety SafetyConfig `yaml:"safety"`
	Broker struct {
		Provider string `yaml:"provider"`
		Paper    struct {
			InitialBalance float64 `yaml:"initial_balance"`
			StartPrice     float64 `yaml:"start_price"`
			Volatility     float64 `yaml:"volatility"`
		} `yaml:"paper"`
		Kite struct {
			Exchange        string  `yaml:"exchange"`
			Tradingsymbol   string  `yaml:"tradingsymbol"`
			InstrumentToken int     `yaml:"instrument_token"`
			Product         string  `yaml:"product"`
			ContractSize    float64 `yaml:"contract_size"`
		} `yaml:"kite"`
	} `yaml:"broker"`
	Predictor struct {
		Provider       string `yaml:"provider"`
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"predictor"`
	Sinks struct {
		WebsocketAddr string `yaml:"websocket_addr"`
		Telegram      struct {
			Enabled bool  `yaml:"enabled"`
			ChatID  int64 `yaml:"chat_id"`
		} `yaml:"telegram"`
		AMQP struct {
			Enabled  bool   `yaml:"enabled"`
			Exchange string `yaml:"exchange"`
		} `yaml:"amqp"`
	} `yaml:"sinks"`
	Journal struct {
		Dir           string `yaml:"dir"`
		RetentionDays int    `yaml:"retention_days"`
		Postgres      bool   `yaml:"postgres"`
	} `yaml:"journal"`

	// Secrets come from the environment only.
	Credentials   Credentials `yaml:"-"`
	TelegramToken string      `yaml:"-"`
	AMQPURL       string      `yaml:"-"`
	DatabaseURL   string      `yaml:"-"`
}

type Credentials struct {
	APIKey    string
	AccountID string
	// AccessToken is the session token some brokers (Kite) need on top of the key.
	AccessToken string
}

func (c Credentials) Present() bool { return c.APIKey != "" && c.AccountID != "" }

// Validate reports every structural problem in c, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Environment != types.EnvDemo && c.Environment != types.EnvLive,
		"invalid environment '%s': must be 'DEMO' or 'LIVE'", c.Environment)
	check(c.Instrument == "", "instrument cannot be empty")
	check(c.Broker.Provider != "PAPER" && c.Broker.Provider != "KITE",
		"broker.provider must be 'PAPER' or 'KITE', got '%s'", c.Broker.Provider)
	check(c.Predictor.Provider != "NOOP" && c.Predictor.Provider != "REMOTE",
		"predictor.provider must be 'NOOP' or 'REMOTE', got '%s'", c.Predictor.Provider)
	check(c.Predictor.Provider == "REMOTE" && c.Predictor.URL == "",
		"predictor.url is required for the REMOTE predictor")
	check(c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 100,
		"risk.risk_per_trade_pct must be between 0-100, got %.2f", c.Risk.RiskPerTradePct)
	check(c.Risk.StopLossPips <= 0 || c.Risk.TakeProfitPips <= 0,
		"risk.stop_loss_pips and risk.take_profit_pips must be positive")
	check(c.Risk.MinRewardRisk < MinRewardRiskFloor,
		"risk.min_reward_risk must be at least %.1f, got %.2f", MinRewardRiskFloor, c.Risk.MinRewardRisk)
	check(c.Risk.SizingPolicy != "FIXED_RISK" && c.Risk.SizingPolicy != "KELLY",
		"risk.sizing_policy must be 'FIXED_RISK' or 'KELLY', got '%s'", c.Risk.SizingPolicy)
	check(c.Cycle.MinBars > c.Cycle.HistoryBars,
		"cycle.min_bars (%d) cannot exceed cycle.history_bars (%d)", c.Cycle.MinBars, c.Cycle.HistoryBars)
	_, ok := types.GranularityDuration(c.Cycle.Granularity)
	check(!ok, "unsupported cycle.granularity '%s'", c.Cycle.Granularity)
	check(c.Market.PipSize <= 0 || c.Market.UnitsPerLot <= 0,
		"market.pip_size and market.units_per_lot must be positive")
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err))
	}
	return errors.Join(errs...)
}

// MinRewardRiskFloor is the lowest reward/risk ratio a config may ask for.
const MinRewardRiskFloor = 1.5

// SafetyViolations lists every hard safety limit c breaks. An empty result
// means the limits hold.
func (c *Config) SafetyViolations() []string {
	var v []string
	if !c.Credentials.Present() {
		v = append(v, "broker credentials are missing")
	}
	if c.Risk.MaxDailyLossPct > 10 {
		v = append(v, fmt.Sprintf("max daily loss %.2f%% exceeds 10%%", c.Risk.MaxDailyLossPct))
	}
	if c.Risk.RiskPerTradePct > 5 {
		v = append(v, fmt.Sprintf("risk per trade %.2f%% exceeds 5%%", c.Risk.RiskPerTradePct))
	}
	if c.Risk.MaxPositionSize > 2 {
		v = append(v, fmt.Sprintf("max position size %.2f exceeds 2 lots", c.Risk.MaxPositionSize))
	}
	if c.Signal.MinConfidence < 0.6 {
		v = append(v, fmt.Sprintf("min confidence %.2f below 0.60", c.Signal.MinConfidence))
	}
	if c.Environment == types.EnvLive {
		if !c.Safety.RequireManualConfirmation {
			v = append(v, "live trading requires manual confirmation")
		}
		if c.Risk.MaxDailyLossPct > 5 {
			v = append(v, fmt.Sprintf("live max daily loss %.2f%% exceeds 5%%", c.Risk.MaxDailyLossPct))
		}
		if c.Risk.MaxPositionSize > 1 {
			v = append(v, fmt.Sprintf("live max position size %.2f exceeds 1 lot", c.Risk.MaxPositionSize))
		}
	}
	return v
}

// Period is the delay between the end of one cycle and the start of the next.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Cycle.PeriodSeconds) * time.Second
}

// Location is the zone that defines trading-day boundaries.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MaxConsecutiveLosses resolves the environment default when unset.
func (c *Config) MaxConsecutiveLosses() int {
	if c.Safety.MaxConsecutiveLosses > 0 {
		return c.Safety.MaxConsecutiveLosses
	}
	if c.Environment == types.EnvLive {
		return 3
	}
	return 5
}

// Clone returns a copy safe to hand to another goroutine.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Safety.TradingHours.Weekdays = append([]string(nil), c.Safety.TradingHours.Weekdays...)
	return &cp
}

func applyDefaults(c *Config) {
	if c.Environment == "" {
		c.Environment = types.EnvDemo
	}
	if c.Instrument == "" {
		c.Instrument = "EUR_USD"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Cycle.PeriodSeconds == 0 {
		c.Cycle.PeriodSeconds = 45
	}
	if c.Cycle.HistoryBars == 0 {
		c.Cycle.HistoryBars = 500
	}
	if c.Cycle.MinBars == 0 {
		c.Cycle.MinBars = 50
	}
	if c.Cycle.Granularity == "" {
		c.Cycle.Granularity = "M1"
	}
	if c.Market.PipSize == 0 {
		c.Market.PipSize = 0.0001
	}
	if c.Market.UnitsPerLot == 0 {
		c.Market.UnitsPerLot = 100000
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 5
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 15
	}
	if c.Risk.MaxPositionSize == 0 {
		c.Risk.MaxPositionSize = 1
	}
	if c.Risk.DefaultPositionSize == 0 {
		c.Risk.DefaultPositionSize = 0.1
	}
	if c.Risk.MaxConcurrentTrades == 0 {
		c.Risk.MaxConcurrentTrades = 3
	}
	if c.Risk.RiskPerTradePct == 0 {
		c.Risk.RiskPerTradePct = 1
	}
	if c.Risk.StopLossPips == 0 {
		c.Risk.StopLossPips = 50
	}
	if c.Risk.TakeProfitPips == 0 {
		c.Risk.TakeProfitPips = 100
	}
	if c.Risk.MinRewardRisk == 0 {
		c.Risk.MinRewardRisk = 1.5
	}
	if c.Risk.MaxUnrealizedLossPct == 0 {
		c.Risk.MaxUnrealizedLossPct = 10
	}
	if c.Risk.SizingPolicy == "" {
		c.Risk.SizingPolicy = "FIXED_RISK"
	}
	if c.Indicators.RSIPeriod == 0 {
		c.Indicators.RSIPeriod = 14
	}
	if c.Indicators.SMAShort == 0 {
		c.Indicators.SMAShort = 20
	}
	if c.Indicators.SMALong == 0 {
		c.Indicators.SMALong = 50
	}
	if c.Indicators.MACDFast == 0 {
		c.Indicators.MACDFast = 12
	}
	if c.Indicators.MACDSlow == 0 {
		c.Indicators.MACDSlow = 26
	}
	if c.Indicators.MACDSignal == 0 {
		c.Indicators.MACDSignal = 9
	}
	if c.Indicators.BBWindow == 0 {
		c.Indicators.BBWindow = 20
	}
	if c.Indicators.BBStdDev == 0 {
		c.Indicators.BBStdDev = 2
	}
	if c.Indicators.ATRPeriod == 0 {
		c.Indicators.ATRPeriod = 14
	}
	if c.Signal.MinConfidence == 0 {
		c.Signal.MinConfidence = 0.70
	}
	if c.Safety.MinLiveBalance == 0 {
		c.Safety.MinLiveBalance = 1000
	}
	if c.Safety.ConfirmTimeoutSeconds == 0 {
		c.Safety.ConfirmTimeoutSeconds = 120
	}
	if c.Safety.MaxConnectionFailures == 0 {
		c.Safety.MaxConnectionFailures = 3
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "PAPER"
	}
	if c.Broker.Paper.InitialBalance == 0 {
		c.Broker.Paper.InitialBalance = 10000
	}
	if c.Broker.Paper.StartPrice == 0 {
		c.Broker.Paper.StartPrice = 1.1000
	}
	if c.Broker.Paper.Volatility == 0 {
		c.Broker.Paper.Volatility = 0.0002
	}
	if c.Broker.Kite.Product == "" {
		c.Broker.Kite.Product = "NRML"
	}
	if c.Broker.Kite.ContractSize == 0 {
		c.Broker.Kite.ContractSize = 1000
	}
	if c.Predictor.Provider == "" {
		c.Predictor.Provider = "NOOP"
	}
	if c.Predictor.TimeoutSeconds == 0 {
		c.Predictor.TimeoutSeconds = 10
	}
	if c.Sinks.AMQP.Exchange == "" {
		c.Sinks.AMQP.Exchange = "trading.events"
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "logs"
	}
}

// LoadSecrets fills credentials and sink secrets from the environment.
func (c *Config) LoadSecrets() {
	c.Credentials = Credentials{
		APIKey:      os.Getenv("BROKER_API_KEY"),
		AccountID:   os.Getenv("BROKER_ACCOUNT_ID"),
		AccessToken: os.Getenv("BROKER_ACCESS_TOKEN"),
	}
	c.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.AMQPURL = os.Getenv("AMQP_URL")
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	if v := os.Getenv("TRADER_LOG_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Journal.RetentionDays = n
		}
	}
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

// Default is the configuration used when no file is present.
func Default() *Config {
	c, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return c
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, err
	}
	c.LoadSecrets()
	return c, nil
}
