package types

import (
	"fmt"
	"time"
)

type Environment string

const (
	EnvDemo Environment = "DEMO"
	EnvLive Environment = "LIVE"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell || a == ActionHold
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Direction is +1 for long and -1 for short exposure.
func (s Side) Direction() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// SideFor maps a directional action to an order side. HOLD has no side.
func SideFor(a Action) (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	}
	return "", false
}

type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type MACD struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

type IndicatorSet struct {
	RSI       float64 `json:"rsi"`
	SMAShort  float64 `json:"sma_short"`
	SMALong   float64 `json:"sma_long"`
	MACD      MACD    `json:"macd"`
	Bollinger Bands   `json:"bollinger"`
	ATR       float64 `json:"atr"`
}

type Signal struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Validate rejects signals that must never reach fusion.
func (s Signal) Validate() error {
	if !s.Action.Valid() {
		return fmt.Errorf("signal %q: unknown action %q", s.Source, s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %q: confidence %.4f outside [0,1]", s.Source, s.Confidence)
	}
	return nil
}

type Position struct {
	ID            string    `json:"id"`
	Instrument    string    `json:"instrument"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	OpenPrice     float64   `json:"open_price"`
	CurrentPrice  float64   `json:"current_price"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenTime      time.Time `json:"open_time"`
}

type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

type Trade struct {
	ID          string      `json:"id"`
	Instrument  string      `json:"instrument"`
	Side        Side        `json:"side"`
	Size        float64     `json:"size"`
	OpenPrice   float64     `json:"open_price"`
	ClosePrice  *float64    `json:"close_price,omitempty"`
	StopLoss    float64     `json:"stop_loss,omitempty"`
	TakeProfit  float64     `json:"take_profit,omitempty"`
	OpenTime    time.Time   `json:"open_time"`
	CloseTime   *time.Time  `json:"close_time,omitempty"`
	Status      TradeStatus `json:"status"`
	RealizedPnL *float64    `json:"realized_pnl,omitempty"`
	Confidence  float64     `json:"confidence"`
	Strategy    string      `json:"strategy"`
	CloseReason string      `json:"close_reason,omitempty"`
}

// Closed returns a copy of the trade settled at price.
func (t Trade) Closed(price, pnl float64, at time.Time, reason string) Trade {
	t.ClosePrice = &price
	t.RealizedPnL = &pnl
	t.CloseTime = &at
	t.Status = TradeClosed
	t.CloseReason = reason
	return t
}

func (t Trade) Position() Position {
	return Position{
		ID:           t.ID,
		Instrument:   t.Instrument,
		Side:         t.Side,
		Size:         t.Size,
		OpenPrice:    t.OpenPrice,
		CurrentPrice: t.OpenPrice,
		StopLoss:     t.StopLoss,
		TakeProfit:   t.TakeProfit,
		OpenTime:     t.OpenTime,
	}
}

// OrderReq is what a broker needs to open a market position.
type OrderReq struct {
	Instrument string
	Side       Side
	Units      float64
	StopLoss   float64
	TakeProfit float64
	Tag        string
}

type Performance struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
}

type RiskState struct {
	DailyPnL        float64   `json:"daily_pnl"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	DailyTradeCount int       `json:"daily_trade_count"`
	LastResetDate   time.Time `json:"last_reset_date"`
}

type StopKind string

const (
	StopManual            StopKind = "manual"
	StopConsecutiveLosses StopKind = "consecutive_losses"
	StopDailyLoss         StopKind = "daily_loss"
	StopDrawdown          StopKind = "drawdown"
	StopConnectionLost    StopKind = "connection_lost"
	StopAccountError      StopKind = "account_error"
)

// Sticky kinds cannot be cleared within the same session.
func (k StopKind) Sticky() bool {
	return k == StopDailyLoss || k == StopDrawdown
}

type EmergencyStopRecord struct {
	Kind      StopKind  `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type SafetyState struct {
	Environment          Environment           `json:"environment"`
	Connected            bool                  `json:"connected"`
	AccountVerified      bool                  `json:"account_verified"`
	EmergencyStopActive  bool                  `json:"emergency_stop_active"`
	ConsecutiveLosses    int                   `json:"consecutive_losses"`
	TotalTrades          int                   `json:"total_trades"`
	LastTradeTime        time.Time             `json:"last_trade_time"`
	SessionStart         time.Time             `json:"session_start"`
	EmergencyStopHistory []EmergencyStopRecord `json:"emergency_stop_history"`
}

// AccountMetrics is the account view pushed to safety after each valuation.
type AccountMetrics struct {
	Balance     float64 `json:"balance"`
	DailyPnL    float64 `json:"daily_pnl"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// DecisionRecord is the journal entry for one fused decision.
type DecisionRecord struct {
	Time       time.Time    `json:"time"`
	Instrument string       `json:"instrument"`
	Price      float64      `json:"price"`
	Technical  Signal       `json:"technical"`
	Predictor  Signal       `json:"predictor"`
	Fused      Signal       `json:"fused"`
	Indicators IndicatorSet `json:"indicators"`
	Outcome    string       `json:"outcome"`
}

type StepError struct {
	Step string `json:"step"`
	Err  string `json:"error"`
}

type StepResult struct {
	Instrument      string      `json:"instrument"`
	Time            time.Time   `json:"time"`
	Price           float64     `json:"price"`
	Bars            int         `json:"bars"`
	IndicatorsReady bool        `json:"indicators_ready"`
	Signal          *Signal     `json:"signal,omitempty"`
	Opened          []Trade     `json:"opened,omitempty"`
	Closed          []Trade     `json:"closed,omitempty"`
	Liquidated      bool        `json:"liquidated"`
	Reason          string      `json:"reason,omitempty"`
	Errors          []StepError `json:"errors,omitempty"`
}
