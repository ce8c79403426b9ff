// Package domain defines the core types shared across the bridge: trading
// accounts, terminal snapshots, order requests and results, and the error
// values that cross package boundaries.
package domain

import (
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// AccountType distinguishes demo logins from live ones.
type AccountType string

const (
	AccountDemo AccountType = "demo"
	AccountLive AccountType = "live"
)

// ParseAccountType returns the AccountType for s, defaulting to demo.
func ParseAccountType(s string) AccountType {
	if strings.EqualFold(s, string(AccountLive)) {
		return AccountLive
	}
	return AccountDemo
}

// TradingAccount is one brokerage login known to the system.
type TradingAccount struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	Login             int64       `json:"login"`
	Server            string      `json:"server"`
	Broker            string      `json:"broker,omitempty"`
	Name              string      `json:"account_name"`
	Type              AccountType `json:"account_type"`
	EncryptedPassword string      `json:"-"`
	IsDefault         bool        `json:"is_default"`
	IsActive          bool        `json:"is_active"`
	Balance           float64     `json:"balance"`
	Equity            float64     `json:"equity"`
	Currency          string      `json:"currency,omitempty"`
	Leverage          int64       `json:"leverage,omitempty"`
	LastConnectedAt   time.Time   `json:"last_connected_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// HasCredentials reports whether the record carries a stored password.
func (a *TradingAccount) HasCredentials() bool {
	return a.EncryptedPassword != ""
}

// AccountInfo is the terminal's snapshot of the currently authenticated login.
type AccountInfo struct {
	Login        int64   `json:"login"`
	Server       string  `json:"server"`
	Name         string  `json:"name,omitempty"`
	Company      string  `json:"company,omitempty"`
	Currency     string  `json:"currency"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Margin       float64 `json:"margin"`
	MarginFree   float64 `json:"margin_free"`
	MarginLevel  float64 `json:"margin_level"`
	Profit       float64 `json:"profit"`
	Leverage     int64   `json:"leverage"`
	TradeAllowed bool    `json:"trade_allowed"`
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// SymbolInfo is the instrument metadata the terminal exposes.
type SymbolInfo struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Visible     bool    `json:"visible"`
	Digits      int     `json:"digits"`
	Point       float64 `json:"point"`
	Spread      int64   `json:"spread"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	VolumeMin   float64 `json:"volume_min"`
	VolumeMax   float64 `json:"volume_max"`
	VolumeStep  float64 `json:"volume_step"`
	// FillingMask is nil when the terminal did not report the filling_mode
	// property for the symbol.
	FillingMask *int `json:"filling_mode,omitempty"`
}

// Tick is the latest quote for a symbol.
type Tick struct {
	Time   time.Time `json:"time"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Volume float64   `json:"volume"`
}

// Bar is one OHLCV candle.
type Bar struct {
	Time       time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	TickVolume int64     `json:"tick_volume"`
	Spread     int64     `json:"spread"`
	RealVolume int64     `json:"real_volume"`
}

// Timeframe is a bar period, valued with the terminal's numeric constants.
type Timeframe int

const (
	TimeframeM1  Timeframe = 1
	TimeframeM5  Timeframe = 5
	TimeframeM15 Timeframe = 15
	TimeframeM30 Timeframe = 30
	TimeframeH1  Timeframe = 16385
	TimeframeH4  Timeframe = 16388
	TimeframeD1  Timeframe = 16408
	TimeframeW1  Timeframe = 32769
	TimeframeMN1 Timeframe = 49153
)

var timeframeNames = map[string]Timeframe{
	"M1":  TimeframeM1,
	"M5":  TimeframeM5,
	"M15": TimeframeM15,
	"M30": TimeframeM30,
	"H1":  TimeframeH1,
	"H4":  TimeframeH4,
	"D1":  TimeframeD1,
	"W1":  TimeframeW1,
	"MN1": TimeframeMN1,
}

// ParseTimeframe maps a name such as "H1" to its Timeframe.
func ParseTimeframe(name string) (Timeframe, bool) {
	tf, ok := timeframeNames[strings.ToUpper(name)]
	return tf, ok
}

// String returns the short name of the timeframe, e.g. "H4".
func (tf Timeframe) String() string {
	for name, v := range timeframeNames {
		if v == tf {
			return name
		}
	}
	return "UNKNOWN"
}

// Duration is the nominal length of one bar. Months are approximated as 30
// days.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	case TimeframeW1:
		return 7 * 24 * time.Hour
	case TimeframeMN1:
		return 30 * 24 * time.Hour
	}
	return 0
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// OrderSide is the direction of a market order.
type OrderSide int

const (
	OrderBuy  OrderSide = 0
	OrderSell OrderSide = 1
)

// ParseOrderSide accepts "buy" or "sell" in any case.
func ParseOrderSide(s string) (OrderSide, bool) {
	switch strings.ToLower(s) {
	case "buy":
		return OrderBuy, true
	case "sell":
		return OrderSell, true
	}
	return 0, false
}

func (s OrderSide) String() string {
	if s == OrderSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderBuy {
		return OrderSell
	}
	return OrderBuy
}

// FillingMode is the broker policy for partial execution.
type FillingMode int

const (
	FillingFOK    FillingMode = 0
	FillingIOC    FillingMode = 1
	FillingReturn FillingMode = 2

	// FillingAuto leaves type_filling out of the request so the broker
	// applies its own default.
	FillingAuto FillingMode = -1
)

func (m FillingMode) String() string {
	switch m {
	case FillingFOK:
		return "FOK"
	case FillingIOC:
		return "IOC"
	case FillingReturn:
		return "RETURN"
	case FillingAuto:
		return "AUTO"
	}
	return "UNKNOWN"
}

// Trade request constants understood by the terminal.
const (
	TradeActionDeal = 1
	OrderTimeGTC    = 0
)

// Retcodes returned by order_send.
const (
	RetcodeDone             = 10009
	RetcodeClientDisablesAT = 10027
	RetcodeInvalidFill      = 10030
)

// OrderRequest is the payload handed to the terminal's order_send. A nil
// TypeFilling omits the field.
type OrderRequest struct {
	Action      int          `json:"action"`
	Symbol      string       `json:"symbol"`
	Volume      float64      `json:"volume"`
	Type        OrderSide    `json:"type"`
	Price       float64      `json:"price"`
	SL          float64      `json:"sl,omitempty"`
	TP          float64      `json:"tp,omitempty"`
	Deviation   int          `json:"deviation"`
	Magic       int64        `json:"magic"`
	Comment     string       `json:"comment"`
	TypeTime    int          `json:"type_time"`
	TypeFilling *FillingMode `json:"type_filling,omitempty"`
	Position    int64        `json:"position,omitempty"`
}

// OrderResult is the terminal's answer to one order_send call.
type OrderResult struct {
	Retcode   int     `json:"retcode"`
	Deal      int64   `json:"deal"`
	Order     int64   `json:"order"`
	Volume    float64 `json:"volume"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Comment   string  `json:"comment"`
	RequestID int64   `json:"request_id"`
}

// Position is an open position on the authenticated login.
type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Type         OrderSide `json:"type"`
	Volume       float64   `json:"volume"`
	PriceOpen    float64   `json:"price_open"`
	PriceCurrent float64   `json:"price_current"`
	SL           float64   `json:"sl"`
	TP           float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	Swap         float64   `json:"swap"`
	Magic        int64     `json:"magic"`
	Comment      string    `json:"comment,omitempty"`
	Time         time.Time `json:"time"`
}

// PositionFilter narrows a positions query. Zero values match everything.
type PositionFilter struct {
	Symbol string
	Ticket int64
}

// Deal is one entry from the terminal's trade history.
type Deal struct {
	Ticket     int64     `json:"ticket"`
	Order      int64     `json:"order"`
	PositionID int64     `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Type       int       `json:"type"`
	Entry      int       `json:"entry"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment,omitempty"`
	Time       time.Time `json:"time"`
}

// TradeRequest is a market order as submitted by an API caller.
type TradeRequest struct {
	Symbol     string
	Side       OrderSide
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
}

// TradeReceipt describes an executed order.
type TradeReceipt struct {
	Ticket  int64       `json:"ticket"`
	Symbol  string      `json:"symbol"`
	Side    string      `json:"order_type"`
	Volume  float64     `json:"volume"`
	Price   float64     `json:"price"`
	Retcode int         `json:"retcode"`
	Comment string      `json:"comment"`
	Filling FillingMode `json:"-"`
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

// Exit reasons recorded in the trade journal.
const (
	ExitManual     = "MANUAL_CLOSE"
	ExitStopLoss   = "STOP_LOSS"
	ExitTakeProfit = "TAKE_PROFIT"
)

// JournalEntry records a closed trade.
type JournalEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AccountID    string    `json:"account_id"`
	StrategyID   string    `json:"strategy_id"`
	DeploymentID string    `json:"deployment_id"`
	TradeType    string    `json:"trade_type"`
	Symbol       string    `json:"symbol"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	StopLoss     float64   `json:"stop_loss,omitempty"`
	TakeProfit   float64   `json:"take_profit,omitempty"`
	PositionSize float64   `json:"position_size"`
	PnL          float64   `json:"pnl"`
	PnLPercent   float64   `json:"pnl_percent"`
	Status       string    `json:"status"`
	EntryTime    time.Time `json:"entry_time"`
	ExitTime     time.Time `json:"exit_time"`
	ExitReason   string    `json:"exit_reason"`
	Ticket       int64     `json:"mt5_ticket"`
}
