package httpapi

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"mt5bridge/internal/domain"
)

type rootResponse struct {
	Service  string `json:"service"`
	Version  string `json:"version"`
	Terminal string `json:"terminal"`
	Database bool   `json:"database_available"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"mt5_connected"`
	Terminal  string `json:"terminal"`
	Account   *int64 `json:"account"`
	Database  string `json:"database,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// connectRequest accepts the login as a JSON number or a numeric string.
type connectRequest struct {
	Login        json.RawMessage `json:"login"`
	Password     string          `json:"password"`
	Server       string          `json:"server"`
	Name         string          `json:"account_name"`
	Broker       string          `json:"broker"`
	Type         string          `json:"account_type"`
	SetAsDefault *bool           `json:"set_as_default"`
}

func parseLogin(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

type updateRequest struct {
	Name      *string `json:"account_name"`
	Broker    *string `json:"broker"`
	Type      *string `json:"account_type"`
	IsDefault *bool   `json:"is_default"`
}

type accountListResponse struct {
	Accounts []domain.TradingAccount `json:"accounts"`
}

type switchResponse struct {
	Success     bool                   `json:"success"`
	Account     *domain.TradingAccount `json:"account"`
	AccountInfo *accountInfoJSON       `json:"account_info,omitempty"`
}

type accountInfoJSON struct {
	Login       int64   `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Profit      float64 `json:"profit"`
	Server      string  `json:"server"`
	Currency    string  `json:"currency"`
	Leverage    int64   `json:"leverage"`
	Company     string  `json:"company"`
}

func toAccountInfoJSON(info *domain.AccountInfo) *accountInfoJSON {
	if info == nil {
		return nil
	}
	return &accountInfoJSON{
		Login:       info.Login,
		Balance:     info.Balance,
		Equity:      info.Equity,
		Margin:      info.Margin,
		FreeMargin:  info.MarginFree,
		MarginLevel: info.MarginLevel,
		Profit:      info.Profit,
		Server:      info.Server,
		Currency:    info.Currency,
		Leverage:    info.Leverage,
		Company:     info.Company,
	}
}

type barJSON struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type barsResponse struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Count     int       `json:"count"`
	Data      []barJSON `json:"data"`
}

func toBarsResponse(symbol string, tf domain.Timeframe, bars []domain.Bar) barsResponse {
	data := make([]barJSON, len(bars))
	for i, b := range bars {
		data[i] = barJSON{
			Time:   b.Time.Unix(),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.TickVolume,
		}
	}
	return barsResponse{Symbol: symbol, Timeframe: tf.String(), Count: len(data), Data: data}
}

type symbolJSON struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Digits      int     `json:"digits"`
	Spread      int64   `json:"spread"`
	VolumeMin   float64 `json:"volume_min"`
	VolumeMax   float64 `json:"volume_max"`
	VolumeStep  float64 `json:"volume_step"`
}

type symbolsResponse struct {
	Symbols []symbolJSON `json:"symbols"`
}

type serversResponse struct {
	Servers []string `json:"servers"`
}

type tradeRequest struct {
	Symbol     string   `json:"symbol"`
	OrderType  string   `json:"order_type"`
	Volume     float64  `json:"volume"`
	Price      *float64 `json:"price"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

func (r tradeRequest) toDomain() (domain.TradeRequest, error) {
	side, ok := domain.ParseOrderSide(r.OrderType)
	if !ok {
		return domain.TradeRequest{}, domain.Invalidf("order_type must be buy or sell")
	}
	return domain.TradeRequest{
		Symbol:     r.Symbol,
		Side:       side,
		Volume:     r.Volume,
		Price:      deref(r.Price),
		StopLoss:   deref(r.StopLoss),
		TakeProfit: deref(r.TakeProfit),
	}, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

type tradeResponse struct {
	Success bool    `json:"success"`
	Ticket  int64   `json:"ticket"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	Symbol  string  `json:"symbol"`
	Type    string  `json:"type"`
	Filling string  `json:"filling_mode"`
}

type positionJSON struct {
	Ticket       int64    `json:"ticket"`
	Symbol       string   `json:"symbol"`
	Type         string   `json:"type"`
	Volume       float64  `json:"volume"`
	PriceOpen    float64  `json:"price_open"`
	PriceCurrent float64  `json:"price_current"`
	Profit       float64  `json:"profit"`
	SL           *float64 `json:"sl"`
	TP           *float64 `json:"tp"`
	Magic        int64    `json:"magic"`
}

func toPositionsJSON(positions []domain.Position) []positionJSON {
	out := make([]positionJSON, len(positions))
	for i, p := range positions {
		out[i] = positionJSON{
			Ticket:       p.Ticket,
			Symbol:       p.Symbol,
			Type:         strings.ToLower(p.Type.String()),
			Volume:       p.Volume,
			PriceOpen:    p.PriceOpen,
			PriceCurrent: p.PriceCurrent,
			Profit:       p.Profit,
			SL:           positive(p.SL),
			TP:           positive(p.TP),
			Magic:        p.Magic,
		}
	}
	return out
}

func positive(f float64) *float64 {
	if f <= 0 {
		return nil
	}
	return &f
}

type positionsResponse struct {
	Positions []positionJSON `json:"positions"`
}

type closeResponse struct {
	Success      bool    `json:"success"`
	ClosedTicket int64   `json:"closed_ticket"`
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Volume       float64 `json:"volume"`
	Profit       float64 `json:"profit"`
}

type historyResponse struct {
	From  time.Time     `json:"from"`
	To    time.Time     `json:"to"`
	Deals []domain.Deal `json:"deals"`
}

// streamMessage is pushed to websocket subscribers on every poll.
type streamMessage struct {
	Type        string                 `json:"type"`
	Account     *domain.TradingAccount `json:"account,omitempty"`
	AccountInfo *accountInfoJSON       `json:"account_info,omitempty"`
	Positions   []positionJSON         `json:"positions"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   int64                  `json:"timestamp"`
}
