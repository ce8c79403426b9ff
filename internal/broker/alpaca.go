package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"mt5bridge/internal/domain"
)

// Compile-time interface check. AlpacaTerminal deliberately does not
// implement Authenticator: the API key decides the account.
var _ Terminal = (*AlpacaTerminal)(nil)

// AlpacaTerminal maps the terminal contract onto the Alpaca REST API so the
// bridge can trade US equities with the same engine.
type AlpacaTerminal struct {
	client *alpaca.Client
	data   *marketdata.Client
	server string

	mu       sync.Mutex
	lastCode int
	lastMsg  string
}

// NewAlpacaTerminal creates an AlpacaTerminal. An empty baseURL or dataURL
// keeps the SDK default.
func NewAlpacaTerminal(apiKey, apiSecret, baseURL, dataURL string) *AlpacaTerminal {
	opts := alpaca.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	dopts := marketdata.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if dataURL != "" {
		dopts.BaseURL = dataURL
	}
	server := "Alpaca-Live"
	if strings.Contains(baseURL, "paper") {
		server = "Alpaca-Paper"
	}
	return &AlpacaTerminal{
		client: alpaca.NewClient(opts),
		data:   marketdata.NewClient(dopts),
		server: server,
	}
}

// Name returns "alpaca".
func (t *AlpacaTerminal) Name() string {
	return "alpaca"
}

func (t *AlpacaTerminal) fail(err error) error {
	t.mu.Lock()
	t.lastCode, t.lastMsg = -1, err.Error()
	t.mu.Unlock()
	return err
}

// AccountInfo implements Terminal.
func (t *AlpacaTerminal) AccountInfo(_ context.Context) (*domain.AccountInfo, error) {
	acct, err := t.client.GetAccount()
	if err != nil {
		return nil, t.fail(fmt.Errorf("getting account: %w", err))
	}
	equity := acct.Equity.InexactFloat64()
	cash := acct.Cash.InexactFloat64()
	login, _ := strconv.ParseInt(strings.TrimLeft(acct.AccountNumber, "PA"), 10, 64)
	return &domain.AccountInfo{
		Login:        login,
		Server:       t.server,
		Name:         acct.AccountNumber,
		Company:      "Alpaca Securities",
		Currency:     acct.Currency,
		Balance:      cash,
		Equity:       equity,
		MarginFree:   acct.BuyingPower.InexactFloat64(),
		Profit:       equity - acct.LastEquity.InexactFloat64(),
		Leverage:     acct.Multiplier.IntPart(),
		TradeAllowed: !acct.TradingBlocked,
	}, nil
}

// SymbolInfo implements Terminal.
func (t *AlpacaTerminal) SymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	asset, err := t.client.GetAsset(strings.ToUpper(symbol))
	if err != nil {
		return nil, nil
	}
	si := &domain.SymbolInfo{
		Name:        asset.Symbol,
		Description: asset.Name,
		Visible:     asset.Tradable,
		Digits:      2,
		Point:       0.01,
		VolumeMin:   1,
		VolumeMax:   1e6,
		VolumeStep:  1,
	}
	if asset.Fractionable {
		si.VolumeMin, si.VolumeStep = 0.001, 0.001
	}
	if tick, _ := t.SymbolTick(ctx, symbol); tick != nil {
		si.Bid, si.Ask = tick.Bid, tick.Ask
	}
	// Alpaca accepts every time-in-force for market orders, so no filling
	// mask is reported and the caller probes.
	return si, nil
}

// SymbolSelect implements Terminal. Every tradable asset is always visible.
func (t *AlpacaTerminal) SymbolSelect(_ context.Context, _ string, _ bool) (bool, error) {
	return true, nil
}

// SymbolTick implements Terminal.
func (t *AlpacaTerminal) SymbolTick(_ context.Context, symbol string) (*domain.Tick, error) {
	q, err := t.data.GetLatestQuote(strings.ToUpper(symbol), marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, t.fail(fmt.Errorf("latest quote %s: %w", symbol, err))
	}
	if q == nil {
		return nil, nil
	}
	return &domain.Tick{Time: q.Timestamp, Bid: q.BidPrice, Ask: q.AskPrice, Last: q.BidPrice}, nil
}

// timeInForce maps a filling mode onto Alpaca's nearest time-in-force.
func timeInForce(mode *domain.FillingMode) alpaca.TimeInForce {
	if mode == nil {
		return alpaca.Day
	}
	switch *mode {
	case domain.FillingFOK:
		return alpaca.FOK
	case domain.FillingIOC:
		return alpaca.IOC
	}
	return alpaca.GTC
}

// OrderSend implements Terminal. Closing requests resolve the position ticket
// back to its symbol and send an opposite market order.
func (t *AlpacaTerminal) OrderSend(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	symbol := strings.ToUpper(req.Symbol)
	if req.Position != 0 {
		positions, err := t.Positions(ctx, domain.PositionFilter{Ticket: req.Position})
		if err != nil {
			return nil, err
		}
		if len(positions) == 0 {
			return &domain.OrderResult{Retcode: retcodeInvalid, Comment: "position not found"}, nil
		}
		symbol = positions[0].Symbol
	}

	qty := decimal.NewFromFloat(req.Volume)
	side := alpaca.Buy
	if req.Type == domain.OrderSell {
		side = alpaca.Sell
	}
	por := alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: timeInForce(req.TypeFilling),
	}
	if req.Position == 0 && (req.SL > 0 || req.TP > 0) {
		por.OrderClass = alpaca.Bracket
		if req.SL > 0 {
			sl := decimal.NewFromFloat(req.SL)
			por.StopLoss = &alpaca.StopLoss{StopPrice: &sl}
		}
		if req.TP > 0 {
			tp := decimal.NewFromFloat(req.TP)
			por.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
		}
	}

	order, err := t.client.PlaceOrder(por)
	if err != nil {
		msg := t.fail(err).Error()
		switch {
		case strings.Contains(msg, "time_in_force"):
			return &domain.OrderResult{Retcode: domain.RetcodeInvalidFill, Comment: msg}, nil
		case strings.Contains(msg, "trading") && strings.Contains(msg, "blocked"):
			return &domain.OrderResult{Retcode: domain.RetcodeClientDisablesAT, Comment: msg}, nil
		case strings.Contains(msg, "status code"):
			return &domain.OrderResult{Retcode: 10006, Comment: msg}, nil
		}
		return nil, fmt.Errorf("placing order: %w", err)
	}

	price := req.Price
	if order.FilledAvgPrice != nil {
		price = order.FilledAvgPrice.InexactFloat64()
	}
	ticket := ticketOf(order.ID)
	return &domain.OrderResult{
		Retcode: domain.RetcodeDone,
		Deal:    ticket,
		Order:   ticket,
		Volume:  req.Volume,
		Price:   price,
		Comment: string(order.Status),
	}, nil
}

// Positions implements Terminal. Tickets are derived from the symbol since
// Alpaca holds at most one position per asset.
func (t *AlpacaTerminal) Positions(_ context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	raw, err := t.client.GetPositions()
	if err != nil {
		return nil, t.fail(fmt.Errorf("getting positions: %w", err))
	}
	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		pos := domain.Position{
			Ticket:    ticketOf(p.Symbol),
			Symbol:    p.Symbol,
			Type:      domain.OrderBuy,
			Volume:    p.Qty.Abs().InexactFloat64(),
			PriceOpen: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.Side == "short" {
			pos.Type = domain.OrderSell
		}
		if p.CurrentPrice != nil {
			pos.PriceCurrent = p.CurrentPrice.InexactFloat64()
		}
		if p.UnrealizedPL != nil {
			pos.Profit = p.UnrealizedPL.InexactFloat64()
		}
		if filter.Ticket != 0 && pos.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(pos.Symbol, filter.Symbol) {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

func ticketOf(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() >> 1)
}

func alpacaTimeFrame(tf domain.Timeframe) marketdata.TimeFrame {
	switch tf {
	case domain.TimeframeM1:
		return marketdata.NewTimeFrame(1, marketdata.Min)
	case domain.TimeframeM5:
		return marketdata.NewTimeFrame(5, marketdata.Min)
	case domain.TimeframeM15:
		return marketdata.NewTimeFrame(15, marketdata.Min)
	case domain.TimeframeM30:
		return marketdata.NewTimeFrame(30, marketdata.Min)
	case domain.TimeframeH4:
		return marketdata.NewTimeFrame(4, marketdata.Hour)
	case domain.TimeframeD1:
		return marketdata.OneDay
	case domain.TimeframeW1:
		return marketdata.NewTimeFrame(1, marketdata.Week)
	case domain.TimeframeMN1:
		return marketdata.NewTimeFrame(1, marketdata.Month)
	}
	return marketdata.OneHour
}

func (t *AlpacaTerminal) bars(symbol string, tf domain.Timeframe, req marketdata.GetBarsRequest) ([]domain.Bar, error) {
	req.TimeFrame = alpacaTimeFrame(tf)
	raw, err := t.data.GetBars(strings.ToUpper(symbol), req)
	if err != nil {
		return nil, t.fail(fmt.Errorf("GetBars %s: %w", symbol, err))
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, domain.Bar{
			Time:       b.Timestamp,
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			TickVolume: int64(b.TradeCount),
			RealVolume: int64(b.Volume),
		})
	}
	return bars, nil
}

// RatesFromPos implements Terminal by fetching enough history to cover
// start+count bars and trimming the tail.
func (t *AlpacaTerminal) RatesFromPos(_ context.Context, symbol string, tf domain.Timeframe, start, count int) ([]domain.Bar, error) {
	need := start + count
	// Sessions are shorter than the calendar, so look back further.
	lookback := time.Duration(need*3) * tf.Duration()
	bars, err := t.bars(symbol, tf, marketdata.GetBarsRequest{
		Start: time.Now().Add(-lookback),
		End:   time.Now(),
	})
	if err != nil {
		return nil, err
	}
	end := len(bars) - start
	if end <= 0 {
		return []domain.Bar{}, nil
	}
	begin := end - count
	if begin < 0 {
		begin = 0
	}
	return bars[begin:end], nil
}

// RatesRange implements Terminal.
func (t *AlpacaTerminal) RatesRange(_ context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	return t.bars(symbol, tf, marketdata.GetBarsRequest{Start: from, End: to})
}

// Symbols implements Terminal.
func (t *AlpacaTerminal) Symbols(_ context.Context) ([]domain.SymbolInfo, error) {
	assets, err := t.client.GetAssets(alpaca.GetAssetsRequest{Status: "active", AssetClass: "us_equity"})
	if err != nil {
		return nil, t.fail(fmt.Errorf("listing assets: %w", err))
	}
	out := make([]domain.SymbolInfo, 0, len(assets))
	for _, a := range assets {
		if !a.Tradable {
			continue
		}
		out = append(out, domain.SymbolInfo{Name: a.Symbol, Description: a.Name, Visible: true, Digits: 2})
	}
	return out, nil
}

// HistoryDeals implements Terminal with filled orders in [from, to].
func (t *AlpacaTerminal) HistoryDeals(_ context.Context, from, to time.Time) ([]domain.Deal, error) {
	orders, err := t.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "closed",
		After:  from,
		Until:  to,
		Limit:  500,
	})
	if err != nil {
		return nil, t.fail(fmt.Errorf("listing orders: %w", err))
	}
	var deals []domain.Deal
	for _, o := range orders {
		if o.FilledAt == nil || o.FilledAvgPrice == nil {
			continue
		}
		typ := int(domain.OrderBuy)
		if o.Side == alpaca.Sell {
			typ = int(domain.OrderSell)
		}
		deals = append(deals, domain.Deal{
			Ticket:     ticketOf(o.ID),
			Order:      ticketOf(o.ID),
			PositionID: ticketOf(o.Symbol),
			Symbol:     o.Symbol,
			Type:       typ,
			Volume:     o.FilledQty.InexactFloat64(),
			Price:      o.FilledAvgPrice.InexactFloat64(),
			Time:       *o.FilledAt,
		})
	}
	return deals, nil
}

// LastError implements Terminal.
func (t *AlpacaTerminal) LastError(_ context.Context) (int, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastMsg == "" {
		return 1, "Success", nil
	}
	return t.lastCode, t.lastMsg, nil
}
