// Package engine places and closes orders on the terminal. It owns the
// filling-mode negotiation, pre-trade checks and trade journaling.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/metrics"
)

// Journal records closed trades.
type Journal interface {
	RecordTrade(ctx context.Context, entry *domain.JournalEntry) error
}

// Config holds the fixed request fields stamped on every order.
type Config struct {
	Deviation int
	Magic     int64
	Comment   string
}

const closeComment = "Close Position"

// Engine executes trades against a terminal. Callers are responsible for
// making sure the terminal is logged in as the intended account.
type Engine struct {
	term    broker.Terminal
	risk    *RiskManager
	journal Journal
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine. journal may be nil.
func NewEngine(term broker.Terminal, risk *RiskManager, journal Journal, cfg Config, log *slog.Logger) *Engine {
	if risk == nil {
		risk = NewRiskManager(0)
	}
	return &Engine{
		term:    term,
		risk:    risk,
		journal: journal,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// ---------------------------------------------------------------------------
// Opening
// ---------------------------------------------------------------------------

// PlaceOrder validates and submits a market order.
func (e *Engine) PlaceOrder(ctx context.Context, req domain.TradeRequest) (*domain.TradeReceipt, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := e.risk.CheckOrder(req, nil); err != nil {
		return nil, err
	}

	si, err := e.term.SymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info %s: %w", req.Symbol, err)
	}
	if si == nil {
		return nil, domain.Invalidf("Symbol %s not found", req.Symbol)
	}
	if !si.Visible {
		ok, err := e.term.SymbolSelect(ctx, req.Symbol, true)
		if err != nil {
			return nil, fmt.Errorf("selecting %s: %w", req.Symbol, err)
		}
		if !ok {
			return nil, domain.Invalidf("Failed to select symbol %s", req.Symbol)
		}
	}
	if err := e.risk.CheckOrder(req, si); err != nil {
		return nil, err
	}

	price := req.Price
	if price <= 0 {
		tick, err := e.term.SymbolTick(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("tick %s: %w", req.Symbol, err)
		}
		if tick == nil {
			return nil, domain.Invalidf("Failed to get price for %s", req.Symbol)
		}
		price = tick.Ask
		if req.Side == domain.OrderSell {
			price = tick.Bid
		}
	}
	if err := e.risk.CheckStops(req.Side, price, req.StopLoss, req.TakeProfit); err != nil {
		return nil, err
	}

	build := func(domain.FillingMode) domain.OrderRequest {
		return domain.OrderRequest{
			Action:    domain.TradeActionDeal,
			Symbol:    req.Symbol,
			Volume:    req.Volume,
			Type:      req.Side,
			Price:     price,
			SL:        req.StopLoss,
			TP:        req.TakeProfit,
			Deviation: e.cfg.Deviation,
			Magic:     e.cfg.Magic,
			Comment:   e.cfg.Comment,
			TypeTime:  domain.OrderTimeGTC,
		}
	}

	res, mode, err := Submit(ctx, e.log, "order", Candidates(si.FillingMask), build, e.term.OrderSend)
	if err != nil {
		metrics.Orders.WithLabelValues("order", "error").Inc()
		return nil, err
	}
	metrics.Orders.WithLabelValues("order", "filled").Inc()

	return &domain.TradeReceipt{
		Ticket:  res.Order,
		Symbol:  req.Symbol,
		Side:    strings.ToLower(req.Side.String()),
		Volume:  res.Volume,
		Price:   res.Price,
		Retcode: res.Retcode,
		Comment: res.Comment,
		Filling: mode,
	}, nil
}

// ---------------------------------------------------------------------------
// Closing
// ---------------------------------------------------------------------------

// CloseRequest identifies the position to close and who closed it.
type CloseRequest struct {
	Ticket    int64
	UserID    string
	AccountID string
}

// CloseReceipt describes a closed position.
type CloseReceipt struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
	Retcode    int     `json:"retcode"`
	Comment    string  `json:"comment"`
}

// ClosePosition closes an open position with an opposite market order and
// journals the trade. Journal failures are logged and never fail the close.
func (e *Engine) ClosePosition(ctx context.Context, req CloseRequest) (*CloseReceipt, error) {
	positions, err := e.term.Positions(ctx, domain.PositionFilter{Ticket: req.Ticket})
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %d: %w", req.Ticket, domain.ErrNotFound)
	}
	pos := positions[0]
	side := pos.Type.Opposite()

	tick, err := e.term.SymbolTick(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", pos.Symbol, err)
	}
	if tick == nil {
		return nil, domain.Invalidf("Failed to get price for %s", pos.Symbol)
	}
	price := tick.Ask
	if side == domain.OrderSell {
		price = tick.Bid
	}

	var mask *int
	if si, err := e.term.SymbolInfo(ctx, pos.Symbol); err == nil && si != nil {
		mask = si.FillingMask
	}

	build := func(domain.FillingMode) domain.OrderRequest {
		return domain.OrderRequest{
			Action:    domain.TradeActionDeal,
			Symbol:    pos.Symbol,
			Volume:    pos.Volume,
			Type:      side,
			Position:  pos.Ticket,
			Price:     price,
			Deviation: e.cfg.Deviation,
			Magic:     pos.Magic,
			Comment:   closeComment,
			TypeTime:  domain.OrderTimeGTC,
		}
	}

	res, _, err := Submit(ctx, e.log, "close", Candidates(mask), build, e.term.OrderSend)
	if err != nil {
		metrics.Orders.WithLabelValues("close", "error").Inc()
		return nil, err
	}
	metrics.Orders.WithLabelValues("close", "filled").Inc()

	exit := res.Price
	if exit == 0 {
		exit = price
	}
	e.recordClose(ctx, req, pos, exit)

	return &CloseReceipt{
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Volume:     pos.Volume,
		ClosePrice: exit,
		Profit:     pos.Profit,
		Retcode:    res.Retcode,
		Comment:    res.Comment,
	}, nil
}

func (e *Engine) recordClose(ctx context.Context, req CloseRequest, pos domain.Position, exit float64) {
	if e.journal == nil || req.UserID == "" {
		return
	}
	entry := NewJournalEntry(req.UserID, req.AccountID, pos, exit, e.now().UTC())
	if err := e.journal.RecordTrade(ctx, entry); err != nil {
		e.log.Warn("journaling closed trade", "ticket", pos.Ticket, "error", err)
		return
	}
	e.log.Info("trade journaled", "ticket", pos.Ticket, "pnl", entry.PnL, "exit_reason", entry.ExitReason)
}

// NewJournalEntry builds the journal record for a position closed at exit.
func NewJournalEntry(userID, accountID string, pos domain.Position, exit float64, at time.Time) *domain.JournalEntry {
	var pct float64
	if pos.PriceOpen > 0 && pos.Volume > 0 {
		diff := exit - pos.PriceOpen
		if pos.Type == domain.OrderSell {
			diff = -diff
		}
		pct = diff / pos.PriceOpen * 100
	}
	return &domain.JournalEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		AccountID:    accountID,
		StrategyID:   "manual_trade",
		DeploymentID: "mt5_manual",
		TradeType:    pos.Type.String(),
		Symbol:       pos.Symbol,
		EntryPrice:   pos.PriceOpen,
		ExitPrice:    exit,
		StopLoss:     pos.SL,
		TakeProfit:   pos.TP,
		PositionSize: pos.Volume,
		PnL:          pos.Profit,
		PnLPercent:   pct,
		Status:       "CLOSED",
		EntryTime:    pos.Time,
		ExitTime:     at,
		ExitReason:   exitReason(pos, exit),
		Ticket:       pos.Ticket,
	}
}

// exitReason infers why a position closed from where the exit price landed
// relative to its stops. Stops sit on opposite sides for buys and sells.
func exitReason(pos domain.Position, exit float64) string {
	if pos.Type == domain.OrderSell {
		switch {
		case pos.SL > 0 && exit >= pos.SL:
			return domain.ExitStopLoss
		case pos.TP > 0 && exit <= pos.TP:
			return domain.ExitTakeProfit
		}
		return domain.ExitManual
	}
	switch {
	case pos.SL > 0 && exit <= pos.SL:
		return domain.ExitStopLoss
	case pos.TP > 0 && exit >= pos.TP:
		return domain.ExitTakeProfit
	}
	return domain.ExitManual
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Positions returns the open positions of the authenticated login.
func (e *Engine) Positions(ctx context.Context) ([]domain.Position, error) {
	positions, err := e.term.Positions(ctx, domain.PositionFilter{})
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if positions == nil {
		return []domain.Position{}, nil
	}
	return positions, nil
}

// History returns deals executed within [from, to].
func (e *Engine) History(ctx context.Context, from, to time.Time) ([]domain.Deal, error) {
	if to.Before(from) {
		return nil, domain.Invalidf("history range end is before start")
	}
	deals, err := e.term.HistoryDeals(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("history deals: %w", err)
	}
	if deals == nil {
		return []domain.Deal{}, nil
	}
	return deals, nil
}
