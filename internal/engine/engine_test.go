package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
)

type memJournal struct {
	entries []*domain.JournalEntry
	err     error
}

func (j *memJournal) RecordTrade(_ context.Context, e *domain.JournalEntry) error {
	if j.err != nil {
		return j.err
	}
	j.entries = append(j.entries, e)
	return nil
}

func newEngineFixture(t *testing.T, accepts ...domain.FillingMode) (*Engine, *broker.Simulator, *memJournal) {
	t.Helper()
	sim := broker.NewSimulator()
	sim.AddAccount(7001, "pw", "Broker-Demo", 10000)
	sim.AddSymbol(domain.SymbolInfo{
		Name: "EURUSD", Visible: false, Bid: 1.0850, Ask: 1.0852,
		VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01, FillingMask: intPtr(2),
	}, accepts...)
	if ok, _ := sim.Login(context.Background(), 7001, "pw", "Broker-Demo"); !ok {
		t.Fatal("simulator login failed")
	}
	j := &memJournal{}
	e := NewEngine(sim, NewRiskManager(10), j, Config{Deviation: 10, Magic: 123456, Comment: "API Trade"}, discard)
	return e, sim, j
}

func TestNewEngine(t *testing.T) {
	e := NewEngine(nil, nil, nil, Config{}, discard)
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
	if e.risk == nil {
		t.Error("NewEngine should install a default RiskManager")
	}
}

func TestPlaceOrderBuyUsesAsk(t *testing.T) {
	e, sim, _ := newEngineFixture(t)
	receipt, err := e.PlaceOrder(context.Background(), domain.TradeRequest{
		Symbol: "eurusd", Side: domain.OrderBuy, Volume: 0.1, StopLoss: 1.08, TakeProfit: 1.09,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if receipt.Price != 1.0852 {
		t.Errorf("Price = %v, want 1.0852", receipt.Price)
	}
	if receipt.Symbol != "EURUSD" || receipt.Side != "buy" {
		t.Errorf("receipt = %+v", receipt)
	}
	if receipt.Filling != domain.FillingReturn {
		t.Errorf("Filling = %v, want RETURN from mask 2", receipt.Filling)
	}
	positions, _ := sim.Positions(context.Background(), domain.PositionFilter{})
	if len(positions) != 1 || positions[0].Magic != 123456 || positions[0].SL != 1.08 {
		t.Errorf("positions = %+v", positions)
	}
}

func TestPlaceOrderNegotiatesFilling(t *testing.T) {
	e, sim, _ := newEngineFixture(t, domain.FillingFOK)
	receipt, err := e.PlaceOrder(context.Background(), domain.TradeRequest{
		Symbol: "EURUSD", Side: domain.OrderSell, Volume: 0.2,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if receipt.Filling != domain.FillingFOK {
		t.Errorf("Filling = %v, want FOK", receipt.Filling)
	}
	if receipt.Price != 1.0850 {
		t.Errorf("Price = %v, want bid 1.0850", receipt.Price)
	}
	// RETURN, AUTO, IOC, FOK
	if sim.OrderCount() != 4 {
		t.Errorf("order_send calls = %d, want 4", sim.OrderCount())
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	e, sim, _ := newEngineFixture(t)
	tests := []domain.TradeRequest{
		{Symbol: "EURUSD", Side: domain.OrderBuy, Volume: 0},
		{Symbol: "EURUSD", Side: domain.OrderBuy, Volume: 11},
		{Symbol: "EURUSD", Side: domain.OrderBuy, Volume: 0.015},
		{Symbol: "EURUSD", Side: domain.OrderBuy, Volume: 0.1, StopLoss: 1.2},
		{Symbol: "EURUSD", Side: domain.OrderSell, Volume: 0.1, TakeProfit: 1.2},
		{Symbol: "NOPE", Side: domain.OrderBuy, Volume: 0.1},
		{Symbol: "", Side: domain.OrderBuy, Volume: 0.1},
	}
	for _, req := range tests {
		_, err := e.PlaceOrder(context.Background(), req)
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("PlaceOrder(%+v) error = %v, want ErrInvalidArgument", req, err)
		}
	}
	if sim.OrderCount() != 0 {
		t.Errorf("order_send calls = %d, want 0", sim.OrderCount())
	}
}

func TestPlaceOrderMarketClosed(t *testing.T) {
	e, sim, _ := newEngineFixture(t)
	sim.SetMarketClosed("EURUSD", true)
	_, err := e.PlaceOrder(context.Background(), domain.TradeRequest{Symbol: "EURUSD", Side: domain.OrderBuy, Volume: 0.1})
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Retcode != 10018 {
		t.Fatalf("error = %v, want market closed rejection", err)
	}
	if sim.OrderCount() != 1 {
		t.Errorf("order_send calls = %d, want 1", sim.OrderCount())
	}
}

func TestClosePositionJournals(t *testing.T) {
	e, sim, j := newEngineFixture(t)
	ctx := context.Background()
	receipt, err := e.PlaceOrder(ctx, domain.TradeRequest{Symbol: "EURUSD", Side: domain.OrderBuy, Volume: 0.1})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	sim.SetQuote("EURUSD", 1.0900, 1.0902)

	closed, err := e.ClosePosition(ctx, CloseRequest{Ticket: receipt.Ticket, UserID: "user-1", AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closed.ClosePrice != 1.0900 {
		t.Errorf("ClosePrice = %v, want bid 1.0900", closed.ClosePrice)
	}
	if len(j.entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(j.entries))
	}
	entry := j.entries[0]
	if entry.Ticket != receipt.Ticket || entry.UserID != "user-1" || entry.Status != "CLOSED" {
		t.Errorf("journal entry = %+v", entry)
	}
	if entry.PnL <= 0 || entry.ExitReason != domain.ExitManual {
		t.Errorf("journal pnl/reason = %v/%s", entry.PnL, entry.ExitReason)
	}
}

func TestClosePositionJournalFailureIgnored(t *testing.T) {
	e, _, j := newEngineFixture(t)
	j.err = errors.New("database down")
	ctx := context.Background()
	receipt, _ := e.PlaceOrder(ctx, domain.TradeRequest{Symbol: "EURUSD", Side: domain.OrderSell, Volume: 0.1})

	if _, err := e.ClosePosition(ctx, CloseRequest{Ticket: receipt.Ticket, UserID: "u"}); err != nil {
		t.Fatalf("ClosePosition should not fail on journal error: %v", err)
	}
}

func TestClosePositionNotFound(t *testing.T) {
	e, _, _ := newEngineFixture(t)
	_, err := e.ClosePosition(context.Background(), CloseRequest{Ticket: 999})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestExitReason(t *testing.T) {
	tests := []struct {
		pos  domain.Position
		exit float64
		want string
	}{
		{domain.Position{Type: domain.OrderBuy, SL: 1.0, TP: 2.0}, 0.99, domain.ExitStopLoss},
		{domain.Position{Type: domain.OrderBuy, SL: 1.0, TP: 2.0}, 2.01, domain.ExitTakeProfit},
		{domain.Position{Type: domain.OrderBuy, SL: 1.0, TP: 2.0}, 1.5, domain.ExitManual},
		{domain.Position{Type: domain.OrderBuy}, 0.5, domain.ExitManual},
		{domain.Position{Type: domain.OrderSell, SL: 2.0, TP: 1.0}, 2.1, domain.ExitStopLoss},
		{domain.Position{Type: domain.OrderSell, SL: 2.0, TP: 1.0}, 0.9, domain.ExitTakeProfit},
	}
	for _, tt := range tests {
		if got := exitReason(tt.pos, tt.exit); got != tt.want {
			t.Errorf("exitReason(%+v, %v) = %s, want %s", tt.pos, tt.exit, got, tt.want)
		}
	}
}

func TestNewJournalEntryPercent(t *testing.T) {
	tests := []struct {
		side        domain.OrderSide
		open, exit  float64
		volume      float64
		profit      float64
		wantPercent float64
	}{
		{domain.OrderBuy, 100, 105, 2, 10, 5},
		{domain.OrderBuy, 100, 98, 2, -4, -2},
		// Profit is in account currency and must not affect the percentage.
		{domain.OrderSell, 1.10, 1.04, 1, 50, 5.4545},
		{domain.OrderSell, 1.00, 1.02, 1, -20, -2},
		{domain.OrderBuy, 100, 105, 0, 0, 0},
	}
	for _, tt := range tests {
		pos := domain.Position{Ticket: 1, Symbol: "X", Type: tt.side, PriceOpen: tt.open, Volume: tt.volume, Profit: tt.profit}
		e := NewJournalEntry("u", "a", pos, tt.exit, time.Now())
		if math.Abs(e.PnLPercent-tt.wantPercent) > 1e-3 {
			t.Errorf("%s %v -> %v: PnLPercent = %v, want %v", tt.side, tt.open, tt.exit, e.PnLPercent, tt.wantPercent)
		}
	}

	e := NewJournalEntry("u", "a", domain.Position{Ticket: 1, Symbol: "X", PriceOpen: 100, Volume: 2}, 105, time.Now())
	if e.ID == "" || e.StrategyID != "manual_trade" || e.DeploymentID != "mt5_manual" {
		t.Errorf("entry = %+v", e)
	}
}

func TestHistoryEmpty(t *testing.T) {
	e, _, _ := newEngineFixture(t)
	deals, err := e.History(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if deals == nil || len(deals) != 0 {
		t.Errorf("History = %v, want empty slice", deals)
	}
	if _, err := e.History(context.Background(), time.Now(), time.Now().Add(-time.Hour)); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("reversed range error = %v, want ErrInvalidArgument", err)
	}
}
