package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"mt5bridge/pkg/bridge"
)

type fakeSource struct {
	positions []bridge.Position
	closed    []int64
}

func (f *fakeSource) AccountInfo(context.Context) (*bridge.AccountInfo, error) {
	return &bridge.AccountInfo{Login: 5001, Server: "Broker-Demo", Balance: 10000, Equity: 10012.5, Currency: "USD"}, nil
}

func (f *fakeSource) Positions(context.Context) ([]bridge.Position, error) {
	return f.positions, nil
}

func (f *fakeSource) ClosePosition(_ context.Context, ticket int64) (*bridge.Closed, error) {
	f.closed = append(f.closed, ticket)
	return &bridge.Closed{Success: true, ClosedTicket: ticket, Symbol: "EURUSD", Price: 1.1, Profit: 12.5}, nil
}

func sized(t *testing.T, m model) model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 20})
	return next.(model)
}

func TestSnapshotRendersHeader(t *testing.T) {
	src := &fakeSource{positions: []bridge.Position{
		{Ticket: 100001, Symbol: "EURUSD", Type: "buy", Volume: 0.1, PriceOpen: 1.085, PriceCurrent: 1.086, Profit: 10},
	}}
	m := sized(t, newModel(src, time.Second))

	msg := m.fetch()()
	next, _ := m.Update(msg)
	m = next.(model)

	view := m.View()
	if !strings.Contains(view, "5001@Broker-Demo") {
		t.Errorf("view missing account header:\n%s", view)
	}
	if !strings.Contains(view, "100001") {
		t.Errorf("view missing position row:\n%s", view)
	}
}

func TestSnapshotError(t *testing.T) {
	m := sized(t, newModel(&fakeSource{}, time.Second))
	next, _ := m.Update(snapshotMsg{err: errors.New("bridge: 503 MT5 terminal not connected")})
	m = next.(model)
	if !strings.Contains(m.View(), "503") {
		t.Errorf("view should show the error:\n%s", m.View())
	}
}

func TestCloseNeedsConfirmation(t *testing.T) {
	src := &fakeSource{positions: []bridge.Position{
		{Ticket: 1, Symbol: "EURUSD", Type: "buy", Volume: 0.1},
		{Ticket: 2, Symbol: "GBPUSD", Type: "sell", Volume: 0.2},
	}}
	m := sized(t, newModel(src, time.Second))
	next, _ := m.Update(m.fetch()())
	m = next.(model)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(model)
	if m.selected != 1 {
		t.Fatalf("selected = %d, want 1", m.selected)
	}

	c := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")}
	next, cmd := m.Update(c)
	m = next.(model)
	if cmd != nil {
		t.Fatal("first c should only ask for confirmation")
	}
	if m.confirm != 2 {
		t.Errorf("confirm = %d, want 2", m.confirm)
	}

	next, cmd = m.Update(c)
	m = next.(model)
	if cmd == nil {
		t.Fatal("second c should close the position")
	}
	next, _ = m.Update(cmd())
	m = next.(model)
	if len(src.closed) != 1 || src.closed[0] != 2 {
		t.Errorf("closed = %v, want [2]", src.closed)
	}
	if !strings.Contains(m.status, "closed #2") {
		t.Errorf("status = %q", m.status)
	}
}

func TestRenderPositionsEmpty(t *testing.T) {
	if got := renderPositions(nil, 0, 80); !strings.Contains(got, "No open positions") {
		t.Errorf("renderPositions(nil) = %q", got)
	}
}

func TestPadOrTrunc(t *testing.T) {
	if got := padOrTrunc("abc", 5); got != "abc  " {
		t.Errorf("padOrTrunc pad = %q", got)
	}
	if got := padOrTrunc("abcdef", 3); got != "abc" {
		t.Errorf("padOrTrunc trunc = %q", got)
	}
}
