package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mt5bridge/pkg/bridge"
)

// Styles.
var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	errorBarStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("3")) // black on yellow
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	symbolStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	gainStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	colHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	highlightBG    = lipgloss.Color("236")
)

// source is the part of the bridge client the console reads from.
type source interface {
	AccountInfo(ctx context.Context) (*bridge.AccountInfo, error)
	Positions(ctx context.Context) ([]bridge.Position, error)
	ClosePosition(ctx context.Context, ticket int64) (*bridge.Closed, error)
}

type tickMsg time.Time

type snapshotMsg struct {
	info      *bridge.AccountInfo
	positions []bridge.Position
	err       error
}

type closedMsg struct {
	closed *bridge.Closed
	err    error
}

type model struct {
	src      source
	interval time.Duration

	info      *bridge.AccountInfo
	positions []bridge.Position
	updated   time.Time
	status    string
	err       error
	selected  int
	confirm   int64 // ticket awaiting a second "c"

	viewport      viewport.Model
	ready         bool
	width, height int
}

func newModel(src source, interval time.Duration) model {
	return model{src: src, interval: interval}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) fetch() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		info, err := src.AccountInfo(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		positions, err := src.Positions(ctx)
		return snapshotMsg{info: info, positions: positions, err: err}
	}
}

func (m model) closePosition(ticket int64) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cl, err := src.ClosePosition(ctx, ticket)
		return closedMsg{closed: cl, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		if key != "c" {
			m.confirm = 0
		}
		switch key {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
			m.refresh()
			return m, nil
		case "down", "j":
			if m.selected < len(m.positions)-1 {
				m.selected++
			}
			m.refresh()
			return m, nil
		case "c":
			if len(m.positions) == 0 {
				return m, nil
			}
			ticket := m.positions[m.selected].Ticket
			if m.confirm != ticket {
				m.confirm = ticket
				m.status = fmt.Sprintf("press c again to close #%d", ticket)
				return m, nil
			}
			m.confirm = 0
			m.status = fmt.Sprintf("closing #%d...", ticket)
			return m, m.closePosition(ticket)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.info = msg.info
			m.positions = msg.positions
			m.updated = time.Now()
			if m.selected >= len(m.positions) {
				m.selected = max(len(m.positions)-1, 0)
			}
		}
		m.refresh()
		return m, nil

	case closedMsg:
		if msg.err != nil {
			m.status = "close failed: " + msg.err.Error()
			return m, nil
		}
		m.status = fmt.Sprintf("closed #%d %s @ %g profit %.2f",
			msg.closed.ClosedTicket, msg.closed.Symbol, msg.closed.Price, msg.closed.Profit)
		return m, m.fetch()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) refresh() {
	if m.ready {
		m.viewport.SetContent(renderPositions(m.positions, m.selected, m.width))
	}
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var header string
	switch {
	case m.err != nil:
		header = errorBarStyle.Render(padOrTrunc(" "+m.err.Error(), m.width))
	case m.info == nil:
		header = headerStyle.Render(padOrTrunc(" connecting...", m.width))
	default:
		text := fmt.Sprintf(" %d@%s    balance %.2f  equity %.2f  margin %.2f  free %.2f  P/L %+.2f %s    %s ",
			m.info.Login, m.info.Server, m.info.Balance, m.info.Equity, m.info.Margin,
			m.info.FreeMargin, m.info.Profit, m.info.Currency, m.updated.Format("15:04:05"))
		header = headerStyle.Render(padOrTrunc(text, m.width))
	}

	footerLeft := " q quit  r refresh  up/dn select  c close position"
	if m.status != "" {
		footerLeft += "    " + m.status
	}
	footer := footerStyle.Render(padOrTrunc(footerLeft, m.width))

	return header + "\n" + m.viewport.View() + "\n" + footer
}

// renderPositions lays out one row per position with the selected row
// highlighted.
func renderPositions(positions []bridge.Position, selected, width int) string {
	var b strings.Builder
	if len(positions) == 0 {
		b.WriteString(dimStyle.Render("  No open positions"))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(colHeaderStyle.Render(fmt.Sprintf("  %-10s %-10s %-5s %8s %12s %12s %10s %10s %10s",
		"TICKET", "SYMBOL", "SIDE", "VOLUME", "OPEN", "CURRENT", "SL", "TP", "PROFIT")))
	b.WriteString("\n")

	var total float64
	for i, p := range positions {
		total += p.Profit
		pl := gainStyle
		if p.Profit < 0 {
			pl = lossStyle
		}
		row := fmt.Sprintf("  %-10d %s %-5s %8.2f %12g %12g %10s %10s %s",
			p.Ticket,
			symbolStyle.Render(fmt.Sprintf("%-10s", p.Symbol)),
			p.Type, p.Volume, p.PriceOpen, p.PriceCurrent,
			optPrice(p.SL), optPrice(p.TP),
			pl.Render(fmt.Sprintf("%10.2f", p.Profit)))
		if i == selected {
			row = lipgloss.NewStyle().Background(highlightBG).Width(width).Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	pl := gainStyle
	if total < 0 {
		pl = lossStyle
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d open", len(positions))))
	b.WriteString("  ")
	b.WriteString(pl.Render(fmt.Sprintf("total %+.2f", total)))
	b.WriteString("\n")
	return b.String()
}

func optPrice(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *p)
}

func padOrTrunc(s string, width int) string {
	n := len(s)
	if n >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-n)
}
