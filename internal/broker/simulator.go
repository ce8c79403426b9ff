package broker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mt5bridge/internal/domain"
)

// Compile-time interface checks.
var (
	_ Terminal      = (*Simulator)(nil)
	_ Authenticator = (*Simulator)(nil)
)

// Terminal error codes reported by the simulator through LastError.
const (
	simErrNone        = 1
	simErrAuthFailed  = -6
	simErrNotLoggedIn = -10004
)

// Retcodes the simulator produces besides the ones the engine classifies.
const (
	retcodeInvalid      = 10013
	retcodeInvalidVol   = 10014
	retcodeMarketClosed = 10018
)

type simAccount struct {
	password  string
	info      domain.AccountInfo
	positions map[int64]*domain.Position
	deals     []domain.Deal
}

// Simulator is an in-memory terminal used by tests and by cmd/terminal-sim.
// Orders fill immediately at the current quote.
type Simulator struct {
	mu         sync.Mutex
	accounts   map[int64]*simAccount
	current    int64
	symbols    map[string]*domain.SymbolInfo
	accepts    map[string][]domain.FillingMode
	closed     map[string]bool
	bars       map[string][]domain.Bar
	nextTicket int64
	errCode    int
	errMsg     string

	// ContractSize converts price moves into account currency.
	ContractSize float64

	// TradingDisabled makes every order fail with the autotrading retcode.
	TradingDisabled bool

	// LoginDelay is slept inside Login, widening race windows in tests.
	LoginDelay time.Duration

	// OrderHook, when set, answers order_send instead of the matching engine.
	OrderHook func(domain.OrderRequest) (*domain.OrderResult, error)

	logins   atomic.Int64
	orders   atomic.Int64
	inFlight atomic.Int64
	overlap  atomic.Bool
}

// NewSimulator creates an empty Simulator with nobody logged in.
func NewSimulator() *Simulator {
	return &Simulator{
		accounts:     make(map[int64]*simAccount),
		symbols:      make(map[string]*domain.SymbolInfo),
		accepts:      make(map[string][]domain.FillingMode),
		closed:       make(map[string]bool),
		bars:         make(map[string][]domain.Bar),
		nextTicket:   100000,
		errCode:      simErrNone,
		errMsg:       "Success",
		ContractSize: 100000,
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// AddAccount registers a login the simulator will accept.
func (s *Simulator) AddAccount(login int64, password, server string, balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[login] = &simAccount{
		password: password,
		info: domain.AccountInfo{
			Login:        login,
			Server:       server,
			Currency:     "USD",
			Balance:      balance,
			Equity:       balance,
			MarginFree:   balance,
			Leverage:     100,
			TradeAllowed: true,
		},
		positions: make(map[int64]*domain.Position),
	}
}

// AddSymbol registers an instrument. accepts lists the filling modes the
// venue takes; FillingAuto in the list means omitting type_filling is fine.
// An empty list accepts everything.
func (s *Simulator) AddSymbol(info domain.SymbolInfo, accepts ...domain.FillingMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si := info
	s.symbols[strings.ToUpper(info.Name)] = &si
	s.accepts[strings.ToUpper(info.Name)] = accepts
}

// SetQuote updates the bid and ask of a registered symbol.
func (s *Simulator) SetQuote(symbol string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if si, ok := s.symbols[strings.ToUpper(symbol)]; ok {
		si.Bid, si.Ask = bid, ask
	}
}

// SetMarketClosed makes orders for symbol fail with the market-closed retcode.
func (s *Simulator) SetMarketClosed(symbol string, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[strings.ToUpper(symbol)] = closed
}

// SetBars replaces the bar history of symbol. Bars must be oldest first.
func (s *Simulator) SetBars(symbol string, bars []domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[strings.ToUpper(symbol)] = append([]domain.Bar(nil), bars...)
}

// LoginCount returns the number of Login calls made so far.
func (s *Simulator) LoginCount() int { return int(s.logins.Load()) }

// OrderCount returns the number of OrderSend calls made so far.
func (s *Simulator) OrderCount() int { return int(s.orders.Load()) }

// Overlapped reports whether two session calls ever ran at the same time.
func (s *Simulator) Overlapped() bool { return s.overlap.Load() }

func (s *Simulator) enter() func() {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	return func() { s.inFlight.Add(-1) }
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// AccountInfo implements Terminal.
func (s *Simulator) AccountInfo(_ context.Context) (*domain.AccountInfo, error) {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[s.current]
	if !ok {
		s.setError(simErrNotLoggedIn, "Terminal: Authorization failed")
		return nil, nil
	}
	info := acct.info
	info.Equity = info.Balance + s.floatingProfitLocked(acct)
	info.Profit = info.Equity - info.Balance
	return &info, nil
}

// Login implements Authenticator.
func (s *Simulator) Login(ctx context.Context, login int64, password, server string) (bool, error) {
	defer s.enter()()
	s.logins.Add(1)
	if s.LoginDelay > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.LoginDelay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[login]
	if !ok || acct.password != password || !strings.EqualFold(acct.info.Server, server) {
		s.setError(simErrAuthFailed, "Terminal: Authorization failed")
		return false, nil
	}
	s.current = login
	s.setError(simErrNone, "Success")
	return true, nil
}

// LastError implements Terminal.
func (s *Simulator) LastError(_ context.Context) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCode, s.errMsg, nil
}

func (s *Simulator) setError(code int, msg string) {
	s.errCode, s.errMsg = code, msg
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// SymbolInfo implements Terminal.
func (s *Simulator) SymbolInfo(_ context.Context, symbol string) (*domain.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.symbols[strings.ToUpper(symbol)]
	if !ok {
		return nil, nil
	}
	out := *si
	return &out, nil
}

// SymbolSelect implements Terminal.
func (s *Simulator) SymbolSelect(_ context.Context, symbol string, enable bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.symbols[strings.ToUpper(symbol)]
	if !ok {
		return false, nil
	}
	si.Visible = enable
	return true, nil
}

// SymbolTick implements Terminal.
func (s *Simulator) SymbolTick(_ context.Context, symbol string) (*domain.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.symbols[strings.ToUpper(symbol)]
	if !ok {
		return nil, nil
	}
	return &domain.Tick{Time: time.Now().UTC(), Bid: si.Bid, Ask: si.Ask, Last: si.Bid}, nil
}

// Symbols implements Terminal.
func (s *Simulator) Symbols(_ context.Context) ([]domain.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SymbolInfo, 0, len(s.symbols))
	for _, si := range s.symbols {
		out = append(out, *si)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RatesFromPos implements Terminal.
func (s *Simulator) RatesFromPos(_ context.Context, symbol string, _ domain.Timeframe, start, count int) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars, ok := s.bars[strings.ToUpper(symbol)]
	if !ok {
		return nil, nil
	}
	end := len(bars) - start
	if end <= 0 {
		return []domain.Bar{}, nil
	}
	begin := end - count
	if begin < 0 {
		begin = 0
	}
	return append([]domain.Bar(nil), bars[begin:end]...), nil
}

// RatesRange implements Terminal.
func (s *Simulator) RatesRange(_ context.Context, symbol string, _ domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars, ok := s.bars[strings.ToUpper(symbol)]
	if !ok {
		return nil, nil
	}
	var out []domain.Bar
	for _, b := range bars {
		if !b.Time.Before(from) && !b.Time.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// OrderSend implements Terminal.
func (s *Simulator) OrderSend(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	s.orders.Add(1)
	if s.OrderHook != nil {
		return s.OrderHook(req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[s.current]
	if !ok {
		s.setError(simErrNotLoggedIn, "Terminal: Not logged in")
		return nil, nil
	}
	if s.TradingDisabled {
		return &domain.OrderResult{Retcode: domain.RetcodeClientDisablesAT, Comment: "AutoTrading disabled by client"}, nil
	}
	key := strings.ToUpper(req.Symbol)
	si, ok := s.symbols[key]
	if !ok {
		return &domain.OrderResult{Retcode: retcodeInvalid, Comment: "Invalid request"}, nil
	}
	if s.closed[key] {
		return &domain.OrderResult{Retcode: retcodeMarketClosed, Comment: "Market closed"}, nil
	}
	if !s.acceptsLocked(key, req.TypeFilling) {
		return &domain.OrderResult{Retcode: domain.RetcodeInvalidFill, Comment: "Unsupported filling mode"}, nil
	}
	if req.Volume <= 0 || (si.VolumeMax > 0 && req.Volume > si.VolumeMax) {
		return &domain.OrderResult{Retcode: retcodeInvalidVol, Comment: "Invalid volume"}, nil
	}

	price := si.Ask
	if req.Type == domain.OrderSell {
		price = si.Bid
	}
	s.nextTicket++
	ticket := s.nextTicket
	now := time.Now().UTC()

	if req.Position != 0 {
		pos, ok := acct.positions[req.Position]
		if !ok {
			return &domain.OrderResult{Retcode: retcodeInvalid, Comment: "Position not found"}, nil
		}
		profit := s.profitLocked(pos, price)
		acct.info.Balance += profit
		delete(acct.positions, req.Position)
		acct.deals = append(acct.deals, domain.Deal{
			Ticket: ticket, Order: ticket, PositionID: pos.Ticket, Symbol: pos.Symbol,
			Type: int(req.Type), Entry: 1, Volume: req.Volume, Price: price,
			Profit: profit, Magic: req.Magic, Comment: req.Comment, Time: now,
		})
	} else {
		acct.positions[ticket] = &domain.Position{
			Ticket: ticket, Symbol: si.Name, Type: req.Type, Volume: req.Volume,
			PriceOpen: price, PriceCurrent: price, SL: req.SL, TP: req.TP,
			Magic: req.Magic, Comment: req.Comment, Time: now,
		}
		acct.deals = append(acct.deals, domain.Deal{
			Ticket: ticket, Order: ticket, PositionID: ticket, Symbol: si.Name,
			Type: int(req.Type), Entry: 0, Volume: req.Volume, Price: price,
			Magic: req.Magic, Comment: req.Comment, Time: now,
		})
	}

	return &domain.OrderResult{
		Retcode: domain.RetcodeDone,
		Deal:    ticket,
		Order:   ticket,
		Volume:  req.Volume,
		Price:   price,
		Bid:     si.Bid,
		Ask:     si.Ask,
		Comment: "Request executed",
	}, nil
}

func (s *Simulator) acceptsLocked(symbol string, mode *domain.FillingMode) bool {
	accepts := s.accepts[symbol]
	if len(accepts) == 0 {
		return true
	}
	want := domain.FillingAuto
	if mode != nil {
		want = *mode
	}
	for _, m := range accepts {
		if m == want {
			return true
		}
	}
	return false
}

// Positions implements Terminal.
func (s *Simulator) Positions(_ context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[s.current]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Position, 0, len(acct.positions))
	for _, p := range acct.positions {
		if filter.Ticket != 0 && p.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(p.Symbol, filter.Symbol) {
			continue
		}
		cp := *p
		if si, ok := s.symbols[strings.ToUpper(p.Symbol)]; ok {
			cp.PriceCurrent = si.Bid
			if p.Type == domain.OrderSell {
				cp.PriceCurrent = si.Ask
			}
			cp.Profit = s.profitLocked(p, cp.PriceCurrent)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// HistoryDeals implements Terminal.
func (s *Simulator) HistoryDeals(_ context.Context, from, to time.Time) ([]domain.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[s.current]
	if !ok {
		return nil, nil
	}
	var out []domain.Deal
	for _, d := range acct.deals {
		if !d.Time.Before(from) && !d.Time.After(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Simulator) profitLocked(p *domain.Position, price float64) float64 {
	diff := price - p.PriceOpen
	if p.Type == domain.OrderSell {
		diff = -diff
	}
	return diff * p.Volume * s.ContractSize
}

func (s *Simulator) floatingProfitLocked(acct *simAccount) float64 {
	var total float64
	for _, p := range acct.positions {
		si, ok := s.symbols[strings.ToUpper(p.Symbol)]
		if !ok {
			continue
		}
		price := si.Bid
		if p.Type == domain.OrderSell {
			price = si.Ask
		}
		total += s.profitLocked(p, price)
	}
	return total
}
