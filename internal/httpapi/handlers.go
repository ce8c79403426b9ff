package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mt5bridge/internal/accounts"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/engine"
	"mt5bridge/internal/marketdata"
	"mt5bridge/internal/store"
)

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Service:  "MT5 API Bridge",
		Version:  s.Version,
		Terminal: s.Terminal.Name(),
		Database: s.DB != nil,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "degraded",
		Terminal:  s.Terminal.Name(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	info, err := s.Terminal.AccountInfo(ctx)
	switch {
	case err != nil:
		resp.Error = err.Error()
	case info != nil:
		resp.Connected = true
		resp.Status = "healthy"
		resp.Account = &info.Login
	}
	if s.DB != nil {
		resp.Database = "ok"
		if err := s.DB.Ping(ctx); err != nil {
			resp.Database = "unreachable"
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	login, ok := parseLogin(req.Login)
	if !ok {
		writeError(w, http.StatusBadRequest, "MT5 login must be numeric for automation. Please verify account number.")
		return
	}

	snap, err := s.Accounts.Connect(r.Context(), userID(r), accounts.ConnectRequest{
		Login:        login,
		Password:     req.Password,
		Server:       req.Server,
		Name:         req.Name,
		Broker:       req.Broker,
		Type:         req.Type,
		SetAsDefault: req.SetAsDefault,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Account)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Accounts.List(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []domain.TradingAccount{}
	}
	writeJSON(w, http.StatusOK, accountListResponse{Accounts: list})
}

func (s *Server) handleCurrentAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Accounts.Current(r.Context(), userID(r), accountParam(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Account)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Accounts.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	upd := store.AccountUpdate{Name: req.Name, Broker: req.Broker, IsDefault: req.IsDefault}
	if req.Type != nil {
		t := domain.ParseAccountType(*req.Type)
		upd.Type = &t
	}
	acct, err := s.Accounts.Update(r.Context(), userID(r), r.PathValue("id"), upd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.Accounts.Delete(r.Context(), userID(r), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Accounts.Switch(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, switchResponse{
		Success:     true,
		Account:     snap.Account,
		AccountInfo: toAccountInfoJSON(snap.Info),
	})
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Accounts.Current(r.Context(), userID(r), accountParam(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountInfoJSON(snap.Info))
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

func timeframeParam(r *http.Request) (domain.Timeframe, error) {
	name := r.URL.Query().Get("timeframe")
	if name == "" {
		return domain.TimeframeH1, nil
	}
	tf, ok := domain.ParseTimeframe(name)
	if !ok {
		return 0, domain.Invalidf("Invalid timeframe: %s", name)
	}
	return tf, nil
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	tf, err := timeframeParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	count := 100
	if v := r.URL.Query().Get("bars"); v != "" {
		if count, err = strconv.Atoi(v); err != nil {
			s.fail(w, r, domain.Invalidf("bars must be an integer"))
			return
		}
	}

	var bars []domain.Bar
	err = s.Accounts.WithAccount(r.Context(), userID(r), accountParam(r), func(ctx context.Context, _ *domain.TradingAccount) error {
		var err error
		bars, err = s.MarketData.Bars(ctx, symbol, tf, count)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBarsResponse(symbol, tf, bars))
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	tf, err := timeframeParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := time.Now().UTC()
	from, to, err := dateRange(r, "start_date", "end_date", now.AddDate(0, 0, -30), now)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var bars []domain.Bar
	err = s.Accounts.WithAccount(r.Context(), userID(r), accountParam(r), func(ctx context.Context, _ *domain.TradingAccount) error {
		var err error
		bars, err = s.MarketData.Range(ctx, symbol, tf, from, to)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBarsResponse(symbol, tf, bars))
}

// dateRange reads two optional date parameters.
func dateRange(r *http.Request, fromKey, toKey string, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from, to := defFrom, defTo
	if v := q.Get(fromKey); v != "" {
		t, err := marketdata.ParseDate(v)
		if err != nil {
			return from, to, err
		}
		from = t
	}
	if v := q.Get(toKey); v != "" {
		t, err := marketdata.ParseDate(v)
		if err != nil {
			return from, to, err
		}
		to = t
	}
	return from, to, nil
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	var symbols []domain.SymbolInfo
	err := s.Accounts.WithAccount(r.Context(), userID(r), accountParam(r), func(ctx context.Context, _ *domain.TradingAccount) error {
		var err error
		symbols, err = s.MarketData.Symbols(ctx)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]symbolJSON, len(symbols))
	for i, si := range symbols {
		out[i] = symbolJSON{
			Name:        si.Name,
			Description: si.Description,
			Digits:      si.Digits,
			Spread:      si.Spread,
			VolumeMin:   si.VolumeMin,
			VolumeMax:   si.VolumeMax,
			VolumeStep:  si.VolumeStep,
		}
	}
	writeJSON(w, http.StatusOK, symbolsResponse{Symbols: out})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	known := append([]string(nil), s.Servers...)
	if list, err := s.Accounts.List(r.Context(), userID(r)); err == nil {
		for _, a := range list {
			known = append(known, a.Server)
		}
	} else {
		s.log.Warn("listing accounts for server suggestions", "error", err)
	}
	writeJSON(w, http.StatusOK, serversResponse{Servers: suggestServers(r.URL.Query().Get("q"), known)})
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body tradeRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := body.toDomain()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var receipt *domain.TradeReceipt
	err = s.Accounts.WithAccount(r.Context(), userID(r), accountParam(r), func(ctx context.Context, _ *domain.TradingAccount) error {
		var err error
		receipt, err = s.Engine.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		Success: true,
		Ticket:  receipt.Ticket,
		Price:   receipt.Price,
		Volume:  receipt.Volume,
		Symbol:  receipt.Symbol,
		Type:    strings.ToLower(body.OrderType),
		Filling: receipt.Filling.String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, to, err := dateRange(r, "from", "to", now.AddDate(0, 0, -30), now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var deals []domain.Deal
	err = s.Accounts.WithAccount(r.Context(), userID(r), accountParam(r), func(ctx context.Context, _ *domain.TradingAccount) error {
		var err error
		deals, err = s.Engine.History(ctx, from, to)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{From: from, To: to, Deals: deals})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	var positions []domain.Position
	err := s.Accounts.WithAccount(r.Context(), userID(r), accountParam(r), func(ctx context.Context, _ *domain.TradingAccount) error {
		var err error
		positions, err = s.Engine.Positions(ctx)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionsResponse{Positions: toPositionsJSON(positions)})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	ticket, err := strconv.ParseInt(r.PathValue("ticket"), 10, 64)
	if err != nil || ticket <= 0 {
		s.fail(w, r, domain.Invalidf("ticket must be a positive integer"))
		return
	}
	uid := userID(r)

	var receipt *engine.CloseReceipt
	err = s.Accounts.WithAccount(r.Context(), uid, accountParam(r), func(ctx context.Context, acct *domain.TradingAccount) error {
		var err error
		receipt, err = s.Engine.ClosePosition(ctx, engine.CloseRequest{Ticket: ticket, UserID: uid, AccountID: acct.ID})
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{
		Success:      true,
		ClosedTicket: receipt.Ticket,
		Symbol:       receipt.Symbol,
		Price:        receipt.ClosePrice,
		Volume:       receipt.Volume,
		Profit:       receipt.Profit,
	})
}
