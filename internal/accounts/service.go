// Package accounts manages the trading accounts users connect to the bridge
// and runs terminal work on behalf of a selected account.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/session"
	"mt5bridge/internal/store"
)

// Encrypter turns a broker password into the token that is stored.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
}

// ConnectRequest is the body of a connect call.
type ConnectRequest struct {
	Login        int64  `json:"login"`
	Password     string `json:"password"`
	Server       string `json:"server"`
	Name         string `json:"account_name,omitempty"`
	Broker       string `json:"broker,omitempty"`
	Type         string `json:"account_type,omitempty"`
	SetAsDefault *bool  `json:"set_as_default,omitempty"`
}

// Snapshot pairs a stored account with the terminal's live view of it.
type Snapshot struct {
	Account *domain.TradingAccount `json:"account"`
	Info    *domain.AccountInfo    `json:"account_info"`
}

// Service implements account connect, listing, editing and switching.
type Service struct {
	term    broker.Terminal
	store   store.AccountStore
	cache   *session.Cache
	sel     *session.Selector
	creds   Encrypter
	offload *session.Offloader
	log     *slog.Logger
	now     func() time.Time
}

// NewService wires a Service. The session cache doubles as the selector's
// record of each user's active account.
func NewService(term broker.Terminal, st store.AccountStore, cache *session.Cache, creds Encrypter, offload *session.Offloader, log *slog.Logger) *Service {
	return &Service{
		term:    term,
		store:   st,
		cache:   cache,
		sel:     session.NewSelector(st, cache),
		creds:   creds,
		offload: offload,
		log:     log,
		now:     time.Now,
	}
}

// Connect verifies the credentials against the broker, stores the account
// and makes it the user's active one.
func (s *Service) Connect(ctx context.Context, userID string, req ConnectRequest) (*Snapshot, error) {
	req.Server = strings.TrimSpace(req.Server)
	switch {
	case req.Login <= 0:
		return nil, domain.Invalidf("login must be a positive account number")
	case req.Password == "":
		return nil, domain.Invalidf("password is required")
	case req.Server == "":
		return nil, domain.Invalidf("server is required")
	}

	token, err := s.creds.Encrypt(ctx, req.Password)
	if err != nil {
		return nil, fmt.Errorf("storing credentials: %w", err)
	}

	acct := &domain.TradingAccount{
		UserID:            userID,
		Login:             req.Login,
		Server:            req.Server,
		Broker:            req.Broker,
		Name:              req.Name,
		Type:              domain.ParseAccountType(req.Type),
		EncryptedPassword: token,
		IsDefault:         req.SetAsDefault == nil || *req.SetAsDefault,
	}
	if acct.Name == "" {
		acct.Name = fmt.Sprintf("%d@%s", req.Login, req.Server)
	}

	snap := &Snapshot{}
	err = s.offload.Run(ctx, s.offload.TimeoutFor(req.Server), func(ctx context.Context) error {
		return s.cache.Verify(ctx, userID, req.Login, req.Server, req.Password,
			func(ctx context.Context, info *domain.AccountInfo) (string, error) {
				saved, err := s.store.UpsertAccount(ctx, acct)
				if err != nil {
					return "", fmt.Errorf("saving account: %w", err)
				}
				s.touch(ctx, saved, info)
				snap.Account, snap.Info = saved, info
				return saved.ID, nil
			})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("account connected", "user_id", userID, "account_id", snap.Account.ID, "login", req.Login, "server", req.Server)
	return snap, nil
}

// touch copies the terminal's balances onto the stored account. Failures are
// logged only.
func (s *Service) touch(ctx context.Context, acct *domain.TradingAccount, info *domain.AccountInfo) {
	now := s.now().UTC()
	acct.Balance, acct.Equity = info.Balance, info.Equity
	acct.Currency, acct.Leverage = info.Currency, info.Leverage
	acct.LastConnectedAt = now
	if err := s.store.TouchAccount(ctx, acct.ID, info.Balance, info.Equity, now); err != nil {
		s.log.Warn("recording account balances failed", "account_id", acct.ID, "error", err)
	}
}

// List returns the user's active accounts, oldest first.
func (s *Service) List(ctx context.Context, userID string) ([]domain.TradingAccount, error) {
	return s.store.ListAccounts(ctx, userID)
}

// Get returns one of the user's accounts.
func (s *Service) Get(ctx context.Context, userID, accountID string) (*domain.TradingAccount, error) {
	return s.store.GetAccount(ctx, userID, accountID)
}

// Update edits the account name, broker, type or default flag.
func (s *Service) Update(ctx context.Context, userID, accountID string, upd store.AccountUpdate) (*domain.TradingAccount, error) {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, domain.Invalidf("account_name cannot be empty")
	}
	if upd.Empty() {
		return s.store.GetAccount(ctx, userID, accountID)
	}
	return s.store.UpdateAccount(ctx, userID, accountID, upd)
}

// Delete deactivates the account and drops it from the session cache.
func (s *Service) Delete(ctx context.Context, userID, accountID string) error {
	if err := s.store.DeleteAccount(ctx, userID, accountID); err != nil {
		return err
	}
	s.cache.Forget(accountID)
	s.log.Info("account deleted", "user_id", userID, "account_id", accountID)
	return nil
}

// Switch makes accountID the user's active account, logging the terminal in
// if needed.
func (s *Service) Switch(ctx context.Context, userID, accountID string) (*Snapshot, error) {
	acct, err := s.store.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, userID, acct)
}

// Current returns the account a request without an explicit account_id would
// use, with its live terminal info.
func (s *Service) Current(ctx context.Context, userID, accountID string) (*Snapshot, error) {
	acct, err := s.sel.Resolve(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, userID, acct)
}

func (s *Service) snapshot(ctx context.Context, userID string, acct *domain.TradingAccount) (*Snapshot, error) {
	snap := &Snapshot{Account: acct}
	err := s.withSession(ctx, userID, acct, func(ctx context.Context) error {
		info, err := s.term.AccountInfo(ctx)
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("no account info: %w", domain.ErrTerminalUnavailable)
		}
		s.touch(ctx, acct, info)
		snap.Info = info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// WithAccount resolves the account for a request (explicit id, then the
// user's active account, then their default), authenticates the terminal as
// it and runs fn while holding the session.
func (s *Service) WithAccount(ctx context.Context, userID, accountID string, fn func(ctx context.Context, acct *domain.TradingAccount) error) error {
	acct, err := s.sel.Resolve(ctx, userID, accountID)
	if err != nil {
		return err
	}
	return s.withSession(ctx, userID, acct, func(ctx context.Context) error {
		return fn(ctx, acct)
	})
}

func (s *Service) withSession(ctx context.Context, userID string, acct *domain.TradingAccount, fn func(ctx context.Context) error) error {
	return s.offload.Run(ctx, s.offload.TimeoutFor(acct.Server), func(ctx context.Context) error {
		return s.cache.Do(ctx, userID, acct, fn)
	})
}
