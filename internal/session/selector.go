package session

import (
	"context"
	"errors"
	"fmt"

	"mt5bridge/internal/domain"
)

// AccountGetter reads stored accounts.
type AccountGetter interface {
	GetAccount(ctx context.Context, userID, accountID string) (*domain.TradingAccount, error)
	DefaultAccount(ctx context.Context, userID string) (*domain.TradingAccount, error)
}

// ActiveLookup reports the account a user last worked with.
type ActiveLookup interface {
	ActiveAccountID(userID string) (string, bool)
}

// Selector decides which account a request refers to.
type Selector struct {
	accounts AccountGetter
	active   ActiveLookup
}

// NewSelector creates a Selector.
func NewSelector(accounts AccountGetter, active ActiveLookup) *Selector {
	return &Selector{accounts: accounts, active: active}
}

// Resolve returns the explicit account when accountID is set, otherwise the
// user's active account, otherwise the user's default account.
func (s *Selector) Resolve(ctx context.Context, userID, accountID string) (*domain.TradingAccount, error) {
	if accountID != "" {
		acct, err := s.accounts.GetAccount(ctx, userID, accountID)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", accountID, err)
		}
		return acct, nil
	}

	if id, ok := s.active.ActiveAccountID(userID); ok {
		acct, err := s.accounts.GetAccount(ctx, userID, id)
		switch {
		case err == nil:
			return acct, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("active account %s: %w", id, err)
		}
	}

	acct, err := s.accounts.DefaultAccount(ctx, userID)
	switch {
	case err == nil:
		return acct, nil
	case errors.Is(err, domain.ErrNotFound):
		return nil, domain.ErrNoAccount
	}
	return nil, fmt.Errorf("default account: %w", err)
}
