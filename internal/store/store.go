// Package store persists trading accounts and the trade journal, and keeps
// a local archive of terminal bars.
package store

import (
	"context"
	"time"

	"mt5bridge/internal/domain"
)

// AccountUpdate carries the mutable fields of an account. Nil fields are left
// unchanged.
type AccountUpdate struct {
	Name      *string             `json:"account_name,omitempty"`
	Broker    *string             `json:"broker,omitempty"`
	Type      *domain.AccountType `json:"account_type,omitempty"`
	IsDefault *bool               `json:"is_default,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u AccountUpdate) Empty() bool {
	return u.Name == nil && u.Broker == nil && u.Type == nil && u.IsDefault == nil
}

// AccountStore persists trading accounts. Lookups only see active accounts
// and return domain.ErrNotFound when nothing matches.
type AccountStore interface {
	// UpsertAccount inserts acct or updates the record with the same
	// (user, login, server), reactivating it. When acct.IsDefault is set every
	// other account of the user loses its default flag.
	UpsertAccount(ctx context.Context, acct *domain.TradingAccount) (*domain.TradingAccount, error)

	// ListAccounts returns the user's active accounts, oldest first.
	ListAccounts(ctx context.Context, userID string) ([]domain.TradingAccount, error)

	GetAccount(ctx context.Context, userID, accountID string) (*domain.TradingAccount, error)

	// DefaultAccount returns the user's active default account.
	DefaultAccount(ctx context.Context, userID string) (*domain.TradingAccount, error)

	UpdateAccount(ctx context.Context, userID, accountID string, upd AccountUpdate) (*domain.TradingAccount, error)

	// DeleteAccount marks the account inactive and not default.
	DeleteAccount(ctx context.Context, userID, accountID string) error

	// TouchAccount records a successful connection with the balances seen.
	TouchAccount(ctx context.Context, accountID string, balance, equity float64, at time.Time) error
}

// JournalStore persists closed trades.
type JournalStore interface {
	RecordTrade(ctx context.Context, e *domain.JournalEntry) error
}

// Store is everything the bridge persists in its database.
type Store interface {
	AccountStore
	JournalStore
	Ping(ctx context.Context) error
	Close() error
}
