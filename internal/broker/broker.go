// Package broker defines the Terminal interface the bridge drives and
// provides implementations backed by a remote terminal process over gRPC, the
// Alpaca brokerage API, and an in-memory simulator.
package broker

import (
	"context"
	"time"

	"mt5bridge/internal/domain"
)

// Terminal abstracts one trading terminal session. Implementations are shared
// by every request, so callers serialize account switches themselves.
//
// Methods returning a pointer or slice report "the terminal returned no
// result" as a nil value with a nil error. A non-nil error means the call
// itself failed in transport.
type Terminal interface {
	// Name returns the driver identifier (e.g. "grpc", "alpaca", "simulator").
	Name() string

	// AccountInfo returns the currently authenticated login, or nil if none.
	AccountInfo(ctx context.Context) (*domain.AccountInfo, error)

	SymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error)

	// SymbolSelect adds or removes a symbol from the terminal's market watch.
	SymbolSelect(ctx context.Context, symbol string, enable bool) (bool, error)

	SymbolTick(ctx context.Context, symbol string) (*domain.Tick, error)

	// OrderSend submits one trade request.
	OrderSend(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)

	Positions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error)

	// RatesFromPos returns count bars ending start bars before the most
	// recent one, oldest first.
	RatesFromPos(ctx context.Context, symbol string, tf domain.Timeframe, start, count int) ([]domain.Bar, error)

	// RatesRange returns the bars whose open time falls within [from, to].
	RatesRange(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error)

	Symbols(ctx context.Context) ([]domain.SymbolInfo, error)

	HistoryDeals(ctx context.Context, from, to time.Time) ([]domain.Deal, error)

	// LastError returns the terminal's most recent error code and text.
	LastError(ctx context.Context) (int, string, error)
}

// Authenticator is implemented by terminals that can switch logins
// programmatically.
type Authenticator interface {
	Login(ctx context.Context, login int64, password, server string) (bool, error)
}
