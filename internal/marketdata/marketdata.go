// Package marketdata serves bars and symbol metadata from the terminal,
// writing bars through to a local archive and reading the archive back for
// ranges the terminal cannot serve.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
)

// MaxBars caps a single bars request.
const MaxBars = 10000

// Archive stores bars per symbol and timeframe.
type Archive interface {
	WriteBars(ctx context.Context, symbol string, tf domain.Timeframe, bars []domain.Bar) error
	ReadBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)
}

// Service reads market data for the authenticated login.
type Service struct {
	term    broker.Terminal
	archive Archive
	log     *slog.Logger
}

// NewService creates a Service. archive may be nil.
func NewService(term broker.Terminal, archive Archive, log *slog.Logger) *Service {
	return &Service{term: term, archive: archive, log: log}
}

// Bars returns the latest count bars of symbol, oldest first.
func (s *Service) Bars(ctx context.Context, symbol string, tf domain.Timeframe, count int) ([]domain.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, domain.Invalidf("symbol is required")
	}
	if count < 1 || count > MaxBars {
		return nil, domain.Invalidf("bars must be between 1 and %d", MaxBars)
	}

	bars, err := s.term.RatesFromPos(ctx, symbol, tf, 0, count)
	if err != nil {
		return nil, fmt.Errorf("rates for %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no data for %s: %w", symbol, domain.ErrNotFound)
	}
	s.store(ctx, symbol, tf, bars)
	return bars, nil
}

// Range returns the bars of symbol within [from, to]. When the terminal has
// nothing for the range the archive is consulted.
func (s *Service) Range(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, domain.Invalidf("symbol is required")
	}
	if to.Before(from) {
		return nil, domain.Invalidf("end_date is before start_date")
	}

	bars, err := s.term.RatesRange(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("rates for %s: %w", symbol, err)
	}
	if len(bars) > 0 {
		s.store(ctx, symbol, tf, bars)
		return bars, nil
	}

	if s.archive != nil {
		archived, err := s.archive.ReadBars(ctx, symbol, tf, from, to)
		if err != nil {
			s.log.Warn("reading bar archive failed", "symbol", symbol, "timeframe", tf.String(), "error", err)
		} else if len(archived) > 0 {
			s.log.Debug("range served from archive", "symbol", symbol, "timeframe", tf.String(), "count", len(archived))
			return archived, nil
		}
	}
	return []domain.Bar{}, nil
}

func (s *Service) store(ctx context.Context, symbol string, tf domain.Timeframe, bars []domain.Bar) {
	if s.archive == nil {
		return
	}
	if err := s.archive.WriteBars(ctx, symbol, tf, bars); err != nil {
		s.log.Warn("archiving bars failed", "symbol", symbol, "timeframe", tf.String(), "error", err)
	}
}

// Symbols lists the instruments the terminal offers.
func (s *Service) Symbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	symbols, err := s.term.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("symbols: %w", err)
	}
	if symbols == nil {
		return []domain.SymbolInfo{}, nil
	}
	return symbols, nil
}

// ParseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, domain.Invalidf("invalid date %q", s)
}
