package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/metrics"
)

// ErrTradingDisabled is returned when the terminal rejects an order because
// algorithmic trading is switched off on the client side.
var ErrTradingDisabled = errors.New("AutoTrading is disabled in the terminal. Enable the 'Algo Trading' button " +
	"(Tools > Options > Expert Advisors > Allow algorithmic trading) and retry")

// errNoResult stands in for a send that produced neither a result nor an
// error.
var errNoResult = errors.New("terminal returned no result")

// RejectError is a fatal broker rejection.
type RejectError struct {
	Op      string
	Retcode int
	Comment string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s failed: %s (retcode %d)", e.Op, e.Comment, e.Retcode)
}

// ExhaustedError is returned when every filling mode was tried without a
// fill. Last is the final recorded failure, nil if nothing was recorded.
type ExhaustedError struct {
	Op   string
	Last error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return e.Op + " failed: all filling modes failed"
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// outcome classifies a single order_send attempt.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFatal
	outcomeDisabled
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeRetry:
		return "retry"
	case outcomeDisabled:
		return "disabled"
	}
	return "fatal"
}

// classify is the decision table for one attempt. A missing result or a
// transport error is retried: the terminal may have executed the order and
// lost the acknowledgement, which this loop cannot tell apart from a request
// that never arrived.
func classify(res *domain.OrderResult, err error) outcome {
	switch {
	case err != nil || res == nil:
		return outcomeRetry
	case res.Retcode == domain.RetcodeClientDisablesAT:
		return outcomeDisabled
	case res.Retcode == domain.RetcodeDone:
		return outcomeDone
	case res.Retcode == domain.RetcodeInvalidFill:
		return outcomeRetry
	}
	return outcomeFatal
}

// BuildFunc produces the order request for one filling mode.
type BuildFunc func(mode domain.FillingMode) domain.OrderRequest

// SendFunc submits a request to the terminal.
type SendFunc func(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)

// Submit runs the filling-mode negotiation for one logical order: each
// candidate is tried in turn until the terminal fills the order or returns a
// rejection that no other filling mode can fix. It returns the filled result
// and the mode that produced it.
func Submit(ctx context.Context, log *slog.Logger, op string, candidates []domain.FillingMode, build BuildFunc, send SendFunc) (*domain.OrderResult, domain.FillingMode, error) {
	var last error
	for i, mode := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, mode, err
		}

		req := build(mode)
		if mode == domain.FillingAuto {
			req.TypeFilling = nil
		} else {
			m := mode
			req.TypeFilling = &m
		}

		res, err := send(ctx, req)
		o := classify(res, err)
		metrics.FillingAttempts.WithLabelValues(op, mode.String(), o.String()).Inc()

		switch o {
		case outcomeDone:
			log.Info("order filled", "op", op, "symbol", req.Symbol, "filling", mode.String(),
				"attempt", i+1, "ticket", res.Order, "price", res.Price)
			return res, mode, nil

		case outcomeDisabled:
			log.Warn("order rejected, trading disabled", "op", op, "symbol", req.Symbol)
			return nil, mode, ErrTradingDisabled

		case outcomeFatal:
			log.Warn("order rejected", "op", op, "symbol", req.Symbol, "filling", mode.String(),
				"retcode", res.Retcode, "comment", res.Comment)
			return nil, mode, &RejectError{Op: op, Retcode: res.Retcode, Comment: res.Comment}
		}

		switch {
		case err != nil:
			last = err
		case res == nil:
			last = errNoResult
		default:
			last = &RejectError{Op: op, Retcode: res.Retcode, Comment: res.Comment}
		}
		level := slog.LevelDebug
		if res == nil {
			// The order may have been executed.
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "filling mode attempt failed", "op", op, "symbol", req.Symbol,
			"filling", mode.String(), "attempt", i+1, "error", last)
	}
	return nil, domain.FillingAuto, &ExhaustedError{Op: op, Last: last}
}
