package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"mt5bridge/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptedSend returns results from a script, one per call.
type scriptedSend struct {
	results []*domain.OrderResult
	errs    []error
	reqs    []domain.OrderRequest
}

func (s *scriptedSend) send(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], err
	}
	return nil, err
}

func buildEURUSD(domain.FillingMode) domain.OrderRequest {
	return domain.OrderRequest{Action: domain.TradeActionDeal, Symbol: "EURUSD", Volume: 0.1}
}

func rc(code int) *domain.OrderResult {
	return &domain.OrderResult{Retcode: code, Comment: "code", Order: 42}
}

func TestSubmitRetriesUnsupportedFilling(t *testing.T) {
	s := &scriptedSend{results: []*domain.OrderResult{
		rc(domain.RetcodeInvalidFill),
		rc(domain.RetcodeInvalidFill),
		rc(domain.RetcodeDone),
		rc(domain.RetcodeDone),
	}}
	candidates := Candidates(intPtr(1))

	res, mode, err := Submit(context.Background(), discard, "order", candidates, buildEURUSD, s.send)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(s.reqs) != 3 {
		t.Fatalf("send called %d times, want 3", len(s.reqs))
	}
	if res != s.results[2] {
		t.Errorf("Submit returned %+v, want the third result", res)
	}
	if mode != candidates[2] {
		t.Errorf("mode = %v, want %v", mode, candidates[2])
	}
}

func TestSubmitSetsFillingField(t *testing.T) {
	s := &scriptedSend{results: []*domain.OrderResult{
		rc(domain.RetcodeInvalidFill), rc(domain.RetcodeInvalidFill),
		rc(domain.RetcodeInvalidFill), rc(domain.RetcodeInvalidFill),
	}}
	Submit(context.Background(), discard, "order", Candidates(intPtr(1)), buildEURUSD, s.send)

	if len(s.reqs) != 4 {
		t.Fatalf("send called %d times, want 4", len(s.reqs))
	}
	if s.reqs[0].TypeFilling == nil || *s.reqs[0].TypeFilling != domain.FillingIOC {
		t.Errorf("first attempt filling = %v, want IOC", s.reqs[0].TypeFilling)
	}
	if s.reqs[1].TypeFilling != nil {
		t.Errorf("second attempt filling = %v, want omitted", *s.reqs[1].TypeFilling)
	}
	if s.reqs[3].TypeFilling == nil || *s.reqs[3].TypeFilling != domain.FillingFOK {
		t.Errorf("last attempt filling = %v, want FOK", s.reqs[3].TypeFilling)
	}
}

func TestSubmitFatalRetcode(t *testing.T) {
	s := &scriptedSend{results: []*domain.OrderResult{
		{Retcode: 10019, Comment: "No money"},
		rc(domain.RetcodeDone),
	}}
	_, _, err := Submit(context.Background(), discard, "order", Candidates(nil), buildEURUSD, s.send)
	if len(s.reqs) != 1 {
		t.Fatalf("send called %d times, want 1", len(s.reqs))
	}
	var rej *RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want *RejectError", err)
	}
	if rej.Retcode != 10019 || rej.Comment != "No money" {
		t.Errorf("RejectError = %+v, want retcode 10019 'No money'", rej)
	}
}

func TestSubmitTradingDisabled(t *testing.T) {
	s := &scriptedSend{results: []*domain.OrderResult{
		rc(domain.RetcodeClientDisablesAT),
		rc(domain.RetcodeDone),
	}}
	_, _, err := Submit(context.Background(), discard, "order", Candidates(nil), buildEURUSD, s.send)
	if !errors.Is(err, ErrTradingDisabled) {
		t.Fatalf("error = %v, want ErrTradingDisabled", err)
	}
	if len(s.reqs) != 1 {
		t.Errorf("send called %d times, want 1", len(s.reqs))
	}
}

func TestSubmitNoResultContinues(t *testing.T) {
	transport := errors.New("connection reset")
	s := &scriptedSend{
		results: []*domain.OrderResult{nil, nil, rc(domain.RetcodeDone)},
		errs:    []error{nil, transport},
	}
	res, _, err := Submit(context.Background(), discard, "close", Candidates(nil), buildEURUSD, s.send)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res.Retcode != domain.RetcodeDone || len(s.reqs) != 3 {
		t.Errorf("result = %+v after %d calls, want done after 3", res, len(s.reqs))
	}
}

func TestSubmitExhausted(t *testing.T) {
	transport := errors.New("connection reset")
	s := &scriptedSend{
		results: []*domain.OrderResult{rc(domain.RetcodeInvalidFill), rc(domain.RetcodeInvalidFill), rc(domain.RetcodeInvalidFill), nil},
		errs:    []error{nil, nil, nil, transport},
	}
	_, _, err := Submit(context.Background(), discard, "order", Candidates(nil), buildEURUSD, s.send)
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}
	if !errors.Is(err, transport) {
		t.Errorf("exhausted error should carry the last failure, got %v", err)
	}
	if len(s.reqs) != 4 {
		t.Errorf("send called %d times, want 4", len(s.reqs))
	}
}

func TestSubmitExhaustedWithoutRecordedError(t *testing.T) {
	_, _, err := Submit(context.Background(), discard, "order", nil, buildEURUSD, (&scriptedSend{}).send)
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Last != nil {
		t.Fatalf("error = %v, want empty *ExhaustedError", err)
	}
	if want := "order failed: all filling modes failed"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestSubmitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &scriptedSend{}
	_, _, err := Submit(ctx, discard, "order", Candidates(nil), buildEURUSD, s.send)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(s.reqs) != 0 {
		t.Errorf("send called %d times after cancel, want 0", len(s.reqs))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		res  *domain.OrderResult
		err  error
		want outcome
	}{
		{nil, nil, outcomeRetry},
		{nil, errors.New("x"), outcomeRetry},
		{rc(domain.RetcodeDone), nil, outcomeDone},
		{rc(domain.RetcodeInvalidFill), nil, outcomeRetry},
		{rc(domain.RetcodeClientDisablesAT), nil, outcomeDisabled},
		{rc(10018), nil, outcomeFatal},
		{rc(10014), nil, outcomeFatal},
	}
	for _, tt := range tests {
		if got := classify(tt.res, tt.err); got != tt.want {
			t.Errorf("classify(%+v, %v) = %v, want %v", tt.res, tt.err, got, tt.want)
		}
	}
}
