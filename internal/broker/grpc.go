package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"mt5bridge/internal/domain"
)

// Compile-time interface checks.
var (
	_ Terminal      = (*GRPCTerminal)(nil)
	_ Authenticator = (*GRPCTerminal)(nil)
)

// GRPCTerminal talks to a terminal sidecar that exposes the
// mt5bridge.terminal.v1.Terminal service.
type GRPCTerminal struct {
	addr string
	conn *grpc.ClientConn
}

// DialTerminal creates a client for the terminal service at addr. Extra dial
// options are appended after the default insecure transport credentials.
func DialTerminal(addr string, opts ...grpc.DialOption) (*GRPCTerminal, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &GRPCTerminal{addr: addr, conn: conn}, nil
}

// Close releases the underlying connection.
func (t *GRPCTerminal) Close() error {
	return t.conn.Close()
}

// Name returns "grpc".
func (t *GRPCTerminal) Name() string {
	return "grpc"
}

func (t *GRPCTerminal) call(ctx context.Context, method string, args map[string]any) (*structpb.Value, bool, error) {
	req, err := structpb.NewStruct(args)
	if err != nil {
		return nil, false, fmt.Errorf("encoding %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := t.conn.Invoke(ctx, methodPath(method), req, resp); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() == codes.Unavailable {
			return nil, false, fmt.Errorf("%s: %w: %s", method, domain.ErrTerminalUnavailable, s.Message())
		}
		return nil, false, fmt.Errorf("%s: %w", method, err)
	}
	v, ok := resultOf(resp)
	return v, ok, nil
}

// AccountInfo implements Terminal.
func (t *GRPCTerminal) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	v, ok, err := t.call(ctx, "AccountInfo", nil)
	if err != nil || !ok {
		return nil, err
	}
	return decodeAccountInfo(v.GetStructValue()), nil
}

// Login implements Authenticator.
func (t *GRPCTerminal) Login(ctx context.Context, login int64, password, server string) (bool, error) {
	v, ok, err := t.call(ctx, "Login", map[string]any{
		"login":    login,
		"password": password,
		"server":   server,
	})
	if err != nil || !ok {
		return false, err
	}
	return v.GetBoolValue(), nil
}

// SymbolInfo implements Terminal.
func (t *GRPCTerminal) SymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	v, ok, err := t.call(ctx, "SymbolInfo", map[string]any{"symbol": symbol})
	if err != nil || !ok {
		return nil, err
	}
	return decodeSymbolInfo(v.GetStructValue()), nil
}

// SymbolSelect implements Terminal.
func (t *GRPCTerminal) SymbolSelect(ctx context.Context, symbol string, enable bool) (bool, error) {
	v, ok, err := t.call(ctx, "SymbolSelect", map[string]any{"symbol": symbol, "enable": enable})
	if err != nil || !ok {
		return false, err
	}
	return v.GetBoolValue(), nil
}

// SymbolTick implements Terminal.
func (t *GRPCTerminal) SymbolTick(ctx context.Context, symbol string) (*domain.Tick, error) {
	v, ok, err := t.call(ctx, "SymbolTick", map[string]any{"symbol": symbol})
	if err != nil || !ok {
		return nil, err
	}
	return decodeTick(v.GetStructValue()), nil
}

// OrderSend implements Terminal.
func (t *GRPCTerminal) OrderSend(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	v, ok, err := t.call(ctx, "OrderSend", map[string]any{"request": encodeOrderRequest(req)})
	if err != nil || !ok {
		return nil, err
	}
	return decodeOrderResult(v.GetStructValue()), nil
}

// Positions implements Terminal.
func (t *GRPCTerminal) Positions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	args := map[string]any{}
	if filter.Symbol != "" {
		args["symbol"] = filter.Symbol
	}
	if filter.Ticket != 0 {
		args["ticket"] = filter.Ticket
	}
	v, ok, err := t.call(ctx, "Positions", args)
	if err != nil || !ok {
		return nil, err
	}
	items := structList(v)
	positions := make([]domain.Position, 0, len(items))
	for _, s := range items {
		positions = append(positions, decodePosition(s))
	}
	return positions, nil
}

// RatesFromPos implements Terminal.
func (t *GRPCTerminal) RatesFromPos(ctx context.Context, symbol string, tf domain.Timeframe, start, count int) ([]domain.Bar, error) {
	v, ok, err := t.call(ctx, "RatesFromPos", map[string]any{
		"symbol":    symbol,
		"timeframe": int(tf),
		"start":     start,
		"count":     count,
	})
	if err != nil || !ok {
		return nil, err
	}
	return decodeBars(v), nil
}

// RatesRange implements Terminal.
func (t *GRPCTerminal) RatesRange(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	v, ok, err := t.call(ctx, "RatesRange", map[string]any{
		"symbol":    symbol,
		"timeframe": int(tf),
		"from":      unixSeconds(from),
		"to":        unixSeconds(to),
	})
	if err != nil || !ok {
		return nil, err
	}
	return decodeBars(v), nil
}

func decodeBars(v *structpb.Value) []domain.Bar {
	items := structList(v)
	bars := make([]domain.Bar, 0, len(items))
	for _, s := range items {
		bars = append(bars, decodeBar(s))
	}
	return bars
}

// Symbols implements Terminal.
func (t *GRPCTerminal) Symbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	v, ok, err := t.call(ctx, "Symbols", nil)
	if err != nil || !ok {
		return nil, err
	}
	items := structList(v)
	symbols := make([]domain.SymbolInfo, 0, len(items))
	for _, s := range items {
		symbols = append(symbols, *decodeSymbolInfo(s))
	}
	return symbols, nil
}

// HistoryDeals implements Terminal.
func (t *GRPCTerminal) HistoryDeals(ctx context.Context, from, to time.Time) ([]domain.Deal, error) {
	v, ok, err := t.call(ctx, "HistoryDeals", map[string]any{
		"from": unixSeconds(from),
		"to":   unixSeconds(to),
	})
	if err != nil || !ok {
		return nil, err
	}
	items := structList(v)
	deals := make([]domain.Deal, 0, len(items))
	for _, s := range items {
		deals = append(deals, decodeDeal(s))
	}
	return deals, nil
}

// LastError implements Terminal.
func (t *GRPCTerminal) LastError(ctx context.Context) (int, string, error) {
	v, ok, err := t.call(ctx, "LastError", nil)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", errors.New("terminal returned no error state")
	}
	s := v.GetStructValue()
	return int(integer(s, "code")), str(s, "message"), nil
}
