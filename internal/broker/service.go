package broker

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"mt5bridge/internal/domain"
)

const serviceName = "mt5bridge.terminal.v1.Terminal"

func methodPath(method string) string {
	return "/" + serviceName + "/" + method
}

var methodNames = []string{
	"AccountInfo", "Login", "SymbolInfo", "SymbolSelect", "SymbolTick",
	"OrderSend", "Positions", "RatesFromPos", "RatesRange", "Symbols",
	"HistoryDeals", "LastError",
}

// rpcHandler is the handler type registered with the gRPC server.
type rpcHandler interface {
	handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

// TerminalService exposes a Terminal over gRPC. cmd/terminal-sim serves a
// Simulator through it; the bridge's GRPCTerminal is its client.
type TerminalService struct {
	term Terminal
	log  *slog.Logger
}

// NewTerminalService wraps term for serving.
func NewTerminalService(term Terminal, log *slog.Logger) *TerminalService {
	return &TerminalService{term: term, log: log}
}

// RegisterGRPC registers the terminal service on a gRPC server.
func (s *TerminalService) RegisterGRPC(gs *grpc.Server) {
	desc := grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*rpcHandler)(nil),
		Metadata:    "mt5bridge/terminal.proto",
	}
	for _, name := range methodNames {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name),
		})
	}
	gs.RegisterService(&desc, s)
}

func unaryHandler(method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		h := srv.(rpcHandler)
		if interceptor == nil {
			return h.handle(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPath(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h.handle(ctx, method, req.(*structpb.Struct))
		})
	}
}

func (s *TerminalService) handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	result, err := s.dispatch(ctx, method, req)
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		s.log.Warn("terminal call failed", "method", method, "error", err)
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	resp, err := wrapResult(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding %s result: %v", method, err)
	}
	return resp, nil
}

// dispatch runs one terminal call and returns a structpb-compatible value,
// nil when the terminal produced no result.
func (s *TerminalService) dispatch(ctx context.Context, method string, req *structpb.Struct) (any, error) {
	switch method {
	case "AccountInfo":
		info, err := s.term.AccountInfo(ctx)
		if err != nil || info == nil {
			return nil, err
		}
		return encodeAccountInfo(info), nil

	case "Login":
		auth, ok := s.term.(Authenticator)
		if !ok {
			return nil, status.Error(codes.Unimplemented, "login not supported")
		}
		return auth.Login(ctx, integer(req, "login"), str(req, "password"), str(req, "server"))

	case "SymbolInfo":
		si, err := s.term.SymbolInfo(ctx, str(req, "symbol"))
		if err != nil || si == nil {
			return nil, err
		}
		return encodeSymbolInfo(si), nil

	case "SymbolSelect":
		return s.term.SymbolSelect(ctx, str(req, "symbol"), boolean(req, "enable"))

	case "SymbolTick":
		tick, err := s.term.SymbolTick(ctx, str(req, "symbol"))
		if err != nil || tick == nil {
			return nil, err
		}
		return encodeTick(tick), nil

	case "OrderSend":
		var order *structpb.Struct
		if v, ok := field(req, "request"); ok {
			order = v.GetStructValue()
		}
		res, err := s.term.OrderSend(ctx, decodeOrderRequest(order))
		if err != nil || res == nil {
			return nil, err
		}
		return encodeOrderResult(res), nil

	case "Positions":
		positions, err := s.term.Positions(ctx, domain.PositionFilter{
			Symbol: str(req, "symbol"),
			Ticket: integer(req, "ticket"),
		})
		if err != nil || positions == nil {
			return nil, err
		}
		list := make([]any, 0, len(positions))
		for _, p := range positions {
			list = append(list, encodePosition(p))
		}
		return list, nil

	case "RatesFromPos":
		bars, err := s.term.RatesFromPos(ctx, str(req, "symbol"), domain.Timeframe(integer(req, "timeframe")),
			int(integer(req, "start")), int(integer(req, "count")))
		return encodeBars(bars), err

	case "RatesRange":
		bars, err := s.term.RatesRange(ctx, str(req, "symbol"), domain.Timeframe(integer(req, "timeframe")),
			unixTime(req, "from"), unixTime(req, "to"))
		return encodeBars(bars), err

	case "Symbols":
		symbols, err := s.term.Symbols(ctx)
		if err != nil || symbols == nil {
			return nil, err
		}
		list := make([]any, 0, len(symbols))
		for i := range symbols {
			list = append(list, encodeSymbolInfo(&symbols[i]))
		}
		return list, nil

	case "HistoryDeals":
		deals, err := s.term.HistoryDeals(ctx, unixTime(req, "from"), unixTime(req, "to"))
		if err != nil || deals == nil {
			return nil, err
		}
		list := make([]any, 0, len(deals))
		for _, d := range deals {
			list = append(list, encodeDeal(d))
		}
		return list, nil

	case "LastError":
		code, msg, err := s.term.LastError(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"code": code, "message": msg}, nil
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func encodeBars(bars []domain.Bar) any {
	if bars == nil {
		return nil
	}
	list := make([]any, 0, len(bars))
	for _, b := range bars {
		list = append(list, encodeBar(b))
	}
	return list
}

// ServeTimeout bounds a single terminal call made on behalf of a remote
// client.
const ServeTimeout = 60 * time.Second

// TimeoutInterceptor applies ServeTimeout to every unary call.
func TimeoutInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, ServeTimeout)
	defer cancel()
	return handler(ctx, req)
}
