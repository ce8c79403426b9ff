// Command terminal-sim serves an in-memory terminal over the bridge's gRPC
// terminal protocol, for running the bridge without a real MT5 install.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/util"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "listen address")
	accounts := flag.String("accounts", "10001:demo:Sim-Demo:10000", "comma-separated login:password:server:balance entries")
	history := flag.Int("bars", 2000, "hourly bars to generate per symbol")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := util.NewLoggerTo(os.Stderr, *logLevel, "text")
	util.SetDefault(logger)

	sim := broker.NewSimulator()
	if err := seedAccounts(sim, *accounts); err != nil {
		log.Fatalf("parsing -accounts: %v", err)
	}
	seedSymbols(sim, *history, time.Now().UTC())

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listening on %s: %v", *addr, err)
	}

	gs := grpc.NewServer(grpc.UnaryInterceptor(broker.TimeoutInterceptor))
	broker.NewTerminalService(sim, logger).RegisterGRPC(gs)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down terminal simulator")
		gs.GracefulStop()
	}()

	logger.Info("terminal simulator listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil {
		log.Fatalf("serving: %v", err)
	}
}

func seedAccounts(sim *broker.Simulator, spec string) error {
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return fmt.Errorf("%q: want login:password:server:balance", entry)
		}
		login, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%q: login: %w", entry, err)
		}
		balance, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return fmt.Errorf("%q: balance: %w", entry, err)
		}
		sim.AddAccount(login, parts[1], parts[2], balance)
	}
	return nil
}

type simSymbol struct {
	name, desc string
	digits     int
	price      float64
	spread     float64
	accepts    []domain.FillingMode
}

var symbols = []simSymbol{
	{"EURUSD", "Euro vs US Dollar", 5, 1.0850, 0.0002, []domain.FillingMode{domain.FillingFOK, domain.FillingIOC}},
	{"GBPUSD", "Great Britain Pound vs US Dollar", 5, 1.2700, 0.0002, []domain.FillingMode{domain.FillingIOC}},
	{"USDJPY", "US Dollar vs Japanese Yen", 3, 151.20, 0.02, []domain.FillingMode{domain.FillingFOK, domain.FillingIOC}},
	{"XAUUSD", "Gold vs US Dollar", 2, 2350.00, 0.30, []domain.FillingMode{domain.FillingReturn}},
}

// seedSymbols registers the demo symbols with a deterministic hourly price
// path ending at now.
func seedSymbols(sim *broker.Simulator, n int, now time.Time) {
	end := now.Truncate(time.Hour)
	for _, sym := range symbols {
		point := math.Pow10(-sym.digits)
		sim.AddSymbol(domain.SymbolInfo{
			Name:        sym.name,
			Description: sym.desc,
			Digits:      sym.digits,
			Point:       point,
			Spread:      int64(math.Round(sym.spread / point)),
			Bid:         sym.price,
			Ask:         sym.price + sym.spread,
			VolumeMin:   0.01,
			VolumeMax:   100,
			VolumeStep:  0.01,
		}, sym.accepts...)

		bars := make([]domain.Bar, n)
		for i := range bars {
			t := end.Add(time.Duration(i-n) * time.Hour)
			wave := math.Sin(float64(i)/24) * sym.price * 0.002
			open := sym.price + wave
			last := sym.price + math.Sin(float64(i+1)/24)*sym.price*0.002
			bars[i] = domain.Bar{
				Time:       t,
				Open:       open,
				High:       math.Max(open, last) + sym.spread,
				Low:        math.Min(open, last) - sym.spread,
				Close:      last,
				TickVolume: int64(100 + i%60),
			}
		}
		sim.SetBars(sym.name, bars)
	}
}
