package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mt5bridge/internal/accounts"
	"mt5bridge/internal/auth"
	"mt5bridge/internal/broker"
	"mt5bridge/internal/config"
	"mt5bridge/internal/credentials"
	"mt5bridge/internal/engine"
	"mt5bridge/internal/httpapi"
	"mt5bridge/internal/marketdata"
	"mt5bridge/internal/session"
	"mt5bridge/internal/store"
	"mt5bridge/internal/util"
)

var version = "dev"

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	warnInsecureAuth(cfg, logger)

	term, closeTerm, err := openTerminal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTerm()

	st, pg, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var ciphers []credentials.Cipher
	if pg != nil {
		ciphers = append(ciphers, credentials.NewDatabase(pg))
	}
	if cfg.Encryption.ServiceURL != "" {
		ciphers = append(ciphers, credentials.NewService(cfg.Encryption.ServiceURL))
	}
	if cfg.Encryption.LocalKey != "" {
		f, err := credentials.NewFernet(cfg.Encryption.LocalKey)
		if err != nil {
			return fmt.Errorf("local encryption key: %w", err)
		}
		ciphers = append(ciphers, f)
	}
	if len(ciphers) == 0 {
		logger.Warn("no credential cipher configured, connecting accounts will fail")
	}
	creds := credentials.NewChain(logger, ciphers...)

	var limiter *util.RateLimiter
	if cfg.Terminal.LoginsPerMinute > 0 {
		limiter = util.NewBurstRateLimiter(cfg.Terminal.LoginsPerMinute, cfg.Terminal.LoginBurst)
	}
	cache := session.NewCache(term, creds, limiter, logger)
	offload := session.NewOffloader(cfg.Terminal.Workers, cfg.Terminal.LoginTimeout,
		cfg.Terminal.FastLoginTimeout, cfg.Terminal.FastServers)

	eng := engine.NewEngine(term, engine.NewRiskManager(cfg.Trading.MaxVolume), st, engine.Config{
		Deviation: cfg.Trading.Deviation,
		Magic:     cfg.Trading.Magic,
		Comment:   cfg.Trading.Comment,
	}, logger)

	var archive marketdata.Archive
	if cfg.Storage.DataDir != "" {
		archive = store.NewBarArchive(cfg.Storage.DataDir)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Accounts:   accounts.NewService(term, st, cache, creds, offload, logger),
		Engine:     eng,
		MarketData: marketdata.NewService(term, archive, logger),
		Terminal:   term,
		Verifier: auth.NewVerifier(auth.Config{
			Secret:      cfg.Auth.JWTSecret,
			IssuerMatch: cfg.Auth.IssuerMatch,
			SupabaseURL: cfg.Auth.SupabaseURL,
			AnonKey:     cfg.Auth.SupabaseAnonKey,
		}),
		DB:             st,
		Servers:        cfg.Terminal.KnownServers,
		CORSOrigins:    cfg.Server.CORSOrigins,
		StreamInterval: cfg.Server.StreamInterval,
		Version:        version,
		Log:            logger,
	})

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Hub().Run(ctx)
	})
	g.Go(func() error {
		logger.Info("bridge listening", "addr", httpServer.Addr, "terminal", term.Name(),
			"storage", cfg.Storage.Driver, "ciphers", creds.Names(), "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down bridge")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openTerminal selects the terminal driver. The gRPC sidecar is probed until
// it answers so a bridge started alongside it does not serve 503s at boot.
// warnInsecureAuth flags a deployment that accepts bearer tokens without
// checking their signature.
func warnInsecureAuth(cfg *config.Config, logger *slog.Logger) {
	if cfg.Auth.JWTSecret != "" {
		return
	}
	logger.Warn("auth.jwt_secret not set, bearer token signatures are not verified",
		"issuer_match", cfg.Auth.IssuerMatch)
}

func openTerminal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Terminal, func(), error) {
	switch cfg.Terminal.Driver {
	case "grpc":
		gt, err := broker.DialTerminal(cfg.Terminal.Address)
		if err != nil {
			return nil, nil, err
		}
		err = util.Retry(ctx, logger, "terminal reachability", cfg.Terminal.ConnectAttempts, time.Second,
			func(ctx context.Context) error {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				_, err := gt.AccountInfo(pingCtx)
				return err
			})
		if err != nil {
			// The sidecar may come up later; requests report 503 until then.
			logger.Warn("terminal not reachable yet", "addr", cfg.Terminal.Address, "error", err)
		}
		return gt, func() { gt.Close() }, nil

	case "alpaca":
		a := cfg.Alpaca
		if a.APIKey == "" || a.APISecret == "" {
			return nil, nil, errors.New("alpaca driver requires api_key and api_secret")
		}
		return broker.NewAlpacaTerminal(a.APIKey, a.APISecret, a.BaseURL, a.DataURL), func() {}, nil

	case "simulator":
		logger.Warn("using in-process terminal simulator")
		return broker.NewSimulator(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown terminal driver %q", cfg.Terminal.Driver)
}

// openStore returns the account store and, for Postgres, the store again as
// the database password functions.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, credentials.PasswordFuncs, error) {
	if cfg.Storage.Driver == "postgres" {
		pg, err := store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating database directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return st, nil, nil
}
