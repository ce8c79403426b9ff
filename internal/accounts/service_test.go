package accounts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/session"
	"mt5bridge/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// prefixCipher stores "enc:<password>".
type prefixCipher struct{}

func (prefixCipher) Encrypt(_ context.Context, p string) (string, error) { return "enc:" + p, nil }
func (prefixCipher) Decrypt(_ context.Context, t string) (string, error) {
	p, ok := strings.CutPrefix(t, "enc:")
	if !ok {
		return "", domain.ErrMissingCredentials
	}
	return p, nil
}

type fixture struct {
	svc   *Service
	sim   *broker.Simulator
	store *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := broker.NewSimulator()
	sim.AddAccount(5001, "alpha", "Broker-Demo", 10000)
	sim.AddAccount(5002, "beta", "Broker-Live", 2500)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := session.NewCache(sim, prefixCipher{}, nil, discard)
	off := session.NewOffloader(2, 5*time.Second, time.Second, nil)
	return &fixture{
		svc:   NewService(sim, st, cache, prefixCipher{}, off, discard),
		sim:   sim,
		store: st,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestConnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.svc.Connect(ctx, "u1", ConnectRequest{Login: 5001, Password: "alpha", Server: " Broker-Demo "})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	acct := snap.Account
	if acct.Name != "5001@Broker-Demo" {
		t.Errorf("Name = %q, want 5001@Broker-Demo", acct.Name)
	}
	if acct.Type != domain.AccountDemo || !acct.IsDefault {
		t.Errorf("Type/IsDefault = %s/%v, want demo/true", acct.Type, acct.IsDefault)
	}
	if acct.Balance != 10000 || snap.Info.Login != 5001 {
		t.Errorf("snapshot = %+v / %+v", acct, snap.Info)
	}
	if acct.EncryptedPassword != "enc:alpha" {
		t.Errorf("stored password = %q, want encrypted form", acct.EncryptedPassword)
	}

	stored, err := f.store.GetAccount(ctx, "u1", acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if stored.Balance != 10000 || stored.LastConnectedAt.IsZero() {
		t.Errorf("stored balances = %+v", stored)
	}
}

func TestConnectRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Connect(ctx, "u1", ConnectRequest{Login: 5001, Password: "nope", Server: "Broker-Demo"})
	var le *domain.LoginError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *domain.LoginError", err)
	}
	list, _ := f.svc.List(ctx, "u1")
	if len(list) != 0 {
		t.Errorf("accounts stored after rejected login = %d, want 0", len(list))
	}
}

func TestConnectValidation(t *testing.T) {
	f := newFixture(t)
	tests := []ConnectRequest{
		{Login: 0, Password: "x", Server: "s"},
		{Login: 1, Password: "", Server: "s"},
		{Login: 1, Password: "x", Server: "  "},
	}
	for _, req := range tests {
		if _, err := f.svc.Connect(context.Background(), "u1", req); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("Connect(%+v) error = %v, want ErrInvalidArgument", req, err)
		}
	}
}

func TestSwitchAndCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.svc.Connect(ctx, "u1", ConnectRequest{Login: 5001, Password: "alpha", Server: "Broker-Demo"})
	second, err := f.svc.Connect(ctx, "u1", ConnectRequest{
		Login: 5002, Password: "beta", Server: "Broker-Live", Type: "live", SetAsDefault: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("Connect second: %v", err)
	}

	// The most recent connect is active even though it is not the default.
	cur, err := f.svc.Current(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.Account.ID != second.Account.ID {
		t.Errorf("Current = %s, want %s", cur.Account.ID, second.Account.ID)
	}

	snap, err := f.svc.Switch(ctx, "u1", first.Account.ID)
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if snap.Info.Login != 5001 {
		t.Errorf("terminal login after switch = %d, want 5001", snap.Info.Login)
	}
	if _, err := f.svc.Switch(ctx, "u1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Switch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteFallsBackToNoAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap, _ := f.svc.Connect(ctx, "u1", ConnectRequest{Login: 5001, Password: "alpha", Server: "Broker-Demo"})

	if err := f.svc.Delete(ctx, "u1", snap.Account.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.Current(ctx, "u1", ""); !errors.Is(err, domain.ErrNoAccount) {
		t.Errorf("Current after delete error = %v, want ErrNoAccount", err)
	}
	if err := f.svc.Delete(ctx, "u1", snap.Account.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap, _ := f.svc.Connect(ctx, "u1", ConnectRequest{Login: 5001, Password: "alpha", Server: "Broker-Demo"})

	blank := " "
	if _, err := f.svc.Update(ctx, "u1", snap.Account.ID, store.AccountUpdate{Name: &blank}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Update(blank name) error = %v, want ErrInvalidArgument", err)
	}
	got, err := f.svc.Update(ctx, "u1", snap.Account.ID, store.AccountUpdate{})
	if err != nil || got.ID != snap.Account.ID {
		t.Errorf("empty Update = %v, %v", got, err)
	}
	name := "main"
	got, err = f.svc.Update(ctx, "u1", snap.Account.ID, store.AccountUpdate{Name: &name})
	if err != nil || got.Name != "main" {
		t.Errorf("Update name = %v, %v", got, err)
	}
}

func TestWithAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.svc.Connect(ctx, "u1", ConnectRequest{Login: 5001, Password: "alpha", Server: "Broker-Demo"})
	b, _ := f.svc.Connect(ctx, "u2", ConnectRequest{Login: 5002, Password: "beta", Server: "Broker-Live"})

	// u1 works on its account even though u2 logged in last.
	var login int64
	err := f.svc.WithAccount(ctx, "u1", "", func(ctx context.Context, acct *domain.TradingAccount) error {
		info, err := f.sim.AccountInfo(ctx)
		if err != nil {
			return err
		}
		login = info.Login
		if acct.ID != a.Account.ID {
			t.Errorf("account = %s, want %s", acct.ID, a.Account.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithAccount: %v", err)
	}
	if login != 5001 {
		t.Errorf("terminal login inside WithAccount = %d, want 5001", login)
	}

	// Another user's account id is not visible.
	err = f.svc.WithAccount(ctx, "u1", b.Account.ID, func(context.Context, *domain.TradingAccount) error {
		t.Error("fn ran for a foreign account")
		return nil
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("WithAccount(foreign) error = %v, want ErrNotFound", err)
	}
	if err := f.svc.WithAccount(ctx, "nobody", "", func(context.Context, *domain.TradingAccount) error { return nil }); !errors.Is(err, domain.ErrNoAccount) {
		t.Errorf("WithAccount(no accounts) error = %v, want ErrNoAccount", err)
	}
}
