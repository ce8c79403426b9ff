package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/util"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// plainCreds treats "enc:<pw>" as the encrypted form of <pw>.
type plainCreds struct{}

func (plainCreds) Decrypt(_ context.Context, enc string) (string, error) {
	pw, ok := strings.CutPrefix(enc, "enc:")
	if !ok {
		return "", domain.ErrMissingCredentials
	}
	return pw, nil
}

func account(id string, login int64, enc string) *domain.TradingAccount {
	return &domain.TradingAccount{ID: id, Login: login, Server: "Demo", EncryptedPassword: enc}
}

func newSim() *broker.Simulator {
	sim := broker.NewSimulator()
	sim.AddAccount(1001, "a", "Demo", 1000)
	sim.AddAccount(1002, "b", "Demo", 2000)
	return sim
}

// loginless hides the simulator's Login method.
type loginless struct{ broker.Terminal }

func TestEnsureLogsInOnce(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	c := NewCache(sim, plainCreds{}, nil, discard)
	acct := account("acct-a", 1001, "enc:a")

	if err := c.Ensure(ctx, "user-1", acct); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if err := c.Ensure(ctx, "user-1", acct); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if sim.LoginCount() != 1 {
		t.Errorf("LoginCount = %d, want 1", sim.LoginCount())
	}
	if id, ok := c.ActiveAccountID("user-1"); !ok || id != "acct-a" {
		t.Errorf("ActiveAccountID = %q, %v, want acct-a", id, ok)
	}
	if c.CurrentLogin() != 1001 {
		t.Errorf("CurrentLogin = %d, want 1001", c.CurrentLogin())
	}
}

func TestEnsureSameLoginOtherUserNoLogin(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	c := NewCache(sim, plainCreds{}, nil, discard)
	c.Ensure(ctx, "user-1", account("acct-a", 1001, "enc:a"))

	// A different user asking for the already-active login needs no
	// credentials at all.
	if err := c.Ensure(ctx, "user-2", account("acct-a2", 1001, "")); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if sim.LoginCount() != 1 {
		t.Errorf("LoginCount = %d, want 1", sim.LoginCount())
	}
	if id, _ := c.ActiveAccountID("user-2"); id != "acct-a2" {
		t.Errorf("ActiveAccountID(user-2) = %q, want acct-a2", id)
	}
}

func TestEnsureMissingCredentials(t *testing.T) {
	sim := newSim()
	c := NewCache(sim, plainCreds{}, nil, discard)
	err := c.Ensure(context.Background(), "user-1", account("acct-a", 1001, ""))
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("error = %v, want ErrMissingCredentials", err)
	}
	if sim.LoginCount() != 0 {
		t.Errorf("LoginCount = %d, want 0", sim.LoginCount())
	}
	if _, ok := c.ActiveAccountID("user-1"); ok {
		t.Error("failed Ensure should not record an active account")
	}
}

func TestEnsureLoginUnsupported(t *testing.T) {
	sim := newSim()
	c := NewCache(loginless{sim}, plainCreds{}, nil, discard)
	err := c.Ensure(context.Background(), "user-1", account("acct-a", 1001, "enc:a"))
	if !errors.Is(err, domain.ErrLoginUnsupported) {
		t.Fatalf("error = %v, want ErrLoginUnsupported", err)
	}
}

func TestEnsureLoginRejected(t *testing.T) {
	sim := newSim()
	c := NewCache(sim, plainCreds{}, nil, discard)
	err := c.Ensure(context.Background(), "user-1", account("acct-a", 1001, "enc:wrong"))
	var le *domain.LoginError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *domain.LoginError", err)
	}
	if !strings.Contains(le.Detail, "Authorization failed") {
		t.Errorf("Detail = %q, want terminal error text", le.Detail)
	}
}

func TestEnsureSwitchesAccounts(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	c := NewCache(sim, plainCreds{}, nil, discard)
	c.Ensure(ctx, "user-1", account("acct-a", 1001, "enc:a"))
	if err := c.Ensure(ctx, "user-2", account("acct-b", 1002, "enc:b")); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	info, _ := sim.AccountInfo(ctx)
	if info.Login != 1002 {
		t.Errorf("terminal login = %d, want 1002", info.Login)
	}
	// user-1 comes back and must switch again.
	c.Ensure(ctx, "user-1", account("acct-a", 1001, "enc:a"))
	if sim.LoginCount() != 3 {
		t.Errorf("LoginCount = %d, want 3", sim.LoginCount())
	}
}

func TestEnsureConcurrent(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	sim.LoginDelay = 5 * time.Millisecond
	c := NewCache(sim, plainCreds{}, nil, discard)

	accts := map[string]*domain.TradingAccount{
		"user-1": account("acct-a", 1001, "enc:a"),
		"user-2": account("acct-b", 1002, "enc:b"),
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for user, acct := range accts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Ensure(ctx, user, acct); err != nil {
					t.Errorf("Ensure(%s): %v", user, err)
				}
			}()
		}
	}
	wg.Wait()

	if sim.Overlapped() {
		t.Error("terminal saw overlapping session calls")
	}
	info, _ := sim.AccountInfo(ctx)
	if info == nil || (info.Login != 1001 && info.Login != 1002) {
		t.Fatalf("terminal login = %v, want one of the two accounts", info)
	}
	if c.CurrentLogin() != info.Login {
		t.Errorf("CurrentLogin = %d, terminal = %d", c.CurrentLogin(), info.Login)
	}
}

func TestDoHoldsSession(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	c := NewCache(sim, plainCreds{}, nil, discard)
	var seen int64
	err := c.Do(ctx, "user-1", account("acct-b", 1002, "enc:b"), func(ctx context.Context) error {
		info, err := sim.AccountInfo(ctx)
		if err != nil {
			return err
		}
		seen = info.Login
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if seen != 1002 {
		t.Errorf("login inside Do = %d, want 1002", seen)
	}
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newSim(), plainCreds{}, nil, discard)
	c.Ensure(ctx, "user-1", account("acct-a", 1001, "enc:a"))
	c.Ensure(ctx, "user-2", account("acct-a", 1001, "enc:a"))
	c.Forget("acct-a")
	if _, ok := c.ActiveAccountID("user-1"); ok {
		t.Error("user-1 still mapped after Forget")
	}
	if _, ok := c.ActiveAccountID("user-2"); ok {
		t.Error("user-2 still mapped after Forget")
	}
}

// ---------------------------------------------------------------------------
// Selector
// ---------------------------------------------------------------------------

type fakeAccounts struct {
	byID       map[string]*domain.TradingAccount
	defaultID  string
	getCalls   []string
}

func (f *fakeAccounts) GetAccount(_ context.Context, _ string, id string) (*domain.TradingAccount, error) {
	f.getCalls = append(f.getCalls, id)
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAccounts) DefaultAccount(_ context.Context, _ string) (*domain.TradingAccount, error) {
	if a, ok := f.byID[f.defaultID]; ok {
		return a, nil
	}
	return nil, domain.ErrNotFound
}

type fakeActive map[string]string

func (f fakeActive) ActiveAccountID(user string) (string, bool) {
	id, ok := f[user]
	return id, ok
}

func TestSelectorPrecedence(t *testing.T) {
	ctx := context.Background()
	accounts := &fakeAccounts{
		byID: map[string]*domain.TradingAccount{
			"explicit": {ID: "explicit"},
			"active":   {ID: "active"},
			"default":  {ID: "default"},
		},
		defaultID: "default",
	}

	tests := []struct {
		name     string
		explicit string
		active   fakeActive
		defID    string
		want     string
		wantErr  error
	}{
		{"explicit wins", "explicit", fakeActive{"u": "active"}, "default", "explicit", nil},
		{"active over default", "", fakeActive{"u": "active"}, "default", "active", nil},
		{"default", "", fakeActive{}, "default", "default", nil},
		{"stale active falls back", "", fakeActive{"u": "gone"}, "default", "default", nil},
		{"explicit missing", "missing", fakeActive{"u": "active"}, "default", "", domain.ErrNotFound},
		{"nothing", "", fakeActive{}, "", "", domain.ErrNoAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts.defaultID = tt.defID
			sel := NewSelector(accounts, tt.active)
			acct, err := sel.Resolve(ctx, "u", tt.explicit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if acct.ID != tt.want {
				t.Errorf("Resolve = %s, want %s", acct.ID, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Offloader
// ---------------------------------------------------------------------------

func TestOffloaderTimeoutFor(t *testing.T) {
	o := NewOffloader(2, 45*time.Second, 15*time.Second, []string{"MetaQuotes", " ICMarketsSC "})
	tests := []struct {
		server string
		want   time.Duration
	}{
		{"MetaQuotes-Demo", 15 * time.Second},
		{"icmarketssc-live07", 15 * time.Second},
		{"Exness-MT5Trial", 45 * time.Second},
	}
	for _, tt := range tests {
		if got := o.TimeoutFor(tt.server); got != tt.want {
			t.Errorf("TimeoutFor(%q) = %v, want %v", tt.server, got, tt.want)
		}
	}
}

func TestOffloaderTimeout(t *testing.T) {
	o := NewOffloader(1, time.Second, time.Second, nil)
	release := make(chan struct{})
	defer close(release)

	err := o.Run(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestOffloaderResult(t *testing.T) {
	o := NewOffloader(1, time.Second, time.Second, nil)
	want := errors.New("boom")
	if err := o.Run(context.Background(), time.Second, func(context.Context) error { return want }); err != want {
		t.Errorf("error = %v, want %v", err, want)
	}
	if err := o.Run(context.Background(), time.Second, func(context.Context) error { return nil }); err != nil {
		t.Errorf("error = %v, want nil", err)
	}
}

func TestOffloaderBoundsWorkers(t *testing.T) {
	o := NewOffloader(1, time.Second, time.Second, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go o.Run(context.Background(), time.Second, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// The only worker is busy, so this call times out waiting for a slot.
	ran := false
	err := o.Run(context.Background(), 20*time.Millisecond, func(context.Context) error {
		ran = true
		return nil
	})
	close(release)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if ran {
		t.Error("second call ran while the worker was busy")
	}
}

func TestVerifyAlwaysLogsIn(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	c := NewCache(sim, plainCreds{}, nil, discard)
	c.Ensure(ctx, "user-1", account("acct-a", 1001, "enc:a"))

	// Already active, but a wrong password must still be caught.
	err := c.Verify(ctx, "user-1", 1001, "Demo", "wrong", func(context.Context, *domain.AccountInfo) (string, error) {
		t.Fatal("fn called after a rejected login")
		return "", nil
	})
	var le *domain.LoginError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *domain.LoginError", err)
	}

	var balance float64
	err = c.Verify(ctx, "user-1", 1002, "demo", "b", func(_ context.Context, info *domain.AccountInfo) (string, error) {
		balance = info.Balance
		return "acct-b", nil
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if balance != 2000 {
		t.Errorf("balance seen = %v, want 2000", balance)
	}
	if id, _ := c.ActiveAccountID("user-1"); id != "acct-b" {
		t.Errorf("ActiveAccountID = %q, want acct-b", id)
	}
	if sim.LoginCount() != 3 {
		t.Errorf("LoginCount = %d, want 3", sim.LoginCount())
	}
}

func TestVerifyWithoutLogin(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	sim.Login(ctx, 1001, "a", "Demo")
	c := NewCache(loginless{sim}, plainCreds{}, nil, discard)

	fn := func(context.Context, *domain.AccountInfo) (string, error) { return "acct-a", nil }
	if err := c.Verify(ctx, "user-1", 1001, "Demo", "anything", fn); err != nil {
		t.Fatalf("Verify for the fixed login: %v", err)
	}
	if err := c.Verify(ctx, "user-1", 1002, "Demo", "b", fn); !errors.Is(err, domain.ErrLoginUnsupported) {
		t.Errorf("Verify for another login error = %v, want ErrLoginUnsupported", err)
	}
}

func TestThrottledSwitchDoesNotBlockCurrentLogin(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	c := NewCache(sim, plainCreds{}, util.NewRateLimiter(1), discard)
	acctA := account("acct-a", 1001, "enc:a")
	if err := c.Ensure(ctx, "user-1", acctA); err != nil {
		t.Fatalf("Ensure acct-a: %v", err)
	}

	// The only login token is spent, so this switch waits for a refill.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	switched := make(chan error, 1)
	go func() {
		switched <- c.Ensure(waitCtx, "user-2", account("acct-b", 1002, "enc:b"))
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := c.Ensure(ctx, "user-1", acctA); err != nil {
		t.Fatalf("second Ensure acct-a: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Ensure for the current login took %v, want it unblocked", elapsed)
	}

	if err := <-switched; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("throttled switch error = %v, want deadline exceeded", err)
	}
	if sim.LoginCount() != 1 {
		t.Errorf("LoginCount = %d, want 1", sim.LoginCount())
	}
}

func TestThrottledSwitchCompletesAfterRefill(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	// 600 per minute refills one token every 100ms.
	c := NewCache(sim, plainCreds{}, util.NewRateLimiter(600), discard)
	if err := c.Ensure(ctx, "user-1", account("acct-a", 1001, "enc:a")); err != nil {
		t.Fatalf("Ensure acct-a: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ensure(waitCtx, "user-2", account("acct-b", 1002, "enc:b")); err != nil {
		t.Fatalf("Ensure acct-b: %v", err)
	}
	if c.CurrentLogin() != 1002 {
		t.Errorf("CurrentLogin = %d, want 1002", c.CurrentLogin())
	}
	if sim.LoginCount() != 2 {
		t.Errorf("LoginCount = %d, want 2", sim.LoginCount())
	}
}
