// Package session keeps the shared terminal logged in as the account each
// request needs, and picks which stored account a request refers to.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mt5bridge/internal/broker"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/metrics"
	"mt5bridge/internal/util"
)

// Decrypter turns a stored credential back into the broker password.
type Decrypter interface {
	Decrypt(ctx context.Context, encrypted string) (string, error)
}

// Cache tracks which account each user last worked with and which login the
// terminal is authenticated as. The terminal holds one session at a time, so
// every check-then-login sequence runs under a single mutex.
type Cache struct {
	mu      sync.Mutex
	term    broker.Terminal
	creds   Decrypter
	limiter *util.RateLimiter
	log     *slog.Logger

	active  map[string]string // user id -> account id
	current int64
}

// NewCache creates a Cache for term. limiter throttles terminal logins and
// may be nil.
func NewCache(term broker.Terminal, creds Decrypter, limiter *util.RateLimiter, log *slog.Logger) *Cache {
	return &Cache{
		term:    term,
		creds:   creds,
		limiter: limiter,
		log:     log,
		active:  make(map[string]string),
	}
}

// Ensure makes sure the terminal is authenticated as acct, logging in when a
// different login is active, and records acct as the user's active account.
func (c *Cache) Ensure(ctx context.Context, userID string, acct *domain.TradingAccount) error {
	if err := c.lockEnsured(ctx, userID, acct); err != nil {
		return err
	}
	c.mu.Unlock()
	return nil
}

// Do runs fn with the terminal authenticated as acct. The session lock is
// held until fn returns, so no other request can switch accounts in between.
func (c *Cache) Do(ctx context.Context, userID string, acct *domain.TradingAccount, fn func(ctx context.Context) error) error {
	if err := c.lockEnsured(ctx, userID, acct); err != nil {
		return err
	}
	defer c.mu.Unlock()
	return fn(ctx)
}

// errThrottled means a login is needed but the limiter has no token.
var errThrottled = errors.New("login throttled")

// lockEnsured returns with c.mu held and the terminal authenticated as acct.
// When a login slot is not immediately available it waits with the mutex
// released, so requests for the current login are never queued behind a
// throttled switch, and then checks the session again.
func (c *Cache) lockEnsured(ctx context.Context, userID string, acct *domain.TradingAccount) error {
	reserved := false
	for {
		c.mu.Lock()
		err := c.ensureLocked(ctx, userID, acct, reserved)
		if err == nil {
			return nil
		}
		c.mu.Unlock()
		if !errors.Is(err, errThrottled) {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for login slot: %w", err)
		}
		reserved = true
	}
}

// ensureLocked logs in as acct when needed. reserved reports that the caller
// already holds a login token.
func (c *Cache) ensureLocked(ctx context.Context, userID string, acct *domain.TradingAccount, reserved bool) error {
	info, err := c.term.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading terminal account: %w", err)
	}
	if info != nil && info.Login == acct.Login {
		c.current = info.Login
		c.active[userID] = acct.ID
		return nil
	}

	if _, ok := c.term.(broker.Authenticator); !ok {
		return fmt.Errorf("%s terminal: %w", c.term.Name(), domain.ErrLoginUnsupported)
	}
	if !acct.HasCredentials() {
		return fmt.Errorf("account %d@%s: %w", acct.Login, acct.Server, domain.ErrMissingCredentials)
	}
	if !reserved && c.limiter != nil && !c.limiter.Allow() {
		return errThrottled
	}
	password, err := c.creds.Decrypt(ctx, acct.EncryptedPassword)
	if err != nil {
		return fmt.Errorf("account %d@%s: %w", acct.Login, acct.Server, err)
	}
	if password == "" {
		return fmt.Errorf("account %d@%s: %w", acct.Login, acct.Server, domain.ErrMissingCredentials)
	}

	var from int64
	if info != nil {
		from = info.Login
	}
	if err := c.loginLocked(ctx, userID, from, acct.Login, acct.Server, password); err != nil {
		return err
	}
	c.active[userID] = acct.ID
	return nil
}

// Verify logs the terminal in with an explicit password, even when that login
// is already active, and runs fn with the resulting account snapshot. fn
// returns the id of the stored account, which becomes the user's active one.
func (c *Cache) Verify(ctx context.Context, userID string, login int64, server, password string,
	fn func(ctx context.Context, info *domain.AccountInfo) (string, error)) error {
	if password == "" {
		return domain.Invalidf("password is required")
	}
	if _, ok := c.term.(broker.Authenticator); ok && c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for login slot: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.term.(broker.Authenticator); ok {
		if err := c.loginLocked(ctx, userID, c.current, login, server, password); err != nil {
			return err
		}
	}
	// A terminal without programmatic login is accepted only when it is
	// already authenticated as the requested login.
	info, err := c.term.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading terminal account: %w", err)
	}
	if info == nil {
		return fmt.Errorf("no account info after login: %w", domain.ErrTerminalUnavailable)
	}
	if info.Login != login {
		return fmt.Errorf("%s terminal is authenticated as %d: %w", c.term.Name(), info.Login, domain.ErrLoginUnsupported)
	}
	c.current = info.Login
	id, err := fn(ctx, info)
	if err != nil {
		return err
	}
	c.active[userID] = id
	return nil
}

func (c *Cache) loginLocked(ctx context.Context, userID string, from, login int64, server, password string) error {
	auth, ok := c.term.(broker.Authenticator)
	if !ok {
		return fmt.Errorf("%s terminal: %w", c.term.Name(), domain.ErrLoginUnsupported)
	}
	c.log.Info("switching terminal session", "user_id", userID, "from", from, "to", login, "server", server)

	ok, err := auth.Login(ctx, login, password, server)
	if err != nil {
		metrics.SessionSwitches.WithLabelValues("error").Inc()
		return fmt.Errorf("logging in %d: %w", login, err)
	}
	if !ok {
		metrics.SessionSwitches.WithLabelValues("rejected").Inc()
		code, msg, lerr := c.term.LastError(ctx)
		detail := fmt.Sprintf("%s (code %d)", msg, code)
		if lerr != nil {
			detail = lerr.Error()
		}
		// The terminal may have dropped the previous session.
		c.current = 0
		return &domain.LoginError{Login: login, Server: server, Detail: detail}
	}

	metrics.SessionSwitches.WithLabelValues("ok").Inc()
	metrics.CurrentLogin.Set(float64(login))
	c.current = login
	return nil
}

// ActiveAccountID returns the account id last ensured for userID.
func (c *Cache) ActiveAccountID(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[userID]
	return id, ok
}

// Forget drops every user association with accountID, e.g. after the
// account is deleted.
func (c *Cache) Forget(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for user, id := range c.active {
		if id == accountID {
			delete(c.active, user)
		}
	}
}

// CurrentLogin returns the last login the cache saw authenticated, or 0.
func (c *Cache) CurrentLogin() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
