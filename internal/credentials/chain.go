// Package credentials encrypts and decrypts stored broker passwords through
// an ordered chain of ciphers: the database's own functions, a remote
// encryption service, and a local Fernet key.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/metrics"
)

// Cipher is one way of turning a password into a stored token and back.
type Cipher interface {
	Name() string
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, token string) (string, error)
}

// Chain tries each cipher in order until one succeeds.
type Chain struct {
	ciphers []Cipher
	log     *slog.Logger
}

// NewChain returns a Chain over the non-nil ciphers, in the given order.
func NewChain(log *slog.Logger, ciphers ...Cipher) *Chain {
	c := &Chain{log: log}
	for _, ci := range ciphers {
		if ci != nil {
			c.ciphers = append(c.ciphers, ci)
		}
	}
	return c
}

// Names lists the configured ciphers in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.ciphers))
	for i, ci := range c.ciphers {
		names[i] = ci.Name()
	}
	return names
}

// Encrypt returns the token produced by the first cipher that succeeds. It
// never falls back to storing the plaintext.
func (c *Chain) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", domain.Invalidf("password is required")
	}
	var errs []error
	for _, ci := range c.ciphers {
		token, err := ci.Encrypt(ctx, plaintext)
		if err == nil && token != "" {
			c.hop(ci, "encrypt", nil)
			return token, nil
		}
		if err == nil {
			err = errors.New("empty token")
		}
		c.hop(ci, "encrypt", err)
		errs = append(errs, fmt.Errorf("%s: %w", ci.Name(), err))
	}
	return "", fmt.Errorf("encrypting password: no cipher available: %w", errors.Join(errs...))
}

// Decrypt returns the password from the first cipher that can read token.
// When none can, the error wraps domain.ErrMissingCredentials so callers
// treat the account as having no usable password.
func (c *Chain) Decrypt(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrMissingCredentials
	}
	var errs []error
	for _, ci := range c.ciphers {
		pw, err := ci.Decrypt(ctx, token)
		if err == nil && pw != "" {
			c.hop(ci, "decrypt", nil)
			return pw, nil
		}
		if err == nil {
			err = errors.New("empty password")
		}
		c.hop(ci, "decrypt", err)
		errs = append(errs, fmt.Errorf("%s: %w", ci.Name(), err))
	}
	errs = append([]error{domain.ErrMissingCredentials}, errs...)
	return "", fmt.Errorf("decrypting password: %w", errors.Join(errs...))
}

func (c *Chain) hop(ci Cipher, op string, err error) {
	if err != nil {
		metrics.DecryptHops.WithLabelValues(ci.Name(), op, "error").Inc()
		c.log.Warn("cipher failed", "cipher", ci.Name(), "op", op, "error", err)
		return
	}
	metrics.DecryptHops.WithLabelValues(ci.Name(), op, "ok").Inc()
	c.log.Debug("cipher succeeded", "cipher", ci.Name(), "op", op)
}
