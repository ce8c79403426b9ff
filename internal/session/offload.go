package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mt5bridge/internal/domain"
)

// Offloader runs blocking terminal calls on a bounded set of workers with a
// wall-clock limit. When the limit expires the caller gets ErrTimeout while
// the call itself may still finish in the background.
type Offloader struct {
	slots       chan struct{}
	timeout     time.Duration
	fastTimeout time.Duration
	fastServers []string
}

// NewOffloader creates an Offloader with the given number of workers.
// fastServers are server-name prefixes that get fastTimeout instead of
// timeout.
func NewOffloader(workers int, timeout, fastTimeout time.Duration, fastServers []string) *Offloader {
	if workers < 1 {
		workers = 1
	}
	lower := make([]string, 0, len(fastServers))
	for _, s := range fastServers {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			lower = append(lower, s)
		}
	}
	return &Offloader{
		slots:       make(chan struct{}, workers),
		timeout:     timeout,
		fastTimeout: fastTimeout,
		fastServers: lower,
	}
}

// TimeoutFor returns the login budget for a broker server.
func (o *Offloader) TimeoutFor(server string) time.Duration {
	s := strings.ToLower(server)
	for _, prefix := range o.fastServers {
		if strings.HasPrefix(s, prefix) {
			return o.fastTimeout
		}
	}
	return o.timeout
}

// Run executes fn on a worker and waits at most timeout for it, including
// the time spent waiting for a free worker.
func (o *Offloader) Run(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return o.expired(ctx, timeout)
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-o.slots }()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return o.expired(ctx, timeout)
	}
}

func (o *Offloader) expired(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s; the terminal may still complete the request, check the account before retrying",
			domain.ErrTimeout, timeout)
	}
	return ctx.Err()
}
