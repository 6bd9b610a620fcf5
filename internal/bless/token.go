package bless

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/phhowardchen/bless-token-broker/internal/clock"
)

const (
	// TokenStorageKey is the localStorage key the dashboard stores the
	// auth token under.
	TokenStorageKey = "B7S_AUTH_TOKEN"
	// TokenErrorSentinel is stored while the dashboard has no token yet.
	TokenErrorSentinel = "ERROR"

	DefaultTokenAttempts = 100
	DefaultTokenInterval = 5 * time.Second
)

// TokenPoller refreshes a logged-in session until the dashboard stores a
// token. The interval is fixed: the token appears on a server-side timer
// the client cannot observe.
type TokenPoller struct {
	attempts int
	interval time.Duration
	sleep    clock.SleepFunc
	logger   *zap.Logger
}

// TokenOption configures a TokenPoller.
type TokenOption func(*TokenPoller)

func WithTokenAttempts(n int) TokenOption {
	return func(p *TokenPoller) {
		if n > 0 {
			p.attempts = n
		}
	}
}

func WithTokenInterval(d time.Duration) TokenOption {
	return func(p *TokenPoller) {
		if d >= 0 {
			p.interval = d
		}
	}
}

func WithTokenSleep(fn clock.SleepFunc) TokenOption {
	return func(p *TokenPoller) { p.sleep = fn }
}

func WithTokenLogger(l *zap.Logger) TokenOption {
	return func(p *TokenPoller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewTokenPoller creates a poller with the default 100 x 5s budget.
func NewTokenPoller(opts ...TokenOption) *TokenPoller {
	p := &TokenPoller{
		attempts: DefaultTokenAttempts,
		interval: DefaultTokenInterval,
		sleep:    clock.Sleep,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll waits, reads the stored token and refreshes the page until a real
// token shows up.
func (p *TokenPoller) Poll(ctx context.Context, s Session) (string, error) {
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := p.sleep(ctx, p.interval); err != nil {
			return "", err
		}

		token, err := s.LocalStorageItem(ctx, TokenStorageKey)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", TokenStorageKey, err)
		}
		if token != "" && token != TokenErrorSentinel {
			p.logger.Info("Token found in localStorage", zap.Int("attempt", attempt))
			return token, nil
		}

		p.logger.Debug("Token not found or is ERROR, refreshing",
			zap.Int("attempt", attempt),
			zap.Bool("sentinel", token == TokenErrorSentinel),
		)
		if err := s.Reload(ctx); err != nil {
			return "", fmt.Errorf("failed to refresh page: %w", err)
		}
	}

	return "", fmt.Errorf("%w after %d attempts", ErrTokenAcquisitionTimeout, p.attempts)
}
