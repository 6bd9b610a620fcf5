// Package otp polls an OTP source until a passcode for a credential shows up.
package otp

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/phhowardchen/bless-token-broker/internal/clock"
	"github.com/phhowardchen/bless-token-broker/internal/email"
)

const (
	DefaultAttempts = 5
	DefaultInterval = 3 * time.Second
)

// Source performs one OTP lookup. A non-nil error means the source itself
// could not be reached; outcomes of the mailbox session are in the Result.
type Source interface {
	FetchOTP(ctx context.Context, cred email.Credential) (email.Result, error)
}

// PollClient retries a Source with a fixed delay.
type PollClient struct {
	source   Source
	attempts int
	interval time.Duration
	sleep    clock.SleepFunc
	logger   *zap.Logger
}

// Option configures a PollClient.
type Option func(*PollClient)

func WithAttempts(n int) Option {
	return func(c *PollClient) {
		if n > 0 {
			c.attempts = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(c *PollClient) {
		if d >= 0 {
			c.interval = d
		}
	}
}

// WithSleep replaces the wait between attempts, e.g. with a clock.Recorder.
func WithSleep(fn clock.SleepFunc) Option {
	return func(c *PollClient) { c.sleep = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *PollClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewPollClient creates a client over source.
func NewPollClient(source Source, opts ...Option) *PollClient {
	c := &PollClient{
		source:   source,
		attempts: DefaultAttempts,
		interval: DefaultInterval,
		sleep:    clock.Sleep,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PollOTP returns the first code the source reports. An empty code with a
// nil error means no OTP: attempts ran out or the source was unreachable.
// Errors are returned only for an unsupported domain or when ctx ends.
func (c *PollClient) PollOTP(ctx context.Context, cred email.Credential) (string, error) {
	log := c.logger.With(zap.String("email", cred.Email))

	for attempt := 1; attempt <= c.attempts; attempt++ {
		log.Info("Requesting OTP", zap.Int("attempt", attempt), zap.Int("max_attempts", c.attempts))

		res, err := c.source.FetchOTP(ctx, cred)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			log.Error("Failed to reach OTP source", zap.Int("attempt", attempt), zap.Error(err))
			return "", nil
		}

		if res.Kind == email.KindFound && res.Code != "" {
			log.Info("OTP received", zap.Int("attempt", attempt))
			return res.Code, nil
		}
		if res.Kind == email.KindError && errors.Is(res.Err, email.ErrUnsupportedDomain) {
			return "", res.Err
		}

		log.Info("OTP not available yet",
			zap.Int("attempt", attempt),
			zap.Stringer("result", res.Kind),
			zap.NamedError("cause", res.Err),
		)
		if attempt == c.attempts {
			break
		}
		if err := c.sleep(ctx, c.interval); err != nil {
			return "", err
		}
	}

	log.Warn("OTP not found after retries", zap.Int("attempts", c.attempts))
	return "", nil
}
