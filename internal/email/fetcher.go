package email

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultFetchTimeout bounds one whole mailbox session.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultOTPSender is searched for when the server cannot sort.
	DefaultOTPSender = "no-reply@web3auth.io"
)

// Dialer opens an authenticated mailbox connection.
type Dialer func(ctx context.Context, cfg MailboxConfig) (Mailbox, error)

// Fetcher reads the newest unseen OTP from a mailbox.
type Fetcher struct {
	dial    Dialer
	timeout time.Duration
	sender  string
	logger  *zap.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithDialer replaces the IMAP dialer.
func WithDialer(d Dialer) FetcherOption {
	return func(f *Fetcher) { f.dial = d }
}

// WithFetchTimeout sets the per-session budget.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithSender sets the sender used by SearchStrategy.
func WithSender(sender string) FetcherOption {
	return func(f *Fetcher) {
		if sender != "" {
			f.sender = sender
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a fetcher that dials real IMAP servers by default.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		dial:    DialIMAP,
		timeout: DefaultFetchTimeout,
		sender:  DefaultOTPSender,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchLatestOTP runs one mailbox session against cfg. The connection is
// closed exactly once on every path, including when the budget expires
// while a command is still in flight.
func (f *Fetcher) FetchLatestOTP(ctx context.Context, cfg MailboxConfig) Result {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	log := f.logger.With(zap.String("mailbox", cfg.User), zap.String("host", cfg.Host))
	guard := &connGuard{}
	done := make(chan Result, 1)

	go func() {
		done <- f.fetch(ctx, cfg, guard, log)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		select {
		case res := <-done:
			return res
		default:
		}
		if !guard.abort() {
			// The session already released its connection; its result
			// is about to be sent.
			return <-done
		}
		log.Warn("Mailbox fetch timed out", zap.Duration("timeout", f.timeout))
		return Timeout(ctx.Err())
	}
}

func (f *Fetcher) fetch(ctx context.Context, cfg MailboxConfig, guard *connGuard, log *zap.Logger) Result {
	mb, err := f.dial(ctx, cfg)
	if err != nil {
		var mbErr *MailboxError
		if !errors.As(err, &mbErr) {
			err = &MailboxError{Op: OpConnect, Host: cfg.Host, Err: err}
		}
		log.Warn("Failed to connect to mailbox", zap.Error(err))
		return Failure(err)
	}
	if !guard.attach(mb) {
		return Timeout(ctx.Err())
	}
	defer guard.close()

	if err := mb.SelectInbox(); err != nil {
		return Failure(&MailboxError{Op: OpSelect, Host: cfg.Host, Err: err})
	}

	canSort, err := mb.SupportsSort()
	if err != nil {
		return Failure(&MailboxError{Op: OpCapability, Host: cfg.Host, Err: err})
	}
	strategy := SelectStrategy(canSort, f.sender)

	seqNum, ok, err := strategy.Pick(mb)
	if err != nil {
		return Failure(err)
	}
	if !ok {
		log.Debug("No unseen OTP message", zap.String("strategy", strategy.Name()))
		return NotFound()
	}

	raw, err := mb.FetchHeader(seqNum)
	if err != nil {
		return Failure(&MailboxError{Op: OpFetch, Host: cfg.Host, Err: err})
	}
	hdr, err := ParseHeader(raw)
	if err != nil {
		return Failure(&MailboxError{Op: OpParse, Host: cfg.Host, Err: err})
	}

	code, ok := ExtractOTP(hdr.Subject)
	if !ok {
		log.Debug("Newest unseen message carries no OTP",
			zap.String("strategy", strategy.Name()),
			zap.String("subject", hdr.Subject),
		)
		return NotFound()
	}
	// Only the message that yielded a code is consumed; anything else
	// stays unseen.
	if err := mb.MarkSeen(seqNum); err != nil {
		log.Warn("Failed to mark OTP message seen", zap.Uint32("seq", seqNum), zap.Error(err))
	}
	log.Info("Found OTP message",
		zap.String("strategy", strategy.Name()),
		zap.Uint32("seq", seqNum),
		zap.String("from", hdr.From),
	)
	return Found(code)
}

// terminator is implemented by mailboxes that can drop the connection
// without a protocol round trip.
type terminator interface {
	Terminate() error
}

// connGuard closes the attached mailbox once, whichever of the normal
// path and the timeout path gets there first.
type connGuard struct {
	mu     sync.Mutex
	mb     Mailbox
	closed bool
}

// attach registers mb. It returns false, closing mb, when the guard was
// already aborted.
func (g *connGuard) attach(mb Mailbox) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		_ = mb.Close()
		return false
	}
	g.mb = mb
	return true
}

func (g *connGuard) close() {
	g.release(false)
}

// abort reports false when the normal path released the connection first.
func (g *connGuard) abort() bool {
	return g.release(true)
}

func (g *connGuard) release(abort bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	if g.mb == nil {
		return true
	}
	if t, ok := g.mb.(terminator); ok && abort {
		_ = t.Terminate()
		return true
	}
	_ = g.mb.Close()
	return true
}
