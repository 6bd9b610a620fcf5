// Package workflow turns a mailbox credential into a bless.network session
// token, owning the browser session for the length of one call.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phhowardchen/bless-token-broker/internal/bless"
	"github.com/phhowardchen/bless-token-broker/internal/email"
)

const teardownTimeout = 10 * time.Second

// SessionFactory opens a fresh browser session.
type SessionFactory func(ctx context.Context) (bless.Session, error)

// LoginDriver runs the login flow on a session.
type LoginDriver interface {
	Run(ctx context.Context, s bless.Session, cred email.Credential) (string, error)
}

// PubKeySource looks up the public key for a session token.
type PubKeySource interface {
	Fetch(ctx context.Context, token string) (string, error)
}

// Resolver maps a credential to the mailbox that receives its login code.
type Resolver interface {
	Resolve(cred email.Credential) (email.MailboxConfig, error)
}

// Failure describes a workflow call that did not produce a result.
type Failure struct {
	// RunID matches the run_id field of the call's log lines.
	RunID      string
	Email      string
	Err        error
	Screenshot string
	At         time.Time
}

// Alerter is told about every failed workflow call.
type Alerter interface {
	Alert(ctx context.Context, f Failure) error
}

// Options selects the workflow variant.
type Options struct {
	WithPubKey bool
	// Timeout bounds the whole call when positive.
	Timeout time.Duration
}

// Result is the outcome of a successful call. PubKey is empty unless it
// was requested.
type Result struct {
	Token  string `json:"token"`
	PubKey string `json:"pubKey,omitempty"`
}

// Orchestrator composes the login driver and the pub-key lookup.
type Orchestrator struct {
	newSession    SessionFactory
	driver        LoginDriver
	pubkeys       PubKeySource
	resolver      Resolver
	alerter       Alerter
	screenshotDir string
	logger        *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) { o.alerter = a }
}

// WithResolver rejects credentials r cannot route before any browser is
// started.
func WithResolver(r Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithScreenshotDir saves a page capture into dir when a call fails.
func WithScreenshotDir(dir string) Option {
	return func(o *Orchestrator) { o.screenshotDir = dir }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an orchestrator.
func New(newSession SessionFactory, driver LoginDriver, pubkeys PubKeySource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		newSession: newSession,
		driver:     driver,
		pubkeys:    pubkeys,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AcquireToken logs cred into bless.network and returns its session
// token, plus the first node's public key when opts.WithPubKey is set.
// The browser session is closed exactly once on every return path.
func (o *Orchestrator) AcquireToken(ctx context.Context, cred email.Credential, opts Options) (res Result, err error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	runID := uuid.NewString()
	log := o.logger.With(zap.String("run_id", runID), zap.String("email", cred.Email))
	log.Info("Acquiring token", zap.Bool("with_pub_key", opts.WithPubKey))

	if o.resolver != nil {
		if _, err := o.resolver.Resolve(cred); err != nil {
			log.Warn("Rejected credential", zap.Error(err))
			return Result{}, err
		}
	}

	session, err := o.newSession(ctx)
	if err != nil {
		err = fmt.Errorf("%w: failed to start browser: %w", bless.ErrInternal, err)
		o.report(ctx, log, Failure{RunID: runID, Email: cred.Email, Err: err}, nil)
		return Result{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", bless.ErrInternal, r)
			res = Result{}
		}
		if err != nil {
			o.report(ctx, log, Failure{RunID: runID, Email: cred.Email, Err: err}, session)
		}
		if cerr := session.Close(); cerr != nil {
			log.Warn("Failed to close browser session", zap.Error(cerr))
		}
		log.Debug("Browser session closed")
	}()

	token, err := o.driver.Run(ctx, session, cred)
	if err != nil {
		return Result{}, err
	}
	res.Token = token

	if opts.WithPubKey {
		key, err := o.pubkeys.Fetch(ctx, token)
		if err != nil {
			return Result{}, err
		}
		res.PubKey = key
	}

	log.Info("Token acquired")
	return res, nil
}

// report captures the page and sends an alert. It runs detached from ctx
// so it still works after the caller's deadline passed.
func (o *Orchestrator) report(ctx context.Context, log *zap.Logger, f Failure, s bless.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	f.At = time.Now()
	log.Error("Token acquisition failed", zap.Error(f.Err))

	if s != nil && o.screenshotDir != "" {
		path, err := o.saveScreenshot(ctx, s, f.RunID)
		if err != nil {
			log.Warn("Failed to save screenshot", zap.Error(err))
		} else if path != "" {
			f.Screenshot = path
			log.Info("Saved failure screenshot", zap.String("path", path))
		}
	}

	if o.alerter == nil {
		return
	}
	if err := o.alerter.Alert(ctx, f); err != nil {
		log.Warn("Failed to send failure alert", zap.Error(err))
	}
}

func (o *Orchestrator) saveScreenshot(ctx context.Context, s bless.Session, runID string) (string, error) {
	shooter, ok := s.(bless.Screenshotter)
	if !ok {
		return "", nil
	}
	buf, err := shooter.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(o.screenshotDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(o.screenshotDir, fmt.Sprintf("failure_%s_%s.png", time.Now().Format("2006-01-02T15-04-05"), runID))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// IsTimeout reports whether err came from an exhausted call deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
