package bless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/phhowardchen/bless-token-broker/internal/clock"
	"github.com/phhowardchen/bless-token-broker/internal/email"
)

// Page locations and selectors of the bless.network login flow.
const (
	LoginURL           = "https://bless.network/dashboard?ref=Y06FN1"
	EmailInputSelector = "#email"
	OTPInputSelector   = `//*[@id="app"]/div/div/div/div/div[3]/div/form/input[1]`
	DashboardSelector  = `/html/body/div/main/div/div[1]/h1`
)

// State is a login driver state.
type State int

const (
	StateInit State = iota
	StateEmailSubmitted
	StateAwaitingOTPWindow
	StateOTPSubmitted
	StateAwaitingSession
	StateSessionReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEmailSubmitted:
		return "email_submitted"
	case StateAwaitingOTPWindow:
		return "awaiting_otp_window"
	case StateOTPSubmitted:
		return "otp_submitted"
	case StateAwaitingSession:
		return "awaiting_session"
	case StateSessionReady:
		return "session_ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSessionReady || s == StateFailed
}

// Timings are the waits of the login flow.
type Timings struct {
	// EmailInput bounds the wait for the email field.
	EmailInput time.Duration
	// OTPWindow is a blind delay for OTP delivery and the OTP popup.
	OTPWindow time.Duration
	// OTPInput bounds the wait for the OTP field in the popup.
	OTPInput time.Duration
	// Dashboard bounds the wait for the dashboard marker.
	Dashboard time.Duration
}

// DefaultTimings returns the fixed waits of the bless.network flow.
func DefaultTimings() Timings {
	return Timings{
		EmailInput: 10 * time.Second,
		OTPWindow:  20 * time.Second,
		OTPInput:   7 * time.Second,
		Dashboard:  999999 * time.Millisecond,
	}
}

// OTPProvider returns the OTP for a credential, "" when none arrived.
type OTPProvider interface {
	PollOTP(ctx context.Context, cred email.Credential) (string, error)
}

// Login is the state of one login run.
type Login struct {
	State      State
	Credential email.Credential
	Token      string
	Err        error
}

// NewLogin starts a run in StateInit.
func NewLogin(cred email.Credential) *Login {
	return &Login{State: StateInit, Credential: cred}
}

type transition func(ctx context.Context, s Session, run *Login) (State, error)

// Driver moves a Session through the login flow.
type Driver struct {
	otp         OTPProvider
	tokens      *TokenPoller
	timings     Timings
	sleep       clock.SleepFunc
	logger      *zap.Logger
	transitions map[State]transition
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

func WithTimings(t Timings) DriverOption {
	return func(d *Driver) { d.timings = t }
}

func WithDriverSleep(fn clock.SleepFunc) DriverOption {
	return func(d *Driver) { d.sleep = fn }
}

func WithDriverLogger(l *zap.Logger) DriverOption {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDriver creates a driver that gets OTPs from otp and tokens from tokens.
func NewDriver(otp OTPProvider, tokens *TokenPoller, opts ...DriverOption) *Driver {
	if tokens == nil {
		tokens = NewTokenPoller()
	}
	d := &Driver{
		otp:     otp,
		tokens:  tokens,
		timings: DefaultTimings(),
		sleep:   clock.Sleep,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.transitions = map[State]transition{
		StateInit:              d.submitEmail,
		StateEmailSubmitted:    d.awaitOTPWindow,
		StateAwaitingOTPWindow: d.submitOTP,
		StateOTPSubmitted:      d.awaitSession,
		StateAwaitingSession:   d.acquireToken,
	}
	return d
}

// Run drives s from StateInit to a terminal state and returns the token.
// It does not close s.
func (d *Driver) Run(ctx context.Context, s Session, cred email.Credential) (string, error) {
	run := NewLogin(cred)
	for !run.State.Terminal() {
		_ = d.Step(ctx, s, run)
	}
	if run.State == StateFailed {
		return "", run.Err
	}
	return run.Token, nil
}

// Step performs the single transition out of run.State. A failing
// transition moves run to StateFailed and records a *LoginError.
func (d *Driver) Step(ctx context.Context, s Session, run *Login) error {
	if run.State.Terminal() {
		return run.Err
	}
	fn, ok := d.transitions[run.State]
	if !ok {
		return d.fail(run, fmt.Errorf("%w: no transition from %s", ErrInternal, run.State))
	}

	from := run.State
	next, err := fn(ctx, s, run)
	if err != nil {
		return d.fail(run, err)
	}
	run.State = next
	d.logger.Info("Login state changed",
		zap.String("email", run.Credential.Email),
		zap.Stringer("from", from),
		zap.Stringer("to", next),
	)
	return nil
}

func (d *Driver) fail(run *Login, err error) error {
	run.Err = &LoginError{State: run.State, Err: classify(err)}
	d.logger.Error("Login failed",
		zap.String("email", run.Credential.Email),
		zap.Stringer("state", run.State),
		zap.Error(err),
	)
	run.State = StateFailed
	return run.Err
}

// classify keeps known failures and marks everything else ErrInternal.
func classify(err error) error {
	for _, known := range []error{
		ErrElementNotFound,
		ErrOTPNotFound,
		ErrTokenAcquisitionTimeout,
		ErrInternal,
		email.ErrUnsupportedDomain,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

func (d *Driver) submitEmail(ctx context.Context, s Session, run *Login) (State, error) {
	d.logger.Info("Navigating to login page", zap.String("url", LoginURL))
	if err := s.Navigate(ctx, LoginURL); err != nil {
		return StateFailed, fmt.Errorf("failed to open login page: %w", err)
	}
	if err := d.waitFor(ctx, s, EmailInputSelector, d.timings.EmailInput); err != nil {
		return StateFailed, err
	}
	if err := s.SendKeys(ctx, EmailInputSelector, run.Credential.Email); err != nil {
		return StateFailed, fmt.Errorf("failed to enter email: %w", err)
	}
	// Tab out of the field and press Enter to submit the form
	if err := s.SendKeys(ctx, EmailInputSelector, kb.Tab+kb.Enter); err != nil {
		return StateFailed, fmt.Errorf("failed to submit email: %w", err)
	}
	return StateEmailSubmitted, nil
}

func (d *Driver) awaitOTPWindow(ctx context.Context, _ Session, _ *Login) (State, error) {
	d.logger.Info("Waiting for OTP delivery", zap.Duration("delay", d.timings.OTPWindow))
	if err := d.sleep(ctx, d.timings.OTPWindow); err != nil {
		return StateFailed, err
	}
	return StateAwaitingOTPWindow, nil
}

func (d *Driver) submitOTP(ctx context.Context, s Session, run *Login) (State, error) {
	code, err := d.otp.PollOTP(ctx, run.Credential)
	if err != nil {
		return StateFailed, err
	}
	if code == "" {
		return StateFailed, ErrOTPNotFound
	}

	windows, err := s.WindowHandles(ctx)
	if err != nil {
		return StateFailed, err
	}
	if len(windows) < 2 {
		return StateFailed, fmt.Errorf("OTP window did not open: %d window(s)", len(windows))
	}

	d.logger.Info("Switching to OTP input window")
	if err := s.SwitchWindow(ctx, windows[1]); err != nil {
		return StateFailed, err
	}
	if err := d.waitFor(ctx, s, OTPInputSelector, d.timings.OTPInput); err != nil {
		return StateFailed, err
	}
	if err := s.SendKeys(ctx, OTPInputSelector, code); err != nil {
		return StateFailed, fmt.Errorf("failed to enter OTP: %w", err)
	}

	d.logger.Info("Switching back to main window")
	if err := s.SwitchWindow(ctx, windows[0]); err != nil {
		return StateFailed, err
	}
	return StateOTPSubmitted, nil
}

func (d *Driver) awaitSession(ctx context.Context, s Session, _ *Login) (State, error) {
	d.logger.Info("Waiting for dashboard to load")
	if err := d.waitFor(ctx, s, DashboardSelector, d.timings.Dashboard); err != nil {
		return StateFailed, err
	}
	if err := s.Reload(ctx); err != nil {
		return StateFailed, fmt.Errorf("failed to refresh dashboard: %w", err)
	}
	return StateAwaitingSession, nil
}

func (d *Driver) acquireToken(ctx context.Context, s Session, run *Login) (State, error) {
	token, err := d.tokens.Poll(ctx, s)
	if err != nil {
		return StateFailed, err
	}
	run.Token = token
	return StateSessionReady, nil
}

// waitFor waits up to timeout for selector. Running out of the local
// budget is ErrElementNotFound; the caller's own deadline is returned as is.
func (d *Driver) waitFor(ctx context.Context, s Session, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.WaitVisible(waitCtx, selector)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if waitCtx.Err() != nil {
		return fmt.Errorf("%w: %s within %v", ErrElementNotFound, selector, timeout)
	}
	return fmt.Errorf("failed waiting for %s: %w", selector, err)
}
