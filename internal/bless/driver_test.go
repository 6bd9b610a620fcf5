package bless

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phhowardchen/bless-token-broker/internal/clock"
	"github.com/phhowardchen/bless-token-broker/internal/email"
)

var testCred = email.Credential{Email: "u@veer.vn", Password: "pw"}

func fastTimings() Timings {
	return Timings{
		EmailInput: 20 * time.Millisecond,
		OTPWindow:  20 * time.Second,
		OTPInput:   20 * time.Millisecond,
		Dashboard:  20 * time.Millisecond,
	}
}

func newTestDriver(otp OTPProvider, rec *clock.Recorder) *Driver {
	tokens := NewTokenPoller(WithTokenSleep(rec.Sleep))
	return NewDriver(otp, tokens, WithTimings(fastTimings()), WithDriverSleep(rec.Sleep))
}

func assertLoginError(t *testing.T, err error, state State, target error) {
	t.Helper()
	var le *LoginError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, state, le.State)
	assert.ErrorIs(t, err, target)
}

func TestDriverRunSuccess(t *testing.T) {
	rec := &clock.Recorder{}
	otp := &fakeOTP{code: "998877"}
	s := newFakeSession(TokenErrorSentinel, TokenErrorSentinel, TokenErrorSentinel, "tok-xyz")

	token, err := newTestDriver(otp, rec).Run(context.Background(), s, testCred)
	require.NoError(t, err)
	assert.Equal(t, "tok-xyz", token)

	assert.Equal(t, []string{LoginURL}, s.navigated)
	assert.Equal(t, []string{"u@veer.vn", kb.Tab + kb.Enter, "998877"}, s.keys)
	assert.Equal(t, []string{"otp", "main"}, s.switched)
	// One refresh after the dashboard loads, then one per ERROR read.
	assert.Equal(t, 4, s.reloads)
	assert.Equal(t, 1, otp.calls)
	assert.Zero(t, s.closes, "the driver never closes the session")

	waits := rec.Waits()
	require.Len(t, waits, 5)
	assert.Equal(t, 20*time.Second, waits[0])
	for _, w := range waits[1:] {
		assert.Equal(t, DefaultTokenInterval, w)
	}
}

func TestDriverStepTransitions(t *testing.T) {
	rec := &clock.Recorder{}
	d := newTestDriver(&fakeOTP{code: "123456"}, rec)
	s := newFakeSession("tok")
	run := NewLogin(testCred)

	want := []State{
		StateEmailSubmitted,
		StateAwaitingOTPWindow,
		StateOTPSubmitted,
		StateAwaitingSession,
		StateSessionReady,
	}
	for _, next := range want {
		require.NoError(t, d.Step(context.Background(), s, run))
		assert.Equal(t, next, run.State)
	}
	assert.True(t, run.State.Terminal())
	assert.Equal(t, "tok", run.Token)

	// Terminal states do not move.
	require.NoError(t, d.Step(context.Background(), s, run))
	assert.Equal(t, StateSessionReady, run.State)
}

func TestDriverFailures(t *testing.T) {
	tests := []struct {
		name    string
		otp     *fakeOTP
		setup   func(s *fakeSession)
		state   State
		target  error
		reloads int
	}{
		{
			name:   "email input never appears",
			otp:    &fakeOTP{code: "123456"},
			setup:  func(s *fakeSession) { s.missing[EmailInputSelector] = true },
			state:  StateInit,
			target: ErrElementNotFound,
		},
		{
			name:   "navigation fails",
			otp:    &fakeOTP{code: "123456"},
			setup:  func(s *fakeSession) { s.navigateErr = errBrowser },
			state:  StateInit,
			target: ErrInternal,
		},
		{
			name:   "no otp",
			otp:    &fakeOTP{},
			state:  StateAwaitingOTPWindow,
			target: ErrOTPNotFound,
		},
		{
			name:   "unsupported domain",
			otp:    &fakeOTP{err: fmt.Errorf("%w: x.com", email.ErrUnsupportedDomain)},
			state:  StateAwaitingOTPWindow,
			target: email.ErrUnsupportedDomain,
		},
		{
			name:   "otp window missing",
			otp:    &fakeOTP{code: "123456"},
			setup:  func(s *fakeSession) { s.windows = []string{"main"} },
			state:  StateAwaitingOTPWindow,
			target: ErrInternal,
		},
		{
			name:   "otp input never appears",
			otp:    &fakeOTP{code: "123456"},
			setup:  func(s *fakeSession) { s.missing[OTPInputSelector] = true },
			state:  StateAwaitingOTPWindow,
			target: ErrElementNotFound,
		},
		{
			name:   "dashboard never appears",
			otp:    &fakeOTP{code: "123456"},
			setup:  func(s *fakeSession) { s.missing[DashboardSelector] = true },
			state:  StateOTPSubmitted,
			target: ErrElementNotFound,
		},
		{
			name:   "token read fails",
			otp:    &fakeOTP{code: "123456"},
			setup:  func(s *fakeSession) { s.readErr = errBrowser },
			state:  StateAwaitingSession,
			target: ErrInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeSession("tok")
			if tt.setup != nil {
				tt.setup(s)
			}

			token, err := newTestDriver(tt.otp, &clock.Recorder{}).Run(context.Background(), s, testCred)
			assert.Empty(t, token)
			assertLoginError(t, err, tt.state, tt.target)
		})
	}
}

func TestDriverTokenTimeout(t *testing.T) {
	rec := &clock.Recorder{}
	s := newFakeSession(TokenErrorSentinel)

	_, err := newTestDriver(&fakeOTP{code: "123456"}, rec).Run(context.Background(), s, testCred)
	assertLoginError(t, err, StateAwaitingSession, ErrTokenAcquisitionTimeout)
	assert.Equal(t, DefaultTokenAttempts, s.reads)
}

func TestDriverCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	otp := &fakeOTP{code: "123456"}
	_, err := newTestDriver(otp, &clock.Recorder{}).Run(ctx, newFakeSession("tok"), testCred)
	assertLoginError(t, err, StateEmailSubmitted, context.Canceled)
	assert.NotErrorIs(t, err, ErrInternal)
	assert.Zero(t, otp.calls)
}

func TestDefaultTimings(t *testing.T) {
	tm := DefaultTimings()
	assert.Equal(t, 10*time.Second, tm.EmailInput)
	assert.Equal(t, 20*time.Second, tm.OTPWindow)
	assert.Equal(t, 7*time.Second, tm.OTPInput)
	assert.Equal(t, 999999*time.Millisecond, tm.Dashboard)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "awaiting_session", StateAwaitingSession.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.False(t, StateOTPSubmitted.Terminal())
	assert.True(t, StateFailed.Terminal())
}
