package bless

import (
	"context"
	"errors"
	"sync"

	"github.com/phhowardchen/bless-token-broker/internal/email"
)

// fakeSession scripts page behaviour for the driver and pollers.
type fakeSession struct {
	mu sync.Mutex

	// missing lists selectors that never become visible.
	missing map[string]bool
	windows []string
	// tokens is returned by successive LocalStorageItem calls; the last
	// entry repeats.
	tokens []string

	navigated []string
	keys      []string
	switched  []string
	reads     int
	reloads   int
	closes    int

	navigateErr error
	readErr     error
}

func newFakeSession(tokens ...string) *fakeSession {
	return &fakeSession{
		missing: map[string]bool{},
		windows: []string{"main", "otp"},
		tokens:  tokens,
	}
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.navigateErr != nil {
		return s.navigateErr
	}
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) WaitVisible(ctx context.Context, selector string) error {
	s.mu.Lock()
	missing := s.missing[selector]
	s.mu.Unlock()
	if missing {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSession) SendKeys(_ context.Context, _, keys string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, keys)
	return nil
}

func (s *fakeSession) WindowHandles(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.windows...), nil
}

func (s *fakeSession) SwitchWindow(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switched = append(s.switched, handle)
	return nil
}

func (s *fakeSession) Reload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return nil
}

func (s *fakeSession) LocalStorageItem(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return "", s.readErr
	}
	if key != TokenStorageKey || len(s.tokens) == 0 {
		return "", nil
	}
	i := s.reads
	if i >= len(s.tokens) {
		i = len(s.tokens) - 1
	}
	s.reads++
	return s.tokens[i], nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fakeOTP struct {
	mu    sync.Mutex
	code  string
	err   error
	calls int
}

func (f *fakeOTP) PollOTP(context.Context, email.Credential) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.code, f.err
}

var errBrowser = errors.New("browser crashed")
