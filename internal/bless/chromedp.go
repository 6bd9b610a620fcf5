package bless

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const defaultUserAgent = `Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36`

// BrowserOptions configures the Chrome process behind a ChromeSession.
type BrowserOptions struct {
	Headless  bool
	UserAgent string
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

// ChromeSession is a Session backed by a dedicated chromedp browser.
// Each session owns its own Chrome process; nothing is shared between
// sessions.
type ChromeSession struct {
	browserCtx  context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	first       target.ID

	mu     sync.Mutex
	active context.Context
	tabs   map[target.ID]chromeTab

	closeOnce sync.Once
}

type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChromeSession launches a browser and opens its first window.
// Call Close when done to cleanup resources.
func NewChromeSession(ctx context.Context, opts BrowserOptions) (*ChromeSession, error) {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	// Configure browser with bot detection evasion
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	// The browser lives until Close, not until the caller's context ends;
	// per-call deadlines are applied in run.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	s := &ChromeSession{
		browserCtx:  browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		active:      browserCtx,
		tabs:        make(map[target.ID]chromeTab),
	}

	if err := ctx.Err(); err != nil {
		s.Close()
		return nil, err
	}
	// The first Run allocates the browser, so it must not carry a deadline.
	// The caller's context still bounds how long we wait for it.
	start := func() error { return chromedp.Run(browserCtx) }
	if err := awaitStart(ctx, start, func() { _ = s.Close() }); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		s.first = c.Target.TargetID
	}
	return s, nil
}

// awaitStart runs start in the background and waits for it or for ctx,
// whichever ends first. When ctx wins, abort is called to tear down
// whatever start was building and ctx's error is returned.
func awaitStart(ctx context.Context, start func() error, abort func()) error {
	done := make(chan error, 1)
	go func() { done <- start() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		abort()
		return ctx.Err()
	}
}

// run executes actions on tabCtx, bounded by ctx.
func (s *ChromeSession) run(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (s *ChromeSession) current() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *ChromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, s.current(), chromedp.Navigate(url))
}

func (s *ChromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, s.current(), chromedp.WaitVisible(selector, chromedp.BySearch))
}

func (s *ChromeSession) SendKeys(ctx context.Context, selector, keys string) error {
	return s.run(ctx, s.current(), chromedp.SendKeys(selector, keys, chromedp.BySearch))
}

func (s *ChromeSession) Reload(ctx context.Context) error {
	return s.run(ctx, s.current(), chromedp.Reload())
}

func (s *ChromeSession) LocalStorageItem(ctx context.Context, key string) (string, error) {
	quoted, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	var value string
	expr := fmt.Sprintf(`window.localStorage.getItem(%s) || ""`, quoted)
	if err := s.run(ctx, s.current(), chromedp.Evaluate(expr, &value)); err != nil {
		return "", err
	}
	return value, nil
}

func (s *ChromeSession) WindowHandles(ctx context.Context) ([]string, error) {
	var infos []*target.Info
	err := s.run(ctx, s.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		infos, err = chromedp.Targets(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}

	handles := []string{string(s.first)}
	for _, info := range infos {
		if info.Type == "page" && info.TargetID != s.first {
			handles = append(handles, string(info.TargetID))
		}
	}
	return handles, nil
}

func (s *ChromeSession) SwitchWindow(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := target.ID(handle)
	if id == s.first {
		s.mu.Lock()
		s.active = s.browserCtx
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	tab, ok := s.tabs[id]
	s.mu.Unlock()
	if !ok {
		tabCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(id))
		if err := awaitStart(ctx, func() error { return chromedp.Run(tabCtx) }, cancel); err != nil {
			cancel()
			return fmt.Errorf("failed to attach to window %s: %w", handle, err)
		}
		tab = chromeTab{ctx: tabCtx, cancel: cancel}
		s.mu.Lock()
		s.tabs[id] = tab
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.active = tab.ctx
	s.mu.Unlock()
	return nil
}

// Screenshot captures the active window.
func (s *ChromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, s.current(), chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close cleans up the browser resources
func (s *ChromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, tab := range s.tabs {
			tab.cancel()
		}
		s.tabs = nil
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}
	})
	return nil
}
