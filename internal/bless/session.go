package bless

import "context"

// Session is one live browser session and its windows. Every method acts
// on the active window.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until selector is visible or ctx ends.
	WaitVisible(ctx context.Context, selector string) error
	SendKeys(ctx context.Context, selector, keys string) error
	// WindowHandles lists open windows, the first window first.
	WindowHandles(ctx context.Context) ([]string, error)
	SwitchWindow(ctx context.Context, handle string) error
	Reload(ctx context.Context) error
	// LocalStorageItem returns "" when key is not set.
	LocalStorageItem(ctx context.Context, key string) (string, error)
	Close() error
}

// Screenshotter is implemented by sessions that can capture the page.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}
