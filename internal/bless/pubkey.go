package bless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/phhowardchen/bless-token-broker/internal/clock"
)

const (
	DefaultNodesURL       = "https://gateway-run.bls.dev/api/v1/nodes"
	DefaultPubKeyAttempts = 10
	DefaultPubKeyInterval = 10 * time.Second
)

// Node is one entry of the node list.
type Node struct {
	PubKey string `json:"pubKey"`
}

// PubKeyFetcher looks up the public key of the first node registered to an
// account.
type PubKeyFetcher struct {
	httpClient *http.Client
	url        string
	attempts   int
	interval   time.Duration
	sleep      clock.SleepFunc
	logger     *zap.Logger
}

// PubKeyOption configures a PubKeyFetcher.
type PubKeyOption func(*PubKeyFetcher)

func WithNodesURL(url string) PubKeyOption {
	return func(f *PubKeyFetcher) {
		if url != "" {
			f.url = url
		}
	}
}

func WithHTTPClient(c *http.Client) PubKeyOption {
	return func(f *PubKeyFetcher) {
		if c != nil {
			f.httpClient = c
		}
	}
}

func WithPubKeyAttempts(n int) PubKeyOption {
	return func(f *PubKeyFetcher) {
		if n > 0 {
			f.attempts = n
		}
	}
}

func WithPubKeyInterval(d time.Duration) PubKeyOption {
	return func(f *PubKeyFetcher) {
		if d >= 0 {
			f.interval = d
		}
	}
}

func WithPubKeySleep(fn clock.SleepFunc) PubKeyOption {
	return func(f *PubKeyFetcher) { f.sleep = fn }
}

func WithPubKeyLogger(l *zap.Logger) PubKeyOption {
	return func(f *PubKeyFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewPubKeyFetcher creates a fetcher against DefaultNodesURL.
func NewPubKeyFetcher(opts ...PubKeyOption) *PubKeyFetcher {
	f := &PubKeyFetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        DefaultNodesURL,
		attempts:   DefaultPubKeyAttempts,
		interval:   DefaultPubKeyInterval,
		sleep:      clock.Sleep,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the first node's public key, retrying every failure.
func (f *PubKeyFetcher) Fetch(ctx context.Context, token string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		key, err := f.fetchOnce(ctx, token)
		if err == nil {
			f.logger.Info("Public key fetched", zap.Int("attempt", attempt))
			return key, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		lastErr = err
		f.logger.Warn("Public key fetch failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.attempts),
			zap.Error(err),
		)

		if attempt < f.attempts {
			if err := f.sleep(ctx, f.interval); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrPubKeyUnavailable, f.attempts, lastErr)
}

func (f *PubKeyFetcher) fetchOnce(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch node list: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var nodes []Node
	if err := json.Unmarshal(body, &nodes); err != nil {
		return "", fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if len(nodes) == 0 {
		return "", errors.New("node list is empty")
	}
	if nodes[0].PubKey == "" {
		return "", errors.New("first node has no pubKey")
	}
	return nodes[0].PubKey, nil
}
