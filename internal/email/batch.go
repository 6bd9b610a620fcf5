package email

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Error strings rendered in batch entries.
const (
	EntryNoOTP      = "no otp"
	EntryTimeout    = "timeout"
	EntryUnexpected = "unexpected error"
)

// OTPFetcher is implemented by Fetcher.
type OTPFetcher interface {
	FetchLatestOTP(ctx context.Context, cfg MailboxConfig) Result
}

// BatchRequest is the body of an OTP batch request.
type BatchRequest struct {
	Emails []Credential `json:"emails"`
}

// BatchEntry is one credential's outcome in a batch response.
type BatchEntry struct {
	OTP   string `json:"otp,omitempty"`
	Error string `json:"error,omitempty"`
}

// Batch fetches OTPs for several credentials, one connection each.
type Batch struct {
	router  *Router
	fetcher OTPFetcher
	logger  *zap.Logger
}

// NewBatch creates a batch fetcher.
func NewBatch(router *Router, fetcher OTPFetcher, logger *zap.Logger) *Batch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batch{router: router, fetcher: fetcher, logger: logger}
}

// FetchOne resolves cred and runs a single mailbox session for it.
func (b *Batch) FetchOne(ctx context.Context, cred Credential) Result {
	cfg, err := b.router.Resolve(cred)
	if err != nil {
		return Failure(err)
	}
	return b.fetcher.FetchLatestOTP(ctx, cfg)
}

// FetchAll fetches every credential concurrently and keys the entries by
// email address. Each entry reflects only its own mailbox.
func (b *Batch) FetchAll(ctx context.Context, creds []Credential) map[string]BatchEntry {
	results := make(map[string]BatchEntry, len(creds))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, cred := range creds {
		wg.Add(1)
		go func(cred Credential) {
			defer wg.Done()
			res := b.FetchOne(ctx, cred)
			b.logger.Debug("OTP batch entry",
				zap.String("email", cred.Email),
				zap.Stringer("result", res.Kind),
			)
			mu.Lock()
			results[cred.Email] = EntryFor(res)
			mu.Unlock()
		}(cred)
	}
	wg.Wait()
	return results
}

// EntryFor renders a Result the way the batch endpoint reports it.
func EntryFor(res Result) BatchEntry {
	switch res.Kind {
	case KindFound:
		return BatchEntry{OTP: res.Code}
	case KindNotFound:
		return BatchEntry{Error: EntryNoOTP}
	case KindTimeout:
		return BatchEntry{Error: EntryTimeout}
	default:
		if errors.Is(res.Err, ErrUnsupportedDomain) {
			return BatchEntry{Error: res.Err.Error()}
		}
		return BatchEntry{Error: EntryUnexpected}
	}
}
