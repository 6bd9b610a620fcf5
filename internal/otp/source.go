package otp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phhowardchen/bless-token-broker/internal/email"
)

// LocalSource runs the mailbox session in process.
type LocalSource struct {
	batch *email.Batch
}

// NewLocalSource creates a source over batch.
func NewLocalSource(batch *email.Batch) *LocalSource {
	return &LocalSource{batch: batch}
}

// FetchOTP never fails at the transport level.
func (s *LocalSource) FetchOTP(ctx context.Context, cred email.Credential) (email.Result, error) {
	return s.batch.FetchOne(ctx, cred), nil
}

// HTTPSource asks an OTP batch endpoint for a single credential.
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSource creates a source posting to url. A nil client gets a
// client with a timeout a little above one mailbox session.
func NewHTTPSource(url string, httpClient *http.Client) *HTTPSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: email.DefaultFetchTimeout + 10*time.Second}
	}
	return &HTTPSource{url: url, httpClient: httpClient}
}

// FetchOTP posts {"emails":[cred]} and reads the entry keyed by cred.Email.
// Non-200 statuses and undecodable bodies come back as non-success results,
// which the poll client retries.
func (s *HTTPSource) FetchOTP(ctx context.Context, cred email.Credential) (email.Result, error) {
	payload, err := json.Marshal(email.BatchRequest{Emails: []email.Credential{cred}})
	if err != nil {
		return email.Result{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return email.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return email.Result{}, fmt.Errorf("failed to call OTP endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return email.Failure(fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))), nil
	}

	var entries map[string]email.BatchEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return email.Failure(fmt.Errorf("failed to parse OTP response: %w", err)), nil
	}

	entry, ok := entries[cred.Email]
	if !ok {
		return email.NotFound(), nil
	}
	return resultFromEntry(entry), nil
}

func resultFromEntry(entry email.BatchEntry) email.Result {
	switch {
	case entry.OTP != "":
		return email.Found(entry.OTP)
	case entry.Error == "" || entry.Error == email.EntryNoOTP:
		return email.NotFound()
	case entry.Error == email.EntryTimeout:
		return email.Timeout(errors.New(entry.Error))
	case strings.HasPrefix(entry.Error, email.ErrUnsupportedDomain.Error()):
		return email.Failure(fmt.Errorf("%w%s", email.ErrUnsupportedDomain, strings.TrimPrefix(entry.Error, email.ErrUnsupportedDomain.Error())))
	default:
		return email.Failure(errors.New(entry.Error))
	}
}
