// Package server exposes the OTP batch and token workflows over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/phhowardchen/bless-token-broker/internal/config"
	"github.com/phhowardchen/bless-token-broker/internal/email"
	"github.com/phhowardchen/bless-token-broker/internal/workflow"
)

const (
	// shutdownTimeout is the maximum time to wait for server shutdown
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 20
)

// BatchFetcher is implemented by email.Batch.
type BatchFetcher interface {
	FetchAll(ctx context.Context, creds []email.Credential) map[string]email.BatchEntry
}

// TokenAcquirer is implemented by workflow.Orchestrator.
type TokenAcquirer interface {
	AcquireToken(ctx context.Context, cred email.Credential, opts workflow.Options) (workflow.Result, error)
}

// TokenRequest is the body of a token request.
type TokenRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	WithPubKey bool   `json:"withPubKey,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP front of the broker.
type Server struct {
	cfg    config.ServerConfig
	batch  BatchFetcher
	tokens TokenAcquirer
	logger *zap.Logger

	http *http.Server
}

// New creates a server. Call Start to listen.
func New(cfg config.ServerConfig, batch BatchFetcher, tokens TokenAcquirer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, batch: batch, tokens: tokens, logger: logger}
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /otp-batch", s.handleOTPBatch)
	mux.HandleFunc("POST /latest-otps", s.handleOTPBatch)
	mux.HandleFunc("POST /acquire-token", s.handleAcquireToken)
	mux.HandleFunc("POST /get-token", s.handleGetToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	s.logger.Info("Starting server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server", zap.Duration("timeout", shutdownTimeout))
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

func (s *Server) handleOTPBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emails []email.Credential `json:"emails"`
	}
	if err := decode(w, r, &req); err != nil || req.Emails == nil {
		writeError(w, http.StatusBadRequest, "Emails array is required")
		return
	}
	for _, cred := range req.Emails {
		if cred.Email == "" || cred.Password == "" {
			writeError(w, http.StatusBadRequest, "Each email object must contain email and password")
			return
		}
	}

	s.logger.Info("Fetching OTPs", zap.Int("count", len(req.Emails)))
	writeJSON(w, http.StatusOK, s.batch.FetchAll(r.Context(), req.Emails))
}

func (s *Server) handleAcquireToken(w http.ResponseWriter, r *http.Request) {
	s.acquireToken(w, r, true)
}

// handleGetToken serves the token-only form of the request.
func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	s.acquireToken(w, r, false)
}

func (s *Server) acquireToken(w http.ResponseWriter, r *http.Request, allowPubKey bool) {
	var req TokenRequest
	if err := decode(w, r, &req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	s.logger.Info("Starting token retrieval", zap.String("email", req.Email))
	res, err := s.tokens.AcquireToken(r.Context(),
		email.Credential{Email: req.Email, Password: req.Password},
		workflow.Options{
			WithPubKey: allowPubKey && req.WithPubKey,
			Timeout:    s.cfg.RequestTimeout,
		},
	)
	if err != nil {
		s.logger.Error("Token retrieval failed", zap.String("email", req.Email), zap.Error(err))
		writeError(w, StatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StatusFor maps a workflow error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, email.ErrUnsupportedDomain):
		return http.StatusBadRequest
	case workflow.IsTimeout(err):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
