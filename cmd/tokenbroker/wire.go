package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/phhowardchen/bless-token-broker/internal/bless"
	"github.com/phhowardchen/bless-token-broker/internal/config"
	"github.com/phhowardchen/bless-token-broker/internal/email"
	"github.com/phhowardchen/bless-token-broker/internal/notifier"
	"github.com/phhowardchen/bless-token-broker/internal/otp"
	"github.com/phhowardchen/bless-token-broker/internal/server"
	"github.com/phhowardchen/bless-token-broker/internal/workflow"
)

func newRouter(cfg *config.Config) *email.Router {
	return email.NewRouter(cfg.Mailbox.RouteMap())
}

func newFetcher(cfg *config.Config, log *zap.Logger) *email.Fetcher {
	return email.NewFetcher(
		email.WithFetchTimeout(cfg.Mailbox.FetchTimeout),
		email.WithSender(cfg.Mailbox.OTPSender),
		email.WithLogger(log.Named("imap")),
	)
}

func newBatch(router *email.Router, fetcher *email.Fetcher, log *zap.Logger) *email.Batch {
	return email.NewBatch(router, fetcher, log.Named("batch"))
}

// newOTPSource reads mailboxes directly unless a remote batch endpoint is
// configured.
func newOTPSource(cfg *config.Config, batch *email.Batch) otp.Source {
	if cfg.OTP.FacadeURL != "" {
		return otp.NewHTTPSource(cfg.OTP.FacadeURL, &http.Client{Timeout: cfg.Mailbox.FetchTimeout + 10*time.Second})
	}
	return otp.NewLocalSource(batch)
}

func newPollClient(cfg *config.Config, source otp.Source, log *zap.Logger) *otp.PollClient {
	return otp.NewPollClient(source,
		otp.WithAttempts(cfg.OTP.PollAttempts),
		otp.WithInterval(cfg.OTP.PollInterval),
		otp.WithLogger(log.Named("otp")),
	)
}

func newDriver(poll *otp.PollClient, log *zap.Logger) *bless.Driver {
	tokens := bless.NewTokenPoller(bless.WithTokenLogger(log.Named("token")))
	return bless.NewDriver(poll, tokens, bless.WithDriverLogger(log.Named("login")))
}

func newPubKeyFetcher(cfg *config.Config, log *zap.Logger) *bless.PubKeyFetcher {
	return bless.NewPubKeyFetcher(
		bless.WithNodesURL(cfg.PubKey.NodesURL),
		bless.WithPubKeyAttempts(cfg.PubKey.Attempts),
		bless.WithPubKeyInterval(cfg.PubKey.Interval),
		bless.WithPubKeyLogger(log.Named("pubkey")),
	)
}

func newSessionFactory(cfg *config.Config) workflow.SessionFactory {
	opts := bless.BrowserOptions{
		Headless:  cfg.Browser.Headless,
		UserAgent: cfg.Browser.UserAgent,
		ExecPath:  cfg.Browser.ExecPath,
	}
	return func(ctx context.Context) (bless.Session, error) {
		s, err := bless.NewChromeSession(ctx, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// newAlerter returns nil when no Resend key is configured.
func newAlerter(cfg *config.Config) (workflow.Alerter, error) {
	if !cfg.Alert.Enabled() {
		return nil, nil
	}
	c, err := notifier.NewResendClient(cfg.Alert.ResendAPIKey, cfg.Alert.From, cfg.Alert.To)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newOrchestrator(
	cfg *config.Config,
	router *email.Router,
	sessions workflow.SessionFactory,
	driver *bless.Driver,
	pubkeys *bless.PubKeyFetcher,
	alerter workflow.Alerter,
	log *zap.Logger,
) *workflow.Orchestrator {
	opts := []workflow.Option{
		workflow.WithLogger(log.Named("workflow")),
		workflow.WithResolver(router),
	}
	if alerter != nil {
		opts = append(opts, workflow.WithAlerter(alerter))
	}
	if cfg.Browser.ScreenshotDir != "" {
		opts = append(opts, workflow.WithScreenshotDir(cfg.Browser.ScreenshotDir))
	}
	return workflow.New(sessions, driver, pubkeys, opts...)
}

// brokerModule provides everything the HTTP server needs.
var brokerModule = fx.Module("broker",
	fx.Provide(
		newRouter,
		newFetcher,
		newBatch,
		newOTPSource,
		newPollClient,
		newDriver,
		newPubKeyFetcher,
		newSessionFactory,
		newAlerter,
		newOrchestrator,
		func(cfg *config.Config) config.ServerConfig { return cfg.Server },
		func(b *email.Batch) server.BatchFetcher { return b },
		func(o *workflow.Orchestrator) server.TokenAcquirer { return o },
	),
)
