package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/phhowardchen/bless-token-broker/internal/config"
	"github.com/phhowardchen/bless-token-broker/internal/email"
	"github.com/phhowardchen/bless-token-broker/internal/logger"
	"github.com/phhowardchen/bless-token-broker/internal/server"
	"github.com/phhowardchen/bless-token-broker/internal/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tokenbroker",
		Short:         "Fetch bless.network login OTPs and session tokens",
		Version:       config.GetVersionInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newOTPCmd(), newTokenCmd())
	return root
}

// setup loads config and builds the logger for a command.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			app := fx.New(
				fx.Supply(cfg, log),
				fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: l.Named("fx")}
				}),
				brokerModule,
				server.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newOTPCmd() *cobra.Command {
	var cred email.Credential
	cmd := &cobra.Command{
		Use:   "otp",
		Short: "Fetch the latest OTP for one mailbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			router := newRouter(cfg)
	batch := newBatch(router, newFetcher(cfg, log), log)
			res := batch.FetchOne(ctx, cred)
			if err := printJSON(cmd, map[string]email.BatchEntry{cred.Email: email.EntryFor(res)}); err != nil {
				return err
			}
			if res.Kind == email.KindError {
				return res.Err
			}
			return nil
		},
	}
	credentialFlags(cmd, &cred)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		cred       email.Credential
		withPubKey bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Log in through the browser and print the session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, err := newOneShotOrchestrator(cfg, log)
			if err != nil {
				return err
			}
			res, err := orch.AcquireToken(ctx, cred, workflow.Options{
				WithPubKey: withPubKey,
				Timeout:    cfg.Server.RequestTimeout,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	credentialFlags(cmd, &cred)
	cmd.Flags().BoolVar(&withPubKey, "pubkey", false, "Also fetch the first node's public key")
	return cmd
}

func newOneShotOrchestrator(cfg *config.Config, log *zap.Logger) (*workflow.Orchestrator, error) {
	router := newRouter(cfg)
	batch := newBatch(router, newFetcher(cfg, log), log)
	poll := newPollClient(cfg, newOTPSource(cfg, batch), log)
	alerter, err := newAlerter(cfg)
	if err != nil {
		return nil, err
	}
	return newOrchestrator(cfg, router, newSessionFactory(cfg), newDriver(poll, log), newPubKeyFetcher(cfg, log), alerter, log), nil
}

func credentialFlags(cmd *cobra.Command, cred *email.Credential) {
	cmd.Flags().StringVar(&cred.Email, "email", "", "Mailbox address")
	cmd.Flags().StringVar(&cred.Password, "password", "", "Mailbox password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
