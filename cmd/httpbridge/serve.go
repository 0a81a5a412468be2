package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raysh454/httpbridge/internal/app"
	"github.com/raysh454/httpbridge/internal/logging"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon (REST, IPC and metrics)",
		Args:  cobra.NoArgs,
	}
	cf := bindConfigFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := cf.load(cmd)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: cmd.ErrOrStderr()})
		logger.Info("configuration",
			logging.Field{Key: "listen", Value: cfg.ListenAddr},
			logging.Field{Key: "journal", Value: cfg.JournalPath},
			logging.Field{Key: "allow", Value: cfg.Allow},
			logging.Field{Key: "deny", Value: cfg.Deny},
			logging.Field{Key: "scope_disabled", Value: cfg.ScopeDisabled})

		a, err := app.NewApplication(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx, nil)
	}
	return cmd
}
