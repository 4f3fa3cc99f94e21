package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/careassist/internal/runtime"
)

func newServeCmd() *cobra.Command {
	var (
		addr   string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Starts the chat, thread, patient and clinical endpoints. An API key is
required unless --no-auth is given; set it with CAREASSIST_API_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if noAuth {
				cfg.Server.NoAuth = true
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("runtime error: %w", err)
			}
			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8000", "HTTP listen address")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Allow unauthenticated access")

	return cmd
}
