package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/careassist/internal/runtime"
	"github.com/szaher/careassist/internal/thread"
)

func newAskCmd() *cobra.Command {
	var (
		threadID string
		stream   bool
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Run one chat turn and print the reply",
		Long:  "One-shot chat turn: load config, build the chat pipeline, answer, persist the exchange, shut down.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
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
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = rt.Shutdown(shutdownCtx)
			}()

			orch := rt.Orchestrator()
			if orch == nil {
				return errors.New("chat is unavailable; check the retriever and model settings")
			}

			var onFragment func(string)
			if stream {
				onFragment = func(s string) { fmt.Print(s) }
			}
			reply, err := orch.HandleStream(ctx, thread.ID(threadID), strings.Join(args, " "), onFragment)
			if err != nil {
				return fmt.Errorf("chat turn failed: %w", err)
			}

			if stream {
				fmt.Println()
			} else {
				fmt.Println(reply.Text)
			}
			fmt.Fprintf(os.Stderr, "thread: %s\n", reply.ThreadID)
			if verbose {
				for i, f := range reply.Fragments {
					fmt.Fprintf(os.Stderr, "[%d] %s (score %.3f)\n", i+1, f.Source, f.Score)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&threadID, "thread", "", "Continue an existing thread")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream the reply as it is generated")

	return cmd
}
