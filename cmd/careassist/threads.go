package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/careassist/internal/runtime"
	"github.com/szaher/careassist/internal/thread"
)

func newThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect stored conversation threads",
	}
	cmd.AddCommand(newThreadsListCmd())
	cmd.AddCommand(newThreadsShowCmd())
	return cmd
}

// withStore opens the configured thread store for the duration of fn.
func withStore(fn func(ctx context.Context, store thread.Store) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := runtime.OpenThreadStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open thread store: %w", err)
	}
	defer store.Close()
	return fn(ctx, store)
}

func newThreadsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List thread ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store thread.Store) error {
				ids, err := store.ListThreadIDs(ctx)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Println("No threads found.")
					return nil
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
}

func newThreadsShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print a thread's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := thread.ParseID(args[0])
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, store thread.Store) error {
				t, err := thread.Get(ctx, store, id)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(t)
				}
				if len(t.Messages) == 0 {
					fmt.Printf("Thread %s has no messages.\n", id)
					return nil
				}
				for _, m := range t.Messages {
					fmt.Printf("%s  %-9s %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, strings.TrimSpace(m.Content))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the thread as JSON")

	return cmd
}
