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

	"herald/internal/app"
	"herald/internal/config"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), *cfgPath)
		},
	}
}

func runDaemon(parent context.Context, cfgPath string) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath, version)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func newOnceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "once <job>",
		Short:     "Run one job cycle and exit",
		Example:   "  herald once newsletter\n  herald once reminders\n  herald once calendar",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"newsletter", "reminders", "calendar"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, *cfgPath, version)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopOnce) }()

			job := strings.ToLower(strings.TrimSpace(args[0]))
			if err := a.RunOnce(ctx, job); err != nil {
				return fmt.Errorf("%s: %w (registered: %s)", job, err, strings.Join(a.Jobs(), ", "))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", job)
			return nil
		},
	}
}

func newValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and feeds files without contacting any service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := app.Prepare(*cfgPath)
			if err != nil {
				return err
			}
			if err := app.Check(cfg); err != nil {
				var joined interface{ Unwrap() []error }
				if errors.As(err, &joined) {
					for _, e := range joined.Unwrap() {
						fmt.Fprintln(cmd.ErrOrStderr(), "-", e)
					}
				}
				return errors.New("config invalid")
			}
			out := cmd.OutOrStdout()
			if cfg.Newsletter.IsEnabled() {
				feeds, err := config.LoadFeeds(cfg.Newsletter.FeedsFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "feeds: %d in %s\n", len(feeds.Feeds), cfg.Newsletter.FeedsFile)
			}
			fmt.Fprintf(out, "config ok: %s\n", *cfgPath)
			return nil
		},
	}
}
