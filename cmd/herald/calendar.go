package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"herald/internal/app"
	"herald/internal/calendar"
)

func newCalendarCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Inspect and maintain the mirror calendar",
	}
	cmd.AddCommand(
		calendarSub(cfgPath, "list", "List upcoming mirror events", cobra.NoArgs, calendarList),
		calendarSub(cfgPath, "plan", "Show what the next sync would create or update", cobra.NoArgs, calendarPlan),
		calendarSub(cfgPath, "delete <event-id>", "Delete one mirror event", cobra.ExactArgs(1), calendarDelete),
	)
	return cmd
}

type calendarAction func(ctx context.Context, s *calendar.Syncer, out io.Writer, args []string) error

func calendarSub(cfgPath *string, use, short string, args cobra.PositionalArgs, fn calendarAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			a, err := app.New(ctx, *cfgPath, version)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopOnce) }()
			s, err := a.Calendar()
			if err != nil {
				return err
			}
			return fn(ctx, s, cmd.OutOrStdout(), argv)
		},
	}
}

func calendarList(ctx context.Context, s *calendar.Syncer, out io.Writer, _ []string) error {
	events, err := s.Upcoming(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no upcoming events")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START (UTC)\tID\tSUMMARY")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Start.UTC().Format("2006-01-02 15:04"), e.ID, e.Summary)
	}
	return tw.Flush()
}

func calendarPlan(ctx context.Context, s *calendar.Syncer, out io.Writer, _ []string) error {
	plan, source, err := s.Plan(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d scheduled events: %d create, %d update, %d unchanged\n",
		len(source), len(plan.Create), len(plan.Update), len(plan.Noop))
	for _, d := range plan.Create {
		fmt.Fprintf(out, "+ %s  %s\n", d.Start.UTC().Format(time.RFC3339), d.Summary)
	}
	for _, u := range plan.Update {
		fmt.Fprintf(out, "~ %s  %s  %v\n", u.MirrorID, u.Desired.Summary, u.Changed)
	}
	return nil
}

func calendarDelete(ctx context.Context, s *calendar.Syncer, out io.Writer, args []string) error {
	if err := s.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %s\n", args[0])
	return nil
}
