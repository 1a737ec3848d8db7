package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hvqueue/internal/app"
	"hvqueue/internal/queue"
	"hvqueue/internal/storage"
)

func newRootCmd() *cobra.Command {
	cfgPath := "./hvqueue.yaml"
	root := &cobra.Command{
		Use:           "hvqueue",
		Short:         "High-volume background job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", cfgPath, "path to config (json or yaml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newEnqueueCmd(&cfgPath),
		newRunCmd(&cfgPath),
		newTickCmd(&cfgPath),
		newListCmd(&cfgPath),
		newGetCmd(&cfgPath),
		newCancelCmd(&cfgPath),
		newRetryCmd(&cfgPath),
		newStatsCmd(&cfgPath),
	)
	return root
}

// withApp opens the app for a one-shot command and closes it afterwards.
func withApp(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newEnqueueCmd(cfgPath *string) *cobra.Command {
	var (
		at    string
		group string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <action> [json-args]",
		Short: "Add a job to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := queue.Payload{Action: args[0]}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("args are not valid JSON")
				}
				p.Args = json.RawMessage(args[1])
			}
			when, err := parseAt(at, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				if _, ok := a.Handlers().Lookup(p.Action); !ok {
					return fmt.Errorf("no handler registered for action %q (have %s)", p.Action, strings.Join(a.Handlers().Actions(), ", "))
				}
				id, err := a.Store().Enqueue(ctx, storage.EnqueueParams{Payload: p, ScheduledAt: when, Group: group})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "schedule time: RFC3339 or a delay such as 10m")
	cmd.Flags().StringVar(&group, "group", "", "job group")
	return cmd
}

// parseAt accepts an RFC3339 time or a delay from now. Empty means now.
func parseAt(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(raw, "+"))
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: want RFC3339 or a duration, got %q", raw)
	}
	return now.Add(d), nil
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one runner instance in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				sum, slot, err := a.RunOnce(ctx)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), slot, sum)
				return nil
			})
		},
	}
}

func printSummary(w io.Writer, slot int, s queue.Summary) {
	fmt.Fprintf(w, "slot=%d state=%s batches=%d completed=%d failed=%d unprocessed=%d elapsed=%s\n",
		slot, s.State, s.Batches, s.Completed, s.Failed, s.Unprocessed, s.Elapsed.Round(time.Millisecond))
}

func newTickCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatcher tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				rep, err := a.Tick(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tick=%s active=%d issued=%d launch_failed=%d purged=%d skipped=%t\n",
					rep.Tick, rep.Active, rep.Issued, rep.LaunchFailed, rep.Purged, rep.Skipped)
				return nil
			})
		},
	}
}

func newListCmd(cfgPath *string) *cobra.Command {
	var (
		status string
		group  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := storage.ListFilter{Group: group, Limit: limit}
			if status != "" {
				s, err := queue.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Store().List(ctx, f)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tACTION\tGROUP\tSCHEDULED\tATTEMPTS\tERROR")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						j.ID, j.Status, j.Payload.Action, j.Group,
						j.ScheduledAt.Format(time.RFC3339), j.Attempts, j.LastError)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, in-progress, complete, failed, canceled)")
	cmd.Flags().StringVar(&group, "group", "", "filter by group")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newGetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				j, err := a.Store().Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
}

func newCancelCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				return a.Store().Cancel(ctx, args[0], time.Now())
			})
		},
	}
}

func newRetryCmd(cfgPath *string) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed or canceled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			when, err := parseAt(at, now)
			if err != nil {
				return err
			}
			if when.IsZero() {
				when = now
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				return a.Store().Retry(ctx, args[0], when)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "schedule time: RFC3339 or a delay such as 10m")
	return cmd
}

func newStatsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts and active runner slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				rep, err := a.Health(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
