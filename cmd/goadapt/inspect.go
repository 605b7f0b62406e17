package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/goadapt/internal/persistence"
)

// withApp opens the loop without starting the consumer and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func newDLQCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered events",
	}
	var (
		user  string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				items, err := a.store.ListDeadLetters(ctx, user, limit)
				if err != nil {
					return err
				}
				if items == nil {
					items = []persistence.DeadLetter{}
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "EVENT\tUSER\tTYPE\tREASON\tRETRIES\tDEAD LETTERED")
				for _, d := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", d.EventID, d.PartitionKey, d.EventType,
						d.ReasonCode, d.RetryCount, d.DeadLetteredAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "only this user's partition")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	dlq.AddCommand(list)
	return dlq
}

func newBanditCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "bandit",
		Short: "Inspect strategy arm statistics",
	}
	var domain string
	stats := &cobra.Command{
		Use:   "stats <user>",
		Short: "Show arm counts for a user, with UCB1 scores when --domain is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if domain != "" {
					arms, err := a.selector.Stats(ctx, user, domain)
					if err != nil {
						return err
					}
					if wantJSON(cmd) {
						return printJSON(out, arms)
					}
					tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "STRATEGY\tSHOWN\tWINS\tSCORE")
					for _, arm := range arms {
						fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\n", arm.Strategy, arm.Shown, arm.Wins, arm.Score)
					}
					return tw.Flush()
				}
				arms, err := a.store.AllArmStats(ctx, user)
				if err != nil {
					return err
				}
				if arms == nil {
					arms = []persistence.ArmStat{}
				}
				if wantJSON(cmd) {
					return printJSON(out, arms)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DOMAIN\tSTRATEGY\tSHOWN\tWINS")
				for _, arm := range arms {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", arm.Domain, arm.StrategyID, arm.Shown, arm.Wins)
				}
				return tw.Flush()
			})
		},
	}
	stats.Flags().StringVar(&domain, "domain", "", "domain to score")
	b.AddCommand(stats)
	return b
}

func newRunCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "run",
		Short: "Inspect and manage runs",
	}

	r.AddCommand(&cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's state and reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.runs.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), st)
				}
				if st.Reason != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", st.State, st.Reason)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), st.State)
				}
				return nil
			})
		},
	})

	var (
		user  string
		state string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				runs, err := a.store.ListRuns(ctx, user, state, limit)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					type row struct {
						RunID      string `json:"run_id"`
						UserID     string `json:"user_id"`
						Domain     string `json:"domain"`
						StrategyID string `json:"strategy_id"`
						State      string `json:"state"`
						Reason     string `json:"reason,omitempty"`
					}
					rows := make([]row, 0, len(runs))
					for _, run := range runs {
						rows = append(rows, row{run.RunID, run.UserID, run.Domain, run.StrategyID, run.State, run.Reason})
					}
					return printJSON(cmd.OutOrStdout(), rows)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tUSER\tDOMAIN\tSTRATEGY\tSTATE\tREASON")
				for _, run := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", run.RunID, run.UserID, run.Domain, run.StrategyID, run.State, run.Reason)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "only this user's runs")
	list.Flags().StringVar(&state, "state", "", "only runs in this state")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	r.AddCommand(list)

	r.AddCommand(&cobra.Command{
		Use:   "trace <run-id>",
		Short: "Print a run's recorded trace steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				steps, err := a.runs.Trace(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), steps)
			})
		},
	})

	r.AddCommand(&cobra.Command{
		Use:   "abandon <run-id>",
		Short: "Move a paused run to error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.consumer.Start(ctx); err != nil {
					return err
				}
				defer a.consumer.Stop()
				if err := a.runs.Abandon(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s abandoned\n", args[0])
				return nil
			})
		},
	})
	return r
}
