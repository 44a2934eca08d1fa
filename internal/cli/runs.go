package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"certflow/internal/scheduler"
)

func newResumeCommand(app *App) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a run left unfinished by an earlier process",
		Long: `Resume a run recorded in a persistent store (file or redis backend).
Stages that already succeeded are kept; interrupted attempts are dispatched
again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := app.withLogger(cmd.Context())
			runID := args[0]
			if err := app.Scheduler.ResumeRun(ctx, runID); err != nil {
				return err
			}
			app.Printer.RunStarted(runID, "")

			view, err := app.await(ctx, runID, timeout)
			if err != nil {
				return err
			}
			return app.report(view)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run if it has not finished after this long")
	return cmd
}

func newCancelCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Abort an unfinished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := app.withLogger(cmd.Context())
			if err := app.Scheduler.CancelRun(ctx, args[0]); err != nil {
				return err
			}
			view, err := app.Scheduler.GetRunStatus(ctx, args[0])
			if err != nil {
				return err
			}
			app.Printer.RunSummary(view)
			return nil
		},
	}
}

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := app.Scheduler.GetRunStatus(app.withLogger(cmd.Context()), args[0])
			if err != nil {
				return err
			}
			app.Printer.RunSummary(view)
			app.Printer.Statistics(view)
			return nil
		},
	}
}

func newListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := app.withLogger(cmd.Context())
			ids, err := app.Scheduler.ListRuns(ctx)
			if err != nil {
				return err
			}

			views := make([]*scheduler.View, 0, len(ids))
			for _, id := range ids {
				v, err := app.Scheduler.GetRunStatus(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to load run %s: %w", id, err)
				}
				views = append(views, v)
			}
			sort.SliceStable(views, func(i, j int) bool {
				return views[i].CreatedAt.After(views[j].CreatedAt)
			})
			app.Printer.RunList(views)
			return nil
		},
	}
}

func newGraphCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Show the pipeline stages and the rework edge",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			app.Printer.Graph(app.Scheduler.Graph())
		},
	}
}
