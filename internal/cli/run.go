package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"certflow/internal/capability"
	"certflow/internal/scheduler"
	"certflow/internal/state"
)

func newRunCommand(app *App) *cobra.Command {
	var text string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Start a run for the given requirements",
		Long: `Start a run and wait for it to finish. Requirements are read from the
file argument, from stdin when the argument is "-", or from --text.

Interrupting the command (Ctrl+C) cancels the run. The exit code is 0 only
when the run succeeded.

Example:
  certflow run --text "Customer 360 with account balances under GDPR"
  certflow run requirements.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requirements, err := readRequirements(cmd, text, args)
			if err != nil {
				return err
			}

			ctx := app.withLogger(cmd.Context())
			runID, err := app.Scheduler.StartRun(ctx, capability.RunConfig{Requirements: requirements})
			if err != nil {
				return err
			}
			app.Printer.RunStarted(runID, requirements)

			view, err := app.await(ctx, runID, timeout)
			if err != nil {
				return err
			}
			return app.report(view)
		},
	}
	cmd.Flags().StringVarP(&text, "text", "t", "", "requirements text")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run if it has not finished after this long")
	return cmd
}

func readRequirements(cmd *cobra.Command, text string, args []string) (string, error) {
	var raw string
	switch {
	case text != "":
		if len(args) > 0 {
			return "", errors.New("pass requirements either as --text or as an argument, not both")
		}
		raw = text
	case len(args) == 0:
		return "", errors.New("requirements are required: pass a file, - for stdin, or --text")
	case args[0] == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read requirements from stdin: %w", err)
		}
		raw = string(b)
	default:
		b, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to read requirements: %w", err)
		}
		raw = string(b)
	}

	if strings.TrimSpace(raw) == "" {
		return "", errors.New("requirements are empty")
	}
	return raw, nil
}

// await waits for runID to finish. SIGINT, SIGTERM or the timeout cancel the run;
// await still returns its final view.
func (app *App) await(ctx context.Context, runID string, timeout time.Duration) (*scheduler.View, error) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		var reason string
		select {
		case <-done:
			return
		case <-sigCtx.Done():
			reason = "interrupted"
		case <-expired:
			reason = "timeout"
		}
		app.Logger.Warn("cancelling run", "run", runID, "reason", reason)
		err := app.Scheduler.CancelRun(context.WithoutCancel(ctx), runID)
		if err != nil && !errors.Is(err, scheduler.ErrRunFinished) {
			app.Logger.Error("failed to cancel run", "run", runID, "error", err)
		}
	}()

	return app.Scheduler.Wait(context.WithoutCancel(ctx), runID)
}

// report prints the final state of a run and turns anything but success into exit
// code 1.
func (app *App) report(view *scheduler.View) error {
	app.Printer.RunSummary(view)
	app.Printer.Statistics(view)
	if rw := app.Scheduler.Graph().Rework(); rw != nil {
		app.Printer.Artifact(rw.From, view.LastArtifacts[rw.From])
	}
	if view.Status != state.RunSucceeded {
		return NewExitError(1)
	}
	return nil
}
