// Package cli implements the certflow command line.
//
// Commands are built with cobra around an [App], which holds the loaded
// configuration and the scheduler wired from it. Commands return [ExitError]
// instead of exiting so they can be exercised from tests.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"certflow/internal/config"
	"certflow/internal/output"
)

// ExecuteResult is the outcome of running the root command.
type ExecuteResult struct {
	ExitCode int
	Err      error
}

// NewRootCommand builds the certflow command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "certflow",
		Short: "Certify data products through a staged agent pipeline",
		Long: `certflow turns free-form data product requirements into a certified
design. Each run moves through requirements analysis, schema design, source
cataloguing and mapping to a certification gate, which can send work back
for rework before approving it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := config.NewLoader().LoadFromFile(configPath)
				if err != nil {
					return err
				}
				app.Config = cfg
			}
			return app.Setup(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/certflow/certflow.yaml or ./certflow.yaml)")

	root.AddCommand(
		newRunCommand(app),
		newResumeCommand(app),
		newCancelCommand(app),
		newStatusCommand(app),
		newListCommand(app),
		newGraphCommand(app),
	)
	return root
}

// RunWithConfig executes the command line in os.Args with cfg.
func RunWithConfig(cfg *config.Config) ExecuteResult {
	app := &App{Config: cfg, Printer: output.NewPrinter()}
	root := NewRootCommand(app)
	if err := root.Execute(); err != nil {
		app.Close()
		if code, ok := IsExitError(err); ok {
			return ExecuteResult{ExitCode: code, Err: err}
		}
		return ExecuteResult{ExitCode: 1, Err: err}
	}
	return ExecuteResult{}
}

// Execute loads the configuration, runs the command line and exits the process
// with the resulting code.
func Execute() {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	res := RunWithConfig(cfg)
	if res.Err != nil {
		if _, ok := IsExitError(res.Err); !ok {
			fmt.Fprintln(os.Stderr, "Error:", res.Err)
		}
	}
	os.Exit(res.ExitCode)
}
