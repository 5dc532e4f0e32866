package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Color definitions for CLI output
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "Operate the fleet task queue",
		Long: fmt.Sprintf(`%s

fleetctl talks to a fleet server's HTTP API to enqueue tasks, watch
runs, and inspect the worker fleet.

%s
  fleetctl enqueue "triage the flaky checkout test"
  fleetctl enqueue -f release-task.yaml --wait
  fleetctl runs --status running
  fleetctl status 4f7c2a1e-...
  fleetctl workers --connected
  fleetctl cancel 4f7c2a1e-...

The server address and auth token come from --server/--token or the
FLEET_SERVER and FLEET_TOKEN environment variables.`,
			bold("fleetctl "+version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !isTTY() {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Fleet server base URL")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for the fleet API")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "HTTP request timeout")
	rootCmd.PersistentFlags().Bool("json", false, "Print raw JSON instead of tables")

	// Configure viper: flags win, FLEET_* environment fills the gaps.
	viper.SetEnvPrefix("FLEET")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newWorkersCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// newClient builds the API client from the resolved flag/env settings.
func newClient() *apiClient {
	return newAPIClient(
		viper.GetString("server"),
		viper.GetString("token"),
		viper.GetDuration("timeout"),
	)
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetctl version %s\n", version)
		},
	}
}
