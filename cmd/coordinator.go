package cmd

import (
	"github.com/quantarc/execd/internal/bootstrap"
	"github.com/spf13/cobra"
)

// coordinatorCmd represents the coordinator command
var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Start the order execution coordinator",
	Long: `The coordinator accepts order intents over HTTP, risk-checks them,
submits them to the configured broker over a single supervised session,
and serves order state, audit history, and position reads. Broker
notifications are reconciled continuously; reconnects trigger a full
reconcile pass before submissions resume.`,
	Run: bootstrap.StartCoordinator,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
}
