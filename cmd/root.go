package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wbor-groupme",
	Short: "Relay queued station messages into the GroupMe chat",
	Long: "Consumes producer messages from RabbitMQ, splits and uploads them for GroupMe, " +
		"and publishes an audit record for every delivery attempt.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
