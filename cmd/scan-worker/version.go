package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/masa-finance/scan-worker/internal/versioning"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scan-worker %s (protocol %s)\n", versioning.ApplicationVersion, versioning.WorkerVersion)
	},
}
