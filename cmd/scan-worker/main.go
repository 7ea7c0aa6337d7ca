package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scan-worker",
	Short: "Follower scan orchestration worker",
	Long: `scan-worker runs follower extraction scans inside short-lived sandboxes.

Scans are created and polled over HTTP. When a sandbox hits a login wall the
scan waits for the user to hand over a browser session before it resumes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("scan-worker failed")
		os.Exit(1)
	}
}
