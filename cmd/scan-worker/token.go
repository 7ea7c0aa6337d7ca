package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/masa-finance/scan-worker/internal/auth"
	"github.com/masa-finance/scan-worker/internal/config"
)

var (
	flagTokenUser string
	flagTokenTier string
	flagTokenTTL  time.Duration
)

// tokenCmd mints a bearer token signed with JWT_SECRET, for local testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development bearer token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		jc, err := config.ReadConfig()
		if err != nil {
			return err
		}
		gate, err := jc.GateConfig()
		if err != nil {
			return err
		}

		token, err := auth.GenerateToken(gate.JWTSecret, flagTokenUser, flagTokenTier, flagTokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenUser, "user", "", "user id placed in the token")
	tokenCmd.Flags().StringVar(&flagTokenTier, "tier", "pro", "tier placed in the token")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
