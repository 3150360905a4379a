package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"portfolio-session-server/internal/auth"
	"portfolio-session-server/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for an API client",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		tokenCfg := auth.DefaultTokenConfig(cfg.APIKey)
		tokenCfg.Expiry = cfg.TokenExpiry
		if tokenTTL > 0 {
			tokenCfg.Expiry = tokenTTL
		}
		tok, err := auth.CreateToken(tokenSubject, tokenCfg)
		if err != nil {
			return fmt.Errorf("create token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "Client id recorded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to TOKEN_EXPIRY_SECONDS)")
}
