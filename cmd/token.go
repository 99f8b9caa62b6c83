package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/storefront-payments/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for local API calls",
	Long:  `Sign a bearer token with the configured JWT secret so the payment endpoints can be exercised without the storefront's auth service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		verifier := auth.NewJWTVerifier(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
		token, err := verifier.GenerateAccessToken(tokenUserID, tokenEmail, tokenTTL)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}

		fmt.Println(token)
		return nil
	},
}

var (
	tokenUserID string
	tokenEmail  string
	tokenTTL    time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "local-dev", "subject of the token")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")

	rootCmd.AddCommand(tokenCmd)
}
