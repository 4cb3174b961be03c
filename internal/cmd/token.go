package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/api/middleware"
)

var (
	tokenRole    string
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API access token",
	Long: `Issue a JWT for the settlement API signed with api_jwt_secret.

Roles:
  - merchant: create charges and subscribe to the event stream
  - admin:    everything a merchant can do plus listing, checking and resolving intents

SECURITY WARNING: tokens grant API access until they expire. Treat them like passwords.

Example:
  settlement-node token --role merchant --subject checkout --ttl 720h`,
	Args: cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		if tokenRole != middleware.RoleAdmin && tokenRole != middleware.RoleMerchant {
			fmt.Printf("Error: unknown role %q (admin or merchant)\n", tokenRole)
			os.Exit(1)
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = config.GetConfigDuration("api_token_ttl", 24*time.Hour)
		}

		jwtManager, err := api.NewTokenManager(config)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		token, err := jwtManager.GenerateToken(tokenSubject, tokenRole, ttl)
		if err != nil {
			fmt.Printf("Error: Failed to generate token: %v\n", err)
			os.Exit(1)
		}

		logger.Info(fmt.Sprintf("Issued %s token for %s valid for %s", tokenRole, tokenSubject, ttl), "cli")
		fmt.Println(token)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", middleware.RoleMerchant, "token role: admin or merchant")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject recorded in logs")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to api_token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}
