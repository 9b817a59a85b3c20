package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"storefront/utils"
)

var (
	tokenUserID  int64
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	Long: `Issue an HS256 admin token signed with JWT_SECRET, for operators and the bot.

Examples:
  storefront token --subject ops@example.com --ttl 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := bootstrap()
		if err != nil {
			return err
		}
		token, err := utils.IssueToken(cfg.JWTSecret, tokenUserID, tokenSubject, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenUserID, "user-id", 1, "Operator user id")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Operator identity recorded in logs")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "Token lifetime")
}
