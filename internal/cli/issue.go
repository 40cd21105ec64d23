package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spendguard/internal/app"
)

var (
	issueResourceID string
	issueSavings    float64
	issueIdentity   string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint single-use remediation links for a resource",
	RunE: func(cmd *cobra.Command, args []string) error {
		if issueResourceID == "" {
			return errors.New("--resource is required")
		}
		if issueSavings < 0 {
			return errors.New("--savings cannot be negative")
		}

		opts := app.IssueOptions{
			ResourceID:       issueResourceID,
			EstimatedSavings: decimal.NewFromFloat(issueSavings),
			Identity:         issueIdentity,
		}
		return getApp().Issue(cmd.Context(), opts)
	},
}

func init() {
	issueCmd.Flags().StringVar(&issueResourceID, "resource", "", "Resource identifier to issue links for")
	issueCmd.Flags().Float64Var(&issueSavings, "savings", 0, "Estimated monthly savings in USD")
	issueCmd.Flags().StringVar(&issueIdentity, "identity", "", "Recipient identity (defaults to alerting.recipient)")
}
