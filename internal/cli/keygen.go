package cli

import (
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing seed for tokens.signing_seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().GenerateSigningSeed()
	},
}
