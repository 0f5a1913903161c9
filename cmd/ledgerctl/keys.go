package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and rotate the signing key",
}

var keysStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the signing key, its age and the grace window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()

		status, err := a.Sink.KeyRotationStatus()
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Archive the signing key and generate a new one",
	Long: `rotate archives the current signing key and starts signing with a new
one. Receipts signed by the previous key keep verifying for the configured
grace period.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()

		previous := a.Sink.SigningKeyID()
		kid, err := a.Sink.RotateKeys(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("rotated %s -> %s\n", previous, kid)
		return nil
	},
}

var keysJWKSCmd = &cobra.Command{
	Use:   "jwks",
	Short: "Print the published JWK set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()
		return printJSON(a.Keys.KeySet())
	},
}

func init() {
	keysCmd.AddCommand(keysStatusCmd)
	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysJWKSCmd)
}
