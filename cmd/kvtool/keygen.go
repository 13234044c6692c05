package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kvchain/internal/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an owner keypair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := crypto.GenerateSigner()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "private_key: 0x%s\n", signer.PrivateKeyHex())
		fmt.Fprintf(out, "public_key:  %s\n", signer.String())
		fmt.Fprintf(out, "compressed:  0x%s\n", signer.CompressedHex())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
