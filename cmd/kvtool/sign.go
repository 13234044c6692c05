package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"kvchain/internal/crypto"
)

var (
	signKey     string
	signMessage string
	signFile    string
)

// signCmd represents the sign command
var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Personal-sign a payload",
	Long: `Sign a message with the Ethereum personal-sign framing, as wallets do for
kvchain payloads. The message comes from --message, else --file, else stdin
("-" for --file also reads stdin).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := crypto.SignerFromHex(signKey)
		if err != nil {
			return fmt.Errorf("load key: %w", err)
		}
		msg, err := readMessage(cmd)
		if err != nil {
			return err
		}
		sig, err := signer.PersonalSign(msg)
		if err != nil {
			return err
		}
		log.WithField("signer", signer.CompressedHex()).Debug("Message signed")

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "base64: %s\n", base64.StdEncoding.EncodeToString(sig))
		fmt.Fprintf(out, "hex:    0x%s\n", hex.EncodeToString(sig))
		return nil
	},
}

func readMessage(cmd *cobra.Command) (string, error) {
	if signMessage != "" {
		return signMessage, nil
	}
	var r io.Reader = cmd.InOrStdin()
	if signFile != "" && signFile != "-" {
		f, err := os.Open(signFile)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	return string(b), nil
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVarP(&signKey, "key", "k", "", "Private key in hex")
	signCmd.Flags().StringVarP(&signMessage, "message", "m", "", "Message to sign")
	signCmd.Flags().StringVarP(&signFile, "file", "f", "", "Read the message from a file")
	signCmd.MarkFlagRequired("key")
}
