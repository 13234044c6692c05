package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"kvchain/internal/crypto"
	"kvchain/internal/payload"
)

var (
	payloadAvatar    string
	payloadPlatform  string
	payloadIdentity  string
	payloadPatch     string
	payloadUUID      string
	payloadCreatedAt int64
	payloadPrevious  string
)

// payloadCmd renders a payload without asking a server, which is how a
// client double checks what it is about to sign.
var payloadCmd = &cobra.Command{
	Use:   "payload",
	Short: "Render the canonical payload of a link",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := crypto.ParsePublicKeyHex(payloadAvatar)
		if err != nil {
			return fmt.Errorf("avatar: %w", err)
		}
		f := payload.Fields{
			Owner:    owner,
			Platform: payloadPlatform,
			Identity: payloadIdentity,
			Patch:    json.RawMessage(payloadPatch),
		}

		if payloadUUID == "" {
			f.UUID = uuid.New()
		} else if f.UUID, err = uuid.Parse(payloadUUID); err != nil {
			return fmt.Errorf("uuid: %w", err)
		}

		if payloadCreatedAt == 0 {
			f.CreatedAt = time.Now().UTC()
		} else {
			f.CreatedAt = time.Unix(payloadCreatedAt, 0).UTC()
		}

		if payloadPrevious != "" {
			if f.PreviousSignature, err = base64.StdEncoding.DecodeString(payloadPrevious); err != nil {
				return fmt.Errorf("previous: %w", err)
			}
		}

		out, err := payload.Build(f)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(payloadCmd)
	payloadCmd.Flags().StringVar(&payloadAvatar, "avatar", "", "Owner public key in hex")
	payloadCmd.Flags().StringVar(&payloadPlatform, "platform", "", "Platform name")
	payloadCmd.Flags().StringVar(&payloadIdentity, "identity", "", "Identity on the platform")
	payloadCmd.Flags().StringVar(&payloadPatch, "patch", "{}", "JSON merge patch")
	payloadCmd.Flags().StringVar(&payloadUUID, "uuid", "", "Link uuid (random when empty)")
	payloadCmd.Flags().Int64Var(&payloadCreatedAt, "created-at", 0, "Unix seconds (now when zero)")
	payloadCmd.Flags().StringVar(&payloadPrevious, "previous", "", "Base64 signature of the previous link")
	payloadCmd.MarkFlagRequired("avatar")
	payloadCmd.MarkFlagRequired("platform")
	payloadCmd.MarkFlagRequired("identity")
}
