package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"kvchain/internal/chain"
	"kvchain/internal/kv"
	"kvchain/internal/proof"
	"kvchain/internal/service"
	"kvchain/internal/storage"
)

var (
	auditDB     string
	auditAvatar string
)

var errAuditFailed = errors.New("audit failed")

type auditOutput struct {
	Avatar   string     `json:"avatar"`
	OK       bool       `json:"ok"`
	Walked   int        `json:"walked"`
	Detached []uint64   `json:"detached"`
	BrokenAt *uint64    `json:"broken_at,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Drifts   []kv.Drift `json:"drifts"`
}

// auditCmd re-verifies one owner's chain and snapshots from a store
// directory. The server must not hold the directory open.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify an owner's chain and snapshots in a BadgerDB directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := storage.NewBadgerRepository(auditDB, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := repo.Close(); err != nil {
				log.WithError(err).Error("Error closing database")
			}
		}()

		svc := service.New(chain.New(repo, log), kv.NewProjector(repo, log), proof.AllowAll{}, nil, log)
		report, drifts, err := svc.Audit(cmd.Context(), auditAvatar)
		if err != nil {
			return err
		}

		out := auditOutput{
			Avatar:   auditAvatar,
			OK:       report.OK() && len(drifts) == 0,
			Walked:   report.Walked,
			Detached: report.Detached,
			Drifts:   drifts,
		}
		if report.Failure != nil {
			id := report.Failure.LinkID
			out.BrokenAt = &id
			out.Reason = report.Failure.Err.Error()
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		if !out.OK {
			return fmt.Errorf("%w for %s", errAuditFailed, auditAvatar)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditDB, "db", "./badger_data", "BadgerDB directory")
	auditCmd.Flags().StringVar(&auditAvatar, "avatar", "", "Owner public key in hex")
	auditCmd.MarkFlagRequired("avatar")
}
