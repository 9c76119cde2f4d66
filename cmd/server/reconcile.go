package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileAccount string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare the mirror with the ledger once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd.Context())
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileAccount, "account", "", "reconcile a single account")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if reconcileAccount != "" {
		entry, err := a.reconciler.ReconcileAccount(ctx, reconcileAccount)
		if err != nil {
			return err
		}
		logger.Info("account reconciled",
			zap.String("account", entry.AccountID),
			zap.String("mirror", entry.OffChainBalance.String()),
			zap.String("ledger", entry.OnChainBalance.String()),
			zap.Bool("in_sync", entry.InSync()),
			zap.Bool("repaired", entry.Repaired),
		)
		return nil
	}

	report, err := a.reconciler.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	logger.Info("reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("in_sync", report.InSync),
		zap.Int("repaired", report.Repaired),
		zap.Int("diverged", report.Diverged),
		zap.Int("failed", report.Failed),
		zap.Int("resolved", report.Resolved),
		zap.Int("unresolved", report.Unresolved),
	)
	return nil
}
