package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	storepkg "tradegate/internal/store"
)

func newReconcileCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Audit executions interrupted by a crash as FAILED",
		Long: `Every command handed to a broker leaves an in-flight marker until its audit
record is written. Reconcile turns leftover markers into FAILED audit records so an
operator can check the venue by hand. serve does this on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root.envFile)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					logger.Warn("store close failed", zap.Error(err))
				}
			}()
			n, err := a.reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d interrupted command(s)\n", n)
			return nil
		},
	}
}

func newAuditCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the most recent audit records as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(root.envFile)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open %s store: %w", cfg.StoreMode, err)
			}
			defer st.Close()

			records, err := st.ListAudit(cmd.Context(), storepkg.Limit(limit))
			if err != nil {
				return fmt.Errorf("list audit: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", storepkg.DefaultListLimit, "number of records to print")
	return cmd
}
