package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var backfillTenant string

var backfillCmd = &cobra.Command{
	Use:   "backfill <plan-id>",
	Short: "Re-run the backfill scan for one plan",
	Long:  "Evaluates recent offers against a single enabled plan and sets its backfill-done flag. Normally runs automatically on enable; this command recovers a plan stuck with the flag unset.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		planID := args[0]
		plan, err := env.Store.GetPlan(cmd.Context(), backfillTenant, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return eris.Errorf("plan %s not found for tenant %s", planID, backfillTenant)
		}

		n, err := env.Engine.Backfill(cmd.Context(), backfillTenant, planID)
		if err != nil {
			return err
		}
		zap.L().Info("backfill finished",
			zap.String("plan_id", planID),
			zap.Int64("matches", n))
		return nil
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillTenant, "tenant", "default", "tenant scope")
	rootCmd.AddCommand(backfillCmd)
}
