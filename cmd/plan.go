package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/haulboard/loadhunt/internal/model"
)

var planTenant string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Administer hunt plans",
}

// planSpec is the YAML shape accepted by `plan create`.
type planSpec struct {
	VehicleID        string   `yaml:"vehicle_id"`
	VehicleTypes     []string `yaml:"vehicle_types"`
	OriginPostalCode string   `yaml:"origin_postal_code"`
	OriginLat        *float64 `yaml:"origin_lat"`
	OriginLng        *float64 `yaml:"origin_lng"`
	RadiusMiles      *float64 `yaml:"radius_miles"`
	AvailableDate    string   `yaml:"available_date"`
	AvailableTime    string   `yaml:"available_time"`
	DestPostalCode   string   `yaml:"dest_postal_code"`
	CreatedBy        string   `yaml:"created_by"`
}

var planCreateFile string

var planCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a plan from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(planCreateFile)
		if err != nil {
			return eris.Wrap(err, "read plan file")
		}
		var spec planSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return eris.Wrap(err, "parse plan file")
		}
		if spec.VehicleID == "" {
			return eris.New("vehicle_id is required")
		}

		plan := &model.HuntPlan{
			TenantID:         planTenant,
			VehicleID:        spec.VehicleID,
			VehicleTypes:     spec.VehicleTypes,
			OriginPostalCode: spec.OriginPostalCode,
			RadiusMiles:      spec.RadiusMiles,
			AvailableDate:    spec.AvailableDate,
			AvailableTime:    spec.AvailableTime,
			DestPostalCode:   spec.DestPostalCode,
			CreatedBy:        spec.CreatedBy,
		}
		if spec.OriginLat != nil && spec.OriginLng != nil {
			plan.OriginCoords = &model.Coordinates{Lat: *spec.OriginLat, Lng: *spec.OriginLng}
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		env.Engine.ResolvePlanOrigin(cmd.Context(), plan)
		if err := env.Store.CreatePlan(cmd.Context(), plan); err != nil {
			return err
		}
		fmt.Println(plan.ID)
		return nil
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Print a plan as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		plan, err := env.Store.GetPlan(cmd.Context(), planTenant, args[0])
		if err != nil {
			return err
		}
		if plan == nil {
			return eris.Errorf("plan %s not found", args[0])
		}
		out, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var planEnableCmd = &cobra.Command{
	Use:   "enable <plan-id>",
	Short: "Enable a plan and run its backfill scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Engine.EnableAndBackfill(cmd.Context(), planTenant, args[0])
		if err != nil {
			return err
		}
		if env.Publisher != nil {
			if err := env.Publisher.PublishPlan(cmd.Context(), planTenant, args[0], "enabled"); err != nil {
				zap.L().Warn("publish plan event failed", zap.Error(err))
			}
		}
		zap.L().Info("plan enabled",
			zap.String("plan_id", args[0]),
			zap.Int64("backfill_matches", n))
		return nil
	},
}

var planDisableCmd = &cobra.Command{
	Use:   "disable <plan-id>",
	Short: "Disable a plan, leaving its matches untouched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.DisablePlan(cmd.Context(), planTenant, args[0]); err != nil {
			return err
		}
		zap.L().Info("plan disabled", zap.String("plan_id", args[0]))
		return nil
	},
}

var planClearCmd = &cobra.Command{
	Use:   "clear <plan-id>",
	Short: "Delete a plan's matches and advance its floor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.ClearPlanMatches(cmd.Context(), planTenant, args[0])
		if err != nil {
			return err
		}
		zap.L().Info("matches cleared",
			zap.String("plan_id", args[0]),
			zap.Int64("cleared", n))
		return nil
	},
}

var planDeleteCmd = &cobra.Command{
	Use:   "delete <plan-id>",
	Short: "Soft-delete a plan and purge its matches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.SoftDeletePlan(cmd.Context(), planTenant, args[0]); err != nil {
			return err
		}
		zap.L().Info("plan deleted", zap.String("plan_id", args[0]))
		return nil
	},
}

func init() {
	planCmd.PersistentFlags().StringVar(&planTenant, "tenant", "default", "tenant scope")
	planCreateCmd.Flags().StringVarP(&planCreateFile, "file", "f", "", "plan YAML file")
	_ = planCreateCmd.MarkFlagRequired("file")

	planCmd.AddCommand(planCreateCmd, planShowCmd, planEnableCmd,
		planDisableCmd, planClearCmd, planDeleteCmd)
	rootCmd.AddCommand(planCmd)
}
