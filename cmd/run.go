package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haulboard/loadhunt/internal/stream"
	"github.com/haulboard/loadhunt/internal/sweep"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the matching engine daemon",
	Long:  "Subscribes to offer and plan notifications, runs the periodic sweepers and the backup rematch pass, until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sweeper := sweep.NewSweeper(env.Store, env.Clock, env.Engine)
		sched, err := sweep.NewScheduler(sweeper, cfg.Engine.Tenants,
			cfg.Engine.SweepInterval(), cfg.Engine.RematchInterval())
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()

		g, gctx := errgroup.WithContext(ctx)
		if env.Redis != nil {
			sub := stream.NewSubscriber(env.Redis, env.Engine, cfg.Engine.Tenants)
			g.Go(func() error {
				err := sub.Run(gctx)
				if err != nil && gctx.Err() != nil {
					return nil // shutdown, not failure
				}
				return err
			})
		} else {
			zap.L().Info("redis not configured, running on periodic passes only")
		}

		g.Go(func() error {
			<-gctx.Done()
			return nil
		})

		zap.L().Info("matching engine running",
			zap.Strings("tenants", cfg.Engine.Tenants))
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
