package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives the sweeper on fixed intervals with robfig/cron. Each
// tick gets its own context with a timeout, so a stuck pass cannot pile up
// behind the next one forever.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	tenants []string

	tickTimeout time.Duration
}

// NewScheduler creates a scheduler sweeping the given tenants. The sweep
// passes run every sweepEvery, the backup rematch every rematchEvery.
func NewScheduler(sw *Sweeper, tenants []string, sweepEvery, rematchEvery time.Duration) (*Scheduler, error) {
	s := &Scheduler{
		cron:        cron.New(),
		sweeper:     sw,
		tenants:     tenants,
		tickTimeout: 2 * time.Minute,
	}

	if _, err := s.cron.AddFunc(every(sweepEvery), s.sweepTick); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(every(rematchEvery), s.rematchTick); err != nil {
		return nil, err
	}
	return s, nil
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// Start begins the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	zap.L().Info("sweep scheduler started", zap.Strings("tenants", s.tenants))
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	zap.L().Info("sweep scheduler stopped")
}

func (s *Scheduler) sweepTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.tickTimeout)
	defer cancel()
	for _, tenant := range s.tenants {
		if err := s.sweeper.SweepMissed(ctx, tenant); err != nil {
			zap.L().Error("missed sweep failed",
				zap.String("tenant_id", tenant), zap.Error(err))
		}
		if err := s.sweeper.SweepExpired(ctx, tenant); err != nil {
			zap.L().Error("expiration sweep failed",
				zap.String("tenant_id", tenant), zap.Error(err))
		}
	}
}

func (s *Scheduler) rematchTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.tickTimeout)
	defer cancel()
	for _, tenant := range s.tenants {
		if err := s.sweeper.Rematch(ctx, tenant); err != nil {
			zap.L().Error("backup rematch failed",
				zap.String("tenant_id", tenant), zap.Error(err))
		}
	}
}
