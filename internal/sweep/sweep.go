// Package sweep runs the periodic maintenance passes: missed-match
// recording, expiration, and the backup rematch. Every pass is idempotent,
// so overlapping runs and crash-restarts are safe.
package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/lifecycle"
	"github.com/haulboard/loadhunt/internal/match"
	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store"
)

// MissedAfter is how long a match may sit active and untouched before the
// missed sweeper records it.
const MissedAfter = 15 * time.Minute

// RematchLookback is how far back the backup rematch pass scans for
// untouched offers.
const RematchLookback = time.Hour

// Sweeper executes the periodic passes for one set of tenants.
type Sweeper struct {
	store  store.Store
	clock  store.TimeAuthority
	engine *match.Engine
}

// NewSweeper creates a sweeper. The clock is the trusted time authority;
// expiration never consults the local wall clock.
func NewSweeper(st store.Store, clock store.TimeAuthority, eng *match.Engine) *Sweeper {
	return &Sweeper{store: st, clock: clock, engine: eng}
}

// SweepMissed records a missed-history row for every active match older
// than MissedAfter whose offer is still untouched. The match itself keeps
// its status: missed-history feeds reporting, it is not a transition.
func (s *Sweeper) SweepMissed(ctx context.Context, tenantID string) error {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return err
	}
	recs, err := s.store.SweepMissed(ctx, tenantID, now.Add(-MissedAfter))
	if err != nil {
		return err
	}
	if len(recs) > 0 {
		zap.L().Info("missed sweep recorded matches",
			zap.String("tenant_id", tenantID),
			zap.Int("recorded", len(recs)))
	}
	return nil
}

// SweepExpired transitions active matches whose offer deadline has passed
// and writes a history row for each.
func (s *Sweeper) SweepExpired(ctx context.Context, tenantID string) error {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return err
	}
	ids, err := s.store.SweepExpired(ctx, tenantID, now)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.AppendAction(ctx, &model.MatchAction{
			TenantID: tenantID,
			MatchID:  id,
			Actor:    lifecycle.SystemActor,
			Action:   string(model.MatchStatusExpired),
		}); err != nil {
			zap.L().Warn("append expired action failed",
				zap.String("match_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		zap.L().Info("expiration sweep",
			zap.String("tenant_id", tenantID),
			zap.Int("expired", len(ids)))
	}
	return nil
}

// Rematch runs the backup evaluation pass over recent untouched offers.
func (s *Sweeper) Rematch(ctx context.Context, tenantID string) error {
	n, err := s.engine.Rematch(ctx, tenantID, RematchLookback)
	if err != nil {
		return err
	}
	if n > 0 {
		zap.L().Info("backup rematch created matches",
			zap.String("tenant_id", tenantID),
			zap.Int64("created", n))
	}
	return nil
}
