package match

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store"
)

// BackfillLookback is the window of recent offers a freshly enabled plan is
// evaluated against before forward matching starts.
const BackfillLookback = 15 * time.Minute

// Backfill scans offers received within the lookback window and evaluates
// them against one newly enabled plan. On completion it sets the plan's
// backfill-done flag even when nothing matched: the flag gates forward
// matching, the floor bounds which offers the plan may ever see.
func (e *Engine) Backfill(ctx context.Context, tenantID, planID string) (int64, error) {
	plan, err := e.store.GetPlan(ctx, tenantID, planID)
	if err != nil {
		return 0, err
	}
	if plan == nil || !plan.Enabled || plan.DeletedAt != nil {
		return 0, nil
	}
	if plan.InitialBackfillDone {
		// Already scanned, typically because the enabling API instance ran
		// the backfill inline before publishing the plan event. Re-enabling
		// resets the flag, so a genuine new enable always scans.
		zap.L().Debug("backfill already done, skipping",
			zap.String("tenant_id", tenantID),
			zap.String("plan_id", planID))
		return 0, nil
	}

	since := time.Now().UTC().Add(-BackfillLookback)
	offers, err := e.store.ListOffers(ctx, tenantID, store.OfferFilter{
		Status:        model.OfferStatusNew,
		ReceivedAfter: &since,
	})
	if err != nil {
		return 0, err
	}

	plans := []model.HuntPlan{*plan}
	e.resolvePlanCoords(ctx, tenantID, plans)
	var total int64
	for i := range offers {
		offer := &offers[i]
		e.resolveOfferCoords(ctx, offer)
		n, err := e.fanOut(ctx, offer, plans, false)
		if err != nil {
			zap.L().Warn("backfill: offer pass failed",
				zap.String("plan_id", planID),
				zap.String("offer_id", offer.ID),
				zap.Error(err))
			continue
		}
		total += n
	}

	if err := e.store.SetBackfillDone(ctx, tenantID, planID, true); err != nil {
		return total, err
	}
	zap.L().Info("backfill complete",
		zap.String("tenant_id", tenantID),
		zap.String("plan_id", planID),
		zap.Int("offers_scanned", len(offers)),
		zap.Int64("matches", total))
	return total, nil
}

// EnableAndBackfill enables a plan with its floor set to the latest known
// sequence, then runs the backfill scan. This is the single entry point
// operators use to put a plan into rotation.
func (e *Engine) EnableAndBackfill(ctx context.Context, tenantID, planID string) (int64, error) {
	floor, err := e.store.LatestSequence(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if err := e.store.EnablePlan(ctx, tenantID, planID, floor); err != nil {
		return 0, err
	}
	return e.Backfill(ctx, tenantID, planID)
}
