package match

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store"
	"github.com/haulboard/loadhunt/internal/vehicle"
	"github.com/haulboard/loadhunt/pkg/geocode"
)

// Engine fans incoming load offers out across eligible hunt plans and
// records matches. Creation goes through conflict-ignoring inserts, so a
// pair evaluated twice (overlapping passes, replayed notifications) still
// yields exactly one Match, and a match an operator has already acted on is
// never overwritten.
type Engine struct {
	store    store.Store
	geocoder geocode.Client
	vehicles *vehicle.Table
}

// NewEngine creates a match engine.
func NewEngine(st store.Store, gc geocode.Client, vehicles *vehicle.Table) *Engine {
	return &Engine{store: st, geocoder: gc, vehicles: vehicles}
}

// ProcessOffer evaluates one offer against every eligible plan for its
// tenant and inserts the discovered matches. It returns the number of
// matches actually created (conflicts excluded).
func (e *Engine) ProcessOffer(ctx context.Context, tenantID, offerID string) (int64, error) {
	offer, err := e.store.GetOffer(ctx, tenantID, offerID)
	if err != nil {
		return 0, err
	}
	if offer == nil || offer.Status != model.OfferStatusNew {
		return 0, nil
	}

	plans, err := e.store.ListEligiblePlans(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(plans) == 0 {
		return 0, nil
	}

	e.resolvePlanCoords(ctx, tenantID, plans)
	e.resolveOfferCoords(ctx, offer)
	return e.fanOut(ctx, offer, plans, true)
}

// Rematch re-evaluates recent untouched offers against the current plan set.
// It backs up the push path: offers whose first evaluation failed
// transiently (geocoding down, plan set mid-change) get another pass, and
// the conflict-ignoring insert makes the re-run free for pairs already
// matched.
func (e *Engine) Rematch(ctx context.Context, tenantID string, window time.Duration) (int64, error) {
	plans, err := e.store.ListEligiblePlans(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(plans) == 0 {
		return 0, nil
	}

	since := time.Now().UTC().Add(-window)
	offers, err := e.store.ListOffers(ctx, tenantID, store.OfferFilter{
		Status:        model.OfferStatusNew,
		ReceivedAfter: &since,
	})
	if err != nil {
		return 0, err
	}

	e.resolvePlanCoords(ctx, tenantID, plans)
	var total int64
	for i := range offers {
		offer := &offers[i]
		e.resolveOfferCoords(ctx, offer)
		n, err := e.fanOut(ctx, offer, plans, true)
		if err != nil {
			// Isolation is per offer: one bad offer must not stall the rest.
			zap.L().Warn("rematch: offer pass failed",
				zap.String("tenant_id", tenantID),
				zap.String("offer_id", offer.ID),
				zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

// fanOut evaluates an offer against each plan and batch-inserts the
// positive results. Forward passes enforce the plan cursor; the backfill
// scan does not, since its plan's floor was just set to the latest sequence.
func (e *Engine) fanOut(ctx context.Context, offer *model.LoadOffer, plans []model.HuntPlan, enforceFloor bool) (int64, error) {
	now := time.Now().UTC()
	var matches []model.Match
	for i := range plans {
		plan := &plans[i]
		if enforceFloor && !plan.CoversSequence(offer.SequenceID) {
			continue
		}
		outcome := Evaluate(plan, offer, e.vehicles)
		if !outcome.Matches {
			continue
		}
		matches = append(matches, model.Match{
			TenantID:      offer.TenantID,
			LoadOfferID:   offer.ID,
			HuntPlanID:    plan.ID,
			VehicleID:     plan.VehicleID,
			DistanceMiles: outcome.DistanceMiles,
			Status:        model.MatchStatusActive,
			IsActive:      true,
			MatchedAt:     now,
		})
	}
	if len(matches) == 0 {
		return 0, nil
	}

	inserted, err := e.store.InsertMatches(ctx, matches)
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		zap.L().Info("matches created",
			zap.String("tenant_id", offer.TenantID),
			zap.String("offer_id", offer.ID),
			zap.Int64("inserted", inserted),
			zap.Int("candidates", len(matches)))
	}
	return inserted, nil
}

// ResolvePlanOrigin resolves a plan's origin coordinates from its postal
// code when the operator supplied none. Radius matching needs coordinates;
// a plan left without them would silently degrade to exact-postal
// comparison for its whole life.
func (e *Engine) ResolvePlanOrigin(ctx context.Context, plan *model.HuntPlan) {
	if plan.OriginCoords != nil || plan.OriginPostalCode == "" || e.geocoder == nil {
		return
	}
	res, err := e.geocoder.Resolve(ctx, plan.OriginPostalCode)
	if err != nil {
		zap.L().Warn("geocode plan origin failed",
			zap.String("plan_id", plan.ID),
			zap.String("postal_code", plan.OriginPostalCode),
			zap.Error(err))
		return
	}
	if res.Matched {
		plan.OriginCoords = &model.Coordinates{Lat: res.Lat, Lng: res.Lng}
	}
}

// resolvePlanCoords resolves and persists missing origin coordinates for
// each plan before the fan-out, so plan evaluation itself never reaches the
// network. Persisting makes the lookup a one-time cost per plan.
func (e *Engine) resolvePlanCoords(ctx context.Context, tenantID string, plans []model.HuntPlan) {
	for i := range plans {
		plan := &plans[i]
		if plan.OriginCoords != nil || plan.OriginPostalCode == "" {
			continue
		}
		e.ResolvePlanOrigin(ctx, plan)
		if plan.OriginCoords == nil {
			continue
		}
		if err := e.store.SetPlanCoords(ctx, tenantID, plan.ID, plan.OriginCoords); err != nil {
			zap.L().Warn("persist plan coords failed",
				zap.String("plan_id", plan.ID), zap.Error(err))
		}
	}
}

// resolveOfferCoords fills in missing endpoint coordinates via the geocoder.
// Failures never block the fan-out: a transient provider error leaves the
// coordinates unset (the predicate falls back to postal equality and the
// rematch pass retries later), while an offer with no resolvable location at
// all is flagged for operator review.
func (e *Engine) resolveOfferCoords(ctx context.Context, offer *model.LoadOffer) {
	e.resolveEndpoint(ctx, offer, &offer.Origin)
	e.resolveEndpoint(ctx, offer, &offer.Dest)

	if offer.Origin.Coords == nil && offer.Origin.PostalCode == "" && !offer.HasIssues {
		offer.HasIssues = true
		if err := e.store.FlagOfferIssues(ctx, offer.TenantID, offer.ID); err != nil {
			zap.L().Warn("flag offer issues failed",
				zap.String("offer_id", offer.ID), zap.Error(err))
		}
	}
}

func (e *Engine) resolveEndpoint(ctx context.Context, offer *model.LoadOffer, loc *model.Location) {
	if loc.Coords != nil || e.geocoder == nil {
		return
	}
	text := loc.CityState()
	if text == "" {
		text = loc.PostalCode
	}
	if text == "" {
		return
	}

	res, err := e.geocoder.Resolve(ctx, text)
	if err != nil {
		zap.L().Warn("geocode failed",
			zap.String("offer_id", offer.ID),
			zap.String("location", text),
			zap.Error(err))
		return
	}
	if res.Matched {
		loc.Coords = &model.Coordinates{Lat: res.Lat, Lng: res.Lng}
	}
}
