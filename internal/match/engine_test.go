package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store"
	"github.com/haulboard/loadhunt/internal/store/storetest"
	"github.com/haulboard/loadhunt/pkg/geocode"
)

type fakeGeocoder struct {
	results map[string]*geocode.Result
	calls   int
}

func (f *fakeGeocoder) Resolve(_ context.Context, location string) (*geocode.Result, error) {
	f.calls++
	if r, ok := f.results[location]; ok {
		return r, nil
	}
	return &geocode.Result{}, nil
}

func seedPlan(t *testing.T, mem *storetest.Mem, plan *model.HuntPlan) {
	t.Helper()
	plan.InitialBackfillDone = true
	require.NoError(t, mem.CreatePlan(context.Background(), plan))
}

func seedOffer(t *testing.T, mem *storetest.Mem, offer *model.LoadOffer) {
	t.Helper()
	if offer.Status == "" {
		offer.Status = model.OfferStatusNew
	}
	if offer.ReceivedAt.IsZero() {
		offer.ReceivedAt = time.Now().UTC()
	}
	require.NoError(t, mem.InsertOffer(context.Background(), offer))
}

func TestProcessOfferCreatesMatch(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, nil, testVehicles(t))

	plan := chicagoPlan()
	seedPlan(t, mem, plan)
	seedOffer(t, mem, offerNear(plan, 42.3))

	n, err := eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	matches, err := mem.ListMatches(ctx, "t1", store.MatchFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, model.MatchStatusActive, matches[0].Status)
	assert.Equal(t, "veh-9", matches[0].VehicleID)
	require.NotNil(t, matches[0].DistanceMiles)
	assert.InDelta(t, 42.3, *matches[0].DistanceMiles, 0.01)
}

func TestProcessOfferIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, nil, testVehicles(t))

	plan := chicagoPlan()
	seedPlan(t, mem, plan)
	seedOffer(t, mem, offerNear(plan, 42.3))

	n, err := eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Zero(t, n, "second pass over the same pair inserts nothing")

	matches, err := mem.ListMatches(ctx, "t1", store.MatchFilter{})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestProcessOfferNoResurrection(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, nil, testVehicles(t))

	plan := chicagoPlan()
	seedPlan(t, mem, plan)
	seedOffer(t, mem, offerNear(plan, 42.3))

	_, err := eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)

	matches, err := mem.ListMatches(ctx, "t1", store.MatchFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	applied, err := mem.UpdateMatchStatus(ctx, "t1", matches[0].ID,
		model.MatchStatusActive, model.MatchStatusSkipped, nil)
	require.NoError(t, err)
	require.True(t, applied)

	n, err := eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := mem.GetMatch(ctx, "t1", matches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchStatusSkipped, got.Status, "skipped match stays skipped")
}

func TestProcessOfferRespectsFloor(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, nil, testVehicles(t))

	plan := chicagoPlan()
	floor := int64(50)
	plan.FloorSeq = &floor
	seedPlan(t, mem, plan)

	below := offerNear(plan, 10)
	below.ID = "offer-below"
	below.SequenceID = 50 // the floor itself is excluded
	seedOffer(t, mem, below)

	above := offerNear(plan, 10)
	above.ID = "offer-above"
	above.SequenceID = 51
	seedOffer(t, mem, above)

	n, err := eng.ProcessOffer(ctx, "t1", "offer-below")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = eng.ProcessOffer(ctx, "t1", "offer-above")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessOfferGeocodesCityState(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	gc := &fakeGeocoder{results: map[string]*geocode.Result{
		"Chicago, IL": {Lat: 41.85, Lng: -87.65, Matched: true},
	}}
	eng := NewEngine(mem, gc, testVehicles(t))

	plan := chicagoPlan()
	seedPlan(t, mem, plan)
	seedOffer(t, mem, &model.LoadOffer{
		ID: "offer-1", TenantID: "t1", SequenceID: 10,
		VehicleTypeRaw: "large straight", PickupDate: "2024-06-02",
		Origin: model.Location{City: "Chicago", State: "IL"},
	})

	n, err := eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.GreaterOrEqual(t, gc.calls, 1)
}

func TestProcessOfferFlagsUnresolvableOffer(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, &fakeGeocoder{}, testVehicles(t))

	plan := chicagoPlan()
	seedPlan(t, mem, plan)
	seedOffer(t, mem, &model.LoadOffer{
		ID: "offer-1", TenantID: "t1", SequenceID: 10,
		VehicleTypeRaw: "large straight", PickupDate: "2024-06-02",
	})

	n, err := eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	offer, err := mem.GetOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.True(t, offer.HasIssues)
}

func TestProcessOfferTenantIsolation(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, nil, testVehicles(t))

	plan := chicagoPlan()
	seedPlan(t, mem, plan)

	other := offerNear(plan, 10)
	other.ID = "offer-x"
	other.TenantID = "t2"
	seedOffer(t, mem, other)

	n, err := eng.ProcessOffer(ctx, "t2", "offer-x")
	require.NoError(t, err)
	assert.Zero(t, n, "plans from another tenant never match")
}

func TestRematchPicksUpLateGeocode(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	gc := &fakeGeocoder{results: map[string]*geocode.Result{}}
	eng := NewEngine(mem, gc, testVehicles(t))

	plan := chicagoPlan()
	seedPlan(t, mem, plan)
	seedOffer(t, mem, &model.LoadOffer{
		ID: "offer-1", TenantID: "t1", SequenceID: 10,
		VehicleTypeRaw: "large straight", PickupDate: "2024-06-02",
		Origin: model.Location{City: "Chicago", State: "IL"},
	})

	n, err := eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Zero(t, n, "unresolved location matches nothing yet")

	// Provider comes back; the periodic pass picks the offer up.
	gc.results["Chicago, IL"] = &geocode.Result{Lat: 41.85, Lng: -87.65, Matched: true}

	n, err = eng.Rematch(ctx, "t1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessOfferResolvesPlanOrigin(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	gc := &fakeGeocoder{results: map[string]*geocode.Result{
		"60601": {Lat: 41.85, Lng: -87.65, Matched: true},
	}}
	eng := NewEngine(mem, gc, testVehicles(t))

	// Operator supplied only a postal code. Radius matching still has to
	// work: the engine resolves and persists the origin coordinates.
	plan := chicagoPlan()
	plan.OriginCoords = nil
	plan.OriginPostalCode = "60601"
	seedPlan(t, mem, plan)

	seedOffer(t, mem, offerNear(chicagoPlan(), 20))

	n, err := eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	matches, err := mem.ListMatches(ctx, "t1", store.MatchFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NotNil(t, matches[0].DistanceMiles, "radius hit, not postal fallback")
	assert.InDelta(t, 20, *matches[0].DistanceMiles, 0.5)

	got, err := mem.GetPlan(ctx, "t1", plan.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OriginCoords, "resolved coordinates persisted")
	assert.InDelta(t, 41.85, got.OriginCoords.Lat, 1e-6)

	// Second pass reuses the persisted coordinates.
	calls := gc.calls
	_, err = eng.ProcessOffer(ctx, "t1", "offer-1")
	require.NoError(t, err)
	assert.Equal(t, calls, gc.calls, "no repeat lookup for a resolved plan")
}

func TestBackfillSkipsWhenAlreadyDone(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, nil, testVehicles(t))

	plan := chicagoPlan()
	seedPlan(t, mem, plan) // enabled with backfill already complete

	offer := offerNear(plan, 20)
	offer.ReceivedAt = time.Now().UTC().Add(-5 * time.Minute)
	seedOffer(t, mem, offer)

	// A replayed enable notification must not trigger a second scan.
	n, err := eng.Backfill(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	matches, err := mem.ListMatches(ctx, "t1", store.MatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Re-enabling resets the flag, so a genuine new enable scans again.
	n, err = eng.EnableAndBackfill(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBackfillSetsDoneEvenWhenEmpty(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, nil, testVehicles(t))

	plan := chicagoPlan()
	require.NoError(t, mem.CreatePlan(ctx, plan))

	n, err := eng.EnableAndBackfill(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := mem.GetPlan(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.True(t, got.InitialBackfillDone)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.FloorSeq, "no offers seen yet, floor stays null")
}

func TestEnableAndBackfillMatchesLookbackWindow(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	eng := NewEngine(mem, nil, testVehicles(t))

	plan := chicagoPlan()
	require.NoError(t, mem.CreatePlan(ctx, plan))

	recent := offerNear(plan, 20)
	recent.ID = "offer-recent"
	recent.SequenceID = 100
	recent.ReceivedAt = time.Now().UTC().Add(-5 * time.Minute)
	seedOffer(t, mem, recent)

	stale := offerNear(plan, 20)
	stale.ID = "offer-stale"
	stale.SequenceID = 90
	stale.ReceivedAt = time.Now().UTC().Add(-time.Hour)
	seedOffer(t, mem, stale)

	n, err := eng.EnableAndBackfill(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the offer inside the lookback window matches")

	got, err := mem.GetPlan(ctx, "t1", plan.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FloorSeq)
	assert.Equal(t, int64(100), *got.FloorSeq, "floor set to latest sequence at enable time")
}
