package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulboard/loadhunt/internal/lifecycle"
	"github.com/haulboard/loadhunt/internal/match"
	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store/storetest"
	"github.com/haulboard/loadhunt/internal/vehicle"
)

func newTestServer(t *testing.T) (*httptest.Server, *storetest.Mem) {
	t.Helper()
	mem := storetest.New()
	vehicles := vehicle.NewTable(map[string]string{"large straight": "LARGE_STRAIGHT"})
	eng := match.NewEngine(mem, nil, vehicles)
	srv := NewServer(mem, eng, lifecycle.NewManager(mem), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, mem
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantHeader, "t1")
	req.Header.Set("X-Operator-ID", "disp-7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingTenantHeader(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/matches")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	ts, mem := newTestServer(t)

	// Create a plan.
	radius := 100.0
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/plans", map[string]any{
		"vehicle_id":    "veh-9",
		"vehicle_types": []string{"LARGE_STRAIGHT"},
		"origin_coords": map[string]float64{"lat": 41.85, "lng": -87.65},
		"radius_miles":  radius,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var plan model.HuntPlan
	decode(t, resp, &plan)
	require.NotEmpty(t, plan.ID)
	assert.False(t, plan.Enabled, "plans are created disabled")

	// Enable it; backfill runs and the flag flips.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/plans/"+plan.ID+"/enable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := mem.GetPlan(context.Background(), "t1", plan.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, got.InitialBackfillDone)

	// Disable clears the cursor state.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/plans/"+plan.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err = mem.GetPlan(context.Background(), "t1", plan.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.FloorSeq)
}

func TestIngestOfferCreatesMatchInline(t *testing.T) {
	ts, mem := newTestServer(t)

	radius := 100.0
	plan := &model.HuntPlan{
		TenantID: "t1", VehicleID: "veh-9", Enabled: true, InitialBackfillDone: true,
		OriginCoords: &model.Coordinates{Lat: 41.85, Lng: -87.65},
		RadiusMiles:  &radius,
		VehicleTypes: []string{"LARGE_STRAIGHT"},
	}
	require.NoError(t, mem.CreatePlan(context.Background(), plan))

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/offers", map[string]any{
		"id":               "offer-1",
		"sequence_id":      10,
		"vehicle_type_raw": "large straight",
		"pickup_date":      "2024-06-02",
		"origin":           map[string]any{"coords": map[string]float64{"lat": 41.9, "lng": -87.6}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var listResp struct {
		Matches []model.Match `json:"matches"`
	}
	r2 := doJSON(t, http.MethodGet, ts.URL+"/api/v1/matches", nil)
	require.Equal(t, http.StatusOK, r2.StatusCode)
	decode(t, r2, &listResp)
	require.Len(t, listResp.Matches, 1)
	assert.Equal(t, "offer-1", listResp.Matches[0].LoadOfferID)
}

func TestMatchTransitionsOverHTTP(t *testing.T) {
	ts, mem := newTestServer(t)
	ctx := context.Background()

	seed := func(id, offer string) {
		n, err := mem.InsertMatches(ctx, []model.Match{{
			ID: id, TenantID: "t1", LoadOfferID: offer, HuntPlanID: "plan-" + id,
			VehicleID: "veh-" + id, Status: model.MatchStatusActive, IsActive: true,
			MatchedAt: time.Now().UTC(),
		}})
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	}
	seed("m1", "offer-1")
	seed("m2", "offer-1")

	// Bid on m1 cascades m2 to skipped.
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/matches/m1/bid", map[string]any{"rate": 1850.0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m model.Match
	decode(t, resp, &m)
	assert.Equal(t, model.MatchStatusBid, m.Status)
	require.NotNil(t, m.BidBy)
	assert.Equal(t, "disp-7", *m.BidBy)

	sib, err := mem.GetMatch(ctx, "t1", "m2")
	require.NoError(t, err)
	assert.Equal(t, model.MatchStatusSkipped, sib.Status)

	// Book the bid match.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/matches/m1/book", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Skipping a booked match is rejected.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/matches/m1/skip", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// History shows both operator actions.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/matches/m1/actions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var actions struct {
		Actions []model.MatchAction `json:"actions"`
	}
	decode(t, resp, &actions)
	assert.Len(t, actions.Actions, 2)
}

func TestTransitionUnknownMatch(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/matches/nope/skip", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMatchesRejectsBadStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/matches?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMatchCounts(t *testing.T) {
	ts, mem := newTestServer(t)
	ctx := context.Background()

	for i, st := range []model.MatchStatus{
		model.MatchStatusActive, model.MatchStatusActive, model.MatchStatusSkipped,
	} {
		_, err := mem.InsertMatches(ctx, []model.Match{{
			ID: "m" + string(rune('1'+i)), TenantID: "t1",
			LoadOfferID: "offer-" + string(rune('1'+i)), HuntPlanID: "plan-1",
			VehicleID: "veh-9", Status: st, IsActive: st == model.MatchStatusActive,
			MatchedAt: time.Now().UTC(),
		}})
		require.NoError(t, err)
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/matches/counts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Counts []model.StatusCount `json:"counts"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Counts, 2)
	assert.Equal(t, int64(2), body.Counts[0].Count) // active sorts first
}

func TestClearMatchesAdvancesFloor(t *testing.T) {
	ts, mem := newTestServer(t)
	ctx := context.Background()

	plan := &model.HuntPlan{ID: "plan-1", TenantID: "t1", VehicleID: "veh-9"}
	require.NoError(t, mem.CreatePlan(ctx, plan))
	require.NoError(t, mem.InsertOffer(ctx, &model.LoadOffer{
		ID: "offer-1", TenantID: "t1", SequenceID: 77,
		ReceivedAt: time.Now().UTC(), Status: model.OfferStatusNew,
	}))
	_, err := mem.InsertMatches(ctx, []model.Match{{
		ID: "m1", TenantID: "t1", LoadOfferID: "offer-1", HuntPlanID: "plan-1",
		VehicleID: "veh-9", Status: model.MatchStatusActive, IsActive: true,
		MatchedAt: time.Now().UTC(),
	}})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/plans/plan-1/clear-matches", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Cleared int64 `json:"cleared"`
	}
	decode(t, resp, &body)
	assert.Equal(t, int64(1), body.Cleared)

	got, err := mem.GetPlan(ctx, "t1", "plan-1")
	require.NoError(t, err)
	require.NotNil(t, got.FloorSeq)
	assert.Equal(t, int64(77), *got.FloorSeq)
}
