package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulboard/loadhunt/internal/match"
	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store"
	"github.com/haulboard/loadhunt/internal/store/storetest"
)

func newSweeper(mem *storetest.Mem) *Sweeper {
	return NewSweeper(mem, mem, match.NewEngine(mem, nil, nil))
}

func seedOfferWithMatch(t *testing.T, mem *storetest.Mem, offerID string, matchedAgo time.Duration, expiresAt *time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.InsertOffer(ctx, &model.LoadOffer{
		ID: offerID, TenantID: "t1", SequenceID: time.Now().UnixNano(),
		ReceivedAt: time.Now().UTC().Add(-matchedAgo),
		Status:     model.OfferStatusNew,
		ExpiresAt:  expiresAt,
	}))
	n, err := mem.InsertMatches(ctx, []model.Match{{
		ID: "match-" + offerID, TenantID: "t1", LoadOfferID: offerID,
		HuntPlanID: "plan-1", VehicleID: "veh-1",
		Status: model.MatchStatusActive, IsActive: true,
		MatchedAt: time.Now().UTC().Add(-matchedAgo),
	}})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSweepMissedRecordsOldUntouchedMatches(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	sw := newSweeper(mem)

	seedOfferWithMatch(t, mem, "old", 20*time.Minute, nil)
	seedOfferWithMatch(t, mem, "fresh", time.Minute, nil)

	require.NoError(t, sw.SweepMissed(ctx, "t1"))
	assert.Equal(t, 1, mem.MissedCount())

	// The match keeps its status: missed-history is observational only.
	m, err := mem.GetMatch(ctx, "t1", "match-old")
	require.NoError(t, err)
	assert.Equal(t, model.MatchStatusActive, m.Status)
	assert.True(t, m.IsActive)
}

func TestSweepMissedIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	sw := newSweeper(mem)

	seedOfferWithMatch(t, mem, "old", 20*time.Minute, nil)

	require.NoError(t, sw.SweepMissed(ctx, "t1"))
	require.NoError(t, sw.SweepMissed(ctx, "t1"))
	assert.Equal(t, 1, mem.MissedCount(), "re-running the sweep records nothing new")
}

func TestSweepMissedSkipsActedUponOffers(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	sw := newSweeper(mem)

	seedOfferWithMatch(t, mem, "old", 20*time.Minute, nil)
	mem.SetOfferStatus("t1", "old", model.OfferStatusWaitlisted)

	require.NoError(t, sw.SweepMissed(ctx, "t1"))
	assert.Zero(t, mem.MissedCount(), "waitlisted offer is not missed")
}

func TestSweepExpiredTransitionsMatches(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	sw := newSweeper(mem)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	seedOfferWithMatch(t, mem, "gone", 5*time.Minute, &past)
	seedOfferWithMatch(t, mem, "live", 5*time.Minute, &future)

	require.NoError(t, sw.SweepExpired(ctx, "t1"))

	expired, err := mem.GetMatch(ctx, "t1", "match-gone")
	require.NoError(t, err)
	assert.Equal(t, model.MatchStatusExpired, expired.Status)
	assert.False(t, expired.IsActive)

	live, err := mem.GetMatch(ctx, "t1", "match-live")
	require.NoError(t, err)
	assert.Equal(t, model.MatchStatusActive, live.Status)

	actions, err := mem.ListActions(ctx, "t1", "match-gone")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "expired", actions[0].Action)
	assert.Equal(t, "system", actions[0].Actor)
}

func TestSweepExpiredUsesPickupDeadline(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	sw := newSweeper(mem)

	// No explicit expiry; deadline derives from the pickup date.
	require.NoError(t, mem.InsertOffer(ctx, &model.LoadOffer{
		ID: "o1", TenantID: "t1", SequenceID: 1,
		ReceivedAt: time.Now().UTC(),
		Status:     model.OfferStatusNew,
		PickupDate: "2024-06-01",
	}))
	n, err := mem.InsertMatches(ctx, []model.Match{{
		ID: "m1", TenantID: "t1", LoadOfferID: "o1",
		HuntPlanID: "plan-1", VehicleID: "veh-1",
		Status: model.MatchStatusActive, IsActive: true,
		MatchedAt: time.Now().UTC(),
	}})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Authority clock is past the pickup date plus grace.
	mem.NowFunc = func() time.Time {
		return time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	}

	require.NoError(t, sw.SweepExpired(ctx, "t1"))

	m, err := mem.GetMatch(ctx, "t1", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchStatusExpired, m.Status)
}

func TestSweepExpiredSafeToRerun(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	sw := newSweeper(mem)

	past := time.Now().UTC().Add(-time.Hour)
	seedOfferWithMatch(t, mem, "gone", 5*time.Minute, &past)

	require.NoError(t, sw.SweepExpired(ctx, "t1"))
	require.NoError(t, sw.SweepExpired(ctx, "t1"))

	actions, err := mem.ListActions(ctx, "t1", "match-gone")
	require.NoError(t, err)
	assert.Len(t, actions, 1, "second run selects nothing")
}

func TestSchedulerStartStop(t *testing.T) {
	mem := storetest.New()
	sw := newSweeper(mem)

	sched, err := NewScheduler(sw, []string{"t1"}, 30*time.Second, time.Minute)
	require.NoError(t, err)

	sched.Start()
	sched.Stop()
}

var _ store.TimeAuthority = (*storetest.Mem)(nil)
