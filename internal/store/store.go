// Package store persists hunt plans, load offers, matches, and their action
// history. Two drivers implement the same interface: PostgresStore (pgx) for
// production and SQLiteStore for single-node and development use.
package store

import (
	"context"
	"time"

	"github.com/haulboard/loadhunt/internal/model"
)

// OfferFilter specifies criteria for listing load offers. Every query is
// additionally scoped by tenant.
type OfferFilter struct {
	SinceSequence *int64            // exclusive lower bound on sequence_id
	Status        model.OfferStatus // "" = any
	ReceivedAfter *time.Time
	Limit         int
}

// MatchFilter specifies criteria for listing matches.
type MatchFilter struct {
	Status      model.MatchStatus // "" = any
	VehicleID   string
	HuntPlanID  string
	LoadOfferID string
	Limit       int
	Offset      int
}

// MatchMutation carries the optional column updates applied alongside a
// status transition (bid details).
type MatchMutation struct {
	BidRate *float64
	BidBy   *string
	BidAt   *time.Time
}

// TimeAuthority is the source of truth for "now" used by expiration checks,
// decoupled from any single client's clock.
type TimeAuthority interface {
	Now(ctx context.Context) (time.Time, error)
}

// Store defines the persistence interface for the matching engine. All
// writes are idempotent inserts or status-guarded updates so overlapping
// passes cannot double-apply.
type Store interface {
	// Hunt plans
	CreatePlan(ctx context.Context, plan *model.HuntPlan) error
	GetPlan(ctx context.Context, tenantID, planID string) (*model.HuntPlan, error)
	ListEligiblePlans(ctx context.Context, tenantID string) ([]model.HuntPlan, error)
	EnablePlan(ctx context.Context, tenantID, planID string, floorSeq *int64) error
	DisablePlan(ctx context.Context, tenantID, planID string) error
	SetBackfillDone(ctx context.Context, tenantID, planID string, done bool) error
	SetPlanCoords(ctx context.Context, tenantID, planID string, coords *model.Coordinates) error
	SoftDeletePlan(ctx context.Context, tenantID, planID string) error
	ClearPlanMatches(ctx context.Context, tenantID, planID string) (int64, error)

	// Load offers
	InsertOffer(ctx context.Context, offer *model.LoadOffer) error
	GetOffer(ctx context.Context, tenantID, offerID string) (*model.LoadOffer, error)
	ListOffers(ctx context.Context, tenantID string, f OfferFilter) ([]model.LoadOffer, error)
	LatestSequence(ctx context.Context, tenantID string) (*int64, error)
	FlagOfferIssues(ctx context.Context, tenantID, offerID string) error

	// Matches
	InsertMatches(ctx context.Context, matches []model.Match) (int64, error)
	GetMatch(ctx context.Context, tenantID, matchID string) (*model.Match, error)
	ListMatches(ctx context.Context, tenantID string, f MatchFilter) ([]model.Match, error)
	UpdateMatchStatus(ctx context.Context, tenantID, matchID string, from, to model.MatchStatus, mut *MatchMutation) (bool, error)
	SkipSiblingMatches(ctx context.Context, tenantID, offerID, keepMatchID string) ([]string, error)
	CountMatchesByVehicle(ctx context.Context, tenantID string) ([]model.StatusCount, error)

	// Sweeps
	SweepMissed(ctx context.Context, tenantID string, matchedBefore time.Time) ([]model.MissedRecord, error)
	SweepExpired(ctx context.Context, tenantID string, now time.Time) ([]string, error)

	// Action history
	AppendAction(ctx context.Context, action *model.MatchAction) error
	ListActions(ctx context.Context, tenantID, matchID string) ([]model.MatchAction, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
