// Package model defines the domain records for the load-hunt matching engine.
package model

import (
	"fmt"
	"time"
)

// OfferStatus represents the current state of a load offer as set by the
// ingestion pipeline or by offer-level operator actions.
type OfferStatus string

const (
	OfferStatusNew        OfferStatus = "new"
	OfferStatusSkipped    OfferStatus = "skipped"
	OfferStatusWaitlisted OfferStatus = "waitlisted"
	OfferStatusReviewed   OfferStatus = "reviewed"
)

// MatchStatus represents the lifecycle state of a match. Values mirror the
// match_status enum in the store.
type MatchStatus string

const (
	MatchStatusActive    MatchStatus = "active"
	MatchStatusSkipped   MatchStatus = "skipped"
	MatchStatusBid       MatchStatus = "bid"
	MatchStatusWaitlist  MatchStatus = "waitlist"
	MatchStatusUndecided MatchStatus = "undecided"
	MatchStatusBooked    MatchStatus = "booked"
	MatchStatusMissed    MatchStatus = "missed"
	MatchStatusExpired   MatchStatus = "expired"
)

// ParseMatchStatus converts a raw string to a MatchStatus, returning an error
// for unknown values.
func ParseMatchStatus(s string) (MatchStatus, error) {
	st := MatchStatus(s)
	switch st {
	case MatchStatusActive, MatchStatusSkipped, MatchStatusBid, MatchStatusWaitlist,
		MatchStatusUndecided, MatchStatusBooked, MatchStatusMissed, MatchStatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown match status %q", s)
}

// Coordinates is a resolved latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is one endpoint of a load offer. Any of the fields may be absent;
// coordinates take precedence over the textual forms when present.
type Location struct {
	PostalCode string       `json:"postal_code,omitempty"`
	City       string       `json:"city,omitempty"`
	State      string       `json:"state,omitempty"`
	Coords     *Coordinates `json:"coords,omitempty"`
}

// CityState renders the "City, ST" form used for geocoding, or "" when the
// location has no usable city/state pair.
func (l Location) CityState() string {
	if l.City == "" || l.State == "" {
		return ""
	}
	return l.City + ", " + l.State
}

// HuntPlan is a vehicle's standing search criteria.
type HuntPlan struct {
	ID                  string       `json:"id"`
	TenantID            string       `json:"tenant_id"`
	VehicleID           string       `json:"vehicle_id"`
	Enabled             bool         `json:"enabled"`
	VehicleTypes        []string     `json:"vehicle_types"` // canonical codes
	OriginPostalCode    string       `json:"origin_postal_code,omitempty"`
	OriginCoords        *Coordinates `json:"origin_coords,omitempty"`
	RadiusMiles         *float64     `json:"radius_miles,omitempty"` // nil = default
	AvailableDate       string       `json:"available_date,omitempty"`
	AvailableTime       string       `json:"available_time,omitempty"`
	DestPostalCode      string       `json:"dest_postal_code,omitempty"`
	DestRadiusMiles     *float64     `json:"dest_radius_miles,omitempty"`
	FloorSeq            *int64       `json:"floor_seq,omitempty"`
	InitialBackfillDone bool         `json:"initial_backfill_done"`
	CreatedBy           string       `json:"created_by,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	DeletedAt           *time.Time   `json:"deleted_at,omitempty"`
}

// EligibleForward reports whether the plan participates in forward matching.
// The backfill-done flag, not the floor, gates forward evaluation.
func (p *HuntPlan) EligibleForward() bool {
	return p.Enabled && p.InitialBackfillDone && p.DeletedAt == nil
}

// CoversSequence reports whether a given offer sequence is above the plan's
// cursor. A nil floor admits all offers.
func (p *HuntPlan) CoversSequence(seq int64) bool {
	return p.FloorSeq == nil || seq > *p.FloorSeq
}

// LoadOffer is one externally-sourced load-offer event, immutable once
// created except for status and the data-quality flag.
type LoadOffer struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	SequenceID     int64       `json:"sequence_id"`
	ReceivedAt     time.Time   `json:"received_at"`
	Origin         Location    `json:"origin"`
	Dest           Location    `json:"dest"`
	VehicleTypeRaw string      `json:"vehicle_type_raw,omitempty"`
	PickupDate     string      `json:"pickup_date,omitempty"` // raw, source-provided
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	Status         OfferStatus `json:"status"`
	HasIssues      bool        `json:"has_issues"`
}

// Match joins one LoadOffer to one HuntPlan. Created only by the engine,
// mutated only by the lifecycle manager.
type Match struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	LoadOfferID   string      `json:"load_offer_id"`
	HuntPlanID    string      `json:"hunt_plan_id"`
	VehicleID     string      `json:"vehicle_id"`
	DistanceMiles *float64    `json:"distance_miles,omitempty"` // nil when matched by exact postal code
	Status        MatchStatus `json:"status"`
	IsActive      bool        `json:"is_active"`
	BidRate       *float64    `json:"bid_rate,omitempty"`
	BidBy         *string     `json:"bid_by,omitempty"`
	BidAt         *time.Time  `json:"bid_at,omitempty"`
	MatchedAt     time.Time   `json:"matched_at"`
}

// MatchAction is one append-only history record of a lifecycle transition.
type MatchAction struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	MatchID   string    `json:"match_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    []byte    `json:"detail,omitempty"` // JSON, optional
	CreatedAt time.Time `json:"created_at"`
}

// MissedRecord is the observational side-channel row written by the missed
// sweeper. The match itself stays active; this table feeds reporting only.
type MissedRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	MatchID     string    `json:"match_id"`
	LoadOfferID string    `json:"load_offer_id"`
	HuntPlanID  string    `json:"hunt_plan_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// StatusCount is one row of the per-vehicle status rollup the console shows.
type StatusCount struct {
	VehicleID string      `json:"vehicle_id"`
	Status    MatchStatus `json:"status"`
	Count     int64       `json:"count"`
}
