// Package storetest provides an in-memory Store implementation for tests.
// Its semantics mirror the SQL drivers: conflict-ignoring inserts,
// status-guarded updates, and idempotent sweeps.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store"
)

// Mem is an in-memory Store and TimeAuthority.
type Mem struct {
	mu        sync.Mutex
	plans     map[string]*model.HuntPlan
	offers    map[string]*model.LoadOffer
	deadlines map[string]*time.Time // offer key -> expire deadline
	matches   map[string]*model.Match
	pairIndex map[string]string // tenant|offer|plan -> match id
	actions   []model.MatchAction
	missed    map[string]model.MissedRecord // match id -> record

	// NowFunc overrides the clock used by Now. Defaults to time.Now.
	NowFunc func() time.Time
}

var _ store.Store = (*Mem)(nil)
var _ store.TimeAuthority = (*Mem)(nil)

// New creates an empty in-memory store.
func New() *Mem {
	return &Mem{
		plans:     make(map[string]*model.HuntPlan),
		offers:    make(map[string]*model.LoadOffer),
		deadlines: make(map[string]*time.Time),
		matches:   make(map[string]*model.Match),
		pairIndex: make(map[string]string),
		missed:    make(map[string]model.MissedRecord),
	}
}

func key(tenantID, id string) string { return tenantID + "|" + id }

func pairKey(tenantID, offerID, planID string) string {
	return tenantID + "|" + offerID + "|" + planID
}

func (m *Mem) now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc()
	}
	return time.Now().UTC()
}

func (m *Mem) Now(_ context.Context) (time.Time, error) {
	return m.now(), nil
}

func (m *Mem) Migrate(context.Context) error { return nil }
func (m *Mem) Close() error                  { return nil }

func (m *Mem) CreatePlan(_ context.Context, plan *model.HuntPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	cp := *plan
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.plans[key(plan.TenantID, plan.ID)] = &cp
	return nil
}

func (m *Mem) GetPlan(_ context.Context, tenantID, planID string) (*model.HuntPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[key(tenantID, planID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Mem) ListEligiblePlans(_ context.Context, tenantID string) ([]model.HuntPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.HuntPlan
	for _, p := range m.plans {
		if p.TenantID == tenantID && p.EligibleForward() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) EnablePlan(_ context.Context, tenantID, planID string, floorSeq *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[key(tenantID, planID)]
	if !ok || p.DeletedAt != nil {
		return eris.Errorf("storetest: enable plan %s: not found", planID)
	}
	p.Enabled = true
	p.FloorSeq = floorSeq
	p.InitialBackfillDone = false
	p.UpdatedAt = m.now()
	return nil
}

func (m *Mem) DisablePlan(_ context.Context, tenantID, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[key(tenantID, planID)]
	if !ok || p.DeletedAt != nil {
		return eris.Errorf("storetest: disable plan %s: not found", planID)
	}
	p.Enabled = false
	p.FloorSeq = nil
	p.InitialBackfillDone = false
	p.UpdatedAt = m.now()
	return nil
}

func (m *Mem) SetBackfillDone(_ context.Context, tenantID, planID string, done bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[key(tenantID, planID)]; ok {
		p.InitialBackfillDone = done
		p.UpdatedAt = m.now()
	}
	return nil
}

func (m *Mem) SetPlanCoords(_ context.Context, tenantID, planID string, coords *model.Coordinates) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[key(tenantID, planID)]; ok {
		p.OriginCoords = coords
		p.UpdatedAt = m.now()
	}
	return nil
}

func (m *Mem) SoftDeletePlan(_ context.Context, tenantID, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[key(tenantID, planID)]
	if !ok {
		return nil
	}
	now := m.now()
	p.Enabled = false
	p.FloorSeq = nil
	p.InitialBackfillDone = false
	p.DeletedAt = &now
	p.UpdatedAt = now
	m.deleteMatchesLocked(tenantID, planID)
	return nil
}

func (m *Mem) deleteMatchesLocked(tenantID, planID string) int64 {
	var n int64
	for id, mt := range m.matches {
		if mt.TenantID == tenantID && mt.HuntPlanID == planID {
			delete(m.matches, id)
			delete(m.pairIndex, pairKey(tenantID, mt.LoadOfferID, planID))
			n++
		}
	}
	return n
}

func (m *Mem) ClearPlanMatches(_ context.Context, tenantID, planID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.deleteMatchesLocked(tenantID, planID)
	if p, ok := m.plans[key(tenantID, planID)]; ok {
		p.FloorSeq = m.latestSequenceLocked(tenantID)
		p.UpdatedAt = m.now()
	}
	return n, nil
}

func (m *Mem) InsertOffer(_ context.Context, offer *model.LoadOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(offer.TenantID, offer.ID)
	if _, exists := m.offers[k]; exists {
		return nil
	}
	cp := *offer
	m.offers[k] = &cp
	m.deadlines[k] = offer.PickupDeadline()
	return nil
}

func (m *Mem) GetOffer(_ context.Context, tenantID, offerID string) (*model.LoadOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[key(tenantID, offerID)]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *Mem) ListOffers(_ context.Context, tenantID string, f store.OfferFilter) ([]model.LoadOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LoadOffer
	for _, o := range m.offers {
		if o.TenantID != tenantID {
			continue
		}
		if f.SinceSequence != nil && o.SequenceID <= *f.SinceSequence {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.ReceivedAfter != nil && o.ReceivedAt.Before(*f.ReceivedAfter) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Mem) latestSequenceLocked(tenantID string) *int64 {
	var max *int64
	for _, o := range m.offers {
		if o.TenantID != tenantID {
			continue
		}
		if max == nil || o.SequenceID > *max {
			seq := o.SequenceID
			max = &seq
		}
	}
	return max
}

func (m *Mem) LatestSequence(_ context.Context, tenantID string) (*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestSequenceLocked(tenantID), nil
}

func (m *Mem) FlagOfferIssues(_ context.Context, tenantID, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.offers[key(tenantID, offerID)]; ok {
		o.HasIssues = true
	}
	return nil
}

// SetOfferStatus is a test hook for simulating offer-level operator actions.
func (m *Mem) SetOfferStatus(tenantID, offerID string, status model.OfferStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.offers[key(tenantID, offerID)]; ok {
		o.Status = status
	}
}

func (m *Mem) InsertMatches(_ context.Context, matches []model.Match) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted int64
	for i := range matches {
		mt := matches[i]
		pk := pairKey(mt.TenantID, mt.LoadOfferID, mt.HuntPlanID)
		if _, exists := m.pairIndex[pk]; exists {
			continue
		}
		if mt.ID == "" {
			mt.ID = uuid.NewString()
		}
		cp := mt
		m.matches[mt.ID] = &cp
		m.pairIndex[pk] = mt.ID
		inserted++
	}
	return inserted, nil
}

func (m *Mem) GetMatch(_ context.Context, tenantID, matchID string) (*model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[matchID]
	if !ok || mt.TenantID != tenantID {
		return nil, nil
	}
	cp := *mt
	return &cp, nil
}

func (m *Mem) ListMatches(_ context.Context, tenantID string, f store.MatchFilter) ([]model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Match
	for _, mt := range m.matches {
		if mt.TenantID != tenantID {
			continue
		}
		if f.Status != "" && mt.Status != f.Status {
			continue
		}
		if f.VehicleID != "" && mt.VehicleID != f.VehicleID {
			continue
		}
		if f.HuntPlanID != "" && mt.HuntPlanID != f.HuntPlanID {
			continue
		}
		if f.LoadOfferID != "" && mt.LoadOfferID != f.LoadOfferID {
			continue
		}
		out = append(out, *mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.After(out[j].MatchedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Mem) UpdateMatchStatus(_ context.Context, tenantID, matchID string, from, to model.MatchStatus, mut *store.MatchMutation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[matchID]
	if !ok || mt.TenantID != tenantID || mt.Status != from {
		return false, nil
	}
	mt.Status = to
	mt.IsActive = to == model.MatchStatusActive
	if mut != nil {
		mt.BidRate = mut.BidRate
		mt.BidBy = mut.BidBy
		mt.BidAt = mut.BidAt
	}
	return true, nil
}

func (m *Mem) SkipSiblingMatches(_ context.Context, tenantID, offerID, keepMatchID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, mt := range m.matches {
		if mt.TenantID != tenantID || mt.LoadOfferID != offerID || id == keepMatchID {
			continue
		}
		if mt.Status != model.MatchStatusActive {
			continue
		}
		mt.Status = model.MatchStatusSkipped
		mt.IsActive = false
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Mem) CountMatchesByVehicle(_ context.Context, tenantID string) ([]model.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]map[model.MatchStatus]int64)
	for _, mt := range m.matches {
		if mt.TenantID != tenantID {
			continue
		}
		if counts[mt.VehicleID] == nil {
			counts[mt.VehicleID] = make(map[model.MatchStatus]int64)
		}
		counts[mt.VehicleID][mt.Status]++
	}
	var out []model.StatusCount
	for veh, byStatus := range counts {
		for st, n := range byStatus {
			out = append(out, model.StatusCount{VehicleID: veh, Status: st, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VehicleID != out[j].VehicleID {
			return out[i].VehicleID < out[j].VehicleID
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *Mem) SweepMissed(_ context.Context, tenantID string, matchedBefore time.Time) ([]model.MissedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []model.MissedRecord
	for id, mt := range m.matches {
		if mt.TenantID != tenantID || mt.Status != model.MatchStatusActive || !mt.IsActive {
			continue
		}
		if !mt.MatchedAt.Before(matchedBefore) {
			continue
		}
		o, ok := m.offers[key(tenantID, mt.LoadOfferID)]
		if !ok || o.Status != model.OfferStatusNew {
			continue
		}
		if _, seen := m.missed[id]; seen {
			continue
		}
		rec := model.MissedRecord{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			MatchID:     id,
			LoadOfferID: mt.LoadOfferID,
			HuntPlanID:  mt.HuntPlanID,
			RecordedAt:  m.now(),
		}
		m.missed[id] = rec
		recs = append(recs, rec)
	}
	return recs, nil
}

func (m *Mem) SweepExpired(_ context.Context, tenantID string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, mt := range m.matches {
		if mt.TenantID != tenantID || mt.Status != model.MatchStatusActive {
			continue
		}
		deadline, ok := m.deadlines[key(tenantID, mt.LoadOfferID)]
		if !ok || deadline == nil || deadline.After(now) {
			continue
		}
		mt.Status = model.MatchStatusExpired
		mt.IsActive = false
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Mem) AppendAction(_ context.Context, action *model.MatchAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = m.now()
	}
	m.actions = append(m.actions, *action)
	return nil
}

func (m *Mem) ListActions(_ context.Context, tenantID, matchID string) ([]model.MatchAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MatchAction
	for _, a := range m.actions {
		if a.TenantID == tenantID && a.MatchID == matchID {
			out = append(out, a)
		}
	}
	return out, nil
}

// MissedCount reports how many missed-history records exist.
func (m *Mem) MissedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.missed)
}
