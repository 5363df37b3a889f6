package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store"
)

// SystemActor is recorded for transitions applied by automatic processing
// (cascades, sweepers) rather than a named operator.
const SystemActor = "system"

var (
	// ErrNotFound means the match does not exist for the tenant.
	ErrNotFound = eris.New("lifecycle: match not found")
	// ErrInvalidTransition means the requested move is not in the table.
	ErrInvalidTransition = eris.New("lifecycle: invalid transition")
	// ErrConflict means a concurrent actor moved the match first; the
	// status guard in the store rejected the update.
	ErrConflict = eris.New("lifecycle: match changed concurrently")
)

// Manager applies match state transitions. All writes are status-guarded,
// so two operators racing on the same match cannot both win.
type Manager struct {
	store store.Store
}

// NewManager creates a lifecycle manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Skip marks a match rejected by the operator.
func (m *Manager) Skip(ctx context.Context, tenantID, matchID, actor string) error {
	return m.apply(ctx, tenantID, matchID, actor, model.MatchStatusSkipped, nil, nil)
}

// Waitlist defers a decision without rejecting.
func (m *Manager) Waitlist(ctx context.Context, tenantID, matchID, actor string) error {
	return m.apply(ctx, tenantID, matchID, actor, model.MatchStatusWaitlist, nil, nil)
}

// Undecided records that an operator viewed the match and closed it without
// acting.
func (m *Manager) Undecided(ctx context.Context, tenantID, matchID, actor string) error {
	return m.apply(ctx, tenantID, matchID, actor, model.MatchStatusUndecided, nil, nil)
}

// Bid records an operator bid and cascades: every sibling match still active
// for the same offer is skipped, since the offer is now committed to one
// vehicle.
func (m *Manager) Bid(ctx context.Context, tenantID, matchID, actor string, rate *float64) error {
	match, err := m.store.GetMatch(ctx, tenantID, matchID)
	if err != nil {
		return err
	}
	if match == nil {
		return ErrNotFound
	}

	now := time.Now().UTC()
	mut := &store.MatchMutation{BidRate: rate, BidBy: &actor, BidAt: &now}
	detail, _ := json.Marshal(map[string]any{"rate": rate})
	if err := m.apply(ctx, tenantID, matchID, actor, model.MatchStatusBid, mut, detail); err != nil {
		return err
	}

	skipped, err := m.store.SkipSiblingMatches(ctx, tenantID, match.LoadOfferID, matchID)
	if err != nil {
		return eris.Wrap(err, "lifecycle: bid cascade")
	}
	cascadeDetail, _ := json.Marshal(map[string]string{"cascade_from": matchID})
	for _, id := range skipped {
		m.record(ctx, tenantID, id, SystemActor, string(model.MatchStatusSkipped), cascadeDetail)
	}
	if len(skipped) > 0 {
		zap.L().Info("bid cascade skipped siblings",
			zap.String("tenant_id", tenantID),
			zap.String("match_id", matchID),
			zap.Int("skipped", len(skipped)))
	}
	return nil
}

// Book moves a bid match to booked, the only second-hop transition.
func (m *Manager) Book(ctx context.Context, tenantID, matchID, actor string) error {
	return m.apply(ctx, tenantID, matchID, actor, model.MatchStatusBooked, nil, nil)
}

// Transition applies an arbitrary operator-requested move, validated against
// the table. Bid requests must go through Bid so the cascade runs.
func (m *Manager) Transition(ctx context.Context, tenantID, matchID, actor string, to model.MatchStatus) error {
	if to == model.MatchStatusBid {
		return m.Bid(ctx, tenantID, matchID, actor, nil)
	}
	return m.apply(ctx, tenantID, matchID, actor, to, nil, nil)
}

func (m *Manager) apply(ctx context.Context, tenantID, matchID, actor string, to model.MatchStatus, mut *store.MatchMutation, detail []byte) error {
	match, err := m.store.GetMatch(ctx, tenantID, matchID)
	if err != nil {
		return err
	}
	if match == nil {
		return ErrNotFound
	}
	from := match.Status
	if !CanTransition(from, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s to %s", from, to)
	}

	applied, err := m.store.UpdateMatchStatus(ctx, tenantID, matchID, from, to, mut)
	if err != nil {
		return err
	}
	if !applied {
		return ErrConflict
	}

	m.record(ctx, tenantID, matchID, actor, string(to), detail)
	return nil
}

// record appends one history row. History failures are logged, not
// propagated: the transition itself already committed.
func (m *Manager) record(ctx context.Context, tenantID, matchID, actor, action string, detail []byte) {
	err := m.store.AppendAction(ctx, &model.MatchAction{
		TenantID: tenantID,
		MatchID:  matchID,
		Actor:    actor,
		Action:   action,
		Detail:   detail,
	})
	if err != nil {
		zap.L().Warn("append action failed",
			zap.String("match_id", matchID),
			zap.String("action", action),
			zap.Error(err))
	}
}
