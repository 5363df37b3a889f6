// Package lifecycle owns every mutation of a Match after creation. The
// engine creates matches in the active state; everything afterwards flows
// through Manager, which enforces the transition table and records each
// step in the append-only action history.
package lifecycle

import "github.com/haulboard/loadhunt/internal/model"

// validTransitions defines the match state machine. Every state other than
// active and bid is terminal: once a match leaves active it is permanently
// out of the actionable working set, and the engine's conflict-ignoring
// insert guarantees it is never recreated.
var validTransitions = map[model.MatchStatus][]model.MatchStatus{
	model.MatchStatusActive: {
		model.MatchStatusSkipped,
		model.MatchStatusBid,
		model.MatchStatusWaitlist,
		model.MatchStatusUndecided,
		model.MatchStatusBooked,
		model.MatchStatusMissed,
		model.MatchStatusExpired,
	},
	model.MatchStatusBid: {
		model.MatchStatusBooked,
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to model.MatchStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
