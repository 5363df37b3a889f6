package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/lifecycle"
	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/store"
)

func (s *Server) handleIngestOffer(w http.ResponseWriter, r *http.Request) {
	var offer model.LoadOffer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if offer.SequenceID == 0 {
		writeError(w, http.StatusBadRequest, "sequence_id is required")
		return
	}
	offer.TenantID = tenantID(r)
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	if offer.ReceivedAt.IsZero() {
		offer.ReceivedAt = time.Now().UTC()
	}
	if offer.Status == "" {
		offer.Status = model.OfferStatusNew
	}

	if err := s.store.InsertOffer(r.Context(), &offer); err != nil {
		writeError(w, http.StatusInternalServerError, "insert failed")
		zap.L().Error("ingest offer failed", zap.String("offer_id", offer.ID), zap.Error(err))
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishOffer(r.Context(), offer.TenantID, offer.ID); err != nil {
			// The periodic rematch pass covers a dropped notification.
			zap.L().Warn("publish offer failed", zap.String("offer_id", offer.ID), zap.Error(err))
		}
	} else if _, err := s.engine.ProcessOffer(r.Context(), offer.TenantID, offer.ID); err != nil {
		zap.L().Error("offer pass failed", zap.String("offer_id", offer.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	var f store.OfferFilter
	q := r.URL.Query()
	if v := q.Get("since_seq"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since_seq")
			return
		}
		f.SinceSequence = &seq
	}
	f.Status = model.OfferStatus(q.Get("status"))
	f.Limit = intParam(q.Get("limit"), 100)

	offers, err := s.store.ListOffers(r.Context(), tenantID(r), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		zap.L().Error("list offers failed", zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers, "count": len(offers)})
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan model.HuntPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if plan.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "vehicle_id is required")
		return
	}
	plan.TenantID = tenantID(r)
	plan.Enabled = false
	plan.InitialBackfillDone = false

	// Postal-only plans need coordinates for radius matching.
	s.engine.ResolvePlanOrigin(r.Context(), &plan)

	if err := s.store.CreatePlan(r.Context(), &plan); err != nil {
		writeError(w, http.StatusInternalServerError, "create failed")
		zap.L().Error("create plan failed", zap.Error(err))
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.store.GetPlan(r.Context(), tenantID(r), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if plan == nil {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleEnablePlan(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	planID := chi.URLParam(r, "planID")

	created, err := s.engine.EnableAndBackfill(r.Context(), tenant, planID)
	if err != nil {
		writeError(w, http.StatusNotFound, "plan not found or deleted")
		zap.L().Warn("enable plan failed", zap.String("plan_id", planID), zap.Error(err))
		return
	}

	s.publishPlan(r.Context(), tenant, planID, "enabled")
	writeJSON(w, http.StatusOK, map[string]any{"plan_id": planID, "backfill_matches": created})
}

func (s *Server) handleDisablePlan(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	planID := chi.URLParam(r, "planID")

	if err := s.store.DisablePlan(r.Context(), tenant, planID); err != nil {
		writeError(w, http.StatusNotFound, "plan not found or deleted")
		return
	}
	s.publishPlan(r.Context(), tenant, planID, "disabled")
	writeJSON(w, http.StatusOK, map[string]string{"plan_id": planID, "status": "disabled"})
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	planID := chi.URLParam(r, "planID")

	if err := s.store.SoftDeletePlan(r.Context(), tenant, planID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		zap.L().Error("delete plan failed", zap.String("plan_id", planID), zap.Error(err))
		return
	}
	s.publishPlan(r.Context(), tenant, planID, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearMatches(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	planID := chi.URLParam(r, "planID")

	n, err := s.store.ClearPlanMatches(r.Context(), tenant, planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clear failed")
		zap.L().Error("clear matches failed", zap.String("plan_id", planID), zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan_id": planID, "cleared": n})
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MatchFilter{
		Status:      model.MatchStatus(q.Get("status")),
		VehicleID:   q.Get("vehicle_id"),
		HuntPlanID:  q.Get("plan_id"),
		LoadOfferID: q.Get("offer_id"),
		Limit:       intParam(q.Get("limit"), 100),
		Offset:      intParam(q.Get("offset"), 0),
	}
	if f.Status != "" {
		if _, err := model.ParseMatchStatus(string(f.Status)); err != nil {
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
	}

	matches, err := s.store.ListMatches(r.Context(), tenantID(r), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		zap.L().Error("list matches failed", zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

// handleGetMatch returns the match joined with its offer, the view the
// console's detail pane renders.
func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	m, err := s.store.GetMatch(r.Context(), tenant, chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}

	offer, err := s.store.GetOffer(r.Context(), tenant, m.LoadOfferID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"match": m, "offer": offer})
}

func (s *Server) handleMatchCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountMatchesByVehicle(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count failed")
		zap.L().Error("match counts failed", zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.store.ListActions(r.Context(), tenantID(r), chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// transitionHandler adapts a simple lifecycle method into an HTTP handler.
func (s *Server) transitionHandler(fn func(*lifecycle.Manager, context.Context, string, string, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matchID := chi.URLParam(r, "matchID")
		err := fn(s.lifecycle, r.Context(), tenantID(r), matchID, actorOf(r))
		if err != nil {
			writeTransitionError(w, matchID, err)
			return
		}
		s.respondWithMatch(w, r, matchID)
	}
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate *float64 `json:"rate"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	matchID := chi.URLParam(r, "matchID")
	if err := s.lifecycle.Bid(r.Context(), tenantID(r), matchID, actorOf(r), req.Rate); err != nil {
		writeTransitionError(w, matchID, err)
		return
	}
	s.respondWithMatch(w, r, matchID)
}

func (s *Server) respondWithMatch(w http.ResponseWriter, r *http.Request, matchID string) {
	m, err := s.store.GetMatch(r.Context(), tenantID(r), matchID)
	if err != nil || m == nil {
		writeJSON(w, http.StatusOK, map[string]string{"match_id": matchID, "status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func writeTransitionError(w http.ResponseWriter, matchID string, err error) {
	switch {
	case eris.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "match not found")
	case eris.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "transition not allowed from current status")
	case eris.Is(err, lifecycle.ErrConflict):
		writeError(w, http.StatusConflict, "match changed concurrently, reload and retry")
	default:
		writeError(w, http.StatusInternalServerError, "transition failed")
		zap.L().Error("transition failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

// actorOf identifies the operator for history records. The console sends an
// operator id header; absent that, actions are attributed to "operator".
func actorOf(r *http.Request) string {
	if actor := r.Header.Get(OperatorHeader); actor != "" {
		return actor
	}
	return "operator"
}

func (s *Server) publishPlan(ctx context.Context, tenant, planID, event string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishPlan(ctx, tenant, planID, event); err != nil {
		zap.L().Warn("publish plan event failed",
			zap.String("plan_id", planID),
			zap.String("event", event),
			zap.Error(err))
	}
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
