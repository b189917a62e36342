package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"controlplane/internal/admin"
)

// mountAdmin is only reached behind requireAdmin (see server.go), so every
// handler here can assume the caller already carries the administrator
// role; it still threads the actor through for admin's own audit trail.
func (s *Server) mountAdmin(r chi.Router) {
	r.Post("/subscriptions/{id}/force-cancel", s.adminForceCancel)
	r.Post("/subscriptions/{id}/force-expire", s.adminForceExpire)
	r.Post("/subscriptions/{id}/plan", s.adminAdjustPlan)
	r.Post("/plans/{id}/quota", s.adminAdjustQuota)
	r.Post("/wallets/{userId}/adjust", s.adminAdjustCredit)
}

func (s *Server) actor(r *http.Request) admin.Actor {
	c, _ := callerFromContext(r.Context())
	return admin.Actor{ID: c.UserID, Role: c.Role}
}

func (s *Server) adminForceCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	var req struct {
		Reason        string `json:"reason"`
		ProcessRefund bool   `json:"processRefund"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}
	sub, err := s.admin.ForceCancelSubscription(r.Context(), s.actor(r), id, req.Reason, req.ProcessRefund)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) adminForceExpire(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}
	sub, err := s.admin.ForceExpireSubscription(r.Context(), s.actor(r), id, req.Reason)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) adminAdjustPlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	var req struct {
		NewPlanID      uuid.UUID `json:"newPlanId"`
		AllowDowngrade bool      `json:"allowDowngrade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}
	sub, err := s.admin.AdjustSubscriptionPlan(r.Context(), s.actor(r), id, req.NewPlanID, req.AllowDowngrade)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) adminAdjustQuota(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed plan id"})
		return
	}
	var req struct {
		NewTotal int  `json:"newTotal"`
		Force    bool `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}
	if err := s.admin.AdjustQuota(r.Context(), s.actor(r), id, req.NewTotal, req.Force); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) adminAdjustCredit(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUUIDParam(r, "userId")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed user id"})
		return
	}
	var req struct {
		SignedDelta   int64  `json:"signedDelta"`
		Reason        string `json:"reason"`
		AllowNegative bool   `json:"allowNegative"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}
	txn, err := s.admin.AdjustCredit(r.Context(), s.actor(r), userID, req.SignedDelta, req.Reason, req.AllowNegative)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}
