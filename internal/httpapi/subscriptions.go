package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"controlplane/internal/apperr"
	"controlplane/internal/model"
	"controlplane/internal/subscription"
)

func (s *Server) mountSubscriptions(r chi.Router) {
	r.Get("/", s.listSubscriptions)
	r.Post("/", s.createSubscription)
	r.Get("/{id}", s.getSubscription)
	r.Delete("/{id}", s.cancelSubscription)
	r.Post("/{id}/upgrade", s.upgradeSubscription)
	r.Post("/{id}/stop", s.subscriptionStop)
	r.Post("/{id}/start", s.subscriptionStart)
	r.Post("/{id}/restart", s.subscriptionRestart)
	r.Post("/{id}/retry-provisioning", s.retryProvisioning)
	r.Put("/{id}/auto-renew", s.toggleAutoRenew)
	r.Get("/{id}/billing-info", s.billingInfo)
	r.Get("/{id}/metrics", s.subscriptionMetrics)
}

// ownsSubscription loads a subscription and confirms it belongs to the
// caller (or the caller is an administrator), the 403-for-cross-user-access
// check spec §6 assigns the HTTP layer for operations the engine itself
// doesn't take a userID for (Cancel, Upgrade).
func (s *Server) ownsSubscription(r *http.Request, id uuid.UUID) (*model.Subscription, error) {
	sub, err := s.store.GetSubscription(r.Context(), s.conn, id)
	if err != nil {
		return nil, err
	}
	c, _ := callerFromContext(r.Context())
	if sub.UserID != c.UserID && !c.isAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "httpapi.ownsSubscription", nil)
	}
	return sub, nil
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	subs, err := s.store.ListSubscriptionsForUser(r.Context(), s.conn, c.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

type createSubscriptionRequest struct {
	PlanID            uuid.UUID `json:"planId"`
	SkipCreditCheck   bool      `json:"skipCreditCheck"`
	CouponCode        string    `json:"couponCode"`
	CustomDescription string    `json:"customDescription"`
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}

	c, _ := callerFromContext(r.Context())
	sub, err := s.subs.Create(r.Context(), c.UserID, req.PlanID, subscription.CreateOptions{
		SkipCreditCheck:   req.SkipCreditCheck,
		CouponCode:        req.CouponCode,
		CustomDescription: req.CustomDescription,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	sub, err := s.ownsSubscription(r, id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	if _, err := s.ownsSubscription(r, id); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	sub, err := s.subs.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) upgradeSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	if _, err := s.ownsSubscription(r, id); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	var req struct {
		NewPlanID       uuid.UUID `json:"newPlanId"`
		SkipCreditCheck bool      `json:"skipCreditCheck"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}

	sub, err := s.subs.Upgrade(r.Context(), id, req.NewPlanID, subscription.UpgradeOptions{SkipCreditCheck: req.SkipCreditCheck})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) subscriptionStop(w http.ResponseWriter, r *http.Request) {
	s.dispatchLifecycle(w, r, s.subs.Stop)
}

func (s *Server) subscriptionStart(w http.ResponseWriter, r *http.Request) {
	s.dispatchLifecycle(w, r, s.subs.Start)
}

func (s *Server) subscriptionRestart(w http.ResponseWriter, r *http.Request) {
	s.dispatchLifecycle(w, r, s.subs.Restart)
}

func (s *Server) dispatchLifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, subscriptionID, userID uuid.UUID) error) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	c, _ := callerFromContext(r.Context())
	if err := op(r.Context(), id, c.UserID); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) retryProvisioning(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	c, _ := callerFromContext(r.Context())
	if err := s.subs.RetryProvisioning(r.Context(), id, c.UserID); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) toggleAutoRenew(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	var req struct {
		AutoRenew bool `json:"autoRenew"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}
	c, _ := callerFromContext(r.Context())
	sub, err := s.subs.ToggleAutoRenew(r.Context(), id, c.UserID, req.AutoRenew)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) billingInfo(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	sub, err := s.ownsSubscription(r, id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		NextBilling      any `json:"nextBilling"`
		MonthlyPrice     any `json:"monthlyPrice"`
		AutoRenew        any `json:"autoRenew"`
		GracePeriodEnd   any `json:"gracePeriodEnd"`
		LastChargeAmount any `json:"lastChargeAmount"`
	}{sub.NextBilling, sub.MonthlyPrice, sub.AutoRenew, sub.GracePeriodEnd, sub.LastChargeAmount})
}

func (s *Server) subscriptionMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed subscription id"})
		return
	}
	sub, err := s.ownsSubscription(r, id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	instance, err := s.store.GetInstanceBySubscription(r.Context(), s.conn, sub.ID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		CPUUsageMilli int    `json:"cpuUsageMilli"`
		MemoryUsageMB int    `json:"memoryUsageMb"`
		HealthStatus  string `json:"healthStatus"`
		Status        string `json:"status"`
	}{instance.CPUUsageMilli, instance.MemoryUsageMB, instance.HealthStatus, string(instance.Status)})
}
