package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"controlplane/internal/apperr"
	"controlplane/internal/orchestrator"
)

func (s *Server) mountInstances(r chi.Router) {
	r.Get("/", s.listInstances)
	r.Get("/{id}", s.getInstance)
	r.Delete("/{id}", s.terminateInstance)
	r.Post("/{id}/update", s.updateInstance)
	r.Post("/{id}/restart", s.restartInstance)
	r.Post("/{id}/stop", s.stopInstance)
	r.Post("/{id}/start", s.startInstance)
	r.Get("/{id}/logs", s.streamInstanceLogs)
}

// ownsInstance confirms, through the instance's owning subscription, that
// it belongs to the caller (or the caller is an administrator).
func (s *Server) ownsInstance(r *http.Request, instanceID uuid.UUID) error {
	instance, err := s.store.GetInstance(r.Context(), s.conn, instanceID)
	if err != nil {
		return err
	}
	sub, err := s.store.GetSubscription(r.Context(), s.conn, instance.SubscriptionID)
	if err != nil {
		return err
	}
	c, _ := callerFromContext(r.Context())
	if sub.UserID != c.UserID && !c.isAdmin() {
		return apperr.New(apperr.KindForbidden, "httpapi.ownsInstance", nil)
	}
	return nil
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	subs, err := s.store.ListSubscriptionsForUser(r.Context(), s.conn, c.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	instances := make([]any, 0, len(subs))
	for _, sub := range subs {
		instance, err := s.store.GetInstanceBySubscription(r.Context(), s.conn, sub.ID)
		if err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed instance id"})
		return
	}
	if err := s.ownsInstance(r, id); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	instance, err := s.store.GetInstance(r.Context(), s.conn, id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) terminateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed instance id"})
		return
	}
	c, _ := callerFromContext(r.Context())
	if !c.isAdmin() {
		writeJSON(w, http.StatusForbidden, errorBody{Code: "FORBIDDEN", Message: "administrator role required"})
		return
	}
	if err := s.prov.Terminate(r.Context(), id); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) updateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed instance id"})
		return
	}
	if err := s.ownsInstance(r, id); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	var req struct {
		PlanID uuid.UUID `json:"planId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}
	plan, err := s.store.GetPlan(r.Context(), s.conn, req.PlanID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if err := s.prov.Update(r.Context(), id, *plan); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) restartInstance(w http.ResponseWriter, r *http.Request) {
	s.dispatchInstanceOp(w, r, s.prov.Restart)
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	s.dispatchInstanceOp(w, r, s.prov.Stop)
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	s.dispatchInstanceOp(w, r, s.prov.Start)
}

func (s *Server) dispatchInstanceOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, instanceID uuid.UUID) error) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed instance id"})
		return
	}
	if err := s.ownsInstance(r, id); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if err := op(r.Context(), id); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// streamInstanceLogs tails the instance's current pod and writes each line
// to the response body as it arrives, flushing after every line so the
// client sees a live tail rather than a buffered dump.
func (s *Server) streamInstanceLogs(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed instance id"})
		return
	}
	if err := s.ownsInstance(r, id); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	sink := make(chan orchestrator.LogChunk, 64)
	done := make(chan error, 1)
	go func() { done <- s.prov.Logs(r.Context(), id, sink) }()

	for {
		select {
		case chunk, open := <-sink:
			if !open {
				return
			}
			if chunk.Err != nil {
				return
			}
			fmt.Fprintln(w, chunk.Line)
			if canFlush {
				flusher.Flush()
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
