package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"controlplane/internal/apperr"
	"controlplane/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps a component error to the status codes spec §6/§7 assign
// each apperr.Kind. Errors that aren't an *apperr.Error are a bug, not a
// user-correctable condition, so they surface as a generic 500.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		writeJSON(w, apperr.HTTPStatus(ae.Kind), errorBody{Code: string(ae.Kind), Message: ae.Error()})
		return
	}
	logger.GetLogger(ctx).Error("unhandled handler error", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "internal error"})
}
