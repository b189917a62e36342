// Package webhook handles the inbound payment-gateway callback
// (POST /wallet/webhook/midtrans per spec §6): the one HTTP endpoint in
// the control plane that authenticates a caller by shared secret instead
// of the bearer claims the rest of the API relies on, since the caller is
// an external payment gateway rather than a logged-in user.
//
// Signature verification follows the same shape as an HMAC-signed
// provider webhook (compare a constant-time MAC over the raw body against
// a header value) without taking on a gateway-specific SDK, since the
// gateway here is modeled generically rather than tied to one vendor.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"controlplane/internal/apperr"
	"controlplane/internal/enum"
	"controlplane/internal/logger"
	"controlplane/internal/store"
	"controlplane/internal/wallet"
)

const maxBodyBytes = 1 << 16

// SignatureHeader is the header carrying the hex-encoded HMAC-SHA256 of
// the raw request body, keyed by the shared secret.
const SignatureHeader = "X-Signature"

// payload is the gateway's callback body, per spec §1's non-goal
// description of the payment-gateway integration surface.
type payload struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// Handler verifies and applies payment-gateway callbacks against pending
// top-up transactions recorded by wallet.Ledger.RefundPending.
type Handler struct {
	store  store.Store
	wallet *wallet.Ledger
	secret []byte
}

// New constructs a Handler keyed by the configured shared secret.
func New(s store.Store, w *wallet.Ledger, secret string) *Handler {
	return &Handler{store: s, wallet: w, secret: []byte(secret)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.GetLogger(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		log.Warn("webhook signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if p.TransactionID == "" {
		http.Error(w, "missing transactionId", http.StatusBadRequest)
		return
	}

	if err := h.apply(ctx, p); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			http.Error(w, ae.Error(), apperr.HTTPStatus(ae.Kind))
			return
		}
		log.Error("webhook processing failed", zap.String("transactionId", p.TransactionID), zap.Error(err))
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" || len(h.secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// apply settles the callback against the PENDING transaction recorded
// when the top-up was initiated. Re-delivery of the same callback is
// idempotent: wallet.CompletePending is a no-op on an already-COMPLETED
// transaction, and a second "failed" delivery is a no-op MarkFailed.
func (h *Handler) apply(ctx context.Context, p payload) error {
	return h.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		txn, err := h.store.GetTransactionByPaymentReference(ctx, tx, p.TransactionID)
		if err != nil {
			return err
		}
		if txn == nil {
			return apperr.New(apperr.KindTransactionNotFound, "webhook.apply",
				fmt.Errorf("no transaction found for payment reference %q", p.TransactionID))
		}

		switch p.Status {
		case statusSuccess:
			if txn.Status == enum.TransactionStatusPending && p.Amount != txn.Amount {
				return apperr.New(apperr.KindInvalidArgument, "webhook.apply",
					fmt.Errorf("callback amount %d does not match pending transaction amount %d", p.Amount, txn.Amount))
			}
			_, err := h.wallet.CompletePending(ctx, tx, txn)
			return err
		case statusFailed:
			return h.wallet.MarkFailed(ctx, tx, txn.ID, "gateway reported failure")
		default:
			logger.GetLogger(ctx).Info("webhook unhandled status", zap.String("status", p.Status), zap.String("transactionId", p.TransactionID))
			return nil
		}
	})
}

