package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"controlplane/internal/model"
)

func (s *Server) mountWallet(r chi.Router) {
	r.Get("/", s.walletInfo)
	r.Get("/transactions", s.listTransactions)
	r.Post("/topup", s.createTopUp)
	r.Get("/check-credit", s.checkCredit)
}

func (s *Server) walletInfo(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	user, err := s.store.GetUser(r.Context(), s.conn, c.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		CreditBalance int64 `json:"creditBalance"`
		TotalTopUp    int64 `json:"totalTopUp"`
		TotalSpent    int64 `json:"totalSpent"`
	}{user.CreditBalance, user.TotalTopUp, user.TotalSpent})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	txns, err := s.store.ListTransactionsForUser(r.Context(), s.conn, c.UserID, 50)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

type createTopUpRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// createTopUp records a PENDING top-up transaction awaiting the payment
// gateway's webhook callback (internal/webhook) to complete it, and hands
// back the reference the client attaches to the payment redirect.
func (s *Server) createTopUp(w http.ResponseWriter, r *http.Request) {
	var req createTopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed request body"})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "amount must be positive"})
		return
	}

	c, _ := callerFromContext(r.Context())
	reference := uuid.New().String()

	var created *model.Transaction
	err := s.store.WithTransaction(r.Context(), func(ctx context.Context, tx *sql.Tx) error {
		txn, err := s.wallet.RefundPending(ctx, tx, c.UserID, req.Amount, req.Description, reference)
		if err != nil {
			return err
		}
		created = txn
		return nil
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		TransactionID    uuid.UUID `json:"transactionId"`
		PaymentReference string    `json:"paymentReference"`
	}{created.ID, created.PaymentReference})
}

func (s *Server) checkCredit(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_ARGUMENT", Message: "malformed amount"})
		return
	}
	user, err := s.store.GetUser(r.Context(), s.conn, c.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	shortfall := amount - user.CreditBalance
	if shortfall < 0 {
		shortfall = 0
	}
	writeJSON(w, http.StatusOK, struct {
		Sufficient bool  `json:"sufficient"`
		Shortfall  int64 `json:"shortfall"`
	}{user.CreditBalance >= amount, shortfall})
}
