// Package wallet implements the prepaid credit ledger (C2): balance
// mutations that always append a Transaction row carrying
// balanceBefore/balanceAfter snapshots (Invariant C), and that never drive
// a user's live balance negative outside an explicit admin override
// (Invariant D).
//
// Every exported function takes the caller's *sql.Tx: per spec §4.2
// ("Ordering: inside a transaction that mutates wallet state, the ledger
// row MUST be written after reading the current balance and before
// committing") the ledger never opens its own transaction — it composes
// into whichever transaction the subscription engine (C7) or billing
// scheduler (C8) already holds open.
package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"controlplane/internal/apperr"
	"controlplane/internal/enum"
	"controlplane/internal/metrics"
	"controlplane/internal/model"
	"controlplane/internal/store"
)

// Ledger is the wallet component. It depends only on the Store interface,
// never on a concrete database driver.
type Ledger struct {
	store store.Store
}

// New constructs a Ledger bound to the given persistence gateway.
func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

func emptyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	return meta
}

// Deduct subtracts amount from the user's balance, failing with
// INSUFFICIENT_CREDIT if creditBalance < amount. Always locks the user row
// first (spec §5 locking discipline (a)). The ledger entry is recorded as
// type SUBSCRIPTION; use DeductAs to label it differently (e.g. UPGRADE).
func (l *Ledger) Deduct(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount int64, description string, meta map[string]string) (*model.Transaction, error) {
	return l.DeductAs(ctx, tx, userID, amount, enum.TransactionTypeSubscription, description, meta)
}

// DeductAs is Deduct with an explicit ledger TransactionType.
func (l *Ledger) DeductAs(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount int64, txType enum.TransactionType, description string, meta map[string]string) (*model.Transaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("wallet.Deduct: amount must be non-negative, got %d", amount)
	}

	user, err := l.store.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if user.CreditBalance < amount {
		return nil, apperr.New(apperr.KindInsufficientCredit, "wallet.Deduct", fmt.Errorf("balance %d < amount %d", user.CreditBalance, amount))
	}

	before := user.CreditBalance
	after := before - amount

	if err := l.store.UpdateUserBalance(ctx, tx, userID, after, user.TotalTopUp, user.TotalSpent+amount); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          txType,
		Status:        enum.TransactionStatusCompleted,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		Metadata:      emptyMeta(meta),
	}
	if err := l.store.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	metrics.RecordLedgerTransaction(string(t.Type))
	return t, nil
}

// Add credits the user's balance. amount must be >= 0; a zero amount still
// writes a COMPLETED record, preserving the audit trail for zero-cost
// admin grants (spec §4.2).
func (l *Ledger) Add(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount int64, txType enum.TransactionType, description string, meta map[string]string) (*model.Transaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("wallet.Add: amount must be non-negative, got %d", amount)
	}

	user, err := l.store.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	before := user.CreditBalance
	after := before + amount

	totalTopUp := user.TotalTopUp
	if txType == enum.TransactionTypeTopUp {
		totalTopUp += amount
	}

	if err := l.store.UpdateUserBalance(ctx, tx, userID, after, totalTopUp, user.TotalSpent); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          txType,
		Status:        enum.TransactionStatusCompleted,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		Metadata:      emptyMeta(meta),
	}
	if err := l.store.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	metrics.RecordLedgerTransaction(string(t.Type))
	return t, nil
}

// Refund adds credit back to the user and decrements totalSpent by
// min(amount, totalSpent), per spec §4.2.
func (l *Ledger) Refund(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount int64, description string, meta map[string]string) (*model.Transaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("wallet.Refund: amount must be non-negative, got %d", amount)
	}

	user, err := l.store.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	before := user.CreditBalance
	after := before + amount

	spentReduction := amount
	if spentReduction > user.TotalSpent {
		spentReduction = user.TotalSpent
	}

	if err := l.store.UpdateUserBalance(ctx, tx, userID, after, user.TotalTopUp, user.TotalSpent-spentReduction); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          enum.TransactionTypeRefund,
		Status:        enum.TransactionStatusCompleted,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		Metadata:      emptyMeta(meta),
	}
	if err := l.store.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	metrics.RecordLedgerTransaction(string(t.Type))
	return t, nil
}

// AdminRefund credits the user back like Refund (decrementing totalSpent,
// never totalTopUp) but, unlike Refund, is attributed to the admin or
// system actor that triggered it and tagged with a refund reason in the
// transaction metadata. Used for force-cancellation prorated refunds,
// where the money is leaving the business's books rather than a user's
// self-service top-up being reversed.
func (l *Ledger) AdminRefund(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount int64, description string, adminID uuid.UUID, refundType string) (*model.Transaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("wallet.AdminRefund: amount must be non-negative, got %d", amount)
	}

	user, err := l.store.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	before := user.CreditBalance
	after := before + amount

	spentReduction := amount
	if spentReduction > user.TotalSpent {
		spentReduction = user.TotalSpent
	}

	if err := l.store.UpdateUserBalance(ctx, tx, userID, after, user.TotalTopUp, user.TotalSpent-spentReduction); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          enum.TransactionTypeRefund,
		Status:        enum.TransactionStatusCompleted,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		ProcessedBy:   &adminID,
		Metadata:      emptyMeta(map[string]string{"refundType": refundType}),
	}
	if err := l.store.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	metrics.RecordLedgerTransaction(string(t.Type))
	return t, nil
}

// AdminAdjust applies a signed delta to the user's balance. A negative
// result is refused unless allowNegative is set (Invariant D's only
// escape hatch). The resulting transaction is attributed to adminID.
func (l *Ledger) AdminAdjust(ctx context.Context, tx *sql.Tx, userID uuid.UUID, signedDelta int64, reason string, adminID uuid.UUID, allowNegative bool) (*model.Transaction, error) {
	user, err := l.store.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	before := user.CreditBalance
	after := before + signedDelta

	if after < 0 && !allowNegative {
		return nil, apperr.New(apperr.KindInsufficientCredit, "wallet.AdminAdjust", fmt.Errorf("adjustment would leave balance %d negative", after))
	}

	totalSpent := user.TotalSpent
	totalTopUp := user.TotalTopUp
	if signedDelta < 0 {
		totalSpent += -signedDelta
	} else {
		totalTopUp += signedDelta
	}

	if err := l.store.UpdateUserBalance(ctx, tx, userID, after, totalTopUp, totalSpent); err != nil {
		return nil, err
	}

	amount := signedDelta
	if amount < 0 {
		amount = -amount
	}

	t := &model.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          enum.TransactionTypeAdminAdjustment,
		Status:        enum.TransactionStatusCompleted,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   reason,
		ProcessedBy:   &adminID,
		Metadata:      emptyMeta(nil),
	}
	if err := l.store.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	metrics.RecordLedgerTransaction(string(t.Type))
	return t, nil
}

// RefundPending records a PENDING transaction for a gateway-backed flow
// (e.g. a top-up awaiting payment webhook confirmation). paymentReference
// is the idempotency key the webhook handler re-checks before completing.
func (l *Ledger) RefundPending(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount int64, description, paymentReference string) (*model.Transaction, error) {
	user, err := l.store.GetUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:               uuid.New(),
		UserID:           userID,
		Type:             enum.TransactionTypeTopUp,
		Status:           enum.TransactionStatusPending,
		Amount:           amount,
		BalanceBefore:    user.CreditBalance,
		BalanceAfter:     user.CreditBalance,
		Description:      description,
		PaymentReference: paymentReference,
		Metadata:         emptyMeta(nil),
	}
	if err := l.store.InsertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// MarkFailed transitions a PENDING gateway transaction to FAILED without
// touching the user's balance.
func (l *Ledger) MarkFailed(ctx context.Context, tx *sql.Tx, txID uuid.UUID, reason string) error {
	return l.store.UpdateTransactionStatus(ctx, tx, txID, string(enum.TransactionStatusFailed), nil, nil, nil)
}

// CompletePending credits a previously-recorded PENDING transaction and
// marks it COMPLETED. Idempotent: a transaction that is already COMPLETED
// is returned unchanged and the balance is not touched twice, which is
// what lets the payment webhook handler retry a delivery safely.
func (l *Ledger) CompletePending(ctx context.Context, tx *sql.Tx, txn *model.Transaction) (*model.Transaction, error) {
	if txn.Status == enum.TransactionStatusCompleted {
		return txn, nil
	}
	if txn.Status != enum.TransactionStatusPending {
		return nil, apperr.New(apperr.KindInvalidTransition, "wallet.CompletePending", fmt.Errorf("transaction %s is %s, not PENDING", txn.ID, txn.Status))
	}

	user, err := l.store.GetUserForUpdate(ctx, tx, txn.UserID)
	if err != nil {
		return nil, err
	}

	before := user.CreditBalance
	after := before + txn.Amount

	totalTopUp := user.TotalTopUp
	if txn.Type == enum.TransactionTypeTopUp {
		totalTopUp += txn.Amount
	}

	if err := l.store.UpdateUserBalance(ctx, tx, txn.UserID, after, totalTopUp, user.TotalSpent); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := l.store.UpdateTransactionStatus(ctx, tx, txn.ID, string(enum.TransactionStatusCompleted), &now, &before, &after); err != nil {
		return nil, err
	}

	txn.Status = enum.TransactionStatusCompleted
	txn.BalanceBefore = before
	txn.BalanceAfter = after
	txn.CompletedAt = &now
	metrics.RecordLedgerTransaction(string(txn.Type))
	return txn, nil
}
