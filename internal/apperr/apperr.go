// Package apperr defines the tagged error-kind taxonomy shared by every
// control-plane component. Callers compare kinds with errors.Is/errors.As,
// never by matching on Error() strings.
package apperr

import "fmt"

// Kind is a stable, HTTP-mappable error category.
type Kind string

const (
	KindUserNotFound         Kind = "USER_NOT_FOUND"
	KindPlanNotFound         Kind = "PLAN_NOT_FOUND"
	KindServiceNotFound      Kind = "SERVICE_NOT_FOUND"
	KindSubscriptionNotFound Kind = "SUBSCRIPTION_NOT_FOUND"
	KindInstanceNotFound     Kind = "INSTANCE_NOT_FOUND"
	KindCouponNotFound       Kind = "COUPON_NOT_FOUND"
	KindTransactionNotFound  Kind = "TRANSACTION_NOT_FOUND"

	KindDuplicateSubscription Kind = "DUPLICATE_SUBSCRIPTION"
	KindInsufficientCredit    Kind = "INSUFFICIENT_CREDIT"
	KindQuotaExceeded         Kind = "QUOTA_EXCEEDED"
	KindInvalidTransition     Kind = "INVALID_TRANSITION"
	KindOrchestratorTransient Kind = "ORCHESTRATOR_TRANSIENT"
	KindOrchestratorPermanent Kind = "ORCHESTRATOR_PERMANENT"
	KindTimeoutReady          Kind = "TIMEOUT_READY"
	KindLedgerConflict        Kind = "LEDGER_CONFLICT"
	KindInvalidCoupon         Kind = "INVALID_COUPON"
	KindForbidden             Kind = "FORBIDDEN"
	KindInvalidArgument       Kind = "INVALID_ARGUMENT"
)

// Error is the concrete error type every component returns for a known
// failure mode. It carries the operation that failed and whether a caller
// may safely retry, mirroring the runtime-error shape the orchestrator
// client and provisioner use internally.
type Error struct {
	Kind      Kind
	Operation string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, apperr.New(KindX, "", nil)) style comparisons
// by kind alone, ignoring Operation/Err/Retryable.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for the given kind, wrapping the cause.
func New(kind Kind, operation string, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, Err: cause}
}

// Retryable constructs a retryable *Error, used for transient orchestrator
// failures that C6 retries with backoff before giving up.
func Retryable(kind Kind, operation string, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, Err: cause, Retryable: true}
}

// Sentinel, argument-free errors for errors.Is comparisons where no
// operation/cause context is needed.
var (
	ErrUserNotFound         = &Error{Kind: KindUserNotFound}
	ErrPlanNotFound         = &Error{Kind: KindPlanNotFound}
	ErrServiceNotFound      = &Error{Kind: KindServiceNotFound}
	ErrSubscriptionNotFound = &Error{Kind: KindSubscriptionNotFound}
	ErrInstanceNotFound     = &Error{Kind: KindInstanceNotFound}
	ErrCouponNotFound       = &Error{Kind: KindCouponNotFound}
	ErrTransactionNotFound  = &Error{Kind: KindTransactionNotFound}

	ErrDuplicateSubscription = &Error{Kind: KindDuplicateSubscription}
	ErrInsufficientCredit    = &Error{Kind: KindInsufficientCredit}
	ErrQuotaExceeded         = &Error{Kind: KindQuotaExceeded}
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition}
	ErrTimeoutReady          = &Error{Kind: KindTimeoutReady}
	ErrLedgerConflict        = &Error{Kind: KindLedgerConflict}
	ErrInvalidCoupon         = &Error{Kind: KindInvalidCoupon}
	ErrForbidden             = &Error{Kind: KindForbidden}
)

// HTTPStatus maps a Kind to the status code §6 of the spec assigns it.
// Kept here (rather than in the http package) so every caller — including
// tests that assert on status mapping — has a single source of truth.
func HTTPStatus(k Kind) int {
	switch k {
	case KindUserNotFound, KindPlanNotFound, KindServiceNotFound, KindSubscriptionNotFound, KindInstanceNotFound, KindCouponNotFound, KindTransactionNotFound:
		return 404
	case KindDuplicateSubscription:
		return 409
	case KindInsufficientCredit, KindInvalidTransition, KindInvalidArgument, KindInvalidCoupon:
		return 400
	case KindQuotaExceeded, KindOrchestratorTransient:
		return 503
	case KindForbidden:
		return 403
	case KindOrchestratorPermanent, KindTimeoutReady, KindLedgerConflict:
		return 500
	default:
		return 500
	}
}
