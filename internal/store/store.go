// Package store is the persistence gateway (C1): the only component that
// talks to the underlying database. Every other component is polymorphic
// over the Store interface; all mutating operations run inside a
// transaction opened with WithTransaction, which gives serializable
// semantics and rolls back on any error.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"controlplane/internal/db"
	"controlplane/internal/model"
)

// TxFunc is the unit of work passed to WithTransaction. The *sql.Tx handle
// it receives must be threaded through to every store call made within it.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// Store is the persistence gateway every other component depends on.
// Read methods accept a db.Querier so callers can pass either the pool
// (conn) or an in-flight transaction (tx), matching spec §4.1: "Reads
// accept an optional transaction handle."
type Store interface {
	WithTransaction(ctx context.Context, fn TxFunc) error

	GetUser(ctx context.Context, q db.Querier, id uuid.UUID) (*model.User, error)
	GetUserForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.User, error)
	UpdateUserBalance(ctx context.Context, tx *sql.Tx, userID uuid.UUID, creditBalance, totalTopUp, totalSpent int64) error

	ListCategories(ctx context.Context, q db.Querier) ([]model.ServiceCategory, error)
	ListServices(ctx context.Context, q db.Querier, categorySlug string) ([]model.Service, error)
	GetServiceBySlug(ctx context.Context, q db.Querier, slug string) (*model.Service, error)
	GetService(ctx context.Context, q db.Querier, id uuid.UUID) (*model.Service, error)
	ListFeaturedServices(ctx context.Context, q db.Querier) ([]model.Service, error)
	SearchServices(ctx context.Context, q db.Querier, term string) ([]model.Service, error)

	ListPlansForService(ctx context.Context, q db.Querier, serviceID uuid.UUID) ([]model.ServicePlan, error)
	GetPlan(ctx context.Context, q db.Querier, id uuid.UUID) (*model.ServicePlan, error)
	GetPlanForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.ServicePlan, error)
	UpdatePlanQuota(ctx context.Context, tx *sql.Tx, planID uuid.UUID, usedQuota int, overAllocated bool) error
	SetPlanTotalQuota(ctx context.Context, tx *sql.Tx, planID uuid.UUID, totalQuota int, overAllocated bool) error

	InsertTransaction(ctx context.Context, tx *sql.Tx, t *model.Transaction) error
	GetTransactionByPaymentReference(ctx context.Context, q db.Querier, ref string) (*model.Transaction, error)
	ListTransactionsForUser(ctx context.Context, q db.Querier, userID uuid.UUID, limit int) ([]model.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status string, completedAt *time.Time, balanceBefore, balanceAfter *int64) error

	InsertSubscription(ctx context.Context, tx *sql.Tx, s *model.Subscription) error
	GetSubscription(ctx context.Context, q db.Querier, id uuid.UUID) (*model.Subscription, error)
	GetSubscriptionForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Subscription, error)
	FindBillableSubscription(ctx context.Context, q db.Querier, userID, serviceID uuid.UUID) (*model.Subscription, error)
	UpdateSubscription(ctx context.Context, tx *sql.Tx, s *model.Subscription) error
	ListSubscriptionsDueForRenewal(ctx context.Context, q db.Querier, now time.Time) ([]model.Subscription, error)
	ListSubscriptionsInGrace(ctx context.Context, q db.Querier, now time.Time) ([]model.Subscription, error)
	ListSubscriptionsNearBilling(ctx context.Context, q db.Querier, now time.Time, withinDays int) ([]model.Subscription, error)
	ListSubscriptionsForUser(ctx context.Context, q db.Querier, userID uuid.UUID) ([]model.Subscription, error)

	InsertInstance(ctx context.Context, tx *sql.Tx, i *model.ServiceInstance) error
	GetInstance(ctx context.Context, q db.Querier, id uuid.UUID) (*model.ServiceInstance, error)
	GetInstanceBySubscription(ctx context.Context, q db.Querier, subscriptionID uuid.UUID) (*model.ServiceInstance, error)
	UpdateInstance(ctx context.Context, tx *sql.Tx, i *model.ServiceInstance) error
	ListInstancesByStatus(ctx context.Context, q db.Querier, statuses []string, olderThan time.Time) ([]model.ServiceInstance, error)

	GetCouponByCode(ctx context.Context, q db.Querier, code string) (*model.Coupon, error)
	IncrementCouponUsage(ctx context.Context, tx *sql.Tx, couponID uuid.UUID) error
	CountUserCouponRedemptions(ctx context.Context, q db.Querier, couponID, userID uuid.UUID) (int, error)
	InsertCouponRedemption(ctx context.Context, tx *sql.Tx, couponID, userID uuid.UUID, subscriptionID *uuid.UUID) error
}
