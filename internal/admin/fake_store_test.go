package admin

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"controlplane/internal/apperr"
	"controlplane/internal/db"
	"controlplane/internal/model"
	"controlplane/internal/store"
)

// fakeStore is an in-memory store.Store double scoped to what the admin
// operations (and the subscription.Engine they delegate to) touch.
type fakeStore struct {
	users         map[uuid.UUID]*model.User
	subscriptions map[uuid.UUID]*model.Subscription
	plans         map[uuid.UUID]*model.ServicePlan
	instances     map[uuid.UUID]*model.ServiceInstance
	transactions  []*model.Transaction
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         map[uuid.UUID]*model.User{},
		subscriptions: map[uuid.UUID]*model.Subscription{},
		plans:         map[uuid.UUID]*model.ServicePlan{},
		instances:     map[uuid.UUID]*model.ServiceInstance{},
	}
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn store.TxFunc) error {
	return fn(ctx, nil)
}

func (f *fakeStore) GetUser(ctx context.Context, q db.Querier, id uuid.UUID) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	return u, nil
}
func (f *fakeStore) GetUserForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.User, error) {
	return f.GetUser(ctx, nil, id)
}
func (f *fakeStore) UpdateUserBalance(ctx context.Context, tx *sql.Tx, userID uuid.UUID, creditBalance, totalTopUp, totalSpent int64) error {
	u, ok := f.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	u.CreditBalance = creditBalance
	u.TotalTopUp = totalTopUp
	u.TotalSpent = totalSpent
	return nil
}

func (f *fakeStore) ListCategories(ctx context.Context, q db.Querier) ([]model.ServiceCategory, error) {
	return nil, nil
}
func (f *fakeStore) ListServices(ctx context.Context, q db.Querier, categorySlug string) ([]model.Service, error) {
	return nil, nil
}
func (f *fakeStore) GetServiceBySlug(ctx context.Context, q db.Querier, slug string) (*model.Service, error) {
	return nil, apperr.ErrServiceNotFound
}
func (f *fakeStore) GetService(ctx context.Context, q db.Querier, id uuid.UUID) (*model.Service, error) {
	return nil, apperr.ErrServiceNotFound
}
func (f *fakeStore) ListFeaturedServices(ctx context.Context, q db.Querier) ([]model.Service, error) {
	return nil, nil
}
func (f *fakeStore) SearchServices(ctx context.Context, q db.Querier, term string) ([]model.Service, error) {
	return nil, nil
}

func (f *fakeStore) ListPlansForService(ctx context.Context, q db.Querier, serviceID uuid.UUID) ([]model.ServicePlan, error) {
	return nil, nil
}
func (f *fakeStore) GetPlan(ctx context.Context, q db.Querier, id uuid.UUID) (*model.ServicePlan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, apperr.ErrPlanNotFound
	}
	return p, nil
}
func (f *fakeStore) GetPlanForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.ServicePlan, error) {
	return f.GetPlan(ctx, nil, id)
}
func (f *fakeStore) UpdatePlanQuota(ctx context.Context, tx *sql.Tx, planID uuid.UUID, usedQuota int, overAllocated bool) error {
	if p, ok := f.plans[planID]; ok {
		p.UsedQuota = usedQuota
		p.OverAllocated = overAllocated
	}
	return nil
}
func (f *fakeStore) SetPlanTotalQuota(ctx context.Context, tx *sql.Tx, planID uuid.UUID, totalQuota int, overAllocated bool) error {
	p, ok := f.plans[planID]
	if !ok {
		return apperr.ErrPlanNotFound
	}
	p.TotalQuota = totalQuota
	p.OverAllocated = overAllocated
	return nil
}

func (f *fakeStore) InsertTransaction(ctx context.Context, tx *sql.Tx, t *model.Transaction) error {
	f.transactions = append(f.transactions, t)
	return nil
}
func (f *fakeStore) GetTransactionByPaymentReference(ctx context.Context, q db.Querier, ref string) (*model.Transaction, error) {
	return nil, nil
}
func (f *fakeStore) ListTransactionsForUser(ctx context.Context, q db.Querier, userID uuid.UUID, limit int) ([]model.Transaction, error) {
	return nil, nil
}
func (f *fakeStore) UpdateTransactionStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status string, completedAt *time.Time, balanceBefore, balanceAfter *int64) error {
	return nil
}

func (f *fakeStore) InsertSubscription(ctx context.Context, tx *sql.Tx, s *model.Subscription) error {
	f.subscriptions[s.ID] = s
	return nil
}
func (f *fakeStore) GetSubscription(ctx context.Context, q db.Querier, id uuid.UUID) (*model.Subscription, error) {
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, apperr.ErrSubscriptionNotFound
	}
	return s, nil
}
func (f *fakeStore) GetSubscriptionForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Subscription, error) {
	return f.GetSubscription(ctx, nil, id)
}
func (f *fakeStore) FindBillableSubscription(ctx context.Context, q db.Querier, userID, serviceID uuid.UUID) (*model.Subscription, error) {
	return nil, apperr.ErrSubscriptionNotFound
}
func (f *fakeStore) UpdateSubscription(ctx context.Context, tx *sql.Tx, s *model.Subscription) error {
	f.subscriptions[s.ID] = s
	return nil
}
func (f *fakeStore) ListSubscriptionsDueForRenewal(ctx context.Context, q db.Querier, now time.Time) ([]model.Subscription, error) {
	return nil, nil
}
func (f *fakeStore) ListSubscriptionsInGrace(ctx context.Context, q db.Querier, now time.Time) ([]model.Subscription, error) {
	return nil, nil
}
func (f *fakeStore) ListSubscriptionsNearBilling(ctx context.Context, q db.Querier, now time.Time, withinDays int) ([]model.Subscription, error) {
	return nil, nil
}
func (f *fakeStore) ListSubscriptionsForUser(ctx context.Context, q db.Querier, userID uuid.UUID) ([]model.Subscription, error) {
	return nil, nil
}

func (f *fakeStore) InsertInstance(ctx context.Context, tx *sql.Tx, i *model.ServiceInstance) error {
	f.instances[i.ID] = i
	return nil
}
func (f *fakeStore) GetInstance(ctx context.Context, q db.Querier, id uuid.UUID) (*model.ServiceInstance, error) {
	i, ok := f.instances[id]
	if !ok {
		return nil, apperr.ErrInstanceNotFound
	}
	return i, nil
}
func (f *fakeStore) GetInstanceBySubscription(ctx context.Context, q db.Querier, subscriptionID uuid.UUID) (*model.ServiceInstance, error) {
	for _, i := range f.instances {
		if i.SubscriptionID == subscriptionID {
			return i, nil
		}
	}
	return nil, apperr.ErrInstanceNotFound
}
func (f *fakeStore) UpdateInstance(ctx context.Context, tx *sql.Tx, i *model.ServiceInstance) error {
	f.instances[i.ID] = i
	return nil
}
func (f *fakeStore) ListInstancesByStatus(ctx context.Context, q db.Querier, statuses []string, olderThan time.Time) ([]model.ServiceInstance, error) {
	return nil, nil
}

func (f *fakeStore) GetCouponByCode(ctx context.Context, q db.Querier, code string) (*model.Coupon, error) {
	return nil, apperr.ErrCouponNotFound
}
func (f *fakeStore) IncrementCouponUsage(ctx context.Context, tx *sql.Tx, couponID uuid.UUID) error {
	return nil
}
func (f *fakeStore) CountUserCouponRedemptions(ctx context.Context, q db.Querier, couponID, userID uuid.UUID) (int, error) {
	return 0, nil
}
func (f *fakeStore) InsertCouponRedemption(ctx context.Context, tx *sql.Tx, couponID, userID uuid.UUID, subscriptionID *uuid.UUID) error {
	return nil
}
