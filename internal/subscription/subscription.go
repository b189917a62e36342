// Package subscription implements the subscription engine (C7): the state
// machine governing create/upgrade/cancel/retry/toggle-auto-renew, coupling
// the wallet ledger (C2), quota controller (C3), and provisioner (C6).
// Every operation runs inside a single serializable transaction spanning
// wallet, quota, and subscription rows; the asynchronous provisioning step
// is scheduled only after that transaction commits, so a provisioning
// failure never rolls back a committed subscription.
package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"controlplane/internal/apperr"
	"controlplane/internal/catalog"
	"controlplane/internal/coupon"
	"controlplane/internal/db"
	"controlplane/internal/enum"
	"controlplane/internal/logger"
	"controlplane/internal/model"
	"controlplane/internal/provisioner"
	"controlplane/internal/store"
	"controlplane/internal/wallet"
)

// billingPeriod is the calendar-month step spec §4.7 create() and §4.8
// daily-renewals both use to advance endDate/nextBilling.
const billingPeriod = 30 * 24 * time.Hour

// Engine is the subscription component.
type Engine struct {
	store    store.Store
	conn     db.Querier
	wallet   *wallet.Ledger
	catalog  *catalog.Catalog
	coupons  *coupon.Resolver
	provider *provisioner.Provisioner
}

// New constructs an Engine wired to its collaborators. conn is the bare
// pool used for reads outside a transaction (ownership checks, retry/stop/
// start/restart dispatch); every mutation opens its own transaction via
// store.WithTransaction.
func New(s store.Store, conn db.Querier, w *wallet.Ledger, c *catalog.Catalog, coupons *coupon.Resolver, p *provisioner.Provisioner) *Engine {
	return &Engine{store: s, conn: conn, wallet: w, catalog: c, coupons: coupons, provider: p}
}

func (e *Engine) connQuerier() db.Querier {
	return e.conn
}

// CreateOptions mirrors spec §4.7 create()'s options bag.
type CreateOptions struct {
	SkipCreditCheck   bool
	CouponCode        string
	CustomDescription string
}

// Create implements spec §4.7 create(): Invariant A check, coupon
// resolution, credit check, quota allocation, wallet deduction, and
// subscription insert, all inside one transaction; provisioning is
// scheduled after commit.
func (e *Engine) Create(ctx context.Context, userID, planID uuid.UUID, opts CreateOptions) (*model.Subscription, error) {
	var sub *model.Subscription

	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		plan, err := e.store.GetPlan(ctx, tx, planID)
		if err != nil {
			return err
		}
		if !plan.Active {
			return apperr.New(apperr.KindPlanNotFound, "subscription.Create", fmt.Errorf("plan %s is not active", planID))
		}

		if existing, err := e.store.FindBillableSubscription(ctx, tx, userID, plan.ServiceID); err == nil && existing != nil {
			return apperr.New(apperr.KindDuplicateSubscription, "subscription.Create", fmt.Errorf("user %s already has a billable subscription to service %s", userID, plan.ServiceID))
		}

		chargeAmount := plan.MonthlyPrice
		var redeemCouponID *uuid.UUID

		if opts.CouponCode != "" {
			c, err := e.coupons.Validate(ctx, tx, opts.CouponCode, userID, coupon.ValidateParams{
				ServiceID:          &plan.ServiceID,
				SubscriptionAmount: plan.MonthlyPrice,
			})
			if err != nil {
				return err
			}
			switch c.Type {
			case enum.CouponTypeFreeService, enum.CouponTypeSubscriptionDiscount:
				result, err := coupon.ApplyToCharge(c, plan.MonthlyPrice)
				if err != nil {
					return err
				}
				chargeAmount = result.ChargeAmount
				redeemCouponID = &c.ID
			case enum.CouponTypeWelcomeBonus, enum.CouponTypeCreditTopup:
				if _, err := e.coupons.ApplyCredit(ctx, tx, c, userID); err != nil {
					return err
				}
				redeemCouponID = &c.ID
			}
		}

		if !opts.SkipCreditCheck {
			user, err := e.store.GetUser(ctx, tx, userID)
			if err != nil {
				return err
			}
			if user.CreditBalance < chargeAmount {
				return apperr.New(apperr.KindInsufficientCredit, "subscription.Create", fmt.Errorf("balance %d < charge %d", user.CreditBalance, chargeAmount))
			}
		}

		if _, err := e.catalog.Allocate(ctx, tx, planID); err != nil {
			return err
		}

		description := opts.CustomDescription
		if description == "" {
			description = fmt.Sprintf("Subscription to plan %s", planID)
		}
		if _, err := e.wallet.DeductAs(ctx, tx, userID, chargeAmount, enum.TransactionTypeSubscription, description, nil); err != nil {
			return err
		}

		now := time.Now()
		endDate := now.Add(billingPeriod)
		sub = &model.Subscription{
			ID:               uuid.New(),
			UserID:           userID,
			ServiceID:        plan.ServiceID,
			PlanID:           planID,
			Status:           enum.SubscriptionStatusActive,
			StartDate:        now,
			EndDate:          endDate,
			NextBilling:      endDate,
			MonthlyPrice:     plan.MonthlyPrice,
			LastChargeAmount: chargeAmount,
			AutoRenew:        true,
		}
		if err := e.store.InsertSubscription(ctx, tx, sub); err != nil {
			return err
		}

		if redeemCouponID != nil {
			if err := e.coupons.Redeem(ctx, tx, *redeemCouponID, userID, &sub.ID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	e.scheduleProvision(ctx, sub.ID)
	return sub, nil
}

// UpgradeOptions mirrors spec §4.7 upgrade()'s options bag.
type UpgradeOptions struct {
	SkipCreditCheck bool
	AllowDowngrade  bool
}

// Upgrade implements spec §4.7 upgrade(): tier comparison, proration,
// charge/refund, quota release+allocate, and subscription update, inside
// one transaction; provisioner.Update runs best-effort after commit.
func (e *Engine) Upgrade(ctx context.Context, subscriptionID, newPlanID uuid.UUID, opts UpgradeOptions) (*model.Subscription, error) {
	var sub *model.Subscription
	var newPlan *model.ServicePlan

	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		s, err := e.store.GetSubscriptionForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if s.Status != enum.SubscriptionStatusActive {
			return apperr.New(apperr.KindInvalidTransition, "subscription.Upgrade", fmt.Errorf("subscription %s is %s, not ACTIVE", subscriptionID, s.Status))
		}

		oldPlan, err := e.store.GetPlan(ctx, tx, s.PlanID)
		if err != nil {
			return err
		}
		np, err := e.store.GetPlan(ctx, tx, newPlanID)
		if err != nil {
			return err
		}
		if np.ServiceID != oldPlan.ServiceID {
			return apperr.New(apperr.KindInvalidArgument, "subscription.Upgrade", fmt.Errorf("plan %s is not for the same service", newPlanID))
		}
		if np.PlanType <= oldPlan.PlanType && !opts.AllowDowngrade {
			return apperr.New(apperr.KindInvalidArgument, "subscription.Upgrade", fmt.Errorf("plan %s is not an upgrade from %s", np.PlanType, oldPlan.PlanType))
		}

		upgradeCost := ProratedUpgradeCost(time.Now(), s.EndDate, oldPlan.MonthlyPrice, np.MonthlyPrice)

		switch {
		case upgradeCost > 0:
			if !opts.SkipCreditCheck {
				user, err := e.store.GetUser(ctx, tx, s.UserID)
				if err != nil {
					return err
				}
				if user.CreditBalance < upgradeCost {
					return apperr.New(apperr.KindInsufficientCredit, "subscription.Upgrade", fmt.Errorf("balance %d < upgrade cost %d", user.CreditBalance, upgradeCost))
				}
			}
			if _, err := e.wallet.DeductAs(ctx, tx, s.UserID, upgradeCost, enum.TransactionTypeUpgrade, "Plan upgrade proration", nil); err != nil {
				return err
			}
		case upgradeCost < 0:
			if _, err := e.wallet.Refund(ctx, tx, s.UserID, -upgradeCost, "Plan downgrade proration", nil); err != nil {
				return err
			}
		default:
			if _, err := e.wallet.DeductAs(ctx, tx, s.UserID, 0, enum.TransactionTypeUpgrade, "Plan change, no proration due", nil); err != nil {
				return err
			}
		}

		if err := e.catalog.Release(ctx, tx, oldPlan.ID); err != nil {
			return err
		}
		if _, err := e.catalog.Allocate(ctx, tx, newPlanID); err != nil {
			return err
		}

		now := time.Now()
		previousPlanID := oldPlan.ID
		s.PlanID = newPlanID
		s.MonthlyPrice = np.MonthlyPrice
		s.PreviousPlanID = &previousPlanID
		s.UpgradeDate = &now
		if upgradeCost > 0 {
			s.LastChargeAmount = upgradeCost
		} else {
			s.LastChargeAmount = 0
		}
		if err := e.store.UpdateSubscription(ctx, tx, s); err != nil {
			return err
		}

		sub = s
		newPlan = np
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.updateInstanceBestEffort(ctx, sub.ID, *newPlan)
	return sub, nil
}

// Cancel implements spec §4.7 cancel(): ACTIVE -> CANCELLED, quota release,
// no refund, instance termination scheduled.
func (e *Engine) Cancel(ctx context.Context, subscriptionID uuid.UUID, reason string) (*model.Subscription, error) {
	var sub *model.Subscription

	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		s, err := e.store.GetSubscriptionForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if s.Status != enum.SubscriptionStatusActive {
			return apperr.New(apperr.KindInvalidTransition, "subscription.Cancel", fmt.Errorf("subscription %s is %s, not ACTIVE", subscriptionID, s.Status))
		}

		if err := e.catalog.Release(ctx, tx, s.PlanID); err != nil {
			return err
		}

		now := time.Now()
		s.Status = enum.SubscriptionStatusCancelled
		s.AutoRenew = false
		s.CancellationReason = reason
		s.CancelledAt = &now
		if err := e.store.UpdateSubscription(ctx, tx, s); err != nil {
			return err
		}

		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.terminateInstanceBestEffort(ctx, sub.ID)
	return sub, nil
}

// ForceCancel implements spec §4.7 forceCancel() [admin]: like Cancel, plus
// an optional prorated refund attributed to adminID.
func (e *Engine) ForceCancel(ctx context.Context, subscriptionID uuid.UUID, reason string, processRefund bool, adminID uuid.UUID) (*model.Subscription, error) {
	var sub *model.Subscription

	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		s, err := e.store.GetSubscriptionForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !s.Status.Billable() {
			return apperr.New(apperr.KindInvalidTransition, "subscription.ForceCancel", fmt.Errorf("subscription %s is %s, not cancellable", subscriptionID, s.Status))
		}

		if err := e.catalog.Release(ctx, tx, s.PlanID); err != nil {
			return err
		}

		if processRefund {
			refund := ProratedRefund(time.Now(), s.StartDate, s.EndDate, s.MonthlyPrice)
			if refund > 0 {
				if _, err := e.wallet.AdminRefund(ctx, tx, s.UserID, refund, "Force-cancel prorated refund", adminID, "PRORATED"); err != nil {
					return err
				}
			}
		}

		now := time.Now()
		s.Status = enum.SubscriptionStatusCancelled
		s.AutoRenew = false
		s.CancellationReason = reason
		s.CancelledAt = &now
		if err := e.store.UpdateSubscription(ctx, tx, s); err != nil {
			return err
		}

		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.terminateInstanceBestEffort(ctx, sub.ID)
	return sub, nil
}

// ForceExpire is the admin-only manual-expire operation (C9): it moves a
// billable subscription straight to EXPIRED without a grace period,
// releases its quota slot, and terminates its instance. Unlike
// ForceCancel it never refunds — an expiry is an administrative
// correction, not a customer-initiated cancellation.
func (e *Engine) ForceExpire(ctx context.Context, subscriptionID uuid.UUID, reason string, adminID uuid.UUID) (*model.Subscription, error) {
	var sub *model.Subscription

	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		s, err := e.store.GetSubscriptionForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !s.Status.Billable() {
			return apperr.New(apperr.KindInvalidTransition, "subscription.ForceExpire", fmt.Errorf("subscription %s is %s, not expirable", subscriptionID, s.Status))
		}

		if err := e.catalog.Release(ctx, tx, s.PlanID); err != nil {
			return err
		}

		now := time.Now()
		s.Status = enum.SubscriptionStatusExpired
		s.AutoRenew = false
		s.CancellationReason = reason
		s.CancelledAt = &now
		if err := e.store.UpdateSubscription(ctx, tx, s); err != nil {
			return err
		}

		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.terminateInstanceBestEffort(ctx, sub.ID)
	return sub, nil
}

// RetryProvisioning implements spec §4.7 retryProvisioning(): allowed only
// when the instance is ERROR or TERMINATED.
func (e *Engine) RetryProvisioning(ctx context.Context, subscriptionID, userID uuid.UUID) error {
	sub, err := e.store.GetSubscription(ctx, e.connQuerier(), subscriptionID)
	if err != nil {
		return err
	}
	if sub.UserID != userID {
		return apperr.New(apperr.KindForbidden, "subscription.RetryProvisioning", fmt.Errorf("subscription %s does not belong to user %s", subscriptionID, userID))
	}

	instance, err := e.store.GetInstanceBySubscription(ctx, e.connQuerier(), subscriptionID)
	if err != nil {
		return err
	}
	switch instance.Status {
	case enum.InstanceStatusRunning:
		return apperr.New(apperr.KindInvalidTransition, "subscription.RetryProvisioning", fmt.Errorf("instance %s is RUNNING, nothing to retry", instance.ID))
	case enum.InstanceStatusProvisioning:
		return apperr.New(apperr.KindInvalidTransition, "subscription.RetryProvisioning", fmt.Errorf("instance %s is already PROVISIONING", instance.ID))
	case enum.InstanceStatusError, enum.InstanceStatusTerminated:
	default:
		return apperr.New(apperr.KindInvalidTransition, "subscription.RetryProvisioning", fmt.Errorf("instance %s is %s, retry needs ERROR or TERMINATED", instance.ID, instance.Status))
	}

	e.scheduleProvision(ctx, subscriptionID)
	return nil
}

// ToggleAutoRenew implements spec §4.7 toggleAutoRenew(): allowed only when
// status ∈ {ACTIVE, CANCELLED}; re-enabling within the paid-for period on a
// CANCELLED subscription transitions it back to ACTIVE.
func (e *Engine) ToggleAutoRenew(ctx context.Context, subscriptionID, userID uuid.UUID, autoRenew bool) (*model.Subscription, error) {
	var sub *model.Subscription

	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		s, err := e.store.GetSubscriptionForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if s.UserID != userID {
			return apperr.New(apperr.KindForbidden, "subscription.ToggleAutoRenew", fmt.Errorf("subscription %s does not belong to user %s", subscriptionID, userID))
		}
		if s.Status != enum.SubscriptionStatusActive && s.Status != enum.SubscriptionStatusCancelled {
			return apperr.New(apperr.KindInvalidTransition, "subscription.ToggleAutoRenew", fmt.Errorf("subscription %s is %s", subscriptionID, s.Status))
		}

		s.AutoRenew = autoRenew
		if autoRenew && s.Status == enum.SubscriptionStatusCancelled && time.Now().Before(s.EndDate) {
			s.Status = enum.SubscriptionStatusActive
			s.CancelledAt = nil
			s.CancellationReason = ""
		}

		if err := e.store.UpdateSubscription(ctx, tx, s); err != nil {
			return err
		}
		sub = s
		return nil
	})
	return sub, err
}

// Stop/Start/Restart are thin wrappers over the provisioner that also
// verify ownership, per spec §4.7.

func (e *Engine) Stop(ctx context.Context, subscriptionID, userID uuid.UUID) error {
	instance, err := e.ownedInstance(ctx, subscriptionID, userID)
	if err != nil {
		return err
	}
	return e.provider.Stop(ctx, instance.ID)
}

func (e *Engine) Start(ctx context.Context, subscriptionID, userID uuid.UUID) error {
	instance, err := e.ownedInstance(ctx, subscriptionID, userID)
	if err != nil {
		return err
	}
	return e.provider.Start(ctx, instance.ID)
}

func (e *Engine) Restart(ctx context.Context, subscriptionID, userID uuid.UUID) error {
	instance, err := e.ownedInstance(ctx, subscriptionID, userID)
	if err != nil {
		return err
	}
	return e.provider.Restart(ctx, instance.ID)
}

func (e *Engine) ownedInstance(ctx context.Context, subscriptionID, userID uuid.UUID) (*model.ServiceInstance, error) {
	sub, err := e.store.GetSubscription(ctx, e.connQuerier(), subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, apperr.New(apperr.KindForbidden, "subscription", fmt.Errorf("subscription %s does not belong to user %s", subscriptionID, userID))
	}
	return e.store.GetInstanceBySubscription(ctx, e.connQuerier(), subscriptionID)
}

func (e *Engine) scheduleProvision(ctx context.Context, subscriptionID uuid.UUID) {
	go func() {
		if _, err := e.provider.Provision(ctx, subscriptionID); err != nil {
			logger.GetLogger(ctx).Error("subscription: scheduling provision failed", zap.String("subscriptionId", subscriptionID.String()), zap.Error(err))
		}
	}()
}

func (e *Engine) updateInstanceBestEffort(ctx context.Context, subscriptionID uuid.UUID, newPlan model.ServicePlan) {
	go func() {
		instance, err := e.store.GetInstanceBySubscription(ctx, e.connQuerier(), subscriptionID)
		if err != nil {
			logger.GetLogger(ctx).Error("subscription: upgrade instance lookup failed", zap.Error(err))
			return
		}
		if err := e.provider.Update(ctx, instance.ID, newPlan); err != nil {
			logger.GetLogger(ctx).Error("subscription: best-effort instance update failed", zap.String("instanceId", instance.ID.String()), zap.Error(err))
		}
	}()
}

func (e *Engine) terminateInstanceBestEffort(ctx context.Context, subscriptionID uuid.UUID) {
	go func() {
		instance, err := e.store.GetInstanceBySubscription(ctx, e.connQuerier(), subscriptionID)
		if err != nil {
			logger.GetLogger(ctx).Error("subscription: terminate instance lookup failed", zap.Error(err))
			return
		}
		if err := e.provider.Terminate(ctx, instance.ID); err != nil {
			logger.GetLogger(ctx).Error("subscription: best-effort instance terminate failed", zap.String("instanceId", instance.ID.String()), zap.Error(err))
		}
	}()
}
