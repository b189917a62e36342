// Package admin implements the admin operations component (C9):
// force-cancel, force-refund, manual expire, quota adjust, and credit
// adjust. Every operation requires an Actor with the ADMINISTRATOR role —
// admin is not a bypass of the other components' invariants, it is a
// privileged caller of the same wallet/catalog/subscription primitives
// the rest of the control plane uses.
package admin

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"controlplane/internal/apperr"
	"controlplane/internal/catalog"
	"controlplane/internal/enum"
	"controlplane/internal/model"
	"controlplane/internal/store"
	"controlplane/internal/subscription"
	"controlplane/internal/wallet"
)

// Actor identifies the caller of an admin operation, extracted from the
// request's bearer claims by the HTTP layer.
type Actor struct {
	ID   uuid.UUID
	Role enum.Role
}

func (a Actor) requireAdmin(operation string) error {
	if a.Role != enum.RoleAdministrator {
		return apperr.New(apperr.KindForbidden, operation, fmt.Errorf("actor %s is not an administrator", a.ID))
	}
	return nil
}

// Admin is the admin operations component.
type Admin struct {
	store   store.Store
	wallet  *wallet.Ledger
	catalog *catalog.Catalog
	subs    *subscription.Engine
}

// New constructs an Admin bound to the components it fronts.
func New(s store.Store, w *wallet.Ledger, c *catalog.Catalog, subs *subscription.Engine) *Admin {
	return &Admin{store: s, wallet: w, catalog: c, subs: subs}
}

// ForceCancelSubscription cancels any billable subscription regardless of
// owner, optionally refunding the prorated remainder. Delegates to
// subscription.Engine.ForceCancel, the same invariant-preserving path the
// synchronous cancel flow would use if it allowed cross-user access.
func (a *Admin) ForceCancelSubscription(ctx context.Context, actor Actor, subscriptionID uuid.UUID, reason string, processRefund bool) (*model.Subscription, error) {
	if err := actor.requireAdmin("admin.ForceCancelSubscription"); err != nil {
		return nil, err
	}
	return a.subs.ForceCancel(ctx, subscriptionID, reason, processRefund, actor.ID)
}

// ForceExpireSubscription manually expires a subscription outside the
// normal grace-period flow — e.g. to correct a billing dispute or close
// an account immediately.
func (a *Admin) ForceExpireSubscription(ctx context.Context, actor Actor, subscriptionID uuid.UUID, reason string) (*model.Subscription, error) {
	if err := actor.requireAdmin("admin.ForceExpireSubscription"); err != nil {
		return nil, err
	}
	return a.subs.ForceExpire(ctx, subscriptionID, reason, actor.ID)
}

// AdjustSubscriptionPlan changes a subscription's plan on the admin's
// behalf, charging or refunding the prorated difference exactly as the
// user-facing upgrade path does. This is the one caller allowed to pass
// allowDowngrade=true (Open Question resolution: see DESIGN.md) — the
// user-facing subscription.Engine.Upgrade always refuses a downgrade
// regardless of any flag's zero value.
func (a *Admin) AdjustSubscriptionPlan(ctx context.Context, actor Actor, subscriptionID, newPlanID uuid.UUID, allowDowngrade bool) (*model.Subscription, error) {
	if err := actor.requireAdmin("admin.AdjustSubscriptionPlan"); err != nil {
		return nil, err
	}
	return a.subs.Upgrade(ctx, subscriptionID, newPlanID, subscription.UpgradeOptions{
		SkipCreditCheck: true,
		AllowDowngrade:  allowDowngrade,
	})
}

// AdjustQuota changes a plan's total quota, per spec §4.3. force allows
// shrinking below the current usedQuota, marking the plan OVER_ALLOCATED.
func (a *Admin) AdjustQuota(ctx context.Context, actor Actor, planID uuid.UUID, newTotal int, force bool) error {
	if err := actor.requireAdmin("admin.AdjustQuota"); err != nil {
		return err
	}
	return a.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return a.catalog.SetTotalQuota(ctx, tx, planID, newTotal, force)
	})
}

// AdjustCredit applies a signed balance correction to a user's wallet,
// per spec §4.2's admin escape hatch. allowNegative permits the resulting
// balance to go below zero (e.g. writing off a disputed charge).
func (a *Admin) AdjustCredit(ctx context.Context, actor Actor, userID uuid.UUID, signedDelta int64, reason string, allowNegative bool) (*model.Transaction, error) {
	if err := actor.requireAdmin("admin.AdjustCredit"); err != nil {
		return nil, err
	}

	var txn *model.Transaction
	err := a.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		t, err := a.wallet.AdminAdjust(ctx, tx, userID, signedDelta, reason, actor.ID, allowNegative)
		if err != nil {
			return err
		}
		txn = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}
