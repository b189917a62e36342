// Package coupon implements the coupon resolver (§4.9): validation of a
// code against its usage/time/service constraints, and the four apply
// flows a validated coupon can drive.
package coupon

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"controlplane/internal/apperr"
	"controlplane/internal/db"
	"controlplane/internal/enum"
	"controlplane/internal/model"
	"controlplane/internal/store"
	"controlplane/internal/wallet"
)

// Resolver is the coupon component.
type Resolver struct {
	store  store.Store
	wallet *wallet.Ledger
}

// New constructs a Resolver.
func New(s store.Store, w *wallet.Ledger) *Resolver {
	return &Resolver{store: s, wallet: w}
}

// ValidateParams bundles the constraints validate() checks the coupon
// against, per spec §4.9.
type ValidateParams struct {
	ServiceID          *uuid.UUID
	SubscriptionAmount int64
}

// Validate checks existence, active window, usage caps, and service scope.
// Returns the coupon on success.
func (r *Resolver) Validate(ctx context.Context, q db.Querier, code string, userID uuid.UUID, params ValidateParams) (*model.Coupon, error) {
	c, err := r.store.GetCouponByCode(ctx, q, code)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidCoupon, "coupon.Validate", fmt.Errorf("code %q: %w", code, err))
	}

	if !c.Active {
		return nil, apperr.New(apperr.KindInvalidCoupon, "coupon.Validate", fmt.Errorf("coupon %q is not active", code))
	}

	now := time.Now()
	if now.Before(c.ValidFrom) || now.After(c.ValidUntil) {
		return nil, apperr.New(apperr.KindInvalidCoupon, "coupon.Validate", fmt.Errorf("coupon %q is outside its validity window", code))
	}

	if c.UsedCount >= c.MaxUses {
		return nil, apperr.New(apperr.KindInvalidCoupon, "coupon.Validate", fmt.Errorf("coupon %q has reached its usage cap", code))
	}

	perUser, err := r.store.CountUserCouponRedemptions(ctx, q, c.ID, userID)
	if err != nil {
		return nil, err
	}
	if perUser >= c.MaxUsesPerUser {
		return nil, apperr.New(apperr.KindInvalidCoupon, "coupon.Validate", fmt.Errorf("coupon %q already used by this user", code))
	}

	if c.ServiceID != nil && params.ServiceID != nil && *c.ServiceID != *params.ServiceID {
		return nil, apperr.New(apperr.KindInvalidCoupon, "coupon.Validate", fmt.Errorf("coupon %q does not apply to this service", code))
	}

	if params.SubscriptionAmount < c.MinSubscriptionAmount {
		return nil, apperr.New(apperr.KindInvalidCoupon, "coupon.Validate", fmt.Errorf("coupon %q requires a minimum subscription amount of %d", code, c.MinSubscriptionAmount))
	}

	return c, nil
}

// ApplyResult is what subscription.create consumes: the adjusted charge
// amount and whether a redemption must still be recorded by the caller
// (the caller holds the subscriptionId, which the redemption references).
type ApplyResult struct {
	ChargeAmount int64
	RedeemAfter  bool
}

// ApplyToCharge applies a SUBSCRIPTION_DISCOUNT or FREE_SERVICE coupon to a
// planned charge amount, per spec §4.9. CREDIT_TOPUP/WELCOME_BONUS coupons
// are not valid here — ApplyCredit handles those.
func ApplyToCharge(c *model.Coupon, baseAmount int64) (ApplyResult, error) {
	switch c.Type {
	case enum.CouponTypeFreeService:
		return ApplyResult{ChargeAmount: 0, RedeemAfter: true}, nil
	case enum.CouponTypeSubscriptionDiscount:
		discount := c.DiscountValue
		if c.DiscountKind == enum.DiscountKindPercentage {
			discount = baseAmount * c.DiscountValue / 100
		}
		charge := baseAmount - discount
		if charge < 0 {
			charge = 0
		}
		return ApplyResult{ChargeAmount: charge, RedeemAfter: true}, nil
	default:
		return ApplyResult{}, fmt.Errorf("coupon.ApplyToCharge: coupon type %s does not apply to a charge", c.Type)
	}
}

// ApplyCredit grants a WELCOME_BONUS or CREDIT_TOPUP coupon's credit
// amount directly to the user's wallet, inside the caller's transaction.
func (r *Resolver) ApplyCredit(ctx context.Context, tx *sql.Tx, c *model.Coupon, userID uuid.UUID) (*model.Transaction, error) {
	switch c.Type {
	case enum.CouponTypeWelcomeBonus, enum.CouponTypeCreditTopup:
	default:
		return nil, fmt.Errorf("coupon.ApplyCredit: coupon type %s does not grant credit", c.Type)
	}

	return r.wallet.Add(ctx, tx, userID, c.CreditAmount, enum.TransactionTypeTopUp,
		fmt.Sprintf("Coupon %s", c.Code), map[string]string{"couponId": c.ID.String()})
}

// Redeem records the redemption and increments the coupon's usage counter.
// Must run inside the same transaction as the subscription/credit mutation
// it accompanies.
func (r *Resolver) Redeem(ctx context.Context, tx *sql.Tx, couponID, userID uuid.UUID, subscriptionID *uuid.UUID) error {
	if err := r.store.InsertCouponRedemption(ctx, tx, couponID, userID, subscriptionID); err != nil {
		return err
	}
	return r.store.IncrementCouponUsage(ctx, tx, couponID)
}
