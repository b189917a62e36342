package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"controlplane/internal/apperr"
	"controlplane/internal/enum"
	"controlplane/internal/logger"
	"controlplane/internal/model"
)

const billingPeriod = 30 * 24 * time.Hour

// dailyRenewals charges every due, auto-renewing ACTIVE subscription one
// billing cycle, per spec §4.8. A subscription only appears in
// ListSubscriptionsDueForRenewal while nextBilling<=now; charging moves
// nextBilling forward inside the same transaction, so a second tick within
// the same window finds nothing left to do — that is the job's
// idempotence, not a separately tracked "already ran" flag.
func (s *Scheduler) dailyRenewals(ctx context.Context, now time.Time) error {
	due, err := s.store.ListSubscriptionsDueForRenewal(ctx, s.conn, now)
	if err != nil {
		return fmt.Errorf("billing.dailyRenewals: listing due subscriptions: %w", err)
	}

	for _, sub := range due {
		if err := s.renewOne(ctx, sub, now); err != nil {
			logger.GetLogger(ctx).Error("billing: renewal failed", zap.String("subscriptionId", sub.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// renewOne attempts a single subscription's renewal charge, falling back
// to opening its grace period on insufficient credit.
func (s *Scheduler) renewOne(ctx context.Context, sub model.Subscription, now time.Time) error {
	var graceStarted bool
	var user *model.User

	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		locked, err := s.store.GetSubscriptionForUpdate(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if locked.Status != enum.SubscriptionStatusActive || !locked.AutoRenew || locked.NextBilling.After(now) {
			return nil // raced with a concurrent tick or a user action; nothing to do
		}

		u, err := s.store.GetUserForUpdate(ctx, tx, locked.UserID)
		if err != nil {
			return err
		}
		user = u

		_, err = s.wallet.DeductAs(ctx, tx, locked.UserID, locked.MonthlyPrice, enum.TransactionTypeSubscription,
			"Auto-renewal", map[string]string{"subscriptionId": locked.ID.String(), "cycle": locked.NextBilling.Format(time.RFC3339)})
		if err != nil {
			var ae *apperr.Error
			if errors.As(err, &ae) && ae.Kind == apperr.KindInsufficientCredit {
				graceEnd := now.AddDate(0, 0, s.cfg.GraceDefaultDays)
				locked.GracePeriodEnd = &graceEnd
				graceStarted = true
				return s.store.UpdateSubscription(ctx, tx, locked)
			}
			return err
		}

		locked.EndDate = locked.EndDate.Add(billingPeriod)
		locked.NextBilling = locked.EndDate
		locked.LastChargeAmount = locked.MonthlyPrice
		locked.GracePeriodEnd = nil
		return s.store.UpdateSubscription(ctx, tx, locked)
	})
	if err != nil {
		return err
	}

	if graceStarted && user != nil && s.notifier != nil {
		if notifyErr := s.notifier.GracePeriodStarted(ctx, user, &sub); notifyErr != nil {
			logger.GetLogger(ctx).Warn("billing: grace-period-started notification failed", zap.Error(notifyErr))
		}
	}
	return nil
}

// gracePeriod processes every subscription with a live grace window or
// that is already SUSPENDED: ACTIVE subscriptions get one more renewal
// attempt before suspension; SUSPENDED subscriptions past the configured
// grace-to-expiry window are terminated, per spec §4.8.
func (s *Scheduler) gracePeriod(ctx context.Context, now time.Time) error {
	subs, err := s.store.ListSubscriptionsInGrace(ctx, s.conn, now)
	if err != nil {
		return fmt.Errorf("billing.gracePeriod: listing in-grace subscriptions: %w", err)
	}

	for _, sub := range subs {
		var jobErr error
		switch sub.Status {
		case enum.SubscriptionStatusActive:
			jobErr = s.suspendIfGraceExpired(ctx, sub, now)
		case enum.SubscriptionStatusSuspended:
			jobErr = s.expireIfPastWindow(ctx, sub, now)
		}
		if jobErr != nil {
			logger.GetLogger(ctx).Error("billing: grace-period transition failed", zap.String("subscriptionId", sub.ID.String()), zap.Error(jobErr))
		}
	}
	return nil
}

// suspendIfGraceExpired retries the renewal charge once more; on continued
// failure (or if the grace window has simply elapsed) it suspends the
// subscription, stops its instance, and releases its quota slot.
func (s *Scheduler) suspendIfGraceExpired(ctx context.Context, sub model.Subscription, now time.Time) error {
	if sub.GracePeriodEnd == nil || sub.GracePeriodEnd.After(now) {
		return nil
	}

	var user *model.User
	var suspended bool

	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		locked, err := s.store.GetSubscriptionForUpdate(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if locked.Status != enum.SubscriptionStatusActive || locked.GracePeriodEnd == nil || locked.GracePeriodEnd.After(now) {
			return nil
		}

		u, err := s.store.GetUserForUpdate(ctx, tx, locked.UserID)
		if err != nil {
			return err
		}
		user = u

		_, deductErr := s.wallet.DeductAs(ctx, tx, locked.UserID, locked.MonthlyPrice, enum.TransactionTypeSubscription,
			"Auto-renewal (grace period retry)", map[string]string{"subscriptionId": locked.ID.String()})
		if deductErr == nil {
			locked.EndDate = locked.EndDate.Add(billingPeriod)
			locked.NextBilling = locked.EndDate
			locked.LastChargeAmount = locked.MonthlyPrice
			locked.GracePeriodEnd = nil
			return s.store.UpdateSubscription(ctx, tx, locked)
		}

		var ae *apperr.Error
		if !errors.As(deductErr, &ae) || ae.Kind != apperr.KindInsufficientCredit {
			return deductErr
		}

		locked.Status = enum.SubscriptionStatusSuspended
		if err := s.store.UpdateSubscription(ctx, tx, locked); err != nil {
			return err
		}
		if err := s.catalog.Release(ctx, tx, locked.PlanID); err != nil {
			return err
		}
		suspended = true
		return nil
	})
	if err != nil {
		return err
	}

	if !suspended {
		return nil
	}

	if instance, ferr := s.store.GetInstanceBySubscription(ctx, s.conn, sub.ID); ferr == nil {
		if serr := s.provider.Stop(ctx, instance.ID); serr != nil {
			logger.GetLogger(ctx).Error("billing: stopping instance after suspension failed", zap.String("instanceId", instance.ID.String()), zap.Error(serr))
		}
	}

	if user != nil && s.notifier != nil {
		if nerr := s.notifier.Suspended(ctx, user, &sub); nerr != nil {
			logger.GetLogger(ctx).Warn("billing: suspension notification failed", zap.Error(nerr))
		}
	}
	return nil
}

// expireIfPastWindow transitions a SUSPENDED subscription to EXPIRED and
// terminates its instance once GraceToExpiryDays has elapsed since the
// grace period ended.
func (s *Scheduler) expireIfPastWindow(ctx context.Context, sub model.Subscription, now time.Time) error {
	if sub.GracePeriodEnd == nil {
		return nil
	}
	expiryDeadline := sub.GracePeriodEnd.AddDate(0, 0, s.cfg.GraceToExpiryDays)
	if now.Before(expiryDeadline) {
		return nil
	}

	var user *model.User
	var expired bool

	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		locked, err := s.store.GetSubscriptionForUpdate(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if locked.Status != enum.SubscriptionStatusSuspended {
			return nil
		}
		locked.Status = enum.SubscriptionStatusExpired
		if err := s.store.UpdateSubscription(ctx, tx, locked); err != nil {
			return err
		}
		if u, uerr := s.store.GetUser(ctx, tx, locked.UserID); uerr == nil {
			user = u
		}
		expired = true
		return nil
	})
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}

	if instance, ferr := s.store.GetInstanceBySubscription(ctx, s.conn, sub.ID); ferr == nil {
		if terr := s.provider.Terminate(ctx, instance.ID); terr != nil {
			logger.GetLogger(ctx).Error("billing: terminating expired instance failed", zap.String("instanceId", instance.ID.String()), zap.Error(terr))
		}
	}

	if user != nil && s.notifier != nil {
		if nerr := s.notifier.Expired(ctx, user, &sub); nerr != nil {
			logger.GetLogger(ctx).Warn("billing: expiry notification failed", zap.Error(nerr))
		}
	}
	return nil
}

// lowCreditNotifications warns ACTIVE subscribers whose balance likely
// won't cover a renewal landing within the configured window, per spec
// §4.8. Read-only: no subscription/wallet state changes here.
func (s *Scheduler) lowCreditNotifications(ctx context.Context, now time.Time) error {
	if s.notifier == nil {
		return nil
	}

	withinDays := int(s.cfg.LowCreditWindow.Hours() / 24)
	if withinDays < 1 {
		withinDays = 7
	}

	subs, err := s.store.ListSubscriptionsNearBilling(ctx, s.conn, now, withinDays)
	if err != nil {
		return fmt.Errorf("billing.lowCreditNotifications: %w", err)
	}

	for _, sub := range subs {
		user, err := s.store.GetUser(ctx, s.conn, sub.UserID)
		if err != nil {
			continue
		}
		if user.CreditBalance >= sub.MonthlyPrice {
			continue
		}
		if !s.dedup.shouldSend(ctx, sub.ID, "low-credit") {
			continue
		}

		daysUntil := int(sub.NextBilling.Sub(now).Hours() / 24)
		if err := s.notifier.LowCredit(ctx, user, &sub, daysUntil); err != nil {
			logger.GetLogger(ctx).Warn("billing: low-credit notification failed", zap.String("subscriptionId", sub.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// gracePeriodReminders sends one reminder per day, per subscription,
// while it sits in its grace window with a still-insufficient balance.
func (s *Scheduler) gracePeriodReminders(ctx context.Context, now time.Time) error {
	if s.notifier == nil {
		return nil
	}

	subs, err := s.store.ListSubscriptionsInGrace(ctx, s.conn, now)
	if err != nil {
		return fmt.Errorf("billing.gracePeriodReminders: %w", err)
	}

	for _, sub := range subs {
		if sub.Status != enum.SubscriptionStatusActive || sub.GracePeriodEnd == nil || !sub.GracePeriodEnd.After(now) {
			continue
		}
		user, err := s.store.GetUser(ctx, s.conn, sub.UserID)
		if err != nil {
			continue
		}
		if user.CreditBalance >= sub.MonthlyPrice {
			continue
		}
		if !s.dedup.shouldSend(ctx, sub.ID, "grace-reminder") {
			continue
		}

		daysLeft := int(sub.GracePeriodEnd.Sub(now).Hours() / 24)
		if err := s.notifier.GracePeriodReminder(ctx, user, &sub, daysLeft); err != nil {
			logger.GetLogger(ctx).Warn("billing: grace-period reminder failed", zap.String("subscriptionId", sub.ID.String()), zap.Error(err))
		}
	}
	return nil
}
