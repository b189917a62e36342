// Package billing implements the billing scheduler (C8): a periodic
// driver that scans subscriptions for renewal, grace-period, and
// low-credit-notification work and applies the same wallet/provisioner
// primitives the subscription engine (C7) uses for the synchronous path.
//
// Only one control-plane replica runs ticks at a time — leadership is
// held via etcd (leader.go) so a horizontally scaled deployment still
// satisfies "one single-threaded driver runs the billing scheduler."
package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"controlplane/internal/catalog"
	"controlplane/internal/db"
	"controlplane/internal/etcdutil"
	"controlplane/internal/logger"
	"controlplane/internal/provisioner"
	"controlplane/internal/store"
	"controlplane/internal/wallet"
)

// Config carries the scheduler's tunables, sourced from the process
// config per spec §6.
type Config struct {
	Period            time.Duration
	GraceDefaultDays  int
	GraceToExpiryDays int
	LowCreditWindow   time.Duration
}

// Scheduler is the billing scheduler component (C8).
type Scheduler struct {
	store    store.Store
	conn     db.Querier
	wallet   *wallet.Ledger
	catalog  *catalog.Catalog
	provider *provisioner.Provisioner
	notifier Notifier
	dedup    *notifyDedup
	cfg      Config
	elector  *elector

	stopOnce chan struct{}
}

// New constructs a Scheduler. etcdClient may be nil, in which case the
// scheduler runs ticks unconditionally (single-replica / dev mode) instead
// of campaigning for leadership.
func New(
	s store.Store,
	conn db.Querier,
	w *wallet.Ledger,
	c *catalog.Catalog,
	p *provisioner.Provisioner,
	notifier Notifier,
	redisClient *redis.Client,
	etcdClient *etcdutil.Client,
	nodeID string,
	cfg Config,
) *Scheduler {
	s2 := &Scheduler{
		store:    s,
		conn:     conn,
		wallet:   w,
		catalog:  c,
		provider: p,
		notifier: notifier,
		dedup:    newNotifyDedup(redisClient),
		cfg:      cfg,
		stopOnce: make(chan struct{}),
	}
	if etcdClient != nil {
		s2.elector = newElector(etcdClient, nodeID)
	}
	return s2
}

// Run blocks, campaigning for leadership and running one tick immediately
// then every cfg.Period, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.GetLogger(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopOnce:
			return
		default:
		}

		if s.elector == nil {
			s.runUntilDone(ctx, nil)
			return
		}

		session, err := s.elector.campaign(ctx)
		if err != nil {
			log.Warn("billing: leader campaign failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		log.Info("billing: acquired scheduler leadership", zap.String("nodeId", s.elector.nodeID))
		s.runUntilDone(ctx, session.Done())
		session.Close()
	}
}

// runUntilDone runs the tick loop until ctx is cancelled, Stop is called,
// or (if leaderDone is non-nil) leadership is lost.
func (s *Scheduler) runUntilDone(ctx context.Context, leaderDone <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopOnce:
			return
		case <-leaderDone:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop ends the scheduler loop. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.stopOnce)
}

// RunOnce runs every named job a single time. Exported so a cron-style
// invocation (or a test) can drive one tick without the leader-election
// loop.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx = logger.WithComponent(ctx, "billing")
	now := time.Now()

	if err := s.dailyRenewals(ctx, now); err != nil {
		logger.GetLogger(ctx).Error("billing: daily-renewals job failed", zap.Error(err))
	}
	if err := s.gracePeriod(ctx, now); err != nil {
		logger.GetLogger(ctx).Error("billing: grace-period job failed", zap.Error(err))
	}
	if err := s.lowCreditNotifications(ctx, now); err != nil {
		logger.GetLogger(ctx).Error("billing: low-credit-notifications job failed", zap.Error(err))
	}
	if err := s.gracePeriodReminders(ctx, now); err != nil {
		logger.GetLogger(ctx).Error("billing: grace-period-reminders job failed", zap.Error(err))
	}
}
