package provisioner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"controlplane/internal/enum"
	"controlplane/internal/logger"
)

// staleAfter is how long an instance may sit in PENDING/PROVISIONING before
// Reconcile considers it orphaned by a process restart and re-queues it.
const staleAfter = 2 * time.Minute

// Reconcile scans for instances left PENDING or PROVISIONING by a previous
// process (crash, deploy) and re-enqueues their provisioning task, giving
// the idempotence contract of spec §4.6 a restart-safe entry point.
func (p *Provisioner) Reconcile(ctx context.Context) {
	log := logger.GetLogger(ctx)

	stale, err := p.store.ListInstancesByStatus(ctx, p.conn,
		[]string{string(enum.InstanceStatusPending), string(enum.InstanceStatusProvisioning)},
		time.Now().Add(-staleAfter))
	if err != nil {
		log.Error("provisioner: reconciliation sweep failed to list instances", zap.Error(err))
		return
	}

	if len(stale) == 0 {
		return
	}
	log.Info("provisioner: reconciling stale instances", zap.Int("count", len(stale)))

	for _, instance := range stale {
		select {
		case <-ctx.Done():
			return
		case p.tasks <- Task{SubscriptionID: instance.SubscriptionID}:
		default:
			go p.runProvision(ctx, instance.SubscriptionID)
		}
	}
}
