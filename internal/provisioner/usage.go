package provisioner

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"controlplane/internal/enum"
	"controlplane/internal/logger"
)

// usageSyncInterval is how often RunUsageSync polls metrics-server for
// running instances' CPU/memory, the reading stored on each instance row.
const usageSyncInterval = 30 * time.Second

// RunUsageSync ticks until ctx is cancelled, refreshing CPUUsageMilli and
// MemoryUsageMB on every RUNNING instance. Meant to run as its own
// goroutine alongside the worker pool (see StartWorkers).
func (p *Provisioner) RunUsageSync(ctx context.Context) {
	ticker := time.NewTicker(usageSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.syncUsageOnce(ctx)
		}
	}
}

func (p *Provisioner) syncUsageOnce(ctx context.Context) {
	log := logger.GetLogger(ctx)

	running, err := p.store.ListInstancesByStatus(ctx, p.conn, []string{string(enum.InstanceStatusRunning)}, time.Now())
	if err != nil {
		log.Error("provisioner: usage sync failed to list running instances", zap.Error(err))
		return
	}

	for i := range running {
		instance := running[i]
		sample, err := p.orch.PodMetrics(ctx, instance.DeploymentName, instance.Namespace)
		if err != nil {
			log.Warn("provisioner: usage sync failed for instance", zap.String("instanceId", instance.ID.String()), zap.Error(err))
			continue
		}

		instance.CPUUsageMilli = sample.CPUMilli
		instance.MemoryUsageMB = sample.MemoryMB
		if err := p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return p.store.UpdateInstance(ctx, tx, &instance)
		}); err != nil {
			log.Error("provisioner: usage sync failed to persist instance", zap.String("instanceId", instance.ID.String()), zap.Error(err))
		}
	}
}
