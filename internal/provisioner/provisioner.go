// Package provisioner implements the provisioner (C6): it drives the
// manifest generator (C5) and orchestrator client (C4) to bring a
// ServiceInstance from PENDING to RUNNING, and to service update/stop/
// start/restart/terminate requests afterward.
package provisioner

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"controlplane/internal/apperr"
	"controlplane/internal/db"
	"controlplane/internal/enum"
	"controlplane/internal/logger"
	"controlplane/internal/manifest"
	"controlplane/internal/metrics"
	"controlplane/internal/model"
	"controlplane/internal/orchestrator"
	"controlplane/internal/store"
)

// retryDelays is the fixed 1s/2s/4s backoff schedule spec §4.6 expects for
// transient orchestrator failures during provisioning.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// provisionReadyTimeout bounds how long WaitReady is allowed to block for a
// fresh provision; update() uses the tighter 3-minute ceiling spec §4.5
// states explicitly.
const (
	provisionReadyTimeout = 5 * time.Minute
	updateReadyTimeout    = 3 * time.Minute
)

// Task is one unit of provisioning work handed to a worker.
type Task struct {
	SubscriptionID uuid.UUID
}

// Provisioner owns a bounded worker pool that drains a task channel; each
// task advances one ServiceInstance's state machine. Mirrors the teacher's
// monitor.RunnerMonitor ticking shape, but event-driven off a channel
// instead of a polling ticker for the provisioning path (the reconciliation
// sweep still polls, for instances orphaned by a restart).
type Provisioner struct {
	store store.Store
	conn  *sql.DB
	orch  orchestrator.Client
	zone  string

	tasks chan Task

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// New constructs a Provisioner with the given worker pool size.
func New(s store.Store, conn *sql.DB, orch orchestrator.Client, zone string, workers int) *Provisioner {
	if workers < 1 {
		workers = 1
	}
	return &Provisioner{
		store:    s,
		conn:     conn,
		orch:     orch,
		zone:     zone,
		tasks:    make(chan Task, 256),
		stopChan: make(chan struct{}),
	}
}

// StartWorkers launches the worker pool and runs one reconciliation sweep
// immediately, picking up any instance left PENDING or PROVISIONING by a
// previous process restart (spec §4.6 idempotence contract).
func (p *Provisioner) StartWorkers(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
	go p.Reconcile(ctx)
	go p.RunUsageSync(ctx)
}

// StopWorkers closes the task channel and waits for in-flight workers to drain.
func (p *Provisioner) StopWorkers() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		close(p.tasks)
	})
	p.wg.Wait()
}

func (p *Provisioner) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runProvision(ctx, task.SubscriptionID)
		}
	}
}

// Provision computes instance config, inserts the instance row in PENDING,
// and enqueues the background provisioning task, returning immediately per
// spec §4.6.
func (p *Provisioner) Provision(ctx context.Context, subscriptionID uuid.UUID) (*model.ServiceInstance, error) {
	var instance *model.ServiceInstance

	err := p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		sub, err := p.store.GetSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		svc, err := p.store.GetService(ctx, tx, sub.ServiceID)
		if err != nil {
			return err
		}

		ts := time.Now()
		names := manifest.BuildNames(sub.UserID, *svc, ts)
		subdomain := manifest.Subdomain(svc.Slug, sub.UserID, ts, p.zone)

		instance = &model.ServiceInstance{
			ID:             uuid.New(),
			SubscriptionID: subscriptionID,
			Status:         enum.InstanceStatusPending,
			Namespace:      names.Namespace,
			DeploymentName: names.DeploymentName,
			ServiceName:    names.ServiceName,
			ConfigMapName:  names.ConfigMapName,
			PVCName:        names.PVCName,
			IngressName:    names.IngressName,
			Subdomain:      subdomain,
			PublicURL:      "https://" + subdomain,
		}
		return p.store.InsertInstance(ctx, tx, instance)
	})
	if err != nil {
		return nil, err
	}

	select {
	case p.tasks <- Task{SubscriptionID: subscriptionID}:
	default:
		go p.runProvision(ctx, subscriptionID)
	}
	return instance, nil
}

// runProvision is the background task: PENDING -> PROVISIONING -> RUNNING,
// or ERROR with best-effort reverse-order cleanup on failure.
func (p *Provisioner) runProvision(ctx context.Context, subscriptionID uuid.UUID) {
	ctx = logger.WithComponent(ctx, "provisioner")
	log := logger.GetLogger(ctx).With(zap.String("subscriptionId", subscriptionID.String()))
	started := time.Now()
	defer func() { metrics.ObserveProvisionDuration(time.Since(started)) }()

	_, svc, plan, instance, err := p.loadContext(ctx, subscriptionID)
	if err != nil {
		log.Error("provisioner: failed to load context", zap.Error(err))
		return
	}

	if err := p.setInstanceStatus(ctx, instance, enum.InstanceStatusProvisioning, ""); err != nil {
		log.Error("provisioner: failed to mark PROVISIONING", zap.Error(err))
		return
	}

	if p.abandonIfCancelled(ctx, subscriptionID, instance, nil, log) {
		return
	}

	manifests := manifest.Generate(manifest.Input{Service: *svc, Plan: *plan, Instance: *instance})

	applied, applyErr := p.applyAllWithRetry(ctx, manifests)
	if applyErr != nil {
		log.Error("provisioner: apply failed, rolling back", zap.Error(applyErr))
		p.cleanup(ctx, applied)
		p.failInstance(ctx, instance, applyErr)
		return
	}

	if p.abandonIfCancelled(ctx, subscriptionID, instance, applied, log) {
		return
	}

	var workload orchestrator.Manifest
	for _, m := range manifests {
		if m.Kind == orchestrator.KindWorkload {
			workload = m
			break
		}
	}

	ready, err := p.orch.WaitReady(ctx, workload.Name, workload.Namespace, provisionReadyTimeout)
	if err != nil || !ready.Ready {
		if err == nil {
			err = fmt.Errorf("workload %s/%s did not become ready: %s", workload.Namespace, workload.Name, ready.Message)
		}
		log.Error("provisioner: wait-ready failed, rolling back", zap.Error(err))
		p.cleanup(ctx, applied)
		p.failInstance(ctx, instance, apperr.New(apperr.KindTimeoutReady, "provisioner.WaitReady", err))
		return
	}

	if p.abandonIfCancelled(ctx, subscriptionID, instance, applied, log) {
		return
	}

	pods, err := p.orch.ListPodsFor(ctx, workload.Name, workload.Namespace)
	podName := ""
	if err == nil && len(pods) > 0 {
		podName = newestPod(pods).Name
	}

	now := time.Now()
	instance.Status = enum.InstanceStatusRunning
	instance.PodName = podName
	instance.LastStarted = &now
	instance.HealthStatus = ""

	if err := p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return p.store.UpdateInstance(ctx, tx, instance)
	}); err != nil {
		log.Error("provisioner: failed to persist RUNNING status", zap.Error(err))
		return
	}

	log.Info("provisioner: instance RUNNING", zap.String("podName", podName))
}

// abandonIfCancelled re-reads the subscription's status and, if it has
// moved to CANCELLED while this provision was in flight (the subscription
// engine's Cancel runs in its own transaction and doesn't know about or
// wait for a concurrent provisioning task), tears down whatever manifests
// have been applied so far and marks the instance TERMINATED instead of
// letting it land as RUNNING under a subscription nobody is paying for.
func (p *Provisioner) abandonIfCancelled(ctx context.Context, subscriptionID uuid.UUID, instance *model.ServiceInstance, applied []orchestrator.Manifest, log *zap.Logger) bool {
	sub, err := p.store.GetSubscription(ctx, p.conn, subscriptionID)
	if err != nil {
		log.Error("provisioner: failed to re-check subscription status", zap.Error(err))
		return false
	}
	if sub.Status != enum.SubscriptionStatusCancelled {
		return false
	}

	log.Info("provisioner: subscription cancelled mid-provision, abandoning")
	if applied != nil {
		p.cleanup(ctx, applied)
	}

	instance.Status = enum.InstanceStatusTerminated
	instance.HealthStatus = "cancelled during provisioning"
	if err := p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return p.store.UpdateInstance(ctx, tx, instance)
	}); err != nil {
		log.Error("provisioner: failed to persist TERMINATED status after cancellation", zap.Error(err))
	}
	return true
}

func newestPod(pods []orchestrator.PodInfo) orchestrator.PodInfo {
	newest := pods[0]
	for _, pod := range pods[1:] {
		if pod.CreationTimestamp.After(newest.CreationTimestamp) {
			newest = pod
		}
	}
	return newest
}

// applyAllWithRetry applies manifests in order, retrying each individual
// apply up to len(retryDelays) times on a retryable apperr before giving up.
// Returns the manifests successfully applied, for reverse-order cleanup.
func (p *Provisioner) applyAllWithRetry(ctx context.Context, manifests []orchestrator.Manifest) ([]orchestrator.Manifest, error) {
	applied := make([]orchestrator.Manifest, 0, len(manifests))
	for _, m := range manifests {
		if err := p.applyWithRetry(ctx, m); err != nil {
			return applied, err
		}
		applied = append(applied, m)
	}
	return applied, nil
}

func (p *Provisioner) applyWithRetry(ctx context.Context, m orchestrator.Manifest) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		_, err := p.orch.Apply(ctx, m)
		if err == nil {
			return nil
		}
		lastErr = err

		var appErr *apperr.Error
		retryable := false
		if ok := asApperr(err, &appErr); ok {
			retryable = appErr.Retryable
		}
		if !retryable || attempt == len(retryDelays) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
	return lastErr
}

func asApperr(err error, target **apperr.Error) bool {
	for err != nil {
		if e, ok := err.(*apperr.Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// cleanup deletes every applied manifest in reverse order, best-effort,
// aggregating every failure into one error so the caller logs a single
// summary instead of losing all but the last one.
func (p *Provisioner) cleanup(ctx context.Context, applied []orchestrator.Manifest) {
	log := logger.GetLogger(ctx)

	var result *multierror.Error
	for i := len(applied) - 1; i >= 0; i-- {
		m := applied[i]
		if err := p.orch.Delete(ctx, m.Kind, m.Name, m.Namespace); err != nil {
			result = multierror.Append(result, fmt.Errorf("deleting %s %s: %w", m.Kind, m.Name, err))
		}
	}
	if result != nil {
		log.Warn("provisioner: cleanup had failures", zap.Error(result.ErrorOrNil()))
	}
}

func (p *Provisioner) failInstance(ctx context.Context, instance *model.ServiceInstance, cause error) {
	instance.Status = enum.InstanceStatusError
	instance.HealthStatus = cause.Error()
	if err := p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return p.store.UpdateInstance(ctx, tx, instance)
	}); err != nil {
		logger.GetLogger(ctx).Error("provisioner: failed to persist ERROR status", zap.Error(err))
	}
}

func (p *Provisioner) setInstanceStatus(ctx context.Context, instance *model.ServiceInstance, status enum.InstanceStatus, healthStatus string) error {
	instance.Status = status
	instance.HealthStatus = healthStatus
	return p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return p.store.UpdateInstance(ctx, tx, instance)
	})
}

func (p *Provisioner) loadContext(ctx context.Context, subscriptionID uuid.UUID) (*model.Subscription, *model.Service, *model.ServicePlan, *model.ServiceInstance, error) {
	sub, err := p.store.GetSubscription(ctx, p.conn, subscriptionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	svc, err := p.store.GetService(ctx, p.conn, sub.ServiceID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	plan, err := p.store.GetPlan(ctx, p.conn, sub.PlanID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	instance, err := p.store.GetInstanceBySubscription(ctx, p.conn, subscriptionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return sub, svc, plan, instance, nil
}

// Querier exposes the pool for read-only store calls made outside a
// transaction (loadContext, Reconcile).
var _ db.Querier = (*sql.DB)(nil)
