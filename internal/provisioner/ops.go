package provisioner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"controlplane/internal/apperr"
	"controlplane/internal/enum"
	"controlplane/internal/manifest"
	"controlplane/internal/model"
	"controlplane/internal/orchestrator"
)

// Update regenerates the workload manifest with a new plan's resource
// requests/limits, applies it, waits for readiness (bounded at 3 minutes),
// and refreshes the pod reference to the newest pod by creation timestamp.
// Requires the instance to be RUNNING, per spec §4.6.
func (p *Provisioner) Update(ctx context.Context, instanceID uuid.UUID, newPlan model.ServicePlan) error {
	instance, err := p.store.GetInstance(ctx, p.conn, instanceID)
	if err != nil {
		return err
	}
	if instance.Status != enum.InstanceStatusRunning {
		return apperr.New(apperr.KindInvalidTransition, "provisioner.Update", fmt.Errorf("instance %s is %s, not RUNNING", instanceID, instance.Status))
	}

	sub, err := p.store.GetSubscription(ctx, p.conn, instance.SubscriptionID)
	if err != nil {
		return err
	}
	svc, err := p.store.GetService(ctx, p.conn, sub.ServiceID)
	if err != nil {
		return err
	}

	manifests := manifest.Generate(manifest.Input{Service: *svc, Plan: newPlan, Instance: *instance})
	var workload orchestrator.Manifest
	for _, m := range manifests {
		if m.Kind == orchestrator.KindWorkload {
			workload = m
			break
		}
	}

	if _, err := p.orch.Apply(ctx, workload); err != nil {
		return fmt.Errorf("applying updated workload: %w", err)
	}

	ready, err := p.orch.WaitReady(ctx, workload.Name, workload.Namespace, updateReadyTimeout)
	if err != nil {
		return fmt.Errorf("waiting for updated workload readiness: %w", err)
	}
	if !ready.Ready {
		return apperr.New(apperr.KindTimeoutReady, "provisioner.Update", fmt.Errorf("workload %s/%s did not become ready: %s", workload.Namespace, workload.Name, ready.Message))
	}

	pods, err := p.orch.ListPodsFor(ctx, workload.Name, workload.Namespace)
	if err == nil && len(pods) > 0 {
		instance.PodName = newestPod(pods).Name
	}

	return p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return p.store.UpdateInstance(ctx, tx, instance)
	})
}

// Stop scales the workload to 0 replicas and marks the instance STOPPED.
func (p *Provisioner) Stop(ctx context.Context, instanceID uuid.UUID) error {
	instance, err := p.store.GetInstance(ctx, p.conn, instanceID)
	if err != nil {
		return err
	}

	if err := p.orch.ScaleWorkload(ctx, instance.DeploymentName, instance.Namespace, 0); err != nil {
		return fmt.Errorf("scaling down %s/%s: %w", instance.Namespace, instance.DeploymentName, err)
	}

	now := time.Now()
	instance.Status = enum.InstanceStatusStopped
	instance.LastStopped = &now
	return p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return p.store.UpdateInstance(ctx, tx, instance)
	})
}

// Start scales the workload to 1 replica, waits for readiness, and marks
// the instance RUNNING.
func (p *Provisioner) Start(ctx context.Context, instanceID uuid.UUID) error {
	instance, err := p.store.GetInstance(ctx, p.conn, instanceID)
	if err != nil {
		return err
	}

	if err := p.orch.ScaleWorkload(ctx, instance.DeploymentName, instance.Namespace, 1); err != nil {
		return fmt.Errorf("scaling up %s/%s: %w", instance.Namespace, instance.DeploymentName, err)
	}

	ready, err := p.orch.WaitReady(ctx, instance.DeploymentName, instance.Namespace, provisionReadyTimeout)
	if err != nil {
		return fmt.Errorf("waiting for %s/%s readiness: %w", instance.Namespace, instance.DeploymentName, err)
	}
	if !ready.Ready {
		return apperr.New(apperr.KindTimeoutReady, "provisioner.Start", fmt.Errorf("workload %s/%s did not become ready: %s", instance.Namespace, instance.DeploymentName, ready.Message))
	}

	now := time.Now()
	instance.Status = enum.InstanceStatusRunning
	instance.LastStarted = &now
	return p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return p.store.UpdateInstance(ctx, tx, instance)
	})
}

// Restart performs a rolling restart and waits for readiness; status stays
// RUNNING throughout, per spec §4.6.
func (p *Provisioner) Restart(ctx context.Context, instanceID uuid.UUID) error {
	instance, err := p.store.GetInstance(ctx, p.conn, instanceID)
	if err != nil {
		return err
	}

	if err := p.orch.RestartWorkload(ctx, instance.DeploymentName, instance.Namespace); err != nil {
		return fmt.Errorf("restarting %s/%s: %w", instance.Namespace, instance.DeploymentName, err)
	}

	ready, err := p.orch.WaitReady(ctx, instance.DeploymentName, instance.Namespace, updateReadyTimeout)
	if err != nil {
		return fmt.Errorf("waiting for %s/%s readiness: %w", instance.Namespace, instance.DeploymentName, err)
	}
	if !ready.Ready {
		return apperr.New(apperr.KindTimeoutReady, "provisioner.Restart", fmt.Errorf("workload %s/%s did not become ready: %s", instance.Namespace, instance.DeploymentName, ready.Message))
	}
	return nil
}

// Logs tails the instance's current pod and forwards each line to sink
// until the context is cancelled or the underlying stream ends.
func (p *Provisioner) Logs(ctx context.Context, instanceID uuid.UUID, sink chan<- orchestrator.LogChunk) error {
	instance, err := p.store.GetInstance(ctx, p.conn, instanceID)
	if err != nil {
		return err
	}
	pods, err := p.orch.ListPodsFor(ctx, instance.DeploymentName, instance.Namespace)
	if err != nil {
		return fmt.Errorf("listing pods for %s/%s: %w", instance.Namespace, instance.DeploymentName, err)
	}
	if len(pods) == 0 {
		return apperr.New(apperr.KindInstanceNotFound, "provisioner.Logs", fmt.Errorf("no pods for instance %s", instanceID))
	}
	pod := newestPod(pods)
	return p.orch.StreamLogs(ctx, instance.Namespace, pod.Name, "app", sink)
}

// Terminate deletes ingress, service, workload, storage claim, and config
// map — in that order — and marks the instance TERMINATED. Quota release
// is the subscription layer's responsibility, not the provisioner's.
func (p *Provisioner) Terminate(ctx context.Context, instanceID uuid.UUID) error {
	instance, err := p.store.GetInstance(ctx, p.conn, instanceID)
	if err != nil {
		return err
	}

	deletes := []struct {
		kind orchestrator.Kind
		name string
	}{
		{orchestrator.KindIngress, instance.IngressName},
		{orchestrator.KindInternalService, instance.ServiceName},
		{orchestrator.KindWorkload, instance.DeploymentName},
		{orchestrator.KindStorageClaim, instance.PVCName},
		{orchestrator.KindConfigMap, instance.ConfigMapName},
	}
	for _, d := range deletes {
		if d.name == "" {
			continue
		}
		if err := p.orch.Delete(ctx, d.kind, d.name, instance.Namespace); err != nil {
			return fmt.Errorf("deleting %s %s/%s: %w", d.kind, instance.Namespace, d.name, err)
		}
	}

	now := time.Now()
	instance.Status = enum.InstanceStatusTerminated
	instance.LastStopped = &now
	return p.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return p.store.UpdateInstance(ctx, tx, instance)
	})
}
