// Package catalog implements the catalog reads and the quota controller
// (C3): a per-plan admission counter that prevents oversubscription,
// mutated only inside the transaction that also inserts/updates the
// subscription row.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"controlplane/internal/apperr"
	"controlplane/internal/db"
	"controlplane/internal/metrics"
	"controlplane/internal/model"
	"controlplane/internal/store"
)

// Catalog is the catalog & quota component.
type Catalog struct {
	store store.Store
}

// New constructs a Catalog bound to the given persistence gateway.
func New(s store.Store) *Catalog {
	return &Catalog{store: s}
}

// ListCategories lists every category with its services (counts are left
// to the caller to project, since this package stays read-only beyond quota).
func (c *Catalog) ListCategories(ctx context.Context, q db.Querier) ([]model.ServiceCategory, error) {
	return c.store.ListCategories(ctx, q)
}

// ListServices lists active services, optionally filtered by category slug.
func (c *Catalog) ListServices(ctx context.Context, q db.Querier, categorySlug string) ([]model.Service, error) {
	return c.store.ListServices(ctx, q, categorySlug)
}

// ServiceBySlug fetches a service by its catalog slug.
func (c *Catalog) ServiceBySlug(ctx context.Context, q db.Querier, slug string) (*model.Service, error) {
	return c.store.GetServiceBySlug(ctx, q, slug)
}

// Featured lists services marked featured in the catalog.
func (c *Catalog) Featured(ctx context.Context, q db.Querier) ([]model.Service, error) {
	return c.store.ListFeaturedServices(ctx, q)
}

// Search performs a simple name/slug substring search across active services.
func (c *Catalog) Search(ctx context.Context, q db.Querier, term string) ([]model.Service, error) {
	return c.store.SearchServices(ctx, q, term)
}

// PlansForService lists the active plans of a service.
func (c *Catalog) PlansForService(ctx context.Context, q db.Querier, serviceID uuid.UUID) ([]model.ServicePlan, error) {
	return c.store.ListPlansForService(ctx, q, serviceID)
}

// Plan fetches a single plan by id.
func (c *Catalog) Plan(ctx context.Context, q db.Querier, id uuid.UUID) (*model.ServicePlan, error) {
	return c.store.GetPlan(ctx, q, id)
}

// Allocate re-reads the plan row with a write-lock and increments
// usedQuota, failing with QUOTA_EXCEEDED if the plan is already full.
// Must run inside the transaction that inserts/updates the subscription
// row (spec §4.3).
func (c *Catalog) Allocate(ctx context.Context, tx *sql.Tx, planID uuid.UUID) (*model.ServicePlan, error) {
	plan, err := c.store.GetPlanForUpdate(ctx, tx, planID)
	if err != nil {
		return nil, err
	}

	if plan.UsedQuota >= plan.TotalQuota {
		return nil, apperr.New(apperr.KindQuotaExceeded, "catalog.Allocate", fmt.Errorf("plan %s has no remaining quota (%d/%d)", planID, plan.UsedQuota, plan.TotalQuota))
	}

	plan.UsedQuota++
	if err := c.store.UpdatePlanQuota(ctx, tx, planID, plan.UsedQuota, plan.OverAllocated); err != nil {
		return nil, err
	}
	metrics.SetQuotaUtilization(planID.String(), plan.UsedQuota, plan.TotalQuota)
	return plan, nil
}

// Release decrements usedQuota, clamped at 0. Idempotent per subscription
// transition out of a billable state: callers that call Release twice for
// the same subscription are expected to guard against it at the
// subscription-engine layer (the quota counter itself cannot distinguish
// "already released" from "legitimately at its floor").
func (c *Catalog) Release(ctx context.Context, tx *sql.Tx, planID uuid.UUID) error {
	plan, err := c.store.GetPlanForUpdate(ctx, tx, planID)
	if err != nil {
		return err
	}

	newUsed := plan.UsedQuota - 1
	if newUsed < 0 {
		newUsed = 0
	}
	if err := c.store.UpdatePlanQuota(ctx, tx, planID, newUsed, plan.OverAllocated); err != nil {
		return err
	}
	metrics.SetQuotaUtilization(planID.String(), newUsed, plan.TotalQuota)
	return nil
}

// SetTotalQuota changes a plan's capacity. Refuses newTotal < usedQuota
// unless force is set, in which case the plan is marked OVER_ALLOCATED
// and future Allocate calls keep failing QUOTA_EXCEEDED until usedQuota
// drops back under totalQuota (spec §4.3).
func (c *Catalog) SetTotalQuota(ctx context.Context, tx *sql.Tx, planID uuid.UUID, newTotal int, force bool) error {
	plan, err := c.store.GetPlanForUpdate(ctx, tx, planID)
	if err != nil {
		return err
	}

	if newTotal < plan.UsedQuota && !force {
		return apperr.New(apperr.KindInvalidArgument, "catalog.SetTotalQuota", fmt.Errorf("newTotal %d is below usedQuota %d", newTotal, plan.UsedQuota))
	}

	overAllocated := newTotal < plan.UsedQuota
	if err := c.store.SetPlanTotalQuota(ctx, tx, planID, newTotal, overAllocated); err != nil {
		return err
	}
	metrics.SetQuotaUtilization(planID.String(), plan.UsedQuota, newTotal)
	return nil
}
