// Package model holds the plain data structures shared across the store,
// wallet, catalog, provisioner, and subscription packages. None of these
// types carry behavior beyond simple derived accessors; every mutation is
// owned by the package responsible for the invariant it protects.
package model

import (
	"time"

	"github.com/google/uuid"

	"controlplane/internal/enum"
)

// User mirrors spec §3 "User": identity plus the prepaid wallet fields.
// creditBalance/totalTopUp/totalSpent are integer minor units.
type User struct {
	ID            uuid.UUID
	Email         string
	CreditBalance int64
	TotalTopUp    int64
	TotalSpent    int64
	Role          enum.Role
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ServiceCategory is the top level of the three-level catalog.
type ServiceCategory struct {
	ID        uuid.UUID
	Slug      string
	Name      string
	CreatedAt time.Time
}

// Service carries the workload image reference, default listen port, and
// environment template a ServicePlan's instances are provisioned from.
type Service struct {
	ID          uuid.UUID
	CategoryID  uuid.UUID
	Slug        string
	Name        string
	DockerImage string
	ListenPort  int
	EnvTemplate map[string]string
	Metadata    map[string]string
	Featured    bool
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ServicePlan is a priced tier of a Service. Invariant: 0 <= UsedQuota <= TotalQuota.
type ServicePlan struct {
	ID                 uuid.UUID
	ServiceID          uuid.UUID
	PlanType           enum.PlanType
	MonthlyPrice       int64
	CPUMilli           int
	MemoryMB           int
	StorageGB          int
	Features           []string
	TotalQuota         int
	UsedQuota          int
	MaxInstancesPerUser int
	OverAllocated      bool
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AvailableQuota is totalQuota - usedQuota, per spec §4.3.
func (p ServicePlan) AvailableQuota() int {
	return p.TotalQuota - p.UsedQuota
}

// IsAvailable reports whether a new allocation can succeed right now.
func (p ServicePlan) IsAvailable() bool {
	return p.AvailableQuota() > 0
}

// Subscription links a User to a Service via a ServicePlan, per spec §3.
type Subscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	ServiceID          uuid.UUID
	PlanID             uuid.UUID
	Status             enum.SubscriptionStatus
	StartDate          time.Time
	EndDate            time.Time
	NextBilling        time.Time
	MonthlyPrice       int64
	LastChargeAmount   int64
	AutoRenew          bool
	GracePeriodEnd     *time.Time
	PreviousPlanID     *uuid.UUID
	UpgradeDate        *time.Time
	CancellationReason string
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ServiceInstance is the one-per-subscription workload row, per spec §3/§6.
type ServiceInstance struct {
	ID              uuid.UUID
	SubscriptionID  uuid.UUID
	Status          enum.InstanceStatus
	Namespace       string
	DeploymentName  string
	ServiceName     string
	IngressName     string
	ConfigMapName   string
	PVCName         string
	PodName         string
	Subdomain       string
	PublicURL       string
	SSLEnabled      bool
	CPUUsageMilli   int
	MemoryUsageMB   int
	HealthStatus    string
	LastStarted     *time.Time
	LastStopped     *time.Time
	LastHealthCheck *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transaction is a wallet ledger entry, per spec §3 / Invariant C.
type Transaction struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Type             enum.TransactionType
	Status           enum.TransactionStatus
	Amount           int64
	BalanceBefore    int64
	BalanceAfter     int64
	PaymentMethod    string
	PaymentReference string
	SubscriptionID   *uuid.UUID
	Description      string
	Metadata         map[string]string
	ProcessedBy      *uuid.UUID
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// Coupon grants credit, a subscription discount, or a free subscription.
type Coupon struct {
	ID                    uuid.UUID
	Code                  string
	Type                  enum.CouponType
	DiscountKind          enum.DiscountKind
	DiscountValue         int64
	CreditAmount          int64
	ServiceID             *uuid.UUID
	MinSubscriptionAmount int64
	MaxUses               int
	UsedCount             int
	MaxUsesPerUser        int
	Active                bool
	ValidFrom             time.Time
	ValidUntil            time.Time
	CreatedAt             time.Time
}
