// Package orchestrator is the orchestrator client (C4): an idempotent
// create-or-replace / delete / read / readiness-poll API over generic
// manifests, plus pod-of-workload lookup and a log stream. It is the only
// component that knows about the concrete cluster API; every other
// component consumes only the capability set defined here.
package orchestrator

import (
	"context"
	"time"
)

// Kind is a resource kind the orchestrator client understands. These map
// 1:1 onto the six manifest kinds the manifest generator (C5) emits.
type Kind string

const (
	KindNamespace       Kind = "Namespace"
	KindConfigMap       Kind = "ConfigMap"
	KindStorageClaim    Kind = "StorageClaim"
	KindWorkload        Kind = "Workload"
	KindInternalService Kind = "InternalService"
	KindIngress         Kind = "Ingress"
)

// Manifest is a generic, orchestrator-agnostic resource description. C5
// produces these; C4 is the only component that turns them into concrete
// cluster objects.
type Manifest struct {
	Kind      Kind
	Name      string
	Namespace string
	Labels    map[string]string

	// Workload fields.
	Replicas      int32
	Image         string
	ContainerPort int32
	Env           map[string]string
	CPURequestMilli int
	MemoryRequestMB int
	VolumeClaimName string
	VolumeMountPath string
	Selector        map[string]string

	// ConfigMap fields.
	Data map[string]string

	// StorageClaim fields.
	StorageGB int

	// InternalService fields.
	ServicePort int32

	// Ingress fields.
	Host       string
	Path       string
	ServiceRef string
	TLSSecret  string
	SSLEnabled bool
}

// ApplyAction reports what Apply actually did, per spec §4.4.
type ApplyAction string

const (
	ActionCreated  ApplyAction = "created"
	ActionUpdated  ApplyAction = "updated"
	ActionExisting ApplyAction = "existing"
)

// ApplyResult is the outcome of Apply.
type ApplyResult struct {
	Action ApplyAction
}

// ReadyCondition is the outcome of WaitReady.
type ReadyCondition struct {
	Ready   bool
	Message string
}

// PodInfo is one pod in a workload's pod set.
type PodInfo struct {
	Name              string
	Phase             string
	IP                string
	CreationTimestamp time.Time
}

// UsageSample is a point-in-time resource usage reading for a workload's
// pods, sourced from the metrics-server aggregation API.
type UsageSample struct {
	CPUMilli  int
	MemoryMB  int
}

// LogChunk is one piece of a streamed log.
type LogChunk struct {
	Line string
	Err  error
}

// Client is the capability set C6 (the provisioner) and the admin surface
// consume. Every method is potentially blocking on network I/O and the
// client must be safe to share across concurrent callers (spec §4.4/§5).
type Client interface {
	// Apply creates the manifest if absent; if present and Kind is one of
	// {Workload, InternalService, Ingress, ConfigMap}, replaces it in
	// place; if Kind is Namespace or StorageClaim, leaves the existing
	// resource untouched and reports ActionExisting.
	Apply(ctx context.Context, m Manifest) (ApplyResult, error)

	// Delete is idempotent: deleting an already-absent resource reports
	// success (nil), so a reverse-order cleanup loop never sees a
	// not-found failure.
	Delete(ctx context.Context, kind Kind, name, namespace string) error

	// WaitReady polls the workload's conditions at roughly a 5s interval
	// until an Available=True condition is observed or timeout fires.
	WaitReady(ctx context.Context, workloadName, namespace string, timeout time.Duration) (ReadyCondition, error)

	// ListPodsFor extracts the workload's selector and lists pods carrying
	// that label set.
	ListPodsFor(ctx context.Context, workloadName, namespace string) ([]PodInfo, error)

	// StreamLogs opens a follow-stream writing log lines to sink until ctx
	// is cancelled or the stream ends.
	StreamLogs(ctx context.Context, namespace, pod, container string, sink chan<- LogChunk) error

	// ScaleWorkload sets the replica count, used by Stop (0) and Start (1).
	ScaleWorkload(ctx context.Context, workloadName, namespace string, replicas int32) error

	// RestartWorkload performs a rolling restart, e.g. by bumping a
	// pod-template annotation, without changing replica count.
	RestartWorkload(ctx context.Context, workloadName, namespace string) error

	// PodMetrics sums the latest metrics-server reading across a workload's
	// pods. Returns a zero UsageSample, not an error, when metrics-server
	// has not scraped the pods yet (fresh pods lag a scrape interval).
	PodMetrics(ctx context.Context, workloadName, namespace string) (UsageSample, error)
}

// ErrNotFound names a missing cluster resource. Neither K8sClient nor
// MockClient returns it: Delete reports an already-absent resource as
// success (idempotent per spec §4.4).
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "orchestrator: resource not found" }
