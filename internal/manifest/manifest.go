// Package manifest implements the manifest generator (C5): a pure function
// from (service, plan, instance) to the ordered set of orchestrator
// manifests the provisioner applies, plus the name/subdomain sanitization
// rules every other generated string follows.
package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/google/uuid"

	"controlplane/internal/model"
	"controlplane/internal/orchestrator"
)

// MaxNameLength is the Kubernetes object-name ceiling every sanitized name
// is trimmed to.
const MaxNameLength = 63

var nonNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Sanitize lowercases s, collapses every run of non [a-z0-9-] characters to
// a single hyphen, trims leading/trailing hyphens, and caps the result at
// MaxNameLength — the rule spec §4.5 states for every generated name.
func Sanitize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, _ := transform.String(t, s)

	lowered := strings.ToLower(normalized)
	collapsed := nonNameChars.ReplaceAllString(lowered, "-")
	trimmed := strings.Trim(collapsed, "-")

	if len(trimmed) > MaxNameLength {
		trimmed = strings.TrimRight(trimmed[:MaxNameLength], "-")
	}
	return trimmed
}

// last6 returns the final 6 characters of a UUID's hex form (hyphens
// stripped), used in subdomain generation.
func last6(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	if len(hex) < 6 {
		return hex
	}
	return hex[len(hex)-6:]
}

// Subdomain builds `<slug>-<last6(userId)>-<base36(ts)>.<zone>`, per spec §4.5.
func Subdomain(slug string, userID uuid.UUID, ts time.Time, zone string) string {
	stamp := strconv.FormatInt(ts.Unix(), 36)
	return fmt.Sprintf("%s-%s-%s.%s", Sanitize(slug), last6(userID), stamp, zone)
}

// Names is the full set of resource names a ServiceInstance owns, derived
// once at provision time and stored on the instance row so every later
// operation (update/stop/start/terminate) addresses the same objects.
type Names struct {
	Namespace      string
	DeploymentName string
	ServiceName    string
	ConfigMapName  string
	PVCName        string
	IngressName    string
}

// BuildNames derives every name from the user, the service, and the
// provisioning timestamp; the instance name itself is
// `<service.slug>-<last6(userId)>-<base36(ts)>`, matching Subdomain's
// naming scheme so a user who cancels and re-subscribes to the same
// service never collides with the namespace/deployment/etc. names of
// their previous instance.
func BuildNames(userID uuid.UUID, svc model.Service, ts time.Time) Names {
	stamp := strconv.FormatInt(ts.Unix(), 36)
	instanceName := Sanitize(fmt.Sprintf("%s-%s-%s", svc.Slug, last6(userID), stamp))
	return Names{
		Namespace:      Sanitize(fmt.Sprintf("user-%s", userID.String())),
		DeploymentName: instanceName,
		ServiceName:    instanceName,
		ConfigMapName:  Sanitize(instanceName + "-config"),
		PVCName:        Sanitize(instanceName + "-pvc"),
		IngressName:    Sanitize(instanceName + "-ingress"),
	}
}

// Input bundles the three sources generate() reads from, per spec §4.5.
type Input struct {
	Service     model.Service
	Plan        model.ServicePlan
	Instance    model.ServiceInstance
	CustomDomain string
}

// Generate produces the ordered manifest list: Namespace, ConfigMap,
// StorageClaim (only if plan.StorageGB > 0), Workload, InternalService,
// Ingress. Order matters: the provisioner applies and, on rollback,
// deletes in reverse of this order.
func Generate(in Input) []orchestrator.Manifest {
	labels := map[string]string{
		orchestrator.LabelApp:      in.Service.Slug,
		orchestrator.LabelInstance: in.Instance.ID.String(),
	}

	var manifests []orchestrator.Manifest

	manifests = append(manifests, orchestrator.Manifest{
		Kind:   orchestrator.KindNamespace,
		Name:   in.Instance.Namespace,
		Labels: labels,
	})

	env := configMapData(in)
	manifests = append(manifests, orchestrator.Manifest{
		Kind:      orchestrator.KindConfigMap,
		Name:      in.Instance.ConfigMapName,
		Namespace: in.Instance.Namespace,
		Labels:    labels,
		Data:      env,
	})

	if in.Plan.StorageGB > 0 {
		manifests = append(manifests, orchestrator.Manifest{
			Kind:      orchestrator.KindStorageClaim,
			Name:      in.Instance.PVCName,
			Namespace: in.Instance.Namespace,
			Labels:    labels,
			StorageGB: in.Plan.StorageGB,
		})
	}

	workload := orchestrator.Manifest{
		Kind:            orchestrator.KindWorkload,
		Name:            in.Instance.DeploymentName,
		Namespace:       in.Instance.Namespace,
		Labels:          labels,
		Replicas:        1,
		Image:           in.Service.DockerImage,
		ContainerPort:   int32(in.Service.ListenPort),
		Env:             env,
		CPURequestMilli: in.Plan.CPUMilli,
		MemoryRequestMB: in.Plan.MemoryMB,
		Selector:        labels,
	}
	if in.Plan.StorageGB > 0 {
		workload.VolumeClaimName = in.Instance.PVCName
		workload.VolumeMountPath = mountPathFor(in.Service)
	}
	manifests = append(manifests, workload)

	manifests = append(manifests, orchestrator.Manifest{
		Kind:          orchestrator.KindInternalService,
		Name:          in.Instance.ServiceName,
		Namespace:     in.Instance.Namespace,
		Labels:        labels,
		Selector:      labels,
		ServicePort:   80,
		ContainerPort: int32(in.Service.ListenPort),
	})

	host := in.CustomDomain
	if host == "" {
		host = in.Instance.Subdomain
	}
	ingress := orchestrator.Manifest{
		Kind:        orchestrator.KindIngress,
		Name:        in.Instance.IngressName,
		Namespace:   in.Instance.Namespace,
		Labels:      labels,
		Host:        host,
		Path:        "/",
		ServiceRef:  in.Instance.ServiceName,
		ServicePort: 80,
		SSLEnabled:  in.Instance.SSLEnabled,
	}
	if in.Instance.SSLEnabled {
		ingress.TLSSecret = Sanitize(in.Instance.DeploymentName + "-tls")
	}
	manifests = append(manifests, ingress)

	return manifests
}

// configMapData overlays the service's environment template with
// instance-specific fixed keys, per spec §4.5 step 2.
func configMapData(in Input) map[string]string {
	data := make(map[string]string, len(in.Service.EnvTemplate)+4)
	for k, v := range in.Service.EnvTemplate {
		data[k] = v
	}
	data["INSTANCE_ID"] = in.Instance.ID.String()
	data["INSTANCE_NAME"] = in.Instance.DeploymentName
	data["SUBDOMAIN"] = in.Instance.Subdomain
	data["PUBLIC_URL"] = in.Instance.PublicURL
	return data
}

// mountPathFor returns the service-specific mount path for its storage
// claim. Services that declare one in their environment template via
// MOUNT_PATH win; otherwise every workload mounts at /data.
func mountPathFor(svc model.Service) string {
	if path, ok := svc.EnvTemplate["MOUNT_PATH"]; ok && path != "" {
		return path
	}
	return "/data"
}
