package orchestrator

import "fmt"

// Config configures how K8sClient connects to the cluster. Mirrors the
// teacher's kubernetes.Config shape: empty Kubeconfig selects in-cluster
// auth, otherwise Kubeconfig holds the raw kubeconfig YAML bytes.
type Config struct {
	Kubeconfig    string
	Context       string
	SkipTLSVerify bool

	// StorageClassName is used for StorageClaim manifests when the plan
	// requests storage; empty selects the cluster default class.
	StorageClassName string
}

// Validate checks the fields ValidateConfig in the teacher checked, minus
// the single-namespace assumption — this client serves every tenant
// namespace, so namespace validation happens per-call in the manifest
// generator instead (see internal/manifest).
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("orchestrator config is required")
	}
	return nil
}
