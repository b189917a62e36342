package manifest

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"controlplane/internal/model"
)

// envTemplateSchema bounds what a Service's EnvTemplate may contain: a
// plain string-keyed, string-valued map, nothing nested. A Plan's Features
// list is not checked against it, and the catalog write path does not
// call ValidateEnvTemplate.
const envTemplateSchema = `{
  "type": "object",
  "additionalProperties": {"type": "string"}
}`

var compiledEnvTemplateSchema = gojsonschema.NewStringLoader(envTemplateSchema)

// ValidateEnvTemplate checks a service's environment template against
// envTemplateSchema, per spec §4.5's "fixed keys"
// contract: the template must not collide with INSTANCE_ID, INSTANCE_NAME,
// SUBDOMAIN, or PUBLIC_URL, which Generate always overlays afterward.
func ValidateEnvTemplate(template map[string]string) error {
	documentLoader := gojsonschema.NewGoLoader(template)
	result, err := gojsonschema.Validate(compiledEnvTemplateSchema, documentLoader)
	if err != nil {
		return fmt.Errorf("validating env template: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("env template invalid: %v", result.Errors())
	}

	for _, reserved := range []string{"INSTANCE_ID", "INSTANCE_NAME", "SUBDOMAIN", "PUBLIC_URL"} {
		if _, collides := template[reserved]; collides {
			return fmt.Errorf("env template key %q is reserved for the provisioner", reserved)
		}
	}
	return nil
}

// ValidatePlanShape checks the numeric fields Generate reads off a plan are
// within sane bounds, catching a zero/negative CPU or memory request before
// it reaches the orchestrator client as a malformed resource quantity.
func ValidatePlanShape(plan model.ServicePlan) error {
	if plan.CPUMilli <= 0 {
		return fmt.Errorf("plan %s: cpuMilli must be positive, got %d", plan.ID, plan.CPUMilli)
	}
	if plan.MemoryMB <= 0 {
		return fmt.Errorf("plan %s: memoryMB must be positive, got %d", plan.ID, plan.MemoryMB)
	}
	if plan.StorageGB < 0 {
		return fmt.Errorf("plan %s: storageGB must be non-negative, got %d", plan.ID, plan.StorageGB)
	}
	return nil
}
