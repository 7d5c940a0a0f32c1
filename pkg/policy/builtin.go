package policy

import (
	"time"
)

// BuiltinPolicies returns the policies compiled into the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		productionDebugModePolicy(),
		resourceCeilingPolicy(),
		teardownProtectionPolicy(),
		walletAttributionPolicy(),
		imageSourcePolicy(),
	}
}

// productionDebugModePolicy blocks debug-mode enclaves in production.
// A debug-mode enclave exposes its console and loosens attestation, which
// is acceptable everywhere except production.
func productionDebugModePolicy() Policy {
	return Policy{
		Name:        "production-debug-mode",
		Description: "Blocks enclaves with debug_mode enabled in the production environment",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package enclave.policies.debug

import rego.v1

deny contains violation if {
	input.action == "deploy"
	input.configuration.debug_mode == true
	input.context.environment == "production"
	violation := {
		"message": sprintf("enclave %s must not run in debug mode in production", [input.enclave_id]),
		"severity": "error",
	}
}`,
	}
}

// resourceCeilingPolicy caps resources outside production.
func resourceCeilingPolicy() Policy {
	return Policy{
		Name:        "resource-ceiling",
		Description: "Caps enclave resources outside production (8 vCPUs, 16 GiB)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"resources", "cost"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package enclave.policies.resources

import rego.v1

deny contains violation if {
	input.action == "deploy"
	input.context.environment != "production"
	input.configuration.cpu_count > 8
	violation := {
		"message": sprintf("cpu_count %d exceeds the non-production ceiling of 8", [input.configuration.cpu_count]),
		"severity": "error",
	}
}

deny contains violation if {
	input.action == "deploy"
	input.context.environment != "production"
	input.configuration.memory_mib > 16384
	violation := {
		"message": sprintf("memory_mib %d exceeds the non-production ceiling of 16384", [input.configuration.memory_mib]),
		"severity": "error",
	}
}`,
	}
}

// teardownProtectionPolicy blocks destroying protected enclaves.
func teardownProtectionPolicy() Policy {
	return Policy{
		Name:        "teardown-protection",
		Description: "Blocks destroy requests for enclaves marked with termination_protection",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "teardown"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package enclave.policies.teardown

import rego.v1

deny contains violation if {
	input.action == "destroy"
	input.configuration.termination_protection == true
	violation := {
		"message": sprintf("enclave %s has termination protection enabled", [input.enclave_id]),
		"severity": "critical",
	}
}`,
	}
}

// walletAttributionPolicy warns when a request has no owner.
func walletAttributionPolicy() Policy {
	return Policy{
		Name:        "wallet-attribution",
		Description: "Warns when a request carries no wallet address for attribution",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"attribution"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package enclave.policies.attribution

import rego.v1

deny contains violation if {
	input.action == "deploy"
	not input.wallet_address
	violation := {
		"message": sprintf("enclave %s has no wallet address for attribution", [input.enclave_id]),
		"severity": "warning",
	}
}`,
	}
}

// imageSourcePolicy requires enclave images to come from object storage.
// The built-in sample image shipped with the enclave tooling is exempt.
func imageSourcePolicy() Policy {
	return Policy{
		Name:        "image-source",
		Description: "Requires eif_path to reference an s3:// object or the built-in sample image",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"images", "supply-chain"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package enclave.policies.images

import rego.v1

deny contains violation if {
	input.action == "deploy"
	path := input.configuration.eif_path
	not startswith(path, "s3://")
	not startswith(path, "/opt/aws/nitro_enclaves/share/")
	violation := {
		"message": sprintf("eif_path %q must reference an s3:// object", [path]),
		"severity": "error",
	}
}`,
	}
}
