package sandbox

import (
	"fmt"
	"strings"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
)

// Environment contract between the orchestrator and the sandbox-runner
// binary. The runner reads these variables and nothing else.
const (
	EnvAction           = "ACTION"
	EnvEnclaveID        = "ENCLAVE_ID"
	EnvExecutionName    = "EXECUTION_NAME"
	EnvConfiguration    = "CONFIGURATION"
	EnvSubnetIDs        = "SUBNET_IDS"
	EnvSecurityGroupIDs = "SECURITY_GROUP_IDS"
)

// taskEnv renders a task as the runner's environment contract.
func taskEnv(task engine.SandboxTask) []string {
	configuration := string(task.Configuration)
	if configuration == "" {
		configuration = "{}"
	}
	return []string{
		fmt.Sprintf("%s=%s", EnvAction, task.Action),
		fmt.Sprintf("%s=%s", EnvEnclaveID, task.EnclaveID),
		fmt.Sprintf("%s=%s", EnvExecutionName, task.ExecutionName),
		fmt.Sprintf("%s=%s", EnvConfiguration, configuration),
		fmt.Sprintf("%s=%s", EnvSubnetIDs, strings.Join(task.Placement.SubnetIDs, ",")),
		fmt.Sprintf("%s=%s", EnvSecurityGroupIDs, strings.Join(task.Placement.SecurityGroupIDs, ",")),
	}
}
