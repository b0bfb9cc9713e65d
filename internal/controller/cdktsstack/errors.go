package cdktsstack

import (
	"fmt"
	"strings"
)

// classifyDeployError turns a failed cdk invocation's merged output and
// exit code into an operator-friendly summary, per §4.5.3's error
// classification table. Order matters: the first matching substring wins.
func classifyDeployError(output string, exitCode int) string {
	switch {
	case strings.Contains(output, "no credentials have been configured"):
		return "Credentials secret missing or invalid"
	case strings.Contains(output, "Unable to resolve AWS account"):
		return "Account/caller identity resolution failed"
	case strings.Contains(output, "AccessDenied"):
		return "Permissions insufficient"
	case strings.Contains(output, "ValidationError"):
		return "Template validation failure"
	case strings.Contains(output, "npm ERR") || strings.Contains(output, "dependency"):
		return "Dependency install failure"
	case strings.Contains(output, "Region"):
		return "Region misconfiguration"
	default:
		return fmt.Sprintf("cdk deploy failed with exit code %d", exitCode)
	}
}

// driftDetected interprets `cdk drift --fail`'s exit code and output per
// §4.1: exit 0 is no drift, exit 1 is drift or a plain command failure,
// disambiguated by looking for "drift" in the output.
func driftDetected(exitCode int, output string) bool {
	if exitCode == 0 {
		return false
	}

	return strings.Contains(strings.ToLower(output), "drift")
}

// changesDetected interprets `cdk diff --fail`'s exit code per §4.1: exit 1
// means differences are pending, exit 0 means none.
func changesDetected(exitCode int) bool {
	return exitCode != 0
}
