package cdktsstack

// Event reasons emitted on the reconciled CdkTsStack, per the reconciliation
// engine's external event contract.
const (
	ReasonStackDeployStart   = "StackDeployStart"
	ReasonStackDeploySuccess = "StackDeploySuccess"
	ReasonStackDeployFailure = "StackDeployFailure"

	ReasonDriftCheckStart = "DriftCheckStart"
	ReasonDriftDetected   = "DriftDetected"

	ReasonGitSyncCheckStart   = "GitSyncCheckStart"
	ReasonGitChangesDetected  = "GitChangesDetected"
	ReasonAutoRedeployStart   = "AutoRedeployStart"
	ReasonAutoRedeploySuccess = "AutoRedeploySuccess"
	ReasonAutoRedeployFailure = "AutoRedeployFailure"
)

// autoDeployFailedMarker starts the message the Git-sync sweeper leaves on a
// resource it parks back in Succeeded after a failed auto-redeploy; the
// event-driven reconciler takes no action in Succeeded, so it does not
// retry that deploy. isSweeperOwnedFailure also looks for this substring in
// a Failed resource's status.message. Preserved verbatim per the source's
// marker-string coordination mechanism.
const autoDeployFailedMarker = "Auto deployment failed"

// gitSyncMarker is the other substring §4.5.1 treats as sweeper-owned.
const gitSyncMarker = "Git sync"

const (
	messageDeployDisabled   = "Deploy action is disabled"
	messageAutoRedeploySucc = "Auto deployment from Git completed"
	messageAutoRedeployFail = autoDeployFailedMarker + " - Git changes pending manual deployment"
)
