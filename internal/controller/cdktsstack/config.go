package cdktsstack

import "time"

// Config holds the manager-wide settings the reconciliation engine needs
// beyond what is read from secrets or the CdkTsStack spec itself, read once
// from environment variables at manager startup.
type Config struct {
	// DeployTimeout bounds `cdk deploy`/`cdk destroy`. Defaults to
	// process.DefaultDeployTimeout when zero.
	DeployTimeout time.Duration

	// CDKDefaultAccount is exported as CDK_DEFAULT_ACCOUNT, AWS_ACCOUNT_ID,
	// and AWS_ACCOUNT for every cdk invocation, mirroring what the CDK CLI
	// itself expects to find in the environment.
	CDKDefaultAccount string

	// NodeOptions is exported as NODE_OPTIONS for npm/cdk subprocesses.
	NodeOptions string
}
