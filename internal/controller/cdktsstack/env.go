package cdktsstack

import (
	"context"

	"github.com/go-logr/logr"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/credentials"
	"github.com/awscdk-operator/cdk-ts-operator/internal/hooks"
	"github.com/awscdk-operator/cdk-ts-operator/internal/store"
)

// cdkTarget returns the positional stack argument for a cdk invocation:
// the configured stack name, or "--all" when spec.stackName is empty.
func cdkTarget(stackName string) string {
	if stackName == "" {
		return "--all"
	}

	return stackName
}

// contextArgs flattens spec.cdkContext into repeated `--context k=v` flags.
func contextArgs(cdkContext []string) []string {
	args := make([]string, 0, len(cdkContext)*2)
	for _, kv := range cdkContext {
		args = append(args, "--context", kv)
	}

	return args
}

// cdkProcessEnv composes the environment overlay every cdk invocation gets:
// AWS credentials plus the account/region variables the CDK CLI itself
// expects to find, per §4.5.3 step 2.
func cdkProcessEnv(stack *awscdkv1alpha1.CdkTsStack, creds *credentials.Credentials, cfg Config) []string {
	region := stack.EffectiveRegion()

	env := creds.EnvPairs(region)
	env = append(env, "CDK_DEFAULT_REGION="+region)

	account := cfg.CDKDefaultAccount
	if account != "" {
		env = append(env,
			"CDK_DEFAULT_ACCOUNT="+account,
			"AWS_ACCOUNT_ID="+account,
			"AWS_ACCOUNT="+account,
		)
	}

	if cfg.NodeOptions != "" {
		env = append(env, "NODE_OPTIONS="+cfg.NodeOptions)
	}

	return env
}

// hookEnv composes the environment contract §4.4 documents for every
// lifecycle hook invocation, optionally overlaid with extra (DRIFT_DETECTED,
// GIT_CHANGES_DETECTED) and the process-level AWS credential env.
func hookEnv(stack *awscdkv1alpha1.CdkTsStack, creds *credentials.Credentials, cfg Config, operation hooks.Name, extra ...string) []string {
	env := []string{
		"CDK_STACK_NAME=" + stack.Spec.StackName,
		"CDK_STACK_NAMESPACE=" + stack.Namespace,
		"CDK_STACK_RESOURCE_NAME=" + stack.Name,
		"CDK_STACK_REGION=" + stack.EffectiveRegion(),
		"CDK_OPERATION=" + string(operation),
		"CDK_PROJECT_PATH=" + stack.EffectivePath(),
		"CDK_GIT_REPOSITORY=" + stack.Spec.Source.Git.Repository,
		"CDK_GIT_REF=" + stack.EffectiveRef(),
	}

	if creds != nil {
		env = append(env, cdkProcessEnv(stack, creds, cfg)...)
	}

	return append(env, extra...)
}

// runHook executes hook if the resource declared a non-empty script body
// for it, treating failure as non-fatal per §4.4's failure policy: logged
// and eventized, never surfaced as a reconcile error.
func (r *Reconciler) runHook(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, hook hooks.Name, scriptBody string, env []string, logger logr.Logger) {
	if scriptBody == "" {
		return
	}

	if err := r.Hooks.Run(ctx, hook, scriptBody, env); err != nil {
		logger.Error(err, "lifecycle hook failed", "hook", hook)
		r.Store.EmitEvent(stack, store.EventTypeWarning, hooks.EventReason, err.Error())
	}
}
