package cdktsstack

import (
	"context"
	"os"

	"github.com/go-logr/logr"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/credentials"
	"github.com/awscdk-operator/cdk-ts-operator/internal/hooks"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
	"github.com/awscdk-operator/cdk-ts-operator/internal/store"
	"github.com/awscdk-operator/cdk-ts-operator/internal/tracing"
)

// runDestroy implements the single-shot destroy workflow of §4.5.4. Unlike
// the deploy state machine it runs start to finish within one reconcile
// call, because the object is already on its way out. Failure at any step
// is logged and eventized but never prevents finalizer removal, which the
// caller (reconcileDelete) always performs regardless of this function's
// outcome.
func (r *Reconciler) runDestroy(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, creds *credentials.Credentials, logger logr.Logger) {
	ctx, span := tracing.StartSpan(ctx, "runDestroy",
		tracing.NamespaceAttr(stack.Namespace), tracing.CdkTsStackAttr(stack.Name), tracing.StackNameAttr(stack.Spec.StackName))
	defer span.End()

	checkout, cleanup, err := r.Workspace.Prepare(ctx, stack.Namespace, stack.Name, stack.Spec.Source.Git)
	if err != nil {
		logger.Error(err, "failed to clone repository for destroy, skipping cdk destroy")
		tracing.RecordError(span, err)
		r.Store.EmitEvent(stack, store.EventTypeWarning, ReasonStackDeployFailure, "Destroy skipped: could not clone repository: "+err.Error())

		return
	}
	defer cleanup()

	projectPath := checkout.ProjectPath(stack.EffectivePath())
	if _, statErr := os.Stat(projectPath); statErr != nil {
		logger.Info("spec.path not found in repository, nothing to destroy", "path", stack.EffectivePath())

		return
	}

	if _, statErr := os.Stat(joinProjectPath(projectPath, "package.json")); statErr == nil {
		result, runErr := r.Runner.Run(ctx, process.Spec{
			Name:  "npm",
			Args:  []string{"ci", "--no-audit", "--no-fund"},
			Dir:   projectPath,
			Phase: "npm ci (destroy)",
		})
		if runErr != nil || result.ExitCode != 0 {
			logger.Error(runErr, "npm ci failed during destroy, continuing anyway", "exitCode", result.ExitCode)
		}
	}

	r.runHook(ctx, stack, hooks.BeforeDestroy, stack.Spec.LifecycleHooks.BeforeDestroy, hookEnv(stack, creds, r.Config, hooks.BeforeDestroy), logger)

	result, err := r.Runner.Run(ctx, process.Spec{
		Name:    "cdk",
		Args:    []string{"destroy", cdkTarget(stack.Spec.StackName), "--force"},
		Dir:     projectPath,
		Env:     cdkProcessEnv(stack, creds, r.Config),
		Timeout: deployTimeout(r.Config),
		Phase:   "cdk destroy",
	})
	if err != nil || result.ExitCode != 0 {
		logger.Error(err, "cdk destroy failed", "exitCode", result.ExitCode)
		if err != nil {
			tracing.RecordError(span, err)
		}
		r.Store.EmitEvent(stack, store.EventTypeWarning, ReasonStackDeployFailure, "cdk destroy failed, AWS stack may still exist")
	}

	r.runHook(ctx, stack, hooks.AfterDestroy, stack.Spec.LifecycleHooks.AfterDestroy, hookEnv(stack, creds, r.Config, hooks.AfterDestroy), logger)
}
