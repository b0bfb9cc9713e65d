package cdktsstack

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/credentials"
	"github.com/awscdk-operator/cdk-ts-operator/internal/hooks"
	"github.com/awscdk-operator/cdk-ts-operator/internal/metrics"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
	"github.com/awscdk-operator/cdk-ts-operator/internal/store"
	"github.com/awscdk-operator/cdk-ts-operator/internal/tracing"
)

// RunGitSyncSweep is the scheduled entrypoint for Git-sync checking,
// mirroring RunDriftSweep's structure with the git-sync-status gauge group.
func (r *Reconciler) RunGitSyncSweep(ctx context.Context) {
	logger := log.FromContext(ctx).WithValues("sweeper", "git-sync")

	r.Metrics.ExpireGroup(metrics.GroupGitSyncStatus)

	stacks, err := r.Store.List(ctx)
	if err != nil {
		logger.Error(err, "failed to list CdkTsStacks for git-sync sweep")

		return
	}

	for i := range stacks {
		stack := &stacks[i]
		if stack.Status.Phase != awscdkv1alpha1.PhaseSucceeded || !stack.Spec.Actions.Deploy {
			continue
		}

		r.checkGitSync(ctx, stack, logger.WithValues("cdktsstack", types.NamespacedName{Namespace: stack.Namespace, Name: stack.Name}))
	}
}

// checkGitSync implements the single-resource Git-sync workflow of §4.5.6,
// including the auto-redeploy branch and its "park in Succeeded on failure"
// loop-avoidance marker.
func (r *Reconciler) checkGitSync(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, logger logr.Logger) {
	ctx, span := tracing.StartSpan(ctx, "checkGitSync",
		tracing.NamespaceAttr(stack.Namespace), tracing.CdkTsStackAttr(stack.Name), tracing.StackNameAttr(stack.Spec.StackName))
	defer span.End()

	key := client.ObjectKeyFromObject(stack)

	current, err := r.Store.Get(ctx, key)
	if err != nil {
		logger.Error(err, "failed to re-read resource before git-sync check")

		return
	}
	if current.Status.Phase != awscdkv1alpha1.PhaseSucceeded || !current.Spec.Actions.Deploy {
		return
	}

	if err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseGitSyncChecking
		s.Status.Message = "Checking for Git-sync drift"
	}); err != nil {
		logger.Error(err, "failed to patch phase to GitSyncChecking")

		return
	}
	r.Store.EmitEvent(stack, store.EventTypeNormal, ReasonGitSyncCheckStart, "Running cdk diff")

	creds, err := r.Credentials.Load(ctx, stack.Namespace, stack.Spec.CredentialsSecretName)
	if err != nil {
		logger.Error(err, "failed to load credentials for git-sync check")
		_ = r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Failed to load AWS credentials for git-sync check: " + err.Error()
		})

		return
	}
	defer creds.Scrub()

	checkout, cleanup, err := r.Workspace.Prepare(ctx, stack.Namespace, stack.Name, stack.Spec.Source.Git)
	if err != nil {
		logger.Error(err, "failed to prepare workspace for git-sync check")
		_ = r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Failed to prepare workspace for git-sync check: " + err.Error()
		})

		return
	}
	defer cleanup()

	projectPath := checkout.ProjectPath(stack.EffectivePath())

	r.runHook(ctx, stack, hooks.BeforeGitSync, stack.Spec.LifecycleHooks.BeforeGitSync, hookEnv(stack, creds, r.Config, hooks.BeforeGitSync), logger)

	result, err := r.Runner.Run(ctx, process.Spec{
		Name:  "cdk",
		Args:  []string{"diff", cdkTarget(stack.Spec.StackName), "--fail"},
		Dir:   projectPath,
		Env:   cdkProcessEnv(stack, creds, r.Config),
		Phase: "cdk diff",
	})
	if err != nil {
		logger.Error(err, "failed to run cdk diff")
		tracing.RecordError(span, err)
		_ = r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Failed to run cdk diff: " + err.Error()
		})

		return
	}

	changed := changesDetected(result.ExitCode)

	labels := metrics.Labels{Namespace: stack.Namespace, ResourceName: stack.Name, AWSRegion: stack.EffectiveRegion(), StackName: stack.Spec.StackName}
	r.Metrics.SetGitSyncPending(labels, changed)
	if changed {
		r.Metrics.IncGitChangesDetectedTotal(labels)
		r.Store.EmitEvent(stack, store.EventTypeNormal, ReasonGitChangesDetected, "Deployed stack lags the latest Git revision")
	}

	if changed && stack.Spec.Actions.AutoRedeploy && stack.Spec.Actions.Deploy {
		r.autoRedeploy(ctx, stack, creds, projectPath, logger)
	} else {
		message := "Stack deployed successfully"
		if changed {
			message = "Git changes pending manual deployment"
		}

		if err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseSucceeded
			s.Status.Message = message
		}); err != nil {
			logger.Error(err, "failed to patch git-sync check result")
		}
	}

	r.runHook(ctx, stack, hooks.AfterGitSync, stack.Spec.LifecycleHooks.AfterGitSync, hookEnv(stack, creds, r.Config, hooks.AfterGitSync, boolEnv("GIT_CHANGES_DETECTED", changed)), logger)
}

// autoRedeploy runs `cdk deploy --require-approval never` when the sweeper
// found Git changes and the resource opted into autoRedeploy. A failure is
// parked back in Succeeded with the autoDeployFailedMarker message rather
// than Failed, so the event-driven reconciler's phase guard (§4.5.1)
// declines to retry it; only this sweeper's next tick retries.
func (r *Reconciler) autoRedeploy(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, creds *credentials.Credentials, projectPath string, logger logr.Logger) {
	ctx, span := tracing.StartSpan(ctx, "autoRedeploy",
		tracing.NamespaceAttr(stack.Namespace), tracing.CdkTsStackAttr(stack.Name), tracing.StackNameAttr(stack.Spec.StackName))
	defer span.End()

	key := client.ObjectKeyFromObject(stack)

	if err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseDeploying
		s.Status.Message = "Auto-redeploying from Git"
	}); err != nil {
		logger.Error(err, "failed to patch phase to Deploying for auto-redeploy")

		return
	}
	r.Store.EmitEvent(stack, store.EventTypeNormal, ReasonAutoRedeployStart, "Auto-redeploying due to Git-sync drift")

	result, err := r.Runner.Run(ctx, process.Spec{
		Name:    "cdk",
		Args:    append([]string{"deploy", cdkTarget(stack.Spec.StackName), "--require-approval", "never"}, contextArgs(stack.Spec.CdkContext)...),
		Dir:     projectPath,
		Env:     cdkProcessEnv(stack, creds, r.Config),
		Timeout: deployTimeout(r.Config),
		Phase:   "cdk deploy (auto-redeploy)",
	})

	if err == nil && result.ExitCode == 0 {
		r.Store.EmitEvent(stack, store.EventTypeNormal, ReasonAutoRedeploySuccess, messageAutoRedeploySucc)
		if patchErr := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseSucceeded
			s.Status.Message = messageAutoRedeploySucc
		}); patchErr != nil {
			logger.Error(patchErr, "failed to patch auto-redeploy success")
		}

		return
	}

	logger.Error(err, "auto-redeploy failed", "exitCode", result.ExitCode)
	if err != nil {
		tracing.RecordError(span, err)
	} else {
		tracing.RecordError(span, errors.Errorf("cdk deploy exited %d", result.ExitCode))
	}
	r.Store.EmitEvent(stack, store.EventTypeWarning, ReasonAutoRedeployFailure, messageAutoRedeployFail)

	if patchErr := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseSucceeded
		s.Status.Message = messageAutoRedeployFail
	}); patchErr != nil {
		logger.Error(patchErr, "failed to patch auto-redeploy failure marker")
	}
}
