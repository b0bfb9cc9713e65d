package cdktsstack

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/credentials"
	"github.com/awscdk-operator/cdk-ts-operator/internal/hooks"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
	"github.com/awscdk-operator/cdk-ts-operator/internal/store"
	"github.com/awscdk-operator/cdk-ts-operator/internal/tracing"
)

// runDeployStateMachine dispatches to the single transition §4.5.3 allows
// for the resource's current phase. Each call advances at most one
// transition; the resulting status patch produces the Modified event that
// drives the next one.
func (r *Reconciler) runDeployStateMachine(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, creds *credentials.Credentials, logger logr.Logger) (ctrl.Result, error) {
	switch stack.Status.Phase {
	case "", awscdkv1alpha1.PhaseFailed:
		return r.stepEnterCloning(ctx, stack, logger)
	case awscdkv1alpha1.PhaseCloning:
		return r.stepClone(ctx, stack, logger)
	case awscdkv1alpha1.PhaseInstalling:
		return r.stepInstall(ctx, stack, logger)
	case awscdkv1alpha1.PhaseDeploying:
		return r.stepDeploy(ctx, stack, creds, logger)
	default:
		return ctrl.Result{}, nil
	}
}

// stepEnterCloning clears any stale workspace from a previous attempt and
// transitions into Cloning. It performs no Git operation itself; the clone
// happens on the next reconcile, once the phase patch lands.
func (r *Reconciler) stepEnterCloning(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, logger logr.Logger) (ctrl.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "stepEnterCloning", tracing.NamespaceAttr(stack.Namespace), tracing.CdkTsStackAttr(stack.Name))
	defer span.End()

	key := client.ObjectKeyFromObject(stack)
	dir := r.Workspace.ResourceDir(stack.Namespace, stack.Name)

	if err := r.Workspace.Clear(dir); err != nil {
		logger.Error(err, "failed to clear stale workspace", "dir", dir)
	}

	err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseCloning
		s.Status.Message = "Cloning repository"
	})

	return ctrl.Result{}, err
}

// stepClone performs the shallow clone at spec.ref into the resource's
// persistent workspace directory, advancing to Installing on success or
// Failed on any Git error.
func (r *Reconciler) stepClone(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, logger logr.Logger) (ctrl.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "stepClone",
		tracing.NamespaceAttr(stack.Namespace), tracing.CdkTsStackAttr(stack.Name), tracing.GitRepoAttr(stack.Spec.Source.Git.Repository), tracing.GitRefAttr(stack.EffectiveRef()))
	defer span.End()

	key := client.ObjectKeyFromObject(stack)
	dir := r.Workspace.ResourceDir(stack.Namespace, stack.Name)

	_, err := r.Workspace.CloneInto(ctx, dir, stack.Namespace, stack.Spec.Source.Git)
	if err != nil {
		logger.Error(err, "clone failed")
		tracing.RecordError(span, err)

		return ctrl.Result{}, r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = truncate("Clone failed: "+err.Error(), 512)
		})
	}

	return ctrl.Result{}, r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseInstalling
		s.Status.Message = "Installing dependencies"
	})
}

// stepInstall runs `npm ci` in the checked-out project path, or skips it
// entirely when no package.json is present, advancing to Deploying.
func (r *Reconciler) stepInstall(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, logger logr.Logger) (ctrl.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "stepInstall", tracing.NamespaceAttr(stack.Namespace), tracing.CdkTsStackAttr(stack.Name))
	defer span.End()

	key := client.ObjectKeyFromObject(stack)
	dir := r.Workspace.ResourceDir(stack.Namespace, stack.Name)
	projectPath := joinProjectPath(dir, stack.EffectivePath())

	if _, err := os.Stat(projectPath); err != nil {
		return ctrl.Result{}, r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Configured spec.path does not exist in the repository: " + stack.EffectivePath()
		})
	}

	if _, err := os.Stat(joinProjectPath(projectPath, "package.json")); err == nil {
		result, runErr := r.Runner.Run(ctx, process.Spec{
			Name:  "npm",
			Args:  []string{"ci", "--no-audit", "--no-fund"},
			Dir:   projectPath,
			Phase: "npm ci",
		})
		if runErr != nil || result.ExitCode != 0 {
			logger.Error(runErr, "npm ci failed", "exitCode", result.ExitCode)
			if runErr != nil {
				tracing.RecordError(span, runErr)
			}

			return ctrl.Result{}, r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
				s.Status.Phase = awscdkv1alpha1.PhaseFailed
				s.Status.Message = truncate("Dependency install failed: "+result.Output, 512)
			})
		}
	}

	return ctrl.Result{}, r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseDeploying
		s.Status.Message = "Deploying stack"
	})
}

// stepDeploy runs `cdk deploy`, advancing to Succeeded on exit 0 or Failed
// (with a classified error summary) on any other exit code, per §4.5.3
// steps 1-7.
func (r *Reconciler) stepDeploy(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, creds *credentials.Credentials, logger logr.Logger) (ctrl.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "stepDeploy",
		tracing.NamespaceAttr(stack.Namespace), tracing.CdkTsStackAttr(stack.Name), tracing.StackNameAttr(stack.Spec.StackName))
	defer span.End()

	key := client.ObjectKeyFromObject(stack)
	dir := r.Workspace.ResourceDir(stack.Namespace, stack.Name)
	projectPath := joinProjectPath(dir, stack.EffectivePath())

	r.runHook(ctx, stack, hooks.BeforeDeploy, stack.Spec.LifecycleHooks.BeforeDeploy, hookEnv(stack, creds, r.Config, hooks.BeforeDeploy), logger)

	r.Store.EmitEvent(stack, store.EventTypeNormal, ReasonStackDeployStart, "Running cdk deploy")

	args := append([]string{cdkTarget(stack.Spec.StackName), "--require-approval", "never"}, contextArgs(stack.Spec.CdkContext)...)

	result, err := r.Runner.Run(ctx, process.Spec{
		Name:    "cdk",
		Args:    append([]string{"deploy"}, args...),
		Dir:     projectPath,
		Env:     cdkProcessEnv(stack, creds, r.Config),
		Timeout: deployTimeout(r.Config),
		Phase:   "cdk deploy",
	})
	if err != nil {
		logger.Error(err, "failed to start cdk deploy")
		tracing.RecordError(span, err)

		return ctrl.Result{}, r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Failed to start cdk deploy: " + err.Error()
		})
	}

	if result.ExitCode != 0 {
		summary := classifyDeployError(result.Output, result.ExitCode)
		tracing.RecordError(span, errors.New(summary))
		r.Store.EmitEvent(stack, store.EventTypeWarning, ReasonStackDeployFailure, summary)

		return ctrl.Result{}, r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = summary
		})
	}

	r.runHook(ctx, stack, hooks.AfterDeploy, stack.Spec.LifecycleHooks.AfterDeploy, hookEnv(stack, creds, r.Config, hooks.AfterDeploy), logger)
	r.Store.EmitEvent(stack, store.EventTypeNormal, ReasonStackDeploySuccess, "cdk deploy completed")

	if err := r.Workspace.Clear(dir); err != nil {
		logger.Error(err, "failed to clean up workspace after successful deploy", "dir", dir)
	}

	return ctrl.Result{}, r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseSucceeded
		s.Status.Message = "Stack deployed successfully"
	})
}

// deployTimeout returns the configured deploy timeout, or the process
// package's default (30 minutes per §4.1) when unset.
func deployTimeout(cfg Config) time.Duration {
	if cfg.DeployTimeout > 0 {
		return cfg.DeployTimeout
	}

	return process.DefaultDeployTimeout
}

// joinProjectPath joins a workspace directory with a spec.path that may be
// "." or a nested relative directory.
func joinProjectPath(dir, path string) string {
	return filepath.Join(dir, path)
}

// truncate keeps at most the first n bytes of message, followed by a
// "... (truncated)" suffix when it cut anything, so a verbose subprocess log
// does not blow out the status subresource.
func truncate(message string, n int) string {
	if len(message) <= n {
		return message
	}

	return message[:n] + "... (truncated)"
}
