package cdktsstack

import (
	"context"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/hooks"
	"github.com/awscdk-operator/cdk-ts-operator/internal/metrics"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
	"github.com/awscdk-operator/cdk-ts-operator/internal/store"
	"github.com/awscdk-operator/cdk-ts-operator/internal/tracing"
)

// RunDriftSweep is the scheduled entrypoint §4.5.2 describes for drift
// checking: expire the gauge group, list every resource, and run the drift
// workflow on each Succeeded one with drift detection enabled. A single
// resource's failure is isolated and does not stop the sweep.
func (r *Reconciler) RunDriftSweep(ctx context.Context) {
	logger := log.FromContext(ctx).WithValues("sweeper", "drift")

	r.Metrics.ExpireGroup(metrics.GroupDriftStatus)

	stacks, err := r.Store.List(ctx)
	if err != nil {
		logger.Error(err, "failed to list CdkTsStacks for drift sweep")

		return
	}

	for i := range stacks {
		stack := &stacks[i]
		if stack.Status.Phase != awscdkv1alpha1.PhaseSucceeded || !stack.Spec.Actions.DriftDetection {
			continue
		}

		r.checkDrift(ctx, stack, logger.WithValues("cdktsstack", types.NamespacedName{Namespace: stack.Namespace, Name: stack.Name}))
	}
}

// checkDrift implements the single-resource drift workflow of §4.5.5.
func (r *Reconciler) checkDrift(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, logger logr.Logger) {
	ctx, span := tracing.StartSpan(ctx, "checkDrift",
		tracing.NamespaceAttr(stack.Namespace), tracing.CdkTsStackAttr(stack.Name), tracing.StackNameAttr(stack.Spec.StackName))
	defer span.End()

	key := client.ObjectKeyFromObject(stack)

	current, err := r.Store.Get(ctx, key)
	if err != nil {
		logger.Error(err, "failed to re-read resource before drift check")

		return
	}
	if current.Status.Phase != awscdkv1alpha1.PhaseSucceeded {
		return
	}

	if err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseDriftChecking
		s.Status.Message = "Checking for infrastructure drift"
	}); err != nil {
		logger.Error(err, "failed to patch phase to DriftChecking")

		return
	}
	r.Store.EmitEvent(stack, store.EventTypeNormal, ReasonDriftCheckStart, "Running cdk drift")

	creds, err := r.Credentials.Load(ctx, stack.Namespace, stack.Spec.CredentialsSecretName)
	if err != nil {
		logger.Error(err, "failed to load credentials for drift check")
		_ = r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Failed to load AWS credentials for drift check: " + err.Error()
		})

		return
	}
	defer creds.Scrub()

	checkout, cleanup, err := r.Workspace.Prepare(ctx, stack.Namespace, stack.Name, stack.Spec.Source.Git)
	if err != nil {
		logger.Error(err, "failed to prepare workspace for drift check")
		_ = r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Failed to prepare workspace for drift check: " + err.Error()
		})

		return
	}
	defer cleanup()

	projectPath := checkout.ProjectPath(stack.EffectivePath())

	r.runHook(ctx, stack, hooks.BeforeDriftDetection, stack.Spec.LifecycleHooks.BeforeDriftDetection, hookEnv(stack, creds, r.Config, hooks.BeforeDriftDetection), logger)

	result, err := r.Runner.Run(ctx, process.Spec{
		Name:  "cdk",
		Args:  []string{"drift", cdkTarget(stack.Spec.StackName), "--fail"},
		Dir:   projectPath,
		Env:   cdkProcessEnv(stack, creds, r.Config),
		Phase: "cdk drift",
	})
	if err != nil {
		logger.Error(err, "failed to run cdk drift")
		tracing.RecordError(span, err)
		_ = r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Failed to run cdk drift: " + err.Error()
		})

		return
	}

	drifted := driftDetected(result.ExitCode, result.Output)
	span.SetAttributes(tracing.DriftedAttr(drifted))

	now := metav1.Now()
	if err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseSucceeded
		s.Status.Message = "Stack deployed successfully"
		s.Status.DriftDetected = drifted
		s.Status.LastDriftCheck = &now
	}); err != nil {
		logger.Error(err, "failed to patch drift check result")

		return
	}

	if drifted {
		r.Store.EmitEvent(stack, store.EventTypeWarning, ReasonDriftDetected, "Infrastructure drift detected")
	}

	r.runHook(ctx, stack, hooks.AfterDriftDetection, stack.Spec.LifecycleHooks.AfterDriftDetection, hookEnv(stack, creds, r.Config, hooks.AfterDriftDetection, boolEnv("DRIFT_DETECTED", drifted)), logger)

	labels := metrics.Labels{Namespace: stack.Namespace, ResourceName: stack.Name, AWSRegion: stack.EffectiveRegion(), StackName: stack.Spec.StackName}
	r.Metrics.IncDriftChecksTotal(labels)
	if drifted {
		r.Metrics.IncDriftsDetectedTotal(labels)
	}
	r.Metrics.SetDriftStatus(labels, drifted)
}

// boolEnv renders a "KEY=true"/"KEY=false" environment entry.
func boolEnv(key string, value bool) string {
	if value {
		return key + "=true"
	}

	return key + "=false"
}
