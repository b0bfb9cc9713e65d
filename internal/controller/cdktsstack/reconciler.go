// Package cdktsstack implements the reconciliation engine: the event-driven
// state machine that drives a CdkTsStack through clone, install, deploy,
// and steady state, its finalizer-governed destroy path, and the two
// scheduled sweepers that check for infrastructure drift and Git-sync
// drift.
package cdktsstack

import (
	"context"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/credentials"
	"github.com/awscdk-operator/cdk-ts-operator/internal/hooks"
	"github.com/awscdk-operator/cdk-ts-operator/internal/metrics"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
	"github.com/awscdk-operator/cdk-ts-operator/internal/store"
	"github.com/awscdk-operator/cdk-ts-operator/internal/tracing"
	"github.com/awscdk-operator/cdk-ts-operator/internal/workspace"
)

//+kubebuilder:rbac:groups=awscdk.dev,resources=cdktsstacks,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=awscdk.dev,resources=cdktsstacks/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=awscdk.dev,resources=cdktsstacks/finalizers,verbs=update
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconciler drives CdkTsStack objects through the deploy state machine and
// the destroy workflow. Its three entrypoints (Reconcile, RunDriftSweep,
// RunGitSyncSweep) share the Gateway, Credentials, Runner, Hooks, and
// Workspace helpers below.
type Reconciler struct {
	Store       *store.Gateway
	Credentials *credentials.Loader
	Runner      process.Runner
	Hooks       *hooks.Executor
	Workspace   *workspace.Manager
	Metrics     *metrics.Sink
	Config      Config
}

// NewReconciler wires a Reconciler from its leaf helpers.
func NewReconciler(
	gateway *store.Gateway,
	credLoader *credentials.Loader,
	runner process.Runner,
	hookExecutor *hooks.Executor,
	ws *workspace.Manager,
	sink *metrics.Sink,
	cfg Config,
) *Reconciler {
	return &Reconciler{
		Store:       gateway,
		Credentials: credLoader,
		Runner:      runner,
		Hooks:       hookExecutor,
		Workspace:   ws,
		Metrics:     sink,
		Config:      cfg,
	}
}

// Reconcile is the event-driven entrypoint, triggered on Added, Modified,
// Deleted, and Synchronization events for CdkTsStack.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Reconcile", tracing.NamespaceAttr(req.Namespace), tracing.CdkTsStackAttr(req.Name))
	defer span.End()

	logger := log.FromContext(ctx).WithValues("cdktsstack", req.NamespacedName)

	stack, err := r.Store.Get(ctx, req.NamespacedName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("CdkTsStack not found, assuming it was deleted")

			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrapf(err, "failed to get CdkTsStack %s", req.NamespacedName)
	}

	logger = logger.WithValues("phase", stack.Status.Phase)
	span.SetAttributes(tracing.PhaseAttr(stack.Status.Phase))

	if !stack.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, stack, logger)
	}

	return r.reconcileNormal(ctx, stack, logger)
}

// reconcileDelete implements §4.5.1's deletion-in-progress branch.
func (r *Reconciler) reconcileDelete(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, logger logr.Logger) (ctrl.Result, error) {
	key := client.ObjectKeyFromObject(stack)

	if !controllerutil.ContainsFinalizer(stack, awscdkv1alpha1.Finalizer) {
		logger.Info("finalizer already removed, nothing to do")

		return ctrl.Result{}, nil
	}

	if !stack.Spec.Actions.Destroy {
		logger.Info("destroy disabled by policy, orphaning AWS stack")

		if err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseDeleting
			s.Status.Message = "Destroy action is disabled; AWS stack left in place"
		}); err != nil {
			return ctrl.Result{}, err
		}

		if err := r.Store.RemoveFinalizer(ctx, key); err != nil {
			return ctrl.Result{}, err
		}

		return ctrl.Result{}, nil
	}

	if err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
		s.Status.Phase = awscdkv1alpha1.PhaseDeleting
		s.Status.Message = "Destroying AWS stack"
	}); err != nil {
		return ctrl.Result{}, err
	}

	creds, err := r.Credentials.Load(ctx, stack.Namespace, stack.Spec.CredentialsSecretName)
	if err != nil {
		logger.Error(err, "failed to load credentials, destroy skipped but finalizer still removed")
		r.Store.EmitEvent(stack, store.EventTypeWarning, ReasonStackDeployFailure, "Could not load credentials for destroy: "+err.Error())
	} else {
		defer creds.Scrub()
		r.runDestroy(ctx, stack, creds, logger)
	}

	if err := r.Store.RemoveFinalizer(ctx, key); err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

// reconcileNormal implements §4.5.1's finalizer-ensure, phase-guard, and
// deploy-dispatch logic.
func (r *Reconciler) reconcileNormal(ctx context.Context, stack *awscdkv1alpha1.CdkTsStack, logger logr.Logger) (ctrl.Result, error) {
	key := client.ObjectKeyFromObject(stack)

	if !controllerutil.ContainsFinalizer(stack, awscdkv1alpha1.Finalizer) {
		if err := r.Store.AddFinalizer(ctx, key); err != nil {
			return ctrl.Result{}, err
		}

		return ctrl.Result{}, nil
	}

	phase := stack.Status.Phase

	switch phase {
	case awscdkv1alpha1.PhaseDriftChecking, awscdkv1alpha1.PhaseGitSyncChecking, awscdkv1alpha1.PhaseDeleting:
		logger.V(1).Info("phase is owned by a sweeper, skipping")

		return ctrl.Result{}, nil
	case awscdkv1alpha1.PhaseDeploying:
		// autoRedeploy holds Deploying (with its "Auto-redeploying from Git"
		// message) for the whole of its own cdk deploy run; any other
		// Deploying is the state machine's own step and proceeds.
		if strings.HasPrefix(stack.Status.Message, "Auto-redeploying") {
			logger.V(1).Info("auto-redeploy in progress, skipping")

			return ctrl.Result{}, nil
		}
	case "", awscdkv1alpha1.PhaseCloning, awscdkv1alpha1.PhaseInstalling, awscdkv1alpha1.PhaseSucceeded:
		// proceed
	case awscdkv1alpha1.PhaseFailed:
		if isSweeperOwnedFailure(stack.Status.Message) {
			logger.V(1).Info("Failed phase carries a sweeper marker, letting the sweeper retry")

			return ctrl.Result{}, nil
		}
	default:
		logger.Info("unknown phase, skipping reconciliation", "phase", phase)

		return ctrl.Result{}, nil
	}

	if !stack.Spec.Actions.Deploy {
		if phase == "" {
			if err := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
				s.Status.Phase = awscdkv1alpha1.PhaseFailed
				s.Status.Message = messageDeployDisabled
			}); err != nil {
				return ctrl.Result{}, err
			}
		}

		return ctrl.Result{}, nil
	}

	if phase == awscdkv1alpha1.PhaseSucceeded {
		return ctrl.Result{}, nil
	}

	creds, err := r.Credentials.Load(ctx, stack.Namespace, stack.Spec.CredentialsSecretName)
	if err != nil {
		logger.Error(err, "failed to load credentials")

		if patchErr := r.Store.PatchStatus(ctx, key, func(s *awscdkv1alpha1.CdkTsStack) {
			s.Status.Phase = awscdkv1alpha1.PhaseFailed
			s.Status.Message = "Failed to load AWS credentials: " + err.Error()
		}); patchErr != nil {
			return ctrl.Result{}, patchErr
		}

		return ctrl.Result{}, nil
	}
	defer creds.Scrub()

	return r.runDeployStateMachine(ctx, stack, creds, logger)
}

// isSweeperOwnedFailure reports whether message carries the marker one of
// the sweepers leaves behind to keep the event-driven reconciler from
// cross-retrying a condition only the sweeper itself can resolve.
func isSweeperOwnedFailure(message string) bool {
	return strings.Contains(message, autoDeployFailedMarker) || strings.Contains(message, gitSyncMarker)
}

// SetupWithManager registers the Reconciler with mgr.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&awscdkv1alpha1.CdkTsStack{}).
		Complete(r)
}
