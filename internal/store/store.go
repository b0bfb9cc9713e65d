// Package store is the Reconciliation Engine's only path to the Kubernetes
// API: fetching CdkTsStacks, patching their status, managing the finalizer,
// and emitting events, each with the retry and tolerance semantics the
// reconciliation engine depends on.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
)

// getRetries is how many times Get retries a transient API error before
// giving up.
const getRetries = 3

// getBackoff is the delay between Get retries.
const getBackoff = time.Second

// Gateway is the Reconciliation Engine's sole point of contact with the
// Kubernetes API server.
type Gateway struct {
	Client   client.Client
	Recorder record.EventRecorder
}

// NewGateway returns a Gateway backed by the given client and recorder.
func NewGateway(c client.Client, recorder record.EventRecorder) *Gateway {
	return &Gateway{Client: c, Recorder: recorder}
}

// Get fetches the named CdkTsStack, retrying transient errors up to
// getRetries times with a fixed backoff. A NotFound error is returned
// immediately, unretried, so callers can treat object deletion as terminal.
func (g *Gateway) Get(ctx context.Context, key types.NamespacedName) (*awscdkv1alpha1.CdkTsStack, error) {
	stack := &awscdkv1alpha1.CdkTsStack{}

	var lastErr error
	for attempt := 0; attempt <= getRetries; attempt++ {
		lastErr = g.Client.Get(ctx, key, stack)
		if lastErr == nil {
			return stack, nil
		}
		if apierrors.IsNotFound(lastErr) {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(getBackoff):
		}
	}

	return nil, errors.Wrapf(lastErr, "failed to get %s after %d retries", key, getRetries)
}

// PatchStatus merge-patches status onto the stack identified by key,
// re-asserting phase and message against whatever the mutate function set.
// A NotFound is tolerated: the object was deleted underneath the reconciler,
// which is not a reconciliation failure.
func (g *Gateway) PatchStatus(ctx context.Context, key types.NamespacedName, mutate func(*awscdkv1alpha1.CdkTsStack)) error {
	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		stack := &awscdkv1alpha1.CdkTsStack{}
		if err := g.Client.Get(ctx, key, stack); err != nil {
			if apierrors.IsNotFound(err) {
				return nil
			}
			return err
		}

		original := stack.DeepCopy()
		mutate(stack)

		if stack.Status.Phase == awscdkv1alpha1.PhaseSucceeded && original.Status.Phase == awscdkv1alpha1.PhaseDeploying {
			now := metav1.Now()
			stack.Status.LastDeploy = &now
		}

		return g.Client.Status().Patch(ctx, stack, client.MergeFrom(original))
	})
}

// AddFinalizer adds the CdkTsStack finalizer if it is not already present.
// Idempotent and NotFound-tolerant.
func (g *Gateway) AddFinalizer(ctx context.Context, key types.NamespacedName) error {
	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		stack := &awscdkv1alpha1.CdkTsStack{}
		if err := g.Client.Get(ctx, key, stack); err != nil {
			if apierrors.IsNotFound(err) {
				return nil
			}
			return err
		}

		if controllerutil.ContainsFinalizer(stack, awscdkv1alpha1.Finalizer) {
			return nil
		}

		original := stack.DeepCopy()
		controllerutil.AddFinalizer(stack, awscdkv1alpha1.Finalizer)

		return g.Client.Patch(ctx, stack, client.MergeFrom(original))
	})
}

// RemoveFinalizer removes the CdkTsStack finalizer if present. Idempotent
// and NotFound-tolerant.
func (g *Gateway) RemoveFinalizer(ctx context.Context, key types.NamespacedName) error {
	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		stack := &awscdkv1alpha1.CdkTsStack{}
		if err := g.Client.Get(ctx, key, stack); err != nil {
			if apierrors.IsNotFound(err) {
				return nil
			}
			return err
		}

		if !controllerutil.ContainsFinalizer(stack, awscdkv1alpha1.Finalizer) {
			return nil
		}

		original := stack.DeepCopy()
		controllerutil.RemoveFinalizer(stack, awscdkv1alpha1.Finalizer)

		return g.Client.Patch(ctx, stack, client.MergeFrom(original))
	})
}

// EmitEvent records a Kubernetes event on the stack. Failure to emit an
// event is logged by the recorder itself and never propagated — a dropped
// event is not a reconciliation failure.
func (g *Gateway) EmitEvent(stack *awscdkv1alpha1.CdkTsStack, eventType, reason, message string) {
	g.Recorder.Event(stack, eventType, reason, message)
}

// List returns every CdkTsStack across all namespaces, used by the drift
// and git-sync sweepers to enumerate their sweep set.
func (g *Gateway) List(ctx context.Context) ([]awscdkv1alpha1.CdkTsStack, error) {
	var list awscdkv1alpha1.CdkTsStackList
	if err := g.Client.List(ctx, &list); err != nil {
		return nil, errors.Wrap(err, "failed to list cdktsstacks")
	}

	return list.Items, nil
}

// EventTypeWarning and EventTypeNormal mirror corev1's event type constants
// so callers in this module need not import corev1 directly.
const (
	EventTypeNormal  = corev1.EventTypeNormal
	EventTypeWarning = corev1.EventTypeWarning
)
