package cdktsstack

import (
	"context"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
)

func TestReconcileDelete_RunsCdkDestroyAndRemovesFinalizer(t *testing.T) {
	repo := newFixtureRepo(t)
	now := metav1.Now()
	stack := &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{
			Name: "a", Namespace: "default",
			Finalizers:        []string{awscdkv1alpha1.Finalizer},
			DeletionTimestamp: &now,
		},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			StackName:             "my-stack",
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: repo, Ref: "main"}},
			Actions:               awscdkv1alpha1.Actions{Destroy: true},
		},
		Status: awscdkv1alpha1.CdkTsStackStatus{Phase: awscdkv1alpha1.PhaseSucceeded},
	}
	secret := credentialsSecret("default", "creds")

	runner := newFakeRunner()
	runner.byName["cdk"] = func(spec process.Spec) (process.Result, error) {
		return process.Result{ExitCode: 0}, nil
	}

	r := newTestReconciler(t, runner, stack, secret)
	key := types.NamespacedName{Namespace: "default", Name: "a"}

	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	cdkCalls := runner.callsFor("cdk")
	if len(cdkCalls) != 1 || cdkCalls[0].Args[0] != "destroy" {
		t.Fatalf("cdk calls = %+v, want exactly one `cdk destroy`", cdkCalls)
	}

	// Removing the last finalizer from a terminating object deletes it, so
	// NotFound is the expected outcome of a removed finalizer.
	got, err := r.Store.Get(context.Background(), key)
	switch {
	case apierrors.IsNotFound(err):
	case err != nil:
		t.Fatalf("Get() error = %v", err)
	case controllerutil.ContainsFinalizer(got, awscdkv1alpha1.Finalizer):
		t.Error("finalizer was not removed after destroy")
	}
}

func TestReconcileDelete_CdkDestroyFails_FinalizerStillRemoved(t *testing.T) {
	repo := newFixtureRepo(t)
	now := metav1.Now()
	stack := &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{
			Name: "a", Namespace: "default",
			Finalizers:        []string{awscdkv1alpha1.Finalizer},
			DeletionTimestamp: &now,
		},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			StackName:             "my-stack",
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: repo, Ref: "main"}},
			Actions:               awscdkv1alpha1.Actions{Destroy: true},
		},
		Status: awscdkv1alpha1.CdkTsStackStatus{Phase: awscdkv1alpha1.PhaseSucceeded},
	}
	secret := credentialsSecret("default", "creds")

	runner := newFakeRunner()
	runner.byName["cdk"] = func(spec process.Spec) (process.Result, error) {
		return process.Result{ExitCode: 1, Output: "boom"}, nil
	}

	r := newTestReconciler(t, runner, stack, secret)
	key := types.NamespacedName{Namespace: "default", Name: "a"}

	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	// Removing the last finalizer from a terminating object deletes it, so
	// NotFound is the expected outcome of a removed finalizer.
	got, err := r.Store.Get(context.Background(), key)
	switch {
	case apierrors.IsNotFound(err):
	case err != nil:
		t.Fatalf("Get() error = %v", err)
	case controllerutil.ContainsFinalizer(got, awscdkv1alpha1.Finalizer):
		t.Error("finalizer must be removed even when cdk destroy fails, per the always-remove contract")
	}
}

func TestReconcileDelete_CredentialsMissing_SkipsDestroyButRemovesFinalizer(t *testing.T) {
	repo := newFixtureRepo(t)
	now := metav1.Now()
	stack := &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{
			Name: "a", Namespace: "default",
			Finalizers:        []string{awscdkv1alpha1.Finalizer},
			DeletionTimestamp: &now,
		},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: repo, Ref: "main"}},
			Actions:               awscdkv1alpha1.Actions{Destroy: true},
		},
	}

	runner := newFakeRunner()
	r := newTestReconciler(t, runner, stack)
	key := types.NamespacedName{Namespace: "default", Name: "a"}

	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess calls when credentials are missing, got %d", len(runner.calls))
	}

	// Removing the last finalizer from a terminating object deletes it, so
	// NotFound is the expected outcome of a removed finalizer.
	got, err := r.Store.Get(context.Background(), key)
	switch {
	case apierrors.IsNotFound(err):
	case err != nil:
		t.Fatalf("Get() error = %v", err)
	case controllerutil.ContainsFinalizer(got, awscdkv1alpha1.Finalizer):
		t.Error("finalizer was not removed despite the missing-credentials path")
	}
}
