package cdktsstack

import (
	"context"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
)

func TestReconcile_AddsFinalizer(t *testing.T) {
	stack := &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "default"},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: "unused"}},
			Actions:               awscdkv1alpha1.Actions{Deploy: true, Destroy: true},
		},
	}
	r := newTestReconciler(t, newFakeRunner(), stack)

	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "a"}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	got, err := r.Store.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "a"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !controllerutil.ContainsFinalizer(got, awscdkv1alpha1.Finalizer) {
		t.Error("finalizer was not added on the first reconcile")
	}
	if got.Status.Phase != "" {
		t.Errorf("Phase = %q, want empty on the finalizer-add reconcile", got.Status.Phase)
	}
}

func TestReconcile_DeployDisabled_ParksAsFailed(t *testing.T) {
	stack := &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "default", Finalizers: []string{awscdkv1alpha1.Finalizer}},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: "unused"}},
			Actions:               awscdkv1alpha1.Actions{Deploy: false},
		},
	}
	r := newTestReconciler(t, newFakeRunner(), stack)

	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "a"}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	got, err := r.Store.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "a"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status.Phase != awscdkv1alpha1.PhaseFailed {
		t.Errorf("Phase = %q, want %q", got.Status.Phase, awscdkv1alpha1.PhaseFailed)
	}
	if got.Status.Message != messageDeployDisabled {
		t.Errorf("Message = %q, want %q", got.Status.Message, messageDeployDisabled)
	}
}

func TestReconcile_SweeperOwnedPhase_Skipped(t *testing.T) {
	for _, phase := range []string{awscdkv1alpha1.PhaseDriftChecking, awscdkv1alpha1.PhaseGitSyncChecking, awscdkv1alpha1.PhaseDeleting} {
		stack := &awscdkv1alpha1.CdkTsStack{
			ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "default", Finalizers: []string{awscdkv1alpha1.Finalizer}},
			Spec: awscdkv1alpha1.CdkTsStackSpec{
				CredentialsSecretName: "creds",
				Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: "unused"}},
				Actions:               awscdkv1alpha1.Actions{Deploy: true},
			},
			Status: awscdkv1alpha1.CdkTsStackStatus{Phase: phase},
		}
		runner := newFakeRunner()
		r := newTestReconciler(t, runner, stack)

		_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "a"}})
		if err != nil {
			t.Fatalf("Reconcile() error = %v for phase %s", err, phase)
		}

		got, err := r.Store.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "a"})
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status.Phase != phase {
			t.Errorf("Phase = %q, want unchanged %q", got.Status.Phase, phase)
		}
		if len(runner.calls) != 0 {
			t.Errorf("phase %s: expected no subprocess calls, got %d", phase, len(runner.calls))
		}
	}
}

func TestReconcile_Succeeded_IsANoOp(t *testing.T) {
	stack := &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "default", Finalizers: []string{awscdkv1alpha1.Finalizer}},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: "unused"}},
			Actions:               awscdkv1alpha1.Actions{Deploy: true},
		},
		Status: awscdkv1alpha1.CdkTsStackStatus{Phase: awscdkv1alpha1.PhaseSucceeded, Message: "Stack deployed successfully"},
	}
	runner := newFakeRunner()
	r := newTestReconciler(t, runner, stack)

	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "a"}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess calls for a Succeeded resource, got %d", len(runner.calls))
	}
}

func TestReconcile_NotFound_ReturnsNoError(t *testing.T) {
	r := newTestReconciler(t, newFakeRunner())

	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "missing"}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v, want nil for a deleted object", err)
	}
}

func TestReconcileDelete_DestroyDisabled_OrphansAndRemovesFinalizer(t *testing.T) {
	now := metav1.Now()
	stack := &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{
			Name: "a", Namespace: "default",
			Finalizers:        []string{awscdkv1alpha1.Finalizer},
			DeletionTimestamp: &now,
		},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: "unused"}},
			Actions:               awscdkv1alpha1.Actions{Destroy: false},
		},
		Status: awscdkv1alpha1.CdkTsStackStatus{Phase: awscdkv1alpha1.PhaseSucceeded},
	}
	runner := newFakeRunner()
	r := newTestReconciler(t, runner, stack)

	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "a"}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess calls when destroy is disabled, got %d", len(runner.calls))
	}
}

func TestReconcileDelete_NoFinalizer_NoOp(t *testing.T) {
	now := metav1.Now()
	stack := &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{
			Name: "a", Namespace: "default",
			// Only another actor's finalizer: a terminating object always
			// carries at least one, but not this controller's.
			Finalizers:        []string{"example.com/other-finalizer"},
			DeletionTimestamp: &now,
		},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: "unused"}},
		},
	}
	r := newTestReconciler(t, newFakeRunner(), stack)

	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "a"}})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
}

func TestIsSweeperOwnedFailure(t *testing.T) {
	tests := []struct {
		message string
		want    bool
	}{
		{messageAutoRedeployFail, true},
		{"Git sync check failed for some reason", true},
		{"Clone failed: repository not found", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isSweeperOwnedFailure(tt.message); got != tt.want {
			t.Errorf("isSweeperOwnedFailure(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}
