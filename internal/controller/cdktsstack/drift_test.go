package cdktsstack

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
)

func newSucceededStack(repo string) *awscdkv1alpha1.CdkTsStack {
	return &awscdkv1alpha1.CdkTsStack{
		ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "default", Finalizers: []string{awscdkv1alpha1.Finalizer}},
		Spec: awscdkv1alpha1.CdkTsStackSpec{
			StackName:             "my-stack",
			CredentialsSecretName: "creds",
			Source:                awscdkv1alpha1.Source{Git: awscdkv1alpha1.GitSource{Repository: repo, Ref: "main"}},
			Actions:               awscdkv1alpha1.Actions{Deploy: true, DriftDetection: true},
		},
		Status: awscdkv1alpha1.CdkTsStackStatus{Phase: awscdkv1alpha1.PhaseSucceeded, Message: "Stack deployed successfully"},
	}
}

func TestCheckDrift_NoDrift(t *testing.T) {
	repo := newFixtureRepo(t)
	stack := newSucceededStack(repo)
	secret := credentialsSecret("default", "creds")

	runner := newFakeRunner()
	runner.byName["cdk"] = func(spec process.Spec) (process.Result, error) {
		return process.Result{ExitCode: 0}, nil
	}

	r := newTestReconciler(t, runner, stack, secret)
	r.checkDrift(context.Background(), stack, logr.Discard())

	got, err := r.Store.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "a"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status.Phase != awscdkv1alpha1.PhaseSucceeded {
		t.Errorf("Phase = %q, want %q", got.Status.Phase, awscdkv1alpha1.PhaseSucceeded)
	}
	if got.Status.DriftDetected {
		t.Error("DriftDetected = true, want false")
	}
	if got.Status.LastDriftCheck == nil {
		t.Error("LastDriftCheck was not set")
	}
}

func TestCheckDrift_DriftDetected(t *testing.T) {
	repo := newFixtureRepo(t)
	stack := newSucceededStack(repo)
	secret := credentialsSecret("default", "creds")

	runner := newFakeRunner()
	runner.byName["cdk"] = func(spec process.Spec) (process.Result, error) {
		return process.Result{ExitCode: 1, Output: "Stack drift detected: 2 resources have drifted"}, nil
	}

	r := newTestReconciler(t, runner, stack, secret)
	r.checkDrift(context.Background(), stack, logr.Discard())

	got, err := r.Store.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "a"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Status.DriftDetected {
		t.Error("DriftDetected = false, want true")
	}
	if got.Status.Phase != awscdkv1alpha1.PhaseSucceeded {
		t.Errorf("Phase = %q, want %q (drift checking always returns to Succeeded)", got.Status.Phase, awscdkv1alpha1.PhaseSucceeded)
	}
}

func TestRunDriftSweep_SkipsResourcesNotOptedIn(t *testing.T) {
	repo := newFixtureRepo(t)
	stack := newSucceededStack(repo)
	stack.Spec.Actions.DriftDetection = false
	secret := credentialsSecret("default", "creds")

	runner := newFakeRunner()
	r := newTestReconciler(t, runner, stack, secret)

	r.RunDriftSweep(context.Background())

	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess calls for a resource with driftDetection disabled, got %d", len(runner.calls))
	}
}

func TestRunDriftSweep_SkipsNonSucceededResources(t *testing.T) {
	repo := newFixtureRepo(t)
	stack := newSucceededStack(repo)
	stack.Status.Phase = awscdkv1alpha1.PhaseCloning
	secret := credentialsSecret("default", "creds")

	runner := newFakeRunner()
	r := newTestReconciler(t, runner, stack, secret)

	r.RunDriftSweep(context.Background())

	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess calls for a resource not currently Succeeded, got %d", len(runner.calls))
	}
}
