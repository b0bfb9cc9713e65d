package cdktsstack

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
	"github.com/awscdk-operator/cdk-ts-operator/internal/credentials"
	"github.com/awscdk-operator/cdk-ts-operator/internal/hooks"
	"github.com/awscdk-operator/cdk-ts-operator/internal/metrics"
	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
	"github.com/awscdk-operator/cdk-ts-operator/internal/store"
	"github.com/awscdk-operator/cdk-ts-operator/internal/workspace"
)

// fakeRunner is a process.Runner test double keyed by the invoked
// executable's name, so tests can script "npm"/"cdk"/"bash" outcomes
// without shelling out to the real tools. git itself is still exercised for
// real through go-git against a local fixture repository.
type fakeRunner struct {
	mu    sync.Mutex
	calls []process.Spec

	// byName scripts a Result/error per spec.Name. Missing entries return a
	// zero-value successful Result.
	byName map[string]func(spec process.Spec) (process.Result, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{byName: map[string]func(spec process.Spec) (process.Result, error){}}
}

func (f *fakeRunner) Run(_ context.Context, spec process.Spec) (process.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	f.mu.Unlock()

	if fn, ok := f.byName[spec.Name]; ok {
		return fn(spec)
	}

	return process.Result{ExitCode: 0}, nil
}

func (f *fakeRunner) callsFor(name string) []process.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []process.Spec
	for _, c := range f.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}

	return out
}

// runGit shells out to the real git binary to build a fixture repository;
// the controller package clones it back out through go-git.
func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// newFixtureRepo creates a local Git repository on main with a package.json
// so stepInstall/runDestroy exercise their `npm ci` branch.
func newFixtureRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"fixture"}`), 0o644); err != nil {
		t.Fatalf("write package.json: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")

	return dir
}

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()

	scheme := runtime.NewScheme()
	if err := awscdkv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme() error = %v", err)
	}
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme(corev1) error = %v", err)
	}

	return scheme
}

// credentialsSecret builds the Opaque secret credentials.Loader expects.
func credentialsSecret(namespace, name string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Data: map[string][]byte{
			"AWS_ACCESS_KEY_ID":     []byte("AKIATEST"),
			"AWS_SECRET_ACCESS_KEY": []byte("secret"),
		},
	}
}

// newTestReconciler wires a Reconciler against a fake client seeded with
// objs, backed by runner for every subprocess invocation.
func newTestReconciler(t *testing.T, runner process.Runner, objs ...client.Object) *Reconciler {
	t.Helper()

	builder := fake.NewClientBuilder().WithScheme(newTestScheme(t))
	for _, o := range objs {
		if stack, ok := o.(*awscdkv1alpha1.CdkTsStack); ok {
			builder = builder.WithStatusSubresource(stack)
		}
	}
	fakeClient := builder.WithObjects(objs...).Build()

	var buf bytes.Buffer

	return NewReconciler(
		store.NewGateway(fakeClient, record.NewFakeRecorder(20)),
		credentials.NewLoader(fakeClient),
		runner,
		hooks.NewExecutor(runner, logr.Discard()),
		workspace.NewManager(fakeClient, logr.Discard()),
		metrics.NewSink(&buf, ""),
		Config{},
	)
}
