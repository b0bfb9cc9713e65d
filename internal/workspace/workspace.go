// Package workspace manages the ephemeral and persistent checkout
// directories the reconciliation engine clones a CdkTsStack's Git source
// into.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	awscdkv1alpha1 "github.com/awscdk-operator/cdk-ts-operator/api/v1alpha1"
)

// ErrSSHSecretMissing is returned when Source.Git.SSHSecretName is set but
// the referenced secret does not exist.
var ErrSSHSecretMissing = errors.New("ssh secret not found")

// ErrSSHSecretMalformed is returned when the referenced ssh secret lacks the
// "ssh-privatekey" key.
var ErrSSHSecretMalformed = errors.New("ssh secret missing ssh-privatekey")

// Checkout is a prepared working directory.
type Checkout struct {
	Dir string
}

// Manager clones and inspects Git sources into per-reconcile temp
// directories named /tmp/cdk-cdktsstack-{resource}-{unique}.
type Manager struct {
	Client client.Client
	Log    logr.Logger
}

// NewManager returns a Manager reading ssh secrets through the given client.
func NewManager(c client.Client, log logr.Logger) *Manager {
	return &Manager{Client: c, Log: log}
}

// Prepare clones source at its resolved ref into a fresh temp directory
// under /tmp, returning the checkout and a cleanup func the caller must
// invoke once done with it, even on error paths that still produced a
// directory. Used by the single-shot destroy, drift, and Git-sync
// workflows, which clone, operate, and tear down within one reconcile call.
func (m *Manager) Prepare(ctx context.Context, namespace, resourceName string, source awscdkv1alpha1.GitSource) (*Checkout, func(), error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("cdk-cdktsstack-%s-", resourceName))
	if err != nil {
		return nil, func() {}, errors.Wrap(err, "failed to create workspace directory")
	}

	cleanup := func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.Log.Error(rmErr, "failed to remove workspace directory", "dir", dir)
		}
	}

	if _, err := m.cloneAndCheckout(ctx, dir, namespace, source); err != nil {
		cleanup()

		return nil, func() {}, err
	}

	return &Checkout{Dir: dir}, cleanup, nil
}

// ResourceDir returns the deterministic workspace path the deploy state
// machine reuses across its Cloning/Installing/Deploying phase
// transitions, each of which is a separate reconcile invocation. Unlike
// Prepare's randomized per-operation directory, this one is named after the
// resource so that a later reconcile for the same key finds the checkout
// the earlier reconcile left behind.
func (m *Manager) ResourceDir(namespace, resourceName string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("cdk-cdktsstack-%s-%s", namespace, resourceName))
}

// Clear removes dir, tolerating its absence. The deploy state machine calls
// this when entering Cloning from ""/Failed, so a prior failed attempt
// never leaks stale files into a fresh one.
func (m *Manager) Clear(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear workspace %s", dir)
	}

	return nil
}

// CloneInto clones source at its resolved ref into dir, which must not
// already exist (callers call Clear first). Used by the deploy state
// machine's Cloning step, where the checkout must outlive the single
// reconcile call that created it.
func (m *Manager) CloneInto(ctx context.Context, dir, namespace string, source awscdkv1alpha1.GitSource) (string, error) {
	return m.cloneAndCheckout(ctx, dir, namespace, source)
}

func (m *Manager) cloneAndCheckout(ctx context.Context, dir, namespace string, source awscdkv1alpha1.GitSource) (string, error) {
	auth, err := m.resolveAuth(ctx, namespace, source)
	if err != nil {
		return "", err
	}

	ref := effectiveRef(source.Ref)

	cloneOpts := &git.CloneOptions{URL: source.Repository, Auth: auth}
	if !plumbing.IsHash(ref) {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		cloneOpts.SingleBranch = true
		cloneOpts.Depth = 1
	}

	_, err = git.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		// A shallow single-branch clone fails if ref names a tag rather
		// than a branch; fall back to a full clone and resolve ref
		// generically below.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.Log.Error(rmErr, "failed to clean up partial clone", "dir", dir)
		}

		_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: source.Repository, Auth: auth})
		if err != nil {
			return "", errors.Wrapf(err, "failed to clone %s", source.Repository)
		}
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", errors.Wrap(err, "failed to open freshly cloned repository")
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "failed to open worktree")
	}

	checkoutOpts := &git.CheckoutOptions{Force: true}
	if plumbing.IsHash(ref) {
		checkoutOpts.Hash = plumbing.NewHash(ref)
	} else {
		resolvedHash, resolveErr := repo.ResolveRevision(plumbing.Revision(ref))
		if resolveErr != nil {
			return "", errors.Wrapf(resolveErr, "failed to resolve ref %s", ref)
		}
		checkoutOpts.Hash = *resolvedHash
	}

	if err := worktree.Checkout(checkoutOpts); err != nil {
		return "", errors.Wrapf(err, "failed to checkout ref %s", ref)
	}

	head, err := repo.Head()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve HEAD after checkout")
	}

	return head.Hash().String(), nil
}

// ProjectPath joins the checkout directory with the CDK project's
// subdirectory.
func (c *Checkout) ProjectPath(path string) string {
	return filepath.Join(c.Dir, path)
}

func (m *Manager) resolveAuth(ctx context.Context, namespace string, source awscdkv1alpha1.GitSource) (transport.AuthMethod, error) {
	if source.SSHSecretName == "" {
		return nil, nil
	}

	secret := &corev1.Secret{}
	key := types.NamespacedName{Namespace: namespace, Name: source.SSHSecretName}
	if err := m.Client.Get(ctx, key, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errors.Wrapf(ErrSSHSecretMissing, "secret %s", key)
		}

		return nil, errors.Wrapf(err, "failed to get ssh secret %s", key)
	}

	privateKey, ok := secret.Data["ssh-privatekey"]
	if !ok || len(privateKey) == 0 {
		return nil, errors.Wrapf(ErrSSHSecretMalformed, "secret %s", key)
	}

	keys, err := ssh.NewPublicKeys("git", privateKey, "")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse private key from secret %s", key)
	}

	return keys, nil
}

func effectiveRef(ref string) string {
	if ref == "" {
		return awscdkv1alpha1.DefaultGitRef
	}

	return ref
}
