// Package credentials loads AWS credentials from an Opaque Kubernetes secret
// for export into a cdk/npm/git subprocess environment. It never calls the
// AWS API directly; AWS interaction happens entirely through the cdk CLI.
package credentials

import (
	"context"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	keyAccessKeyID     = "AWS_ACCESS_KEY_ID"
	keySecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	keySessionToken    = "AWS_SESSION_TOKEN"
)

// ErrSecretMissing is returned when the named secret does not exist.
var ErrSecretMissing = errors.New("credentials secret not found")

// ErrSecretMalformed is returned when the named secret exists but lacks the
// required keys.
var ErrSecretMalformed = errors.New("credentials secret missing required keys")

// Credentials holds the values read out of a credentials secret.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Scrub overwrites the in-memory credential values. Callers defer Scrub
// immediately after a successful Load so the values do not outlive the
// subprocess they were exported for, even on panic.
func (c *Credentials) Scrub() {
	if c == nil {
		return
	}

	c.AccessKeyID = ""
	c.SecretAccessKey = ""
	c.SessionToken = ""
}

// EnvPairs renders the credentials as "KEY=VALUE" entries suitable for
// process.Spec.Env.
func (c *Credentials) EnvPairs(region string) []string {
	pairs := []string{
		keyAccessKeyID + "=" + c.AccessKeyID,
		keySecretAccessKey + "=" + c.SecretAccessKey,
		"AWS_DEFAULT_REGION=" + region,
		"AWS_REGION=" + region,
	}

	if c.SessionToken != "" {
		pairs = append(pairs, keySessionToken+"="+c.SessionToken)
	}

	return pairs
}

// Loader reads AWS credentials out of a namespaced Opaque secret.
type Loader struct {
	Client client.Client
}

// NewLoader returns a Loader reading secrets through the given client.
func NewLoader(c client.Client) *Loader {
	return &Loader{Client: c}
}

// Load fetches the named secret in namespace and extracts AWS credentials
// from its Data map. It distinguishes a missing secret (ErrSecretMissing)
// from one that exists but is missing required keys (ErrSecretMalformed).
func (l *Loader) Load(ctx context.Context, namespace, name string) (*Credentials, error) {
	secret := &corev1.Secret{}

	err := l.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, secret)
	if apierrors.IsNotFound(err) {
		return nil, errors.Wrapf(ErrSecretMissing, "secret %s/%s", namespace, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get secret %s/%s", namespace, name)
	}

	accessKeyID, ok := secret.Data[keyAccessKeyID]
	if !ok || len(accessKeyID) == 0 {
		return nil, errors.Wrapf(ErrSecretMalformed, "secret %s/%s missing %s", namespace, name, keyAccessKeyID)
	}

	secretAccessKey, ok := secret.Data[keySecretAccessKey]
	if !ok || len(secretAccessKey) == 0 {
		return nil, errors.Wrapf(ErrSecretMalformed, "secret %s/%s missing %s", namespace, name, keySecretAccessKey)
	}

	return &Credentials{
		AccessKeyID:     string(accessKeyID),
		SecretAccessKey: string(secretAccessKey),
		SessionToken:    string(secret.Data[keySessionToken]),
	}, nil
}
