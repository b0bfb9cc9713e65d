/*
Copyright 2023 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	"fmt"
	"strings"

	runtime "k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

// cdktsstacklog is for logging in this package.
var cdktsstacklog = logf.Log.WithName("cdktsstack-resource")

func (c *CdkTsStack) SetupWebhookWithManager(mgr ctrl.Manager) error {
	return ctrl.NewWebhookManagedBy(mgr).
		For(c).
		Complete()
}

// +kubebuilder:webhook:path=/mutate-awscdk-dev-v1alpha1-cdktsstack,mutating=true,failurePolicy=fail,sideEffects=None,groups=awscdk.dev,resources=cdktsstacks,verbs=create;update,versions=v1alpha1,name=cdktsstack.kb.io,admissionReviewVersions=v1

var _ webhook.Defaulter = &CdkTsStack{}

// Default materializes every documented default once, at write time, so the
// reconciliation engine never has to re-derive them.
func (c *CdkTsStack) Default() {
	cdktsstacklog.Info("default", "name", c.Name)

	if c.Spec.Source.Git.Ref == "" {
		c.Spec.Source.Git.Ref = DefaultGitRef
	}

	if c.Spec.Path == "" {
		c.Spec.Path = DefaultPath
	}

	if c.Spec.AWSRegion == "" {
		c.Spec.AWSRegion = DefaultAWSRegion
	}
}

// +kubebuilder:webhook:path=/validate-awscdk-dev-v1alpha1-cdktsstack,mutating=false,failurePolicy=fail,sideEffects=None,groups=awscdk.dev,resources=cdktsstacks,verbs=create;update,versions=v1alpha1,name=cdktsstack.kb.io,admissionReviewVersions=v1

var _ webhook.Validator = &CdkTsStack{}

// ValidateCreate implements webhook.Validator.
func (c *CdkTsStack) ValidateCreate() (admission.Warnings, error) {
	cdktsstacklog.Info("validate create", "name", c.Name)

	return nil, c.validateCdkTsStack()
}

// ValidateUpdate implements webhook.Validator.
func (c *CdkTsStack) ValidateUpdate(_ runtime.Object) (admission.Warnings, error) {
	cdktsstacklog.Info("validate update", "name", c.Name)

	return nil, c.validateCdkTsStack()
}

// ValidateDelete implements webhook.Validator.
func (c *CdkTsStack) ValidateDelete() (admission.Warnings, error) {
	cdktsstacklog.Info("validate delete", "name", c.Name)

	return nil, nil
}

func (c *CdkTsStack) validateCdkTsStack() error {
	var allErrs []string

	if c.Spec.CredentialsSecretName == "" {
		allErrs = append(allErrs, "credentialsSecretName is required")
	}

	if c.Spec.Source.Git.Repository == "" {
		allErrs = append(allErrs, "source.git.repository is required")
	}

	if len(allErrs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(allErrs, "; "))
	}

	return nil
}
