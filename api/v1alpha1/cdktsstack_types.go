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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Finalizer is added to a CdkTsStack while a deployed AWS stack may still
// exist, so destroy can be attempted before Kubernetes removes the object.
const Finalizer = "cdkstack.awscdk.dev/finalizer"

// Phase values. The empty string is the initial phase.
const (
	PhaseCloning         = "Cloning"
	PhaseInstalling      = "Installing"
	PhaseDeploying       = "Deploying"
	PhaseSucceeded       = "Succeeded"
	PhaseFailed          = "Failed"
	PhaseDeleting        = "Deleting"
	PhaseDriftChecking   = "DriftChecking"
	PhaseGitSyncChecking = "GitSyncChecking"
)

// DefaultGitRef is used when spec.source.git.ref is empty.
const DefaultGitRef = "main"

// DefaultPath is used when spec.path is empty.
const DefaultPath = "."

// DefaultAWSRegion is used when spec.awsRegion is empty.
const DefaultAWSRegion = "us-east-1"

// GitSource describes a Git-hosted CDK project.
type GitSource struct {
	// Repository is the repository URL (https or ssh).
	// +kubebuilder:validation:Required
	Repository string `json:"repository"`

	// Ref is a branch, tag, or commit. Defaults to "main".
	// +kubebuilder:validation:Optional
	Ref string `json:"ref,omitempty"`

	// SSHSecretName names an ssh-auth secret in the resource's namespace,
	// required for private repositories cloned over ssh.
	// +kubebuilder:validation:Optional
	SSHSecretName string `json:"sshSecretName,omitempty"`
}

// Source is the project source. Only Git is currently supported.
type Source struct {
	// Git is the Git-hosted CDK project source.
	// +kubebuilder:validation:Required
	Git GitSource `json:"git"`
}

// Actions gates which AWS-side operations the controller is permitted to
// take for this resource.
type Actions struct {
	// Deploy permits the controller to run `cdk deploy`.
	// +kubebuilder:default=true
	Deploy bool `json:"deploy"`

	// Destroy permits the controller to run `cdk destroy` on finalization.
	// +kubebuilder:default=true
	Destroy bool `json:"destroy"`

	// DriftDetection permits the scheduled drift sweeper to check this
	// resource.
	// +kubebuilder:default=true
	DriftDetection bool `json:"driftDetection"`

	// AutoRedeploy permits the Git-sync sweeper to redeploy automatically
	// when the deployed template diverges from the latest Git ref.
	// +kubebuilder:default=false
	AutoRedeploy bool `json:"autoRedeploy"`
}

// LifecycleHooks holds optional shell script bodies run at named stages.
type LifecycleHooks struct {
	BeforeDeploy         string `json:"beforeDeploy,omitempty"`
	AfterDeploy          string `json:"afterDeploy,omitempty"`
	BeforeDestroy        string `json:"beforeDestroy,omitempty"`
	AfterDestroy         string `json:"afterDestroy,omitempty"`
	BeforeDriftDetection string `json:"beforeDriftDetection,omitempty"`
	AfterDriftDetection  string `json:"afterDriftDetection,omitempty"`
	BeforeGitSync        string `json:"beforeGitSync,omitempty"`
	AfterGitSync         string `json:"afterGitSync,omitempty"`
}

// CdkTsStackSpec defines the desired state of a CdkTsStack.
type CdkTsStackSpec struct {
	// StackName is the CloudFormation stack identifier. If empty, operations
	// target all stacks in the CDK app (`--all`).
	// +kubebuilder:validation:Optional
	StackName string `json:"stackName,omitempty"`

	// CredentialsSecretName names an Opaque secret in the resource's
	// namespace holding AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, and
	// optionally AWS_SESSION_TOKEN.
	// +kubebuilder:validation:Required
	CredentialsSecretName string `json:"credentialsSecretName"`

	// AWSRegion is the target AWS region. Defaults to "us-east-1".
	// +kubebuilder:validation:Optional
	AWSRegion string `json:"awsRegion,omitempty"`

	// Source describes the CDK project's Git origin.
	// +kubebuilder:validation:Required
	Source Source `json:"source"`

	// Path is the subdirectory inside the repository holding the CDK
	// project. Defaults to ".".
	// +kubebuilder:validation:Optional
	Path string `json:"path,omitempty"`

	// CdkContext is an ordered sequence of key=value strings passed as
	// `--context` flags to every cdk invocation.
	// +kubebuilder:validation:Optional
	CdkContext []string `json:"cdkContext,omitempty"`

	// Actions gates which AWS-side operations are permitted.
	// +kubebuilder:validation:Optional
	Actions Actions `json:"actions,omitempty"`

	// LifecycleHooks holds optional shell scripts run at named stages.
	// +kubebuilder:validation:Optional
	LifecycleHooks LifecycleHooks `json:"lifecycleHooks,omitempty"`
}

// CdkTsStackStatus defines the observed state of a CdkTsStack.
type CdkTsStackStatus struct {
	// Phase is one of the finite phase values.
	// +optional
	Phase string `json:"phase,omitempty"`

	// Message is a short human description of the current phase.
	// +optional
	Message string `json:"message,omitempty"`

	// LastDeploy is the timestamp of the most recent successful deploy.
	// +optional
	LastDeploy *metav1.Time `json:"lastDeploy,omitempty"`

	// LastDriftCheck is the timestamp of the most recent drift check.
	// +optional
	LastDriftCheck *metav1.Time `json:"lastDriftCheck,omitempty"`

	// DriftDetected records whether the last drift check found divergence.
	// +optional
	DriftDetected bool `json:"driftDetected,omitempty"`

	// ObservedGeneration is the generation last reconciled.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions carries richer observability than phase/message alone.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:shortName=cdk
//+kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
//+kubebuilder:printcolumn:name="Stack",type=string,JSONPath=`.spec.stackName`
//+kubebuilder:printcolumn:name="Drift",type=boolean,JSONPath=`.status.driftDetected`

// CdkTsStack is the Schema for the cdktsstacks API.
type CdkTsStack struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CdkTsStackSpec   `json:"spec,omitempty"`
	Status CdkTsStackStatus `json:"status,omitempty"`
}

// EffectiveRef returns spec.source.git.ref, defaulted to "main".
func (c *CdkTsStack) EffectiveRef() string {
	if c.Spec.Source.Git.Ref == "" {
		return DefaultGitRef
	}

	return c.Spec.Source.Git.Ref
}

// EffectivePath returns spec.path, defaulted to ".".
func (c *CdkTsStack) EffectivePath() string {
	if c.Spec.Path == "" {
		return DefaultPath
	}

	return c.Spec.Path
}

// EffectiveRegion returns spec.awsRegion, defaulted to "us-east-1".
func (c *CdkTsStack) EffectiveRegion() string {
	if c.Spec.AWSRegion == "" {
		return DefaultAWSRegion
	}

	return c.Spec.AWSRegion
}

// StackNameOrAll returns spec.stackName, or "" if all stacks are targeted.
// Callers translate "" into the `--all` CLI flag.
func (c *CdkTsStack) StackNameOrAll() string {
	return c.Spec.StackName
}

//+kubebuilder:object:root=true

// CdkTsStackList contains a list of CdkTsStack.
type CdkTsStackList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CdkTsStack `json:"items"`
}

func init() {
	SchemeBuilder.Register(&CdkTsStack{}, &CdkTsStackList{})
}

// SecretAWSCredentials is the shape expected in a credentials secret's Data.
type SecretAWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}
