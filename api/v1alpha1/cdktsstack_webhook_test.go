package v1alpha1

import (
	"testing"
)

func TestCdkTsStack_Default(t *testing.T) {
	tests := []struct {
		name     string
		stack    *CdkTsStack
		expected CdkTsStackSpec
	}{
		{
			name: "sets default ref, path and region",
			stack: &CdkTsStack{
				Spec: CdkTsStackSpec{
					CredentialsSecretName: "aws-creds",
					Source:                Source{Git: GitSource{Repository: "https://github.com/example/repo"}},
				},
			},
			expected: CdkTsStackSpec{
				CredentialsSecretName: "aws-creds",
				AWSRegion:             "us-east-1",
				Source:                Source{Git: GitSource{Repository: "https://github.com/example/repo", Ref: "main"}},
				Path:                  ".",
			},
		},
		{
			name: "does not override existing ref, path and region",
			stack: &CdkTsStack{
				Spec: CdkTsStackSpec{
					CredentialsSecretName: "aws-creds",
					AWSRegion:             "eu-west-1",
					Source:                Source{Git: GitSource{Repository: "https://github.com/example/repo", Ref: "develop"}},
					Path:                  "infra",
				},
			},
			expected: CdkTsStackSpec{
				CredentialsSecretName: "aws-creds",
				AWSRegion:             "eu-west-1",
				Source:                Source{Git: GitSource{Repository: "https://github.com/example/repo", Ref: "develop"}},
				Path:                  "infra",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.stack.Default()

			if tt.stack.Spec.Source.Git.Ref != tt.expected.Source.Git.Ref {
				t.Errorf("ref = %q, want %q", tt.stack.Spec.Source.Git.Ref, tt.expected.Source.Git.Ref)
			}
			if tt.stack.Spec.Path != tt.expected.Path {
				t.Errorf("path = %q, want %q", tt.stack.Spec.Path, tt.expected.Path)
			}
			if tt.stack.Spec.AWSRegion != tt.expected.AWSRegion {
				t.Errorf("awsRegion = %q, want %q", tt.stack.Spec.AWSRegion, tt.expected.AWSRegion)
			}
		})
	}
}

func TestCdkTsStack_ValidateCreate(t *testing.T) {
	tests := []struct {
		name    string
		stack   *CdkTsStack
		wantErr bool
	}{
		{
			name: "valid spec",
			stack: &CdkTsStack{
				Spec: CdkTsStackSpec{
					CredentialsSecretName: "aws-creds",
					Source:                Source{Git: GitSource{Repository: "https://github.com/example/repo"}},
				},
			},
			wantErr: false,
		},
		{
			name:    "missing credentials secret and repository",
			stack:   &CdkTsStack{},
			wantErr: true,
		},
		{
			name: "missing repository only",
			stack: &CdkTsStack{
				Spec: CdkTsStackSpec{
					CredentialsSecretName: "aws-creds",
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.stack.ValidateCreate()
			if tt.wantErr && err == nil {
				t.Errorf("ValidateCreate() should have failed")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateCreate() should have succeeded, got %v", err)
			}
		})
	}
}

func TestCdkTsStack_EffectiveDefaults(t *testing.T) {
	stack := &CdkTsStack{}

	if got := stack.EffectiveRef(); got != DefaultGitRef {
		t.Errorf("EffectiveRef() = %q, want %q", got, DefaultGitRef)
	}
	if got := stack.EffectivePath(); got != DefaultPath {
		t.Errorf("EffectivePath() = %q, want %q", got, DefaultPath)
	}
	if got := stack.EffectiveRegion(); got != DefaultAWSRegion {
		t.Errorf("EffectiveRegion() = %q, want %q", got, DefaultAWSRegion)
	}
}
