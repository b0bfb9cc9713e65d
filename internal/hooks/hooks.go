// Package hooks synthesizes and runs the optional lifecycle shell scripts a
// CdkTsStack can declare (beforeDeploy, afterDeploy, and so on), under the
// documented environment-variable contract.
package hooks

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/awscdk-operator/cdk-ts-operator/internal/process"
)

// scriptHeader enforces fail-fast semantics on every hook script: an unset
// variable, a failing command, or a failing command mid-pipeline all abort
// the script instead of silently continuing.
const scriptHeader = "#!/bin/bash\nset -euo pipefail\n"

// Name identifies a lifecycle stage for logging and the LifecycleHookFailure
// event reason.
type Name string

const (
	BeforeDeploy         Name = "beforeDeploy"
	AfterDeploy          Name = "afterDeploy"
	BeforeDestroy        Name = "beforeDestroy"
	AfterDestroy         Name = "afterDestroy"
	BeforeDriftDetection Name = "beforeDriftDetection"
	AfterDriftDetection  Name = "afterDriftDetection"
	BeforeGitSync        Name = "beforeGitSync"
	AfterGitSync         Name = "afterGitSync"
)

// EventReason is the Kubernetes event reason emitted when a hook fails.
const EventReason = "LifecycleHookFailure"

// Executor synthesizes a hook's script body into a temp file and runs it
// under a shell, with the standard environment-variable contract overlaid.
type Executor struct {
	Runner process.Runner
	Log    logr.Logger
}

// NewExecutor returns an Executor that runs hooks through runner.
func NewExecutor(runner process.Runner, log logr.Logger) *Executor {
	return &Executor{Runner: runner, Log: log}
}

// Run executes scriptBody under bash, with env overlaid on top of the
// process's own environment. A non-empty scriptBody that fails returns an
// error describing the failure; callers treat hook failure as non-fatal to
// reconciliation and report it via a Warning event, not a requeue.
func (e *Executor) Run(ctx context.Context, hook Name, scriptBody string, env []string) error {
	if scriptBody == "" {
		return nil
	}

	dir, err := os.MkdirTemp("", "cdk-hook-")
	if err != nil {
		return errors.Wrap(err, "failed to create hook script directory")
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, string(hook)+".sh")
	if err := os.WriteFile(scriptPath, []byte(scriptHeader+scriptBody+"\n"), 0o700); err != nil {
		return errors.Wrap(err, "failed to write hook script")
	}

	result, err := e.Runner.Run(ctx, process.Spec{
		Name:  "bash",
		Args:  []string{scriptPath},
		Env:   env,
		Phase: "hook:" + string(hook),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to run %s hook", hook)
	}
	if result.ExitCode != 0 {
		return errors.Errorf("%s hook exited %d: %s", hook, result.ExitCode, result.Output)
	}

	return nil
}
