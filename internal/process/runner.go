// Package process runs external commands (git, npm, cdk, and user lifecycle
// hook scripts) with environment injection, merged output capture, and
// exit-code semantics that never surface as a Go error for a mere non-zero
// exit.
package process

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// DefaultDeployTimeout is the timeout `cdk deploy` receives when no other
// timeout is configured, per spec.md §4.1.
const DefaultDeployTimeout = 30 * time.Minute

// killGrace is how long a command gets to exit after SIGTERM before the
// runner escalates to SIGKILL.
const killGrace = 10 * time.Second

// Spec describes one external command invocation.
type Spec struct {
	// Name is the executable, e.g. "git", "npm", "cdk", or a shell.
	Name string
	// Args is the argument vector.
	Args []string
	// Dir is the working directory the command runs in.
	Dir string
	// Env overlays additional environment variables ("KEY=VALUE") on top
	// of the runner's own environment.
	Env []string
	// Timeout bounds the command's lifetime. Zero means no deadline beyond
	// the caller's context.
	Timeout time.Duration
	// Phase names the operation for the "=== <PHASE> OUTPUT START/END ==="
	// log markers, e.g. "cdk deploy".
	Phase string
}

// Result is what a command produced, never interpreted by the runner.
type Result struct {
	// Output is merged stdout+stderr.
	Output string
	// ExitCode is the process exit code. 0 is success. The runner never
	// promotes a non-zero exit code to a Go error.
	ExitCode int
}

// Runner invokes external commands uniformly.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ProcessRunner is the concrete Runner backed by os/exec.
type ProcessRunner struct {
	Log logr.Logger
}

// NewRunner returns a ProcessRunner logging through the given logger.
func NewRunner(log logr.Logger) *ProcessRunner {
	return &ProcessRunner{Log: log}
}

// Run executes spec.Name with spec.Args, returning the merged output and
// exit code. It never returns a non-nil error for a non-zero exit code —
// only when the process cannot be started or waited on. Cancellation of ctx (or
// expiry of spec.Timeout) sends SIGTERM to the command's process group,
// then SIGKILL after a grace period if it has not exited.
func (r *ProcessRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	logger := r.Log.WithValues("phase", spec.Phase, "command", spec.Name)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	logger.Info("=== " + spec.Phase + " OUTPUT START ===")

	if err := cmd.Start(); err != nil {
		return Result{}, errors.Wrapf(err, "failed to start %s", spec.Name)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		r.terminate(cmd, logger)
		select {
		case waitErr = <-done:
		case <-time.After(killGrace):
			waitErr = <-done
		}
	}

	output := buf.String()
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line != "" {
			logger.V(1).Info(line)
		}
	}
	logger.Info("=== " + spec.Phase + " OUTPUT END ===")

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if runCtx.Err() != nil {
			exitCode = -1
		} else {
			return Result{Output: output}, errors.Wrapf(waitErr, "failed to run %s", spec.Name)
		}
	}

	return Result{Output: output, ExitCode: exitCode}, nil
}

// terminate sends SIGTERM to the command's process group so that the whole
// subtree (e.g. npm's spawned node children) is signaled, not just the
// directly-invoked process.
func (r *ProcessRunner) terminate(cmd *exec.Cmd, logger logr.Logger) {
	if cmd.Process == nil {
		return
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		logger.Error(err, "failed to resolve process group, signaling process directly")
		_ = cmd.Process.Signal(syscall.SIGTERM)

		return
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		logger.Error(err, "failed to SIGTERM process group")
	}

	go func() {
		time.Sleep(killGrace)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}
