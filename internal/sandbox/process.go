package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"capforge/internal/config"
	"capforge/internal/logging"
)

// ProcessRunner executes a capability as a real OS process, for
// artifacts that have been compiled to a binary. The child is placed
// in its own process group so a timeout kills the whole tree. CPU,
// address-space and file-descriptor ceilings are applied as rlimits by
// a shell shim (ulimit, best effort per platform) before the
// capability is exec'd; the same values are exported as CAPFORGE_*
// variables for capabilities that self-limit.
//
// Wire contract: the process receives {"input": "..."} on stdin and
// must print {"output": "...", "error": "..."} on stdout.
type ProcessRunner struct {
	cfg config.SandboxConfig
}

type processRequest struct {
	Input string `json:"input"`
}

type processResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// NewProcessRunner creates a process-based runner.
func NewProcessRunner(cfg config.SandboxConfig) *ProcessRunner {
	return &ProcessRunner{cfg: cfg}
}

// Run executes the binary at binPath with the given input. Satisfies
// the registry's Runner interface.
func (r *ProcessRunner) Run(ctx context.Context, binPath, input string) (string, error) {
	result, err := r.Execute(ctx, binPath, input)
	if err != nil {
		return "", err
	}
	if !result.Success {
		if result.TimedOut {
			return "", fmt.Errorf("capability timed out after %v", r.cfg.Timeout)
		}
		return "", fmt.Errorf("capability failed: %s", strings.TrimSpace(result.Stderr))
	}
	return result.Output, nil
}

// Execute runs the binary under the configured ceilings and returns a
// full execution result.
func (r *ProcessRunner) Execute(ctx context.Context, binPath, input string) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "ProcessExecute")
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	reqData, err := json.Marshal(processRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", r.launchScript(), binPath)
	cmd.Stdin = bytes.NewReader(reqData)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = r.childEnv()

	stdout := newCappedWriter(r.cfg.MaxOutputBytes)
	stderr := newCappedWriter(r.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// CommandContext only kills the direct child; kill the whole group
	// so a capability cannot outlive its timeout through children.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	start := time.Now()
	runErr := cmd.Run()
	result := &Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}

	if stdout.Exceeded() || stderr.Exceeded() {
		result.ResourceExceeded = true
		result.ExitCode = 1
		logging.Sandbox("Process output ceiling (%d bytes) exceeded", r.cfg.MaxOutputBytes)
		return result, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		logging.Sandbox("Process timed out after %v", r.cfg.Timeout)
		return result, nil
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr = appendLine(result.Stderr, runErr.Error())
		}
		return result, nil
	}

	var resp processResponse
	if err := json.Unmarshal([]byte(result.Stdout), &resp); err != nil {
		result.ExitCode = 1
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("malformed response: %v", err))
		return result, nil
	}
	if resp.Error != "" {
		result.ExitCode = 1
		result.Stderr = appendLine(result.Stderr, resp.Error)
		return result, nil
	}

	result.Success = true
	result.Output = resp.Output
	return result, nil
}

// launchScript applies the configured rlimits before exec'ing the
// capability binary ($0). A platform that rejects a given ulimit flag
// still runs the capability; the limit is then advisory only.
func (r *ProcessRunner) launchScript() string {
	var b strings.Builder
	if r.cfg.CPUSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", r.cfg.CPUSeconds)
	}
	if r.cfg.MemoryMB > 0 {
		// ulimit -v takes KiB.
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", r.cfg.MemoryMB*1024)
	}
	if r.cfg.MaxOpenFiles > 0 {
		fmt.Fprintf(&b, "ulimit -n %d 2>/dev/null; ", r.cfg.MaxOpenFiles)
	}
	b.WriteString(`exec "$0"`)
	return b.String()
}

// childEnv builds a minimal environment carrying the resource ceilings
// for capabilities that enforce their own sub-limits.
func (r *ProcessRunner) childEnv() []string {
	return []string{
		"PATH=/usr/bin:/bin",
		fmt.Sprintf("CAPFORGE_CPU_SECONDS=%d", r.cfg.CPUSeconds),
		fmt.Sprintf("CAPFORGE_MEMORY_MB=%d", r.cfg.MemoryMB),
		fmt.Sprintf("CAPFORGE_MAX_OPEN_FILES=%d", r.cfg.MaxOpenFiles),
	}
}
