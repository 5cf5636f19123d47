package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"capforge/internal/config"
	"capforge/internal/logging"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Entrypoint contract: candidate source declares package main with an
// exported Run(input string) (string, error). The executor compiles the
// package in a fresh interpreter, then evaluates a driver snippet that
// calls Run and hands the result to an injected sink.
const sinkPackage = "capforge/capsink/capsink"

// ErrNoEntrypoint is returned when the candidate source does not expose
// the Run entrypoint.
var ErrNoEntrypoint = errors.New("sandbox: source does not define Run(string) (string, error)")

// Executor runs candidate source inside an embedded interpreter. Each
// execution gets a fresh interpreter, a scratch working directory and a
// symbol table filtered down to the import allowlist, so network and
// process packages simply do not exist for the candidate.
type Executor struct {
	cfg     config.SandboxConfig
	symbols interp.Exports
}

// NewExecutor builds an executor whose interpreter exposes only the
// allowlisted stdlib packages.
func NewExecutor(cfg config.SandboxConfig, importAllowlist []string) *Executor {
	return &Executor{
		cfg:     cfg,
		symbols: filterSymbols(importAllowlist),
	}
}

// filterSymbols restricts the interpreter's stdlib to allowlisted
// packages. Symbol keys are "import/path/pkgname".
func filterSymbols(allowlist []string) interp.Exports {
	allowed := make(map[string]bool, len(allowlist))
	for _, pkg := range allowlist {
		allowed[pkg] = true
	}

	filtered := make(interp.Exports)
	for key, symbols := range stdlib.Symbols {
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		if allowed[key[:idx]] {
			filtered[key] = symbols
		}
	}
	return filtered
}

// Execute runs the source with the given input under the configured
// wall-clock and output ceilings. The returned Result is non-nil even
// on failure; the error covers setup problems only.
func (e *Executor) Execute(ctx context.Context, source, input string) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "Execute")
	defer timer.Stop()

	scratch, err := os.MkdirTemp("", "capforge-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	// The source is also materialized on disk so capabilities that do
	// scoped file work have a root to operate under.
	if err := os.WriteFile(filepath.Join(scratch, "candidate.go"), []byte(source), 0o600); err != nil {
		return nil, fmt.Errorf("write candidate source: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	stdout := newCappedWriter(e.cfg.MaxOutputBytes)
	stderr := newCappedWriter(e.cfg.MaxOutputBytes)

	i := interp.New(interp.Options{
		GoPath: scratch,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("load interpreter symbols: %w", err)
	}

	var (
		sinkMu  sync.Mutex
		outVal  string
		errVal  string
		emitted bool
	)
	emit := func(out, errText string) {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		outVal, errVal, emitted = out, errText, true
	}
	if err := i.Use(interp.Exports{
		sinkPackage: {"Emit": reflect.ValueOf(emit)},
	}); err != nil {
		return nil, fmt.Errorf("inject sink: %w", err)
	}

	start := time.Now()
	result := &Result{}
	evalErr := e.run(ctx, i, source, input)
	result.Elapsed = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if stdout.Exceeded() || stderr.Exceeded() {
		result.ResourceExceeded = true
		result.ExitCode = 1
		logging.Sandbox("Execution rejected: output ceiling (%d bytes) exceeded", e.cfg.MaxOutputBytes)
		return result, nil
	}

	if evalErr != nil {
		result.ExitCode = 1
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			logging.Sandbox("Execution timed out after %v", e.cfg.Timeout)
		} else {
			result.Stderr = appendLine(result.Stderr, evalErr.Error())
			logging.SandboxDebug("Execution failed: %v", evalErr)
		}
		return result, nil
	}

	sinkMu.Lock()
	defer sinkMu.Unlock()
	if !emitted {
		result.ExitCode = 1
		result.Stderr = appendLine(result.Stderr, ErrNoEntrypoint.Error())
		return result, nil
	}
	if errVal != "" {
		result.ExitCode = 1
		result.Stderr = appendLine(result.Stderr, errVal)
		return result, nil
	}

	result.Success = true
	result.Output = outVal
	return result, nil
}

// run compiles the candidate and evaluates the driver snippet. Panics
// raised by interpreted code surface as errors, not crashes.
func (e *Executor) run(ctx context.Context, i *interp.Interpreter, source, input string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreted code panicked: %v", r)
		}
	}()

	if _, err := i.EvalWithContext(ctx, source); err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	driver := fmt.Sprintf(
		"__capOut, __capErr := main.Run(%q)\n"+
			"__capMsg := \"\"\n"+
			"if __capErr != nil { __capMsg = __capErr.Error() }\n"+
			"capsink.Emit(__capOut, __capMsg)",
		input,
	)
	if _, err := i.EvalWithContext(ctx, `import "capforge/capsink"`); err != nil {
		return fmt.Errorf("import sink: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, driver); err != nil {
		if strings.Contains(err.Error(), "undefined: main.Run") {
			return ErrNoEntrypoint
		}
		return err
	}
	return nil
}

// Run implements registry invocation: load the deployed artifact and
// execute it. Satisfies the registry's Runner interface.
func (e *Executor) Run(ctx context.Context, sourcePath, input string) (string, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", fmt.Errorf("read capability source: %w", err)
	}
	result, err := e.Execute(ctx, string(data), input)
	if err != nil {
		return "", err
	}
	if !result.Success {
		switch {
		case result.TimedOut:
			return "", fmt.Errorf("capability timed out after %v", e.cfg.Timeout)
		case result.ResourceExceeded:
			return "", fmt.Errorf("capability exceeded output ceiling")
		default:
			return "", fmt.Errorf("capability failed: %s", strings.TrimSpace(result.Stderr))
		}
	}
	return result.Output, nil
}

func appendLine(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
