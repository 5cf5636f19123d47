// Package sandbox executes candidate capability source in isolation
// before it is allowed anywhere near the live registry. The primary
// engine is an embedded interpreter with a filtered symbol table; a
// process runner exists for capabilities that need a real OS process
// with rlimit-style ceilings. Both engines honor context cancellation
// and report resource-ceiling breaches distinctly from plain failures.
package sandbox

import "time"

// Result is the outcome of one sandboxed execution.
type Result struct {
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Output   string        `json:"output"` // Value returned by the capability entrypoint
	ExitCode int           `json:"exit_code"`
	Elapsed  time.Duration `json:"elapsed"`

	// TimedOut is set when the wall-clock ceiling fired. The run still
	// reports failure, but callers can distinguish slowness from bugs.
	TimedOut bool `json:"timed_out"`

	// ResourceExceeded is set when an output or memory ceiling was hit.
	ResourceExceeded bool `json:"resource_exceeded"`
}
