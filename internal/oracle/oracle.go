// Package oracle turns capability requirements into candidate Go
// source. The oracle proposes, the pipeline disposes: nothing returned
// from here is trusted until static validation and the sandbox both
// pass it.
package oracle

import (
	"context"
	"errors"
)

// Requirement is the structured ask handed to the oracle.
type Requirement struct {
	Name        string   // Suggested capability name (snake_case)
	Description string   // What the capability must do
	Category    string   // Dominant request domain
	Request     string   // The original natural-language request
	Imports     []string // Allowlisted packages the source may use
	Feedback    string   // Failure detail from a prior attempt, if retrying
}

// Synthesizer produces candidate source for a requirement.
type Synthesizer interface {
	// Synthesize returns complete Go source implementing the
	// requirement's entrypoint contract.
	Synthesize(ctx context.Context, req Requirement) (string, error)
}

// ErrEmptyResponse is returned when the oracle produced no usable code.
var ErrEmptyResponse = errors.New("oracle: empty response")
