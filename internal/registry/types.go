package registry

import (
	"errors"
	"time"
)

// Sentinel errors for registry operations.
var (
	ErrNotFound          = errors.New("capability not found")
	ErrInvalidDescriptor = errors.New("invalid capability descriptor")
)

// Descriptor describes one deployed capability. Descriptors are immutable
// once deployed; an update produces a new descriptor with a higher
// revision, never a mutation of the old one.
type Descriptor struct {
	Name       string    `json:"name"`
	Signatures []string  `json:"signatures"` // Exported function signatures
	Tags       []string  `json:"tags"`       // Free-form description tags
	SourcePath string    `json:"source_path"`
	SourceHash string    `json:"source_hash"` // SHA-256 of the source artifact
	Revision   int       `json:"revision"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the descriptor's required fields.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return ErrInvalidDescriptor
	}
	if d.SourcePath == "" {
		return ErrInvalidDescriptor
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (d *Descriptor) Clone() *Descriptor {
	cp := *d
	cp.Signatures = append([]string(nil), d.Signatures...)
	cp.Tags = append([]string(nil), d.Tags...)
	return &cp
}
