// Package deploy moves validated capability artifacts into the live
// directory with backup-then-verify-then-rename atomicity, keeps
// per-capability backup chains and whole-registry checkpoints, and
// audits the live directory against its manifest. A failed deployment
// never leaves the live artifact in a partial state.
package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ManifestEntry records the deployed state of one capability.
type ManifestEntry struct {
	Version    int       `json:"version"`
	SourceHash string    `json:"source_hash"`
	Reason     string    `json:"reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Manifest maps capability name to its deployed state. It is the
// source of truth for versions and for integrity auditing.
type Manifest struct {
	Entries map[string]ManifestEntry `json:"entries"`
}

func newManifest() *Manifest {
	return &Manifest{Entries: make(map[string]ManifestEntry)}
}

// loadManifest reads the manifest, returning an empty one when the
// file does not exist yet.
func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newManifest(), nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m := newManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Entries == nil {
		m.Entries = make(map[string]ManifestEntry)
	}
	return m, nil
}

// save writes the manifest atomically through a temp file.
func (m *Manifest) save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// names returns deployed capability names in stable order.
func (m *Manifest) names() []string {
	out := make([]string, 0, len(m.Entries))
	for name := range m.Entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func artifactPath(dir, name string) string {
	return filepath.Join(dir, name+".go")
}
