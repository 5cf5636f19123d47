package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"capforge/internal/logging"
)

// Checkpoint snapshots every live artifact plus the manifest into a
// timestamped directory and returns its identifier. registrySnapshot,
// when non-nil, is the serialized descriptor set captured alongside so
// a restore can reconcile the registry too. Runs with the store-wide
// lock held exclusively, so no deployment can interleave with the
// snapshot.
func (d *Deployer) Checkpoint(label string, registrySnapshot []byte) (string, error) {
	d.storeMu.Lock()
	defer d.storeMu.Unlock()

	timer := logging.StartTimer(logging.CategoryDeploy, "Checkpoint")
	defer timer.Stop()

	id := time.Now().UTC().Format("20060102T150405")
	if label != "" {
		id += "_" + sanitizeLabel(label)
	}
	dir := filepath.Join(d.checkpointsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	d.manifestMu.Lock()
	names := d.manifest.names()
	d.manifestMu.Unlock()

	for _, name := range names {
		data, err := os.ReadFile(d.ArtifactPath(name))
		if err != nil {
			return "", fmt.Errorf("checkpoint read %s: %w", name, err)
		}
		if err := os.WriteFile(artifactPath(dir, name), data, 0o644); err != nil {
			return "", fmt.Errorf("checkpoint write %s: %w", name, err)
		}
	}

	manifestData, err := os.ReadFile(d.manifestPath)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("checkpoint manifest: %w", err)
	}
	if manifestData != nil {
		if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestData, 0o644); err != nil {
			return "", fmt.Errorf("checkpoint manifest: %w", err)
		}
	}

	if registrySnapshot != nil {
		if err := os.WriteFile(filepath.Join(dir, "registry.json"), registrySnapshot, 0o644); err != nil {
			return "", fmt.Errorf("checkpoint registry snapshot: %w", err)
		}
	}

	logging.Deploy("Checkpoint %s captured %d capabilities", id, len(names))
	return id, nil
}

// RestoreCheckpoint replaces the entire live directory with the
// contents of the named checkpoint. Capabilities deployed after the
// checkpoint are removed. The registry snapshot captured at checkpoint
// time is returned (nil if the checkpoint predates snapshots) so the
// caller can reconcile the descriptor store.
func (d *Deployer) RestoreCheckpoint(id string) ([]byte, error) {
	d.storeMu.Lock()
	defer d.storeMu.Unlock()

	dir := filepath.Join(d.checkpointsDir, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", id, err)
	}

	// Clear the live directory first so deletions are restored too.
	live, err := os.ReadDir(d.capsDir)
	if err != nil {
		return nil, fmt.Errorf("read live dir: %w", err)
	}
	for _, e := range live {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".go") {
			if err := os.Remove(filepath.Join(d.capsDir, e.Name())); err != nil {
				return nil, fmt.Errorf("clear live artifact %s: %w", e.Name(), err)
			}
		}
	}

	var snapshot []byte
	restored := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("restore read %s: %w", e.Name(), err)
		}
		var target string
		switch {
		case e.Name() == "manifest.json":
			target = d.manifestPath
		case e.Name() == "registry.json":
			snapshot = data
			continue
		case strings.HasSuffix(e.Name(), ".go"):
			target = filepath.Join(d.capsDir, e.Name())
			restored++
		default:
			continue
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return nil, fmt.Errorf("restore write %s: %w", e.Name(), err)
		}
	}

	manifest, err := loadManifest(d.manifestPath)
	if err != nil {
		return nil, err
	}
	d.manifestMu.Lock()
	d.manifest = manifest
	d.manifestMu.Unlock()

	logging.Deploy("Restored checkpoint %s (%d capabilities)", id, restored)
	return snapshot, nil
}

// Checkpoints lists available checkpoint identifiers, newest last.
func (d *Deployer) Checkpoints() ([]string, error) {
	entries, err := os.ReadDir(d.checkpointsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, label)
}
