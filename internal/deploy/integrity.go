package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"capforge/internal/logging"
)

// IntegrityReport is the outcome of auditing the live directory and
// the backup chains against their recorded hashes. Report-only:
// nothing is repaired.
type IntegrityReport struct {
	Checked  int      `json:"checked"`
	Missing  []string `json:"missing"`  // In the manifest, no live artifact
	Modified []string `json:"modified"` // Live artifact hash differs from manifest
	Orphaned []string `json:"orphaned"` // Live artifact with no manifest entry

	// CorruptBackups lists chain entries (name/file) whose bytes are
	// missing or no longer match the hash recorded at backup time.
	CorruptBackups []string `json:"corrupt_backups"`
}

// OK reports whether everything tracked matches its recorded state.
func (r *IntegrityReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Modified) == 0 &&
		len(r.Orphaned) == 0 && len(r.CorruptBackups) == 0
}

// ValidateIntegrity compares every manifest entry against the live
// directory and flags drift in both directions.
func (d *Deployer) ValidateIntegrity() (*IntegrityReport, error) {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()

	timer := logging.StartTimer(logging.CategoryDeploy, "ValidateIntegrity")
	defer timer.Stop()

	report := &IntegrityReport{
		Missing:        []string{},
		Modified:       []string{},
		Orphaned:       []string{},
		CorruptBackups: []string{},
	}

	d.manifestMu.Lock()
	entries := make(map[string]ManifestEntry, len(d.manifest.Entries))
	for name, e := range d.manifest.Entries {
		entries[name] = e
	}
	d.manifestMu.Unlock()

	for name, entry := range entries {
		report.Checked++
		data, err := os.ReadFile(d.ArtifactPath(name))
		if err != nil {
			if os.IsNotExist(err) {
				report.Missing = append(report.Missing, name)
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if hashSource(string(data)) != entry.SourceHash {
			report.Modified = append(report.Modified, name)
		}
	}

	live, err := os.ReadDir(d.capsDir)
	if err != nil {
		return nil, fmt.Errorf("read live dir: %w", err)
	}
	for _, e := range live {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(e.Name()), ".go")
		if _, ok := entries[name]; !ok {
			report.Orphaned = append(report.Orphaned, name)
		}
	}

	if err := d.auditBackups(report); err != nil {
		return nil, err
	}

	sort.Strings(report.Missing)
	sort.Strings(report.Modified)
	sort.Strings(report.Orphaned)
	sort.Strings(report.CorruptBackups)

	if !report.OK() {
		logging.Deploy("Integrity drift: missing=%v modified=%v orphaned=%v corrupt_backups=%v",
			report.Missing, report.Modified, report.Orphaned, report.CorruptBackups)
	}
	return report, nil
}

// auditBackups re-hashes every backup against its metadata sidecar, so
// the chain rollback depends on is verified, not just the live state.
func (d *Deployer) auditBackups(report *IntegrityReport) error {
	chains, err := os.ReadDir(d.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read backups dir: %w", err)
	}
	for _, chain := range chains {
		if !chain.IsDir() {
			continue
		}
		dir := filepath.Join(d.backupsDir, chain.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read backup chain %s: %w", chain.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".meta") {
				continue
			}
			entry := chain.Name() + "/" + strings.TrimSuffix(f.Name(), ".meta")

			raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
			if err != nil {
				report.CorruptBackups = append(report.CorruptBackups, entry)
				continue
			}
			var meta backupMeta
			if json.Unmarshal(raw, &meta) != nil {
				report.CorruptBackups = append(report.CorruptBackups, entry)
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, strings.TrimSuffix(f.Name(), ".meta")))
			if err != nil || hashSource(string(data)) != meta.ContentHash {
				report.CorruptBackups = append(report.CorruptBackups, entry)
			}
		}
	}
	return nil
}
