package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"capforge/internal/logging"
)

var (
	// ErrNotDeployed is returned when an operation targets a capability
	// with no live artifact.
	ErrNotDeployed = errors.New("deploy: capability not deployed")
	// ErrNoBackups is returned by Rollback when the backup chain is empty.
	ErrNoBackups = errors.New("deploy: no backups available")
	// ErrVersionNotFound is returned by Rollback when no backup carries
	// the requested version. Nothing is mutated in that case.
	ErrVersionNotFound = errors.New("deploy: no backup with requested version")
	// ErrVerifyFailed is returned when the staged artifact does not read
	// back with the expected content.
	ErrVerifyFailed = errors.New("deploy: staged artifact verification failed")
	// ErrManifestDiverged is returned when an artifact committed to the
	// live directory but the manifest could not record it. The live
	// state is newer than the manifest until the next successful update.
	ErrManifestDiverged = errors.New("deploy: artifact committed but manifest update failed")
)

// LatestVersion selects the most recent backup when passed to Rollback.
const LatestVersion = -1

// Deployer owns the live capabilities directory. All mutations go
// through it: per-name locks serialize updates to one capability while
// allowing unrelated capabilities to deploy concurrently, and a
// store-wide lock gives checkpoint/restore exclusive access.
type Deployer struct {
	capsDir        string
	backupsDir     string
	checkpointsDir string
	manifestPath   string

	storeMu sync.RWMutex // Held exclusively by checkpoint/restore

	nameMuGuard sync.Mutex
	nameMus     map[string]*sync.Mutex

	manifestMu sync.Mutex
	manifest   *Manifest

	// renameFn performs the final commit step. Replaceable so failure
	// injection can exercise the no-partial-state guarantee.
	renameFn func(oldpath, newpath string) error
}

// New creates a deployer rooted at the given directories, loading the
// existing manifest if one is present.
func New(capsDir, backupsDir, checkpointsDir string) (*Deployer, error) {
	for _, dir := range []string{capsDir, backupsDir, checkpointsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	manifestPath := filepath.Join(filepath.Dir(capsDir), "manifest.json")
	manifest, err := loadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	return &Deployer{
		capsDir:        capsDir,
		backupsDir:     backupsDir,
		checkpointsDir: checkpointsDir,
		manifestPath:   manifestPath,
		manifest:       manifest,
		nameMus:        make(map[string]*sync.Mutex),
		renameFn:       os.Rename,
	}, nil
}

// SetRenameHook replaces the commit-step rename. Test use only.
func (d *Deployer) SetRenameHook(fn func(oldpath, newpath string) error) {
	d.renameFn = fn
}

// ArtifactPath returns the live path for a capability name.
func (d *Deployer) ArtifactPath(name string) string {
	return artifactPath(d.capsDir, name)
}

// Version returns the deployed version of a capability, 0 if absent.
func (d *Deployer) Version(name string) int {
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()
	return d.manifest.Entries[name].Version
}

// Count returns the number of deployed capabilities.
func (d *Deployer) Count() int {
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()
	return len(d.manifest.Entries)
}

// Deploy installs source as the live artifact for name and returns the
// new version. Sequence: back up any current artifact, stage the new
// content to a temp file, verify the staged bytes, then rename into
// place. The live artifact is untouched until the rename commits.
// reason is recorded with the manifest entry for the audit trail.
func (d *Deployer) Deploy(name, source, reason string) (int, error) {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()

	mu := d.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	timer := logging.StartTimer(logging.CategoryDeploy, "Deploy")
	defer timer.Stop()

	live := d.ArtifactPath(name)
	if _, err := os.Stat(live); err == nil {
		if _, err := d.backupLocked(name); err != nil {
			return 0, fmt.Errorf("backup before deploy: %w", err)
		}
	}

	staged := filepath.Join(d.capsDir, "."+name+".staging")
	if err := os.WriteFile(staged, []byte(source), 0o644); err != nil {
		return 0, fmt.Errorf("stage artifact: %w", err)
	}
	defer os.Remove(staged)

	readBack, err := os.ReadFile(staged)
	if err != nil || string(readBack) != source {
		return 0, ErrVerifyFailed
	}

	if err := d.renameFn(staged, live); err != nil {
		return 0, fmt.Errorf("commit artifact: %w", err)
	}

	version, err := d.recordDeploy(name, source, reason)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrManifestDiverged, err)
	}
	logging.Deploy("Deployed %s v%d (%d bytes, %s)", name, version, len(source), reason)
	return version, nil
}

func (d *Deployer) recordDeploy(name, source, reason string) (int, error) {
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()

	entry := d.manifest.Entries[name]
	entry.Version++
	entry.SourceHash = hashSource(source)
	entry.Reason = reason
	entry.UpdatedAt = time.Now().UTC()
	d.manifest.Entries[name] = entry

	if err := d.manifest.save(d.manifestPath); err != nil {
		return 0, fmt.Errorf("save manifest: %w", err)
	}
	return entry.Version, nil
}

// Backup copies the current live artifact into the backup chain and
// returns the backup path.
func (d *Deployer) Backup(name string) (string, error) {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()

	mu := d.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	return d.backupLocked(name)
}

func (d *Deployer) backupLocked(name string) (string, error) {
	live := d.ArtifactPath(name)
	data, err := os.ReadFile(live)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotDeployed
		}
		return "", fmt.Errorf("read live artifact: %w", err)
	}

	chain := filepath.Join(d.backupsDir, name)
	if err := os.MkdirAll(chain, 0o755); err != nil {
		return "", fmt.Errorf("create backup chain: %w", err)
	}

	d.manifestMu.Lock()
	entry := d.manifest.Entries[name]
	d.manifestMu.Unlock()

	backup := filepath.Join(chain, fmt.Sprintf("v%04d_%d.go", entry.Version, time.Now().UnixNano()))
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	// The backed-up content is the currently deployed version, so the
	// sidecar inherits that version's deploy reason. The recorded hash
	// lets the integrity pass detect later corruption of the backup.
	meta, err := json.Marshal(backupMeta{
		Reason:      entry.Reason,
		ContentHash: hashSource(string(data)),
	})
	if err != nil {
		return "", fmt.Errorf("marshal backup metadata: %w", err)
	}
	if err := os.WriteFile(backup+".meta", meta, 0o644); err != nil {
		return "", fmt.Errorf("write backup metadata: %w", err)
	}
	logging.DeployDebug("Backed up %s v%d to %s", name, entry.Version, backup)
	return backup, nil
}

// backupMeta is the sidecar written next to every backup file.
type backupMeta struct {
	Reason      string `json:"reason,omitempty"`
	ContentHash string `json:"content_hash"`
}

// Rollback restores an earlier version of name. LatestVersion selects
// the most recent backup; an explicit version is resolved against the
// backup chain, and a version with no backup fails without touching
// the live artifact. Version 0 predates the capability entirely: the
// live artifact and its manifest entry are removed (backed up first),
// so the chain still holds the final state. The current live artifact
// is always backed up before it is replaced, so a rollback is itself
// reversible.
func (d *Deployer) Rollback(name string, version int) error {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()

	mu := d.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	if version == 0 {
		if err := d.removeArtifactLocked(name); err != nil {
			return err
		}
		logging.Deploy("Rolled back %s to v0 (capability removed)", name)
		return nil
	}

	backups, err := d.backupChain(name)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return ErrNoBackups
	}

	target := ""
	if version == LatestVersion {
		target = backups[len(backups)-1]
	} else {
		// Newest backup of the requested version wins.
		for i := len(backups) - 1; i >= 0; i-- {
			base := strings.TrimSuffix(filepath.Base(backups[i]), ".go")
			if ver, _, ok := parseBackupName(base); ok && ver == version {
				target = backups[i]
				break
			}
		}
		if target == "" {
			return fmt.Errorf("%w: %s v%d", ErrVersionNotFound, name, version)
		}
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	// The backup chain gains the current state before it is replaced.
	if _, err := d.backupLocked(name); err != nil && !errors.Is(err, ErrNotDeployed) {
		return fmt.Errorf("backup before rollback: %w", err)
	}

	staged := filepath.Join(d.capsDir, "."+name+".staging")
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return fmt.Errorf("stage rollback: %w", err)
	}
	defer os.Remove(staged)

	if err := d.renameFn(staged, d.ArtifactPath(name)); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	if _, err := d.recordDeploy(name, string(data), "rollback to "+filepath.Base(target)); err != nil {
		return fmt.Errorf("%w: %v", ErrManifestDiverged, err)
	}
	logging.Deploy("Rolled back %s to %s", name, filepath.Base(target))
	return nil
}

// BackupRecord describes one entry in a capability's backup chain.
type BackupRecord struct {
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
	Reason      string    `json:"reason,omitempty"`
	StoragePath string    `json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes"`
}

// Backups returns a capability's backup chain oldest-first.
func (d *Deployer) Backups(name string) ([]BackupRecord, error) {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()

	mu := d.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	paths, err := d.backupChain(name)
	if err != nil {
		return nil, err
	}
	records := make([]BackupRecord, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read backup %s: %w", path, err)
		}
		rec := BackupRecord{
			Name:        name,
			ContentHash: hashSource(string(data)),
			StoragePath: path,
			SizeBytes:   int64(len(data)),
		}
		// Filenames follow v%04d_%d.go; recover version and timestamp
		// from the name so records survive a manifest loss.
		base := strings.TrimSuffix(filepath.Base(path), ".go")
		if ver, nanos, ok := parseBackupName(base); ok {
			rec.Version = ver
			rec.Timestamp = time.Unix(0, nanos).UTC()
		}
		if raw, err := os.ReadFile(path + ".meta"); err == nil {
			var meta backupMeta
			if json.Unmarshal(raw, &meta) == nil {
				rec.Reason = meta.Reason
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseBackupName(base string) (version int, nanos int64, ok bool) {
	if !strings.HasPrefix(base, "v") {
		return 0, 0, false
	}
	parts := strings.SplitN(base[1:], "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	nanos, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return version, nanos, true
}

// backupChain lists a capability's backups oldest-first.
func (d *Deployer) backupChain(name string) ([]string, error) {
	chain := filepath.Join(d.backupsDir, name)
	entries, err := os.ReadDir(chain)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup chain: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".go") {
			paths = append(paths, filepath.Join(chain, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// PruneBackups keeps only the newest keep backups per capability and
// returns the number removed.
func (d *Deployer) PruneBackups(keep int) (int, error) {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()

	if keep < 1 {
		keep = 1
	}
	chains, err := os.ReadDir(d.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, chain := range chains {
		if !chain.IsDir() {
			continue
		}
		name := chain.Name()
		mu := d.lockFor(name)
		mu.Lock()
		backups, err := d.backupChain(name)
		if err != nil {
			mu.Unlock()
			return removed, err
		}
		for len(backups) > keep {
			if err := os.Remove(backups[0]); err != nil {
				mu.Unlock()
				return removed, fmt.Errorf("prune %s: %w", backups[0], err)
			}
			if err := os.Remove(backups[0] + ".meta"); err != nil && !os.IsNotExist(err) {
				mu.Unlock()
				return removed, err
			}
			backups = backups[1:]
			removed++
		}
		mu.Unlock()
	}
	if removed > 0 {
		logging.Deploy("Pruned %d backups (keep=%d)", removed, keep)
	}
	return removed, nil
}

// Remove deletes a capability's live artifact and manifest entry. The
// backup chain is kept.
func (d *Deployer) Remove(name string) error {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()

	mu := d.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	return d.removeArtifactLocked(name)
}

func (d *Deployer) removeArtifactLocked(name string) error {
	if _, err := d.backupLocked(name); err != nil && !errors.Is(err, ErrNotDeployed) {
		return err
	}
	if err := os.Remove(d.ArtifactPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}

	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()
	delete(d.manifest.Entries, name)
	return d.manifest.save(d.manifestPath)
}

func (d *Deployer) lockFor(name string) *sync.Mutex {
	d.nameMuGuard.Lock()
	defer d.nameMuGuard.Unlock()
	mu, ok := d.nameMus[name]
	if !ok {
		mu = &sync.Mutex{}
		d.nameMus[name] = mu
	}
	return mu
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
