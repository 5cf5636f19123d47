package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeployer(t *testing.T) *Deployer {
	t.Helper()
	root := t.TempDir()
	d, err := New(
		filepath.Join(root, "capabilities"),
		filepath.Join(root, "backups"),
		filepath.Join(root, "checkpoints"),
	)
	require.NoError(t, err)
	return d
}

func readArtifact(t *testing.T, d *Deployer, name string) string {
	t.Helper()
	data, err := os.ReadFile(d.ArtifactPath(name))
	require.NoError(t, err)
	return string(data)
}

func TestDeployAndVersioning(t *testing.T) {
	d := newTestDeployer(t)

	v1, err := d.Deploy("greet", "package main\n// v1\n", "test")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := d.Deploy("greet", "package main\n// v2\n", "test")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	assert.Equal(t, "package main\n// v2\n", readArtifact(t, d, "greet"))
	assert.Equal(t, 2, d.Version("greet"))
	assert.Equal(t, 1, d.Count())
}

func TestBackupRollbackRoundTrip(t *testing.T) {
	d := newTestDeployer(t)

	original := "package main\n// original\n"
	_, err := d.Deploy("conv", original, "test")
	require.NoError(t, err)

	_, err = d.Deploy("conv", "package main\n// replacement\n", "test")
	require.NoError(t, err)

	require.NoError(t, d.Rollback("conv", LatestVersion))
	assert.Equal(t, original, readArtifact(t, d, "conv"))

	// The rolled-back content matches the manifest again.
	report, err := d.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, report.OK(), "integrity after rollback: %+v", report)
}

func TestRollbackWithoutBackups(t *testing.T) {
	d := newTestDeployer(t)
	err := d.Rollback("ghost", LatestVersion)
	assert.ErrorIs(t, err, ErrNoBackups)
	assert.NoFileExists(t, d.ArtifactPath("ghost"))
}

func TestAtomicityUnderRenameFailure(t *testing.T) {
	d := newTestDeployer(t)

	original := "package main\n// keep me\n"
	_, err := d.Deploy("stable", original, "test")
	require.NoError(t, err)

	d.SetRenameHook(func(oldpath, newpath string) error {
		return errors.New("injected rename failure")
	})
	_, err = d.Deploy("stable", "package main\n// never lands\n", "test")
	require.Error(t, err)

	// The live artifact is byte-for-byte unchanged.
	assert.Equal(t, original, readArtifact(t, d, "stable"))
	assert.Equal(t, 1, d.Version("stable"))

	// No staging debris left behind.
	entries, err := os.ReadDir(filepath.Dir(d.ArtifactPath("stable")))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".staging")
	}

	// Recovery: restoring the rename restores deployability.
	d.SetRenameHook(os.Rename)
	v, err := d.Deploy("stable", "package main\n// lands now\n", "test")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestConcurrentDeploysDifferentNames(t *testing.T) {
	d := newTestDeployer(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("cap%d", i)
			_, errs[i] = d.Deploy(name, fmt.Sprintf("package main\n// %s\n", name), "test")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "deploy %d", i)
	}
	assert.Equal(t, 8, d.Count())
}

func TestConcurrentDeploysSameNameSerialized(t *testing.T) {
	d := newTestDeployer(t)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Deploy("shared", fmt.Sprintf("package main\n// writer %d\n", i), "test")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every write fully completed its backup-write-rename sequence, so
	// the version count equals the writer count and the live content is
	// one of the writers' payloads, not an interleaving.
	assert.Equal(t, writers, d.Version("shared"))
	content := readArtifact(t, d, "shared")
	assert.Contains(t, content, "writer ")

	report, err := d.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestCheckpointRestore(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("alpha", "package main\n// alpha v1\n", "test")
	require.NoError(t, err)
	_, err = d.Deploy("beta", "package main\n// beta v1\n", "test")
	require.NoError(t, err)

	id, err := d.Checkpoint("before-changes", nil)
	require.NoError(t, err)

	_, err = d.Deploy("alpha", "package main\n// alpha v2\n", "test")
	require.NoError(t, err)
	_, err = d.Deploy("gamma", "package main\n// gamma v1\n", "test")
	require.NoError(t, err)

	_, err = d.RestoreCheckpoint(id)
	require.NoError(t, err)

	assert.Equal(t, "package main\n// alpha v1\n", readArtifact(t, d, "alpha"))
	assert.Equal(t, "package main\n// beta v1\n", readArtifact(t, d, "beta"))
	assert.NoFileExists(t, d.ArtifactPath("gamma"), "post-checkpoint capability must be removed")
	assert.Equal(t, 2, d.Count())

	ids, err := d.Checkpoints()
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func TestValidateIntegrityFlagsDrift(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("tracked", "package main\n// tracked\n", "test")
	require.NoError(t, err)
	_, err = d.Deploy("vanishing", "package main\n// vanishing\n", "test")
	require.NoError(t, err)

	// Out-of-band edits: one modified, one deleted, one orphaned.
	require.NoError(t, os.WriteFile(d.ArtifactPath("tracked"), []byte("tampered"), 0o644))
	require.NoError(t, os.Remove(d.ArtifactPath("vanishing")))
	require.NoError(t, os.WriteFile(d.ArtifactPath("stray"), []byte("package main\n"), 0o644))

	report, err := d.ValidateIntegrity()
	require.NoError(t, err)

	assert.False(t, report.OK())
	assert.Equal(t, []string{"tracked"}, report.Modified)
	assert.Equal(t, []string{"vanishing"}, report.Missing)
	assert.Equal(t, []string{"stray"}, report.Orphaned)

	// Report-only: nothing was repaired.
	assert.Equal(t, "tampered", readArtifact(t, d, "tracked"))
}

func TestPruneBackups(t *testing.T) {
	d := newTestDeployer(t)

	for i := 0; i < 6; i++ {
		_, err := d.Deploy("busy", fmt.Sprintf("package main\n// rev %d\n", i), "test")
		require.NoError(t, err)
	}
	// 6 deploys back up the 5 prior versions.
	backups, err := d.backupChain("busy")
	require.NoError(t, err)
	require.Len(t, backups, 5)

	removed, err := d.PruneBackups(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	backups, err = d.backupChain("busy")
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	// The newest backup survives, so rollback still works.
	require.NoError(t, d.Rollback("busy", LatestVersion))
	assert.Equal(t, "package main\n// rev 4\n", readArtifact(t, d, "busy"))
}

func TestBackupsRecords(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("hist", "package main\n// rev 1\n", "initial")
	require.NoError(t, err)
	_, err = d.Deploy("hist", "package main\n// rev 2\n", "update")
	require.NoError(t, err)
	_, err = d.Deploy("hist", "package main\n// rev 3\n", "update")
	require.NoError(t, err)

	records, err := d.Backups("hist")
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "hist", first.Name)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, hashSource("package main\n// rev 1\n"), first.ContentHash)
	assert.Equal(t, int64(len("package main\n// rev 1\n")), first.SizeBytes)
	assert.FileExists(t, first.StoragePath)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, "initial", first.Reason, "backup carries the reason its version was deployed with")

	assert.Equal(t, 2, records[1].Version)
	assert.Equal(t, "update", records[1].Reason)
	assert.True(t, !records[1].Timestamp.Before(first.Timestamp))

	none, err := d.Backups("never-deployed")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRollbackToExplicitVersion(t *testing.T) {
	d := newTestDeployer(t)

	for i := 1; i <= 3; i++ {
		_, err := d.Deploy("hop", fmt.Sprintf("package main\n// rev %d\n", i), "test")
		require.NoError(t, err)
	}

	require.NoError(t, d.Rollback("hop", 1))
	assert.Equal(t, "package main\n// rev 1\n", readArtifact(t, d, "hop"))

	report, err := d.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, report.OK(), "integrity after versioned rollback: %+v", report)
}

func TestRollbackUnknownVersionMutatesNothing(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("hop", "package main\n// rev 1\n", "test")
	require.NoError(t, err)
	_, err = d.Deploy("hop", "package main\n// rev 2\n", "test")
	require.NoError(t, err)

	before, err := d.backupChain("hop")
	require.NoError(t, err)

	err = d.Rollback("hop", 99)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	// Live artifact, version and backup chain are all untouched.
	assert.Equal(t, "package main\n// rev 2\n", readArtifact(t, d, "hop"))
	assert.Equal(t, 2, d.Version("hop"))
	after, err := d.backupChain("hop")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRollbackReachesVersionsBeyondLatest(t *testing.T) {
	d := newTestDeployer(t)

	for i := 1; i <= 3; i++ {
		_, err := d.Deploy("quote", fmt.Sprintf("package main\n// rev %d\n", i), "test")
		require.NoError(t, err)
	}

	// Latest-backup rollbacks alternate between the two most recent
	// versions, because each rollback backs up what it replaces.
	require.NoError(t, d.Rollback("quote", LatestVersion))
	assert.Equal(t, "package main\n// rev 2\n", readArtifact(t, d, "quote"))
	require.NoError(t, d.Rollback("quote", LatestVersion))
	assert.Equal(t, "package main\n// rev 3\n", readArtifact(t, d, "quote"))

	// An explicit version escapes the ping-pong and reaches rev 1.
	require.NoError(t, d.Rollback("quote", 1))
	assert.Equal(t, "package main\n// rev 1\n", readArtifact(t, d, "quote"))
}

func TestRollbackToZeroRemovesCapability(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("fleeting", "package main\n// fleeting\n", "test")
	require.NoError(t, err)

	require.NoError(t, d.Rollback("fleeting", 0))

	assert.NoFileExists(t, d.ArtifactPath("fleeting"))
	assert.Equal(t, 0, d.Version("fleeting"))
	assert.Equal(t, 0, d.Count())

	// The final state is still recoverable from the chain.
	backups, err := d.backupChain("fleeting")
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

func TestValidateIntegrityFlagsCorruptBackups(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("tampered", "package main\n// rev 1\n", "test")
	require.NoError(t, err)
	_, err = d.Deploy("tampered", "package main\n// rev 2\n", "test")
	require.NoError(t, err)
	_, err = d.Deploy("gone", "package main\n// rev 1\n", "test")
	require.NoError(t, err)
	_, err = d.Deploy("gone", "package main\n// rev 2\n", "test")
	require.NoError(t, err)

	tamperedChain, err := d.backupChain("tampered")
	require.NoError(t, err)
	require.Len(t, tamperedChain, 1)
	require.NoError(t, os.WriteFile(tamperedChain[0], []byte("flipped bits"), 0o644))

	goneChain, err := d.backupChain("gone")
	require.NoError(t, err)
	require.Len(t, goneChain, 1)
	require.NoError(t, os.Remove(goneChain[0]))

	report, err := d.ValidateIntegrity()
	require.NoError(t, err)

	assert.False(t, report.OK())
	assert.Contains(t, report.CorruptBackups, "tampered/"+filepath.Base(tamperedChain[0]))
	assert.Contains(t, report.CorruptBackups, "gone/"+filepath.Base(goneChain[0]))
	// Live artifacts themselves are fine.
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Modified)
}

func TestDeployManifestFailureSurfaced(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("split", "package main\n// rev 1\n", "test")
	require.NoError(t, err)

	// Make the manifest path unwritable: the atomic rename in save
	// cannot land on a directory.
	require.NoError(t, os.Remove(d.manifestPath))
	require.NoError(t, os.Mkdir(d.manifestPath, 0o755))

	_, err = d.Deploy("split", "package main\n// rev 2\n", "test")
	assert.ErrorIs(t, err, ErrManifestDiverged)

	// The artifact committed; the error tells the caller the manifest
	// is behind, not that the deploy silently half-happened.
	assert.Equal(t, "package main\n// rev 2\n", readArtifact(t, d, "split"))
}

func TestCheckpointCarriesRegistrySnapshot(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("alpha", "package main\n// alpha\n", "test")
	require.NoError(t, err)

	snapshot := []byte(`[{"name":"alpha","source_path":"alpha.go"}]`)
	id, err := d.Checkpoint("with-registry", snapshot)
	require.NoError(t, err)

	_, err = d.Deploy("beta", "package main\n// beta\n", "test")
	require.NoError(t, err)

	got, err := d.RestoreCheckpoint(id)
	require.NoError(t, err)
	assert.Equal(t, snapshot, got)

	// The snapshot is handed back, never written into the live dir.
	assert.NoFileExists(t, filepath.Join(d.capsDir, "registry.json"))
	assert.NoFileExists(t, d.ArtifactPath("beta"))
}

func TestRemoveKeepsBackupChain(t *testing.T) {
	d := newTestDeployer(t)

	_, err := d.Deploy("temp", "package main\n// temp\n", "test")
	require.NoError(t, err)
	require.NoError(t, d.Remove("temp"))

	assert.NoFileExists(t, d.ArtifactPath("temp"))
	assert.Equal(t, 0, d.Count())

	backups, err := d.backupChain("temp")
	require.NoError(t, err)
	assert.NotEmpty(t, backups, "removal must preserve the backup chain")
}
