package fileagent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargoferry/cargoferry/internal/catalog"
)

func TestPruneVersionsDeletesOldAndKeepsNew(t *testing.T) {
	h := newHarness(t)

	oldPath := filepath.Join(h.job.DstDir, "J", ".archive", "old_1.0")
	newPath := filepath.Join(h.job.DstDir, "J", ".archive", "new_2.0")
	require.NoError(t, os.MkdirAll(filepath.Dir(oldPath), 0o755))
	require.NoError(t, os.WriteFile(oldPath, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte("new"), 0o644))

	now := float64(time.Now().Unix())
	require.NoError(t, h.cat.AddVersion(catalog.VersionRecord{
		VersionPath: oldPath, Job: "J", RelPath: "a", Size: 3, ModTime: now - 10*86400, Status: catalog.StatusSuccess,
	}))
	require.NoError(t, h.cat.AddVersion(catalog.VersionRecord{
		VersionPath: newPath, Job: "J", RelPath: "b", Size: 3, ModTime: now, Status: catalog.StatusSuccess,
	}))

	require.NoError(t, PruneVersions(h.cat, "J", 5, h.logger))

	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)

	remaining, err := h.cat.ListVersions("J", now+1)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, newPath, remaining[0].VersionPath)
}

func TestPruneVersionsZeroDaysDeletesEverythingOlderThanNow(t *testing.T) {
	h := newHarness(t)

	p := filepath.Join(h.job.DstDir, "J", ".archive", "x_1.0")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	require.NoError(t, h.cat.AddVersion(catalog.VersionRecord{
		VersionPath: p, Job: "J", RelPath: "x", Size: 1, ModTime: float64(time.Now().Unix()) - 1, Status: catalog.StatusSuccess,
	}))

	require.NoError(t, PruneVersions(h.cat, "J", 0, h.logger))

	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestPruneVersionsDeletesRowWhenBackingFileAlreadyGone(t *testing.T) {
	h := newHarness(t)

	// Version row points at a path that does not exist: os.Remove returns
	// ENOENT, which PruneVersions treats as already-gone and deletes the row.
	missing := filepath.Join(h.job.DstDir, "J", ".archive", "gone_1.0")
	require.NoError(t, h.cat.AddVersion(catalog.VersionRecord{
		VersionPath: missing, Job: "J", RelPath: "gone", Size: 1, ModTime: float64(time.Now().Unix()) - 86400, Status: catalog.StatusSuccess,
	}))

	require.NoError(t, PruneVersions(h.cat, "J", 0.5, h.logger))

	remaining, err := h.cat.ListVersions("J", float64(time.Now().Unix())+1)
	require.NoError(t, err)
	assert.Len(t, remaining, 0)
}

func TestPruneVersionsLeavesPendingRowsAlone(t *testing.T) {
	h := newHarness(t)

	pendingPath := filepath.Join(h.job.DstDir, "J", ".archive", "mid_archive_1.0")
	require.NoError(t, os.MkdirAll(filepath.Dir(pendingPath), 0o755))
	require.NoError(t, os.WriteFile(pendingPath, []byte("partially archived"), 0o644))

	require.NoError(t, h.cat.AddVersion(catalog.VersionRecord{
		VersionPath: pendingPath, Job: "J", RelPath: "mid", Size: 1, ModTime: float64(time.Now().Unix()) - 86400, Status: catalog.StatusPending,
	}))

	require.NoError(t, PruneVersions(h.cat, "J", 0, h.logger))

	_, err := os.Stat(pendingPath)
	assert.NoError(t, err, "a pending version's backing file must not be unlinked by a prune run")

	remaining, err := h.cat.ListVersions("J", float64(time.Now().Unix())+1)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, catalog.StatusPending, remaining[0].Status)
}
