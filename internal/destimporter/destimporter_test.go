package destimporter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargoferry/cargoferry/internal/catalog"
	"github.com/cargoferry/cargoferry/internal/digest"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestCatalog(t *testing.T) (*catalog.Catalog, *logrus.Logger) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(discard{})
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat, logger
}

func newTestJob(t *testing.T, cat *catalog.Catalog) catalog.Job {
	t.Helper()
	root := t.TempDir()
	job := catalog.Job{
		Name:   "J",
		SrcDir: filepath.Join(root, "src"),
		MidDir: filepath.Join(root, "mid"),
		DstDir: filepath.Join(root, "dst"),
	}
	require.NoError(t, os.MkdirAll(job.SrcDir, 0o755))
	require.NoError(t, cat.UpsertJob(job))
	return job
}

// TestImportDestinationAdoptsMatchingFile is the literal scenario 6 from
// spec §8: pre-seed dst/J/a/b.txt with "hi" and an empty catalog. Running
// import_destination against a matching source should adopt the file with
// progress=2 and perform no copy.
func TestImportDestinationAdoptsMatchingFile(t *testing.T) {
	cat, logger := newTestCatalog(t)
	job := newTestJob(t, cat)

	require.NoError(t, os.MkdirAll(filepath.Join(job.SrcDir, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(job.SrcDir, "a/b.txt"), []byte("hi"), 0o644))

	dstPath := filepath.Join(job.DstDir, "J", "a/b.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(dstPath), 0o755))
	require.NoError(t, os.WriteFile(dstPath, []byte("hi"), 0o644))

	d := New(cat, logger, 2)
	res, err := d.ImportDestination("J")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Adopted)
	assert.Equal(t, 1, res.Sourced)

	fr, err := cat.GetFile("J", "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.AtDestination, fr.Progress)

	_, err = os.Stat(filepath.Join(job.MidDir, "J", "a/b.txt"))
	assert.True(t, os.IsNotExist(err), "import_destination must not stage or copy anything")
}

func TestImportDestinationLeavesMismatchUntouched(t *testing.T) {
	cat, logger := newTestCatalog(t)
	job := newTestJob(t, cat)

	require.NoError(t, os.MkdirAll(filepath.Join(job.SrcDir, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(job.SrcDir, "a/b.txt"), []byte("hi"), 0o644))

	dstPath := filepath.Join(job.DstDir, "J", "a/b.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(dstPath), 0o755))
	require.NoError(t, os.WriteFile(dstPath, []byte("stale content"), 0o644))

	d := New(cat, logger, 2)
	res, err := d.ImportDestination("J")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Adopted)

	fr, err := cat.GetFile("J", "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.AtSource, fr.Progress)
}

func TestImportDestinationSkipsFilesMarkedForRemoval(t *testing.T) {
	cat, logger := newTestCatalog(t)
	job := newTestJob(t, cat)

	sum, err := contentDigest(t, "hi")
	require.NoError(t, err)
	require.NoError(t, cat.UpsertFile(catalog.FileRecord{
		Job: "J", RelPath: "gone.txt", Size: 2, Checksum: sum, ModTime: 1, Progress: catalog.MarkedForRemoval,
	}))

	dstPath := filepath.Join(job.DstDir, "J", "gone.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(dstPath), 0o755))
	require.NoError(t, os.WriteFile(dstPath, []byte("hi"), 0o644))

	d := New(cat, logger, 2)
	res, err := d.ImportDestination("J")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Adopted)

	fr, err := cat.GetFile("J", "gone.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.MarkedForRemoval, fr.Progress)
}

func TestScanDestinationIgnoresArchiveDir(t *testing.T) {
	cat, logger := newTestCatalog(t)
	job := newTestJob(t, cat)

	livePath := filepath.Join(job.DstDir, "J", "a/b.txt")
	archivedPath := filepath.Join(job.DstDir, "J", ".archive", "a", "b.txt_1.0")
	require.NoError(t, os.MkdirAll(filepath.Dir(livePath), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(archivedPath), 0o755))
	require.NoError(t, os.WriteFile(livePath, []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(archivedPath, []byte("old"), 0o644))

	d := New(cat, logger, 2)
	found, err := d.ScanDestination(job)
	require.NoError(t, err)

	assert.Contains(t, found, "a/b.txt")
	for relPath := range found {
		assert.NotContains(t, relPath, ".archive")
	}
}

func contentDigest(t *testing.T, content string) (string, error) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tmp")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return digest.OfFile(p)
}
