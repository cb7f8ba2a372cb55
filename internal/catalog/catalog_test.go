package catalog

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(testWriter{t})
	path := filepath.Join(t.TempDir(), "catalog.db")
	cat, err := Open(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestUpsertJobIdempotent(t *testing.T) {
	cat := openTestCatalog(t)
	j := Job{Name: "J", SrcDir: "/src", MidDir: "/mid", DstDir: "/dst"}

	require.NoError(t, cat.UpsertJob(j))
	require.NoError(t, cat.UpsertJob(j)) // second call: no-op, no error

	got, err := cat.GetJob("J")
	require.NoError(t, err)
	assert.Equal(t, j.Name, got.Name)
	assert.Equal(t, j.SrcDir, got.SrcDir)
}

func TestGetJobNotFound(t *testing.T) {
	cat := openTestCatalog(t)
	_, err := cat.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEditJobPartial(t *testing.T) {
	cat := openTestCatalog(t)
	require.NoError(t, cat.UpsertJob(Job{Name: "J", SrcDir: "/src", MidDir: "/mid", DstDir: "/dst", ReservedBytes: 0}))

	newReserved := int64(1 << 30)
	require.NoError(t, cat.EditJob("J", JobEdit{ReservedBytes: &newReserved}))

	got, err := cat.GetJob("J")
	require.NoError(t, err)
	assert.Equal(t, newReserved, got.ReservedBytes)
	assert.Equal(t, "/src", got.SrcDir) // untouched
}

func TestUpsertFileNoOverwrite(t *testing.T) {
	cat := openTestCatalog(t)
	require.NoError(t, cat.UpsertJob(Job{Name: "J", SrcDir: "/src", MidDir: "/mid", DstDir: "/dst"}))

	fr := FileRecord{Job: "J", RelPath: "a/b.txt", Size: 2, Checksum: "aaa", ModTime: 100, Progress: AtSource}
	require.NoError(t, cat.UpsertFile(fr))

	// Second upsert with different attrs must not overwrite.
	fr2 := fr
	fr2.Size = 999
	require.NoError(t, cat.UpsertFile(fr2))

	got, err := cat.GetFile("J", "a/b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Size)
}

func TestListFilesFilter(t *testing.T) {
	cat := openTestCatalog(t)
	require.NoError(t, cat.UpsertJob(Job{Name: "J", SrcDir: "/src", MidDir: "/mid", DstDir: "/dst"}))

	require.NoError(t, cat.UpsertFile(FileRecord{Job: "J", RelPath: "a", Progress: AtSource}))
	require.NoError(t, cat.UpsertFile(FileRecord{Job: "J", RelPath: "b", Progress: AtStaging}))
	require.NoError(t, cat.UpsertFile(FileRecord{Job: "J", RelPath: "c", Progress: AtDestination}))

	all, err := cat.ListFiles("J", FilterAll)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	incomplete, err := cat.ListFiles("J", FilterIncomplete)
	require.NoError(t, err)
	assert.Len(t, incomplete, 2)

	done, err := cat.ListFiles("J", FilterDone)
	require.NoError(t, err)
	assert.Len(t, done, 1)
	assert.Equal(t, "c", done[0].RelPath)
}

func TestSetProgressMissingRow(t *testing.T) {
	cat := openTestCatalog(t)
	require.NoError(t, cat.UpsertJob(Job{Name: "J", SrcDir: "/src", MidDir: "/mid", DstDir: "/dst"}))
	err := cat.SetProgress("J", "nope", AtStaging)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionsLifecycle(t *testing.T) {
	cat := openTestCatalog(t)
	require.NoError(t, cat.UpsertJob(Job{Name: "J", SrcDir: "/src", MidDir: "/mid", DstDir: "/dst"}))

	require.NoError(t, cat.AddVersion(VersionRecord{VersionPath: "v1", Job: "J", RelPath: "a/b.txt", Size: 2, ModTime: 10, Status: StatusSuccess}))
	require.NoError(t, cat.AddVersion(VersionRecord{VersionPath: "v2", Job: "J", RelPath: "a/b.txt", Size: 3, ModTime: 20, Status: StatusPending}))

	old, err := cat.ListVersions("J", 15)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "v1", old[0].VersionPath)

	require.NoError(t, cat.PurgePendingVersions("J", "a/b.txt", "v2"))
	remaining, err := cat.ListVersions("J", 100)
	require.NoError(t, err)
	assert.Len(t, remaining, 2) // purge kept v2, didn't touch success-tagged v1

	require.NoError(t, cat.DeleteVersion("v1"))
	remaining, err = cat.ListVersions("J", 100)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, "v2", remaining[0].VersionPath)
}

func TestMarkVersionSuccess(t *testing.T) {
	cat := openTestCatalog(t)
	require.NoError(t, cat.UpsertJob(Job{Name: "J", SrcDir: "/src", MidDir: "/mid", DstDir: "/dst"}))
	require.NoError(t, cat.AddVersion(VersionRecord{VersionPath: "v1", Job: "J", RelPath: "a/b.txt", Size: 2, ModTime: 10, Status: StatusPending}))

	require.NoError(t, cat.MarkVersionSuccess("v1"))

	versions, err := cat.ListVersions("J", 100)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, StatusSuccess, versions[0].Status)
}

func TestMarkVersionSuccessMissing(t *testing.T) {
	cat := openTestCatalog(t)
	err := cat.MarkVersionSuccess("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
