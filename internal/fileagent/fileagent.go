// Package fileagent implements the per-file state machine that carries one
// FileRecord from source through staging to destination, archiving whatever
// it displaces along the way.
package fileagent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"

	"github.com/cargoferry/cargoferry/internal/catalog"
	"github.com/cargoferry/cargoferry/internal/digest"
	"github.com/cargoferry/cargoferry/internal/diskspace"
	"github.com/cargoferry/cargoferry/internal/pathnorm"
)

// ErrOutOfSpace is returned by NextHop when the target filesystem for a hop
// does not have size+reserved bytes free. JobRunner treats this as a signal
// to stop issuing further copies for the job.
var ErrOutOfSpace = errors.New("fileagent: out of space")

// modTimeEpsilon guards modtime comparisons in reconcileDestination against
// floating-point equality hazards across filesystems (spec design note).
const modTimeEpsilon = 0.001 // seconds

const copyBufferSize = 1024 * 1024

// FileAgent is bound to one (job, rel_path). It holds a borrowed Catalog
// handle; it never opens its own database session.
type FileAgent struct {
	cat     *catalog.Catalog
	job     catalog.Job
	relPath string
	logger  *logrus.Logger
}

// New binds a FileAgent to (job, relPath). If no FileRecord exists yet, one
// is created at AtSource with size/modtime/checksum taken from the current
// source file.
func New(cat *catalog.Catalog, job catalog.Job, relPath string, logger *logrus.Logger) (*FileAgent, error) {
	a := &FileAgent{cat: cat, job: job, relPath: relPath, logger: logger}

	_, err := cat.GetFile(job.Name, relPath)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		if err := a.createRowFromSource(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("fileagent: load %s/%s: %w", job.Name, relPath, err)
	}
	return a, nil
}

func (a *FileAgent) createRowFromSource() error {
	srcPath := a.srcPath()
	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("fileagent: stat source %s: %w", srcPath, err)
	}
	sum, err := digest.OfFile(srcPath)
	if err != nil {
		return fmt.Errorf("fileagent: hash source %s: %w", srcPath, err)
	}
	fr := catalog.FileRecord{
		Job:      a.job.Name,
		RelPath:  a.relPath,
		Size:     info.Size(),
		Checksum: sum,
		ModTime:  modTimeSeconds(info),
		Progress: catalog.AtSource,
	}
	return a.cat.UpsertFile(fr)
}

func (a *FileAgent) srcPath() string  { return pathnorm.Join(a.job.SrcDir, a.relPath) }
func (a *FileAgent) midPath() string  { return pathnorm.Join(a.job.MidDir, a.job.Name+"/"+a.relPath) }
func (a *FileAgent) dstPath() string  { return pathnorm.Join(a.job.DstDir, a.job.Name+"/"+a.relPath) }
func (a *FileAgent) archiveRoot() string {
	return pathnorm.Join(a.job.DstDir, a.job.Name+"/.archive")
}

// NextHop advances the bound FileRecord by one hop, per the state table in
// the replication spec: AtSource -> AtStaging, AtStaging -> AtDestination
// (or a reset back to AtSource on a verification failure), AtDestination and
// MarkedForRemoval are no-ops here (deletion sync is a distinct, explicitly
// invoked operation — see SyncDeletions).
func (a *FileAgent) NextHop() error {
	fr, err := a.cat.GetFile(a.job.Name, a.relPath)
	if err != nil {
		return fmt.Errorf("fileagent: next hop %s: %w", a.relPath, err)
	}
	switch fr.Progress {
	case catalog.AtSource:
		return a.hopToStaging(fr)
	case catalog.AtStaging:
		return a.hopToDestination(fr)
	case catalog.AtDestination, catalog.MarkedForRemoval:
		return nil
	default:
		return fmt.Errorf("fileagent: unknown progress %v for %s", fr.Progress, a.relPath)
	}
}

func (a *FileAgent) hopToStaging(fr catalog.FileRecord) error {
	srcPath := a.srcPath()
	info, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			a.logger.Warnf("source vanished mid-run, marking for removal: %s/%s", a.job.Name, a.relPath)
			return a.cat.SetProgress(a.job.Name, a.relPath, catalog.MarkedForRemoval)
		}
		return fmt.Errorf("fileagent: stat source %s: %w", srcPath, err)
	}

	need := uint64(fr.Size + a.job.ReservedBytes)
	free, err := diskspace.FreeBytes(a.job.MidDir)
	if err != nil {
		return fmt.Errorf("fileagent: free space on %s: %w", a.job.MidDir, err)
	}
	if free < need {
		a.logger.Errorf("out of space on staging filesystem %s for %s/%s (need %d, free %d)", a.job.MidDir, a.job.Name, a.relPath, need, free)
		return ErrOutOfSpace
	}

	stagingPath := a.midPath()
	if err := copyFile(srcPath, stagingPath); err != nil {
		return fmt.Errorf("fileagent: copy %s to staging: %w", a.relPath, err)
	}
	stagedInfo, err := os.Stat(stagingPath)
	if err != nil {
		return fmt.Errorf("fileagent: stat staged %s: %w", stagingPath, err)
	}
	if stagedInfo.Size() != info.Size() {
		return fmt.Errorf("fileagent: staged size mismatch for %s: got %d want %d", a.relPath, stagedInfo.Size(), info.Size())
	}

	if err := a.cat.SetProgress(a.job.Name, a.relPath, catalog.AtStaging); err != nil {
		return err
	}
	a.logger.Infof("staged %s/%s (%s)%s", a.job.Name, a.relPath, humanize(fr.Size), sniffSuffix(stagingPath))
	return nil
}

func (a *FileAgent) hopToDestination(fr catalog.FileRecord) error {
	stagingPath := a.midPath()
	stagingInfo, err := os.Stat(stagingPath)
	if err != nil {
		if os.IsNotExist(err) {
			a.logger.Warnf("staging file missing for %s/%s, resetting to source", a.job.Name, a.relPath)
			return a.cat.SetProgress(a.job.Name, a.relPath, catalog.AtSource)
		}
		return fmt.Errorf("fileagent: stat staging %s: %w", stagingPath, err)
	}

	need := uint64(fr.Size + a.job.ReservedBytes)
	free, err := diskspace.FreeBytes(a.job.DstDir)
	if err != nil {
		return fmt.Errorf("fileagent: free space on %s: %w", a.job.DstDir, err)
	}
	if free < need {
		a.logger.Errorf("out of space on destination filesystem %s for %s/%s (need %d, free %d)", a.job.DstDir, a.job.Name, a.relPath, need, free)
		return ErrOutOfSpace
	}

	proceed, err := a.reconcileDestination(stagingInfo)
	if err != nil {
		return err
	}
	if !proceed {
		a.logger.Infof("existing destination kept for %s/%s, skipping promotion", a.job.Name, a.relPath)
		return nil
	}

	destPath := a.dstPath()
	if err := moveFile(stagingPath, destPath); err != nil {
		return fmt.Errorf("fileagent: promote %s to destination: %w", a.relPath, err)
	}

	sum, err := digest.OfFile(destPath)
	if err != nil {
		return fmt.Errorf("fileagent: hash destination %s: %w", a.relPath, err)
	}
	if sum != fr.Checksum {
		a.logger.Warnf("digest mismatch promoting %s/%s, rolling back", a.job.Name, a.relPath)
		if rmErr := os.Remove(destPath); rmErr != nil && !os.IsNotExist(rmErr) {
			a.logger.Warnf("failed to unlink bad destination copy %s: %v", destPath, rmErr)
		}
		return a.cat.SetProgress(a.job.Name, a.relPath, catalog.AtSource)
	}

	if err := a.cat.SetProgress(a.job.Name, a.relPath, catalog.AtDestination); err != nil {
		return err
	}
	a.logger.Infof("promoted %s/%s to destination (%s)", a.job.Name, a.relPath, humanize(fr.Size))
	return nil
}

// reconcileDestination implements spec §4.4 reconcile-destination: called
// just before a staging -> destination move, it decides whether an existing
// destination file should be archived, treated as a partial copy, or should
// block the promotion outright.
func (a *FileAgent) reconcileDestination(stagingInfo os.FileInfo) (proceed bool, err error) {
	destPath := a.dstPath()
	destInfo, statErr := os.Stat(destPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return true, nil
		}
		return false, fmt.Errorf("fileagent: stat destination %s: %w", destPath, statErr)
	}

	destModTime := modTimeSeconds(destInfo)
	stagingModTime := modTimeSeconds(stagingInfo)

	switch {
	case destModTime < stagingModTime-modTimeEpsilon:
		// Destination is older: archive it, then proceed.
		if ok := a.archiveFile(destPath, destInfo.Size(), destModTime); !ok {
			return false, fmt.Errorf("fileagent: failed to archive stale destination %s", destPath)
		}
		return true, nil
	case destModTime > stagingModTime+modTimeEpsilon:
		// Destination is newer than what we're about to write: abort, non-fatal.
		a.logger.Errorf("destination %s is newer than the staged copy of %s/%s, promotion aborted", destPath, a.job.Name, a.relPath)
		return false, nil
	case destInfo.Size() < stagingInfo.Size():
		// Same modtime but smaller: a partial copy from a prior interrupted run.
		if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("fileagent: remove partial destination %s: %w", destPath, err)
		}
		return true, nil
	default:
		// Same modtime, same size or larger: the destination already matches
		// what we're about to write. Do not proceed; this is the accepted
		// state a crash-recovered run should settle into untouched.
		return false, nil
	}
}

// archiveFile moves the file at livePath into the .archive subtree and
// records a VersionRecord for it. The row is inserted as StatusPending
// before the rename is attempted, so a crash between the insert and the
// rename (or between the rename and the success update) leaves a pending
// row pointing at an archive path that either doesn't exist yet or does —
// a detectable, repairable state rather than silent data loss. Returns
// false (archive protocol failure) if the rename did not produce the
// archive file.
func (a *FileAgent) archiveFile(livePath string, size int64, modtime float64) bool {
	archivePath := a.archivePathFor(modtime)

	if err := a.cat.AddVersion(catalog.VersionRecord{
		VersionPath: archivePath,
		Job:         a.job.Name,
		RelPath:     a.relPath,
		Size:        size,
		ModTime:     modtime,
		Status:      catalog.StatusPending,
	}); err != nil {
		a.logger.Warnf("failed to record pending version %s: %v", archivePath, err)
		return false
	}

	if err := moveFile(livePath, archivePath); err != nil {
		a.logger.Warnf("failed to archive %s: %v", livePath, err)
		return false
	}
	if _, err := os.Stat(archivePath); err != nil {
		a.logger.Warnf("archive rename did not produce %s: %v", archivePath, err)
		return false
	}

	if err := a.cat.MarkVersionSuccess(archivePath); err != nil {
		a.logger.Warnf("failed to mark archived version %s successful: %v", archivePath, err)
		return false
	}
	if err := a.cat.PurgePendingVersions(a.job.Name, a.relPath, archivePath); err != nil {
		a.logger.Warnf("failed to purge stale pending versions for %s/%s: %v", a.job.Name, a.relPath, err)
	}
	return true
}

// archivePathFor constructs <dst_dir>/<job>/.archive/<rel_path parent>/<basename>_<modtime>.
func (a *FileAgent) archivePathFor(modtime float64) string {
	dir := path.Dir(a.relPath)
	base := path.Base(a.relPath)
	name := fmt.Sprintf("%s_%s", base, formatModTime(modtime))
	if dir == "." {
		return a.archiveRoot() + "/" + name
	}
	return a.archiveRoot() + "/" + dir + "/" + name
}

// SyncDeletions implements spec §4.4's sync_deletions(delete_now). It is
// only meaningful when the bound row is MarkedForRemoval.
func (a *FileAgent) SyncDeletions(deleteNow bool) error {
	fr, err := a.cat.GetFile(a.job.Name, a.relPath)
	if err != nil {
		return fmt.Errorf("fileagent: sync deletions %s: %w", a.relPath, err)
	}
	if fr.Progress != catalog.MarkedForRemoval {
		return nil
	}

	destPath := a.dstPath()
	destInfo, statErr := os.Stat(destPath)
	destExists := statErr == nil

	if !deleteNow {
		if destExists {
			if ok := a.archiveFile(destPath, destInfo.Size(), modTimeSeconds(destInfo)); !ok {
				return fmt.Errorf("fileagent: archive deleted-source file %s", a.relPath)
			}
			a.logger.Infof("archived deleted-source file %s/%s", a.job.Name, a.relPath)
		}
		return nil
	}

	if destExists {
		if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fileagent: unlink %s: %w", destPath, err)
		}
	}
	return a.cat.DeleteFile(a.job.Name, a.relPath)
}

// VerifyStaging resets the bound row to AtSource if it claims AtStaging but
// the staging file is missing on disk. Idempotent.
func (a *FileAgent) VerifyStaging() error {
	fr, err := a.cat.GetFile(a.job.Name, a.relPath)
	if err != nil {
		return fmt.Errorf("fileagent: verify staging %s: %w", a.relPath, err)
	}
	if fr.Progress != catalog.AtStaging {
		return nil
	}
	if _, err := os.Stat(a.midPath()); err != nil {
		if os.IsNotExist(err) {
			return a.cat.SetProgress(a.job.Name, a.relPath, catalog.AtSource)
		}
		return fmt.Errorf("fileagent: stat staging %s: %w", a.midPath(), err)
	}
	return nil
}

// UpdateAttrs recomputes size, checksum and modtime from the current source
// file and rewrites the row.
func (a *FileAgent) UpdateAttrs() error {
	srcPath := a.srcPath()
	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("fileagent: stat source %s: %w", srcPath, err)
	}
	sum, err := digest.OfFile(srcPath)
	if err != nil {
		return fmt.Errorf("fileagent: hash source %s: %w", srcPath, err)
	}
	return a.cat.UpdateAttrs(a.job.Name, a.relPath, info.Size(), sum, modTimeSeconds(info))
}

// MarkForRemoval sets the bound row's progress to MarkedForRemoval.
func (a *FileAgent) MarkForRemoval() error {
	return a.cat.SetProgress(a.job.Name, a.relPath, catalog.MarkedForRemoval)
}

func modTimeSeconds(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / float64(time.Second)
}

// formatModTime renders a modtime the way Python's default str(float) would:
// the shortest decimal that round-trips.
func formatModTime(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func humanize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func sniffSuffix(p string) string {
	kind, err := filetype.MatchFile(p)
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return fmt.Sprintf(" [%s]", kind.MIME.Value)
}

// copyFile copies src to dst, creating dst's parent directories and
// truncating any existing file at dst. The source's mtime is preserved on
// dst (like shutil.copy2) so that reconcileDestination's modtime comparisons
// reflect the content's real age rather than the moment it was staged.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(dst), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
}

// moveFile renames src to dst, creating dst's parent directories first, and
// falls back to copy-then-remove when the rename crosses filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device or similar: fall back to a copy-then-remove move.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
