// Package catalog is the durable, transactional store of Jobs, Files and
// Versions. It is the single source of truth a job resumes from.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by GetJob/GetFile when the row does not exist.
var ErrNotFound = errors.New("catalog: not found")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	name           TEXT PRIMARY KEY,
	src_dir        TEXT NOT NULL,
	mid_dir        TEXT NOT NULL,
	dst_dir        TEXT NOT NULL,
	reserved_bytes INTEGER NOT NULL DEFAULT 0,
	sync_deletions INTEGER NOT NULL DEFAULT 0,
	hostname       TEXT NOT NULL DEFAULT '',
	prune_age_days REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS files (
	job      TEXT NOT NULL REFERENCES jobs(name),
	rel_path TEXT NOT NULL,
	size     INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	modtime  REAL NOT NULL,
	progress INTEGER NOT NULL,
	PRIMARY KEY (job, rel_path)
);

CREATE TABLE IF NOT EXISTS versions (
	version_path TEXT PRIMARY KEY,
	job          TEXT NOT NULL REFERENCES jobs(name),
	rel_path     TEXT NOT NULL,
	size         INTEGER NOT NULL,
	modtime      REAL NOT NULL,
	status       TEXT NOT NULL DEFAULT 'success'
);

CREATE INDEX IF NOT EXISTS idx_files_job_progress ON files(job, progress);
CREATE INDEX IF NOT EXISTS idx_versions_job_modtime ON versions(job, modtime);
`

// Catalog is a typed value wrapping one sqlite connection. There is no
// per-row session: every caller borrows the same handle and every mutation
// commits before returning.
type Catalog struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens (creating if absent) the sqlite database at path and ensures
// the schema exists.
func Open(path string, logger *logrus.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// The sqlite3 driver serializes writers on one connection; the engine is
	// single-writer-per-process anyway (spec §4.3), so pin the pool to one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}
	return &Catalog{db: db, logger: logger}, nil
}

// Close releases the underlying connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// GetJob loads a Job by name, failing with ErrNotFound if absent.
func (c *Catalog) GetJob(name string) (Job, error) {
	row := c.db.QueryRow(`SELECT name, src_dir, mid_dir, dst_dir, reserved_bytes, sync_deletions, hostname, prune_age_days
		FROM jobs WHERE name = ?`, name)

	var j Job
	var syncDel int
	if err := row.Scan(&j.Name, &j.SrcDir, &j.MidDir, &j.DstDir, &j.ReservedBytes, &syncDel, &j.Hostname, &j.PruneAgeDays); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("catalog: job %q: %w", name, ErrNotFound)
		}
		return Job{}, fmt.Errorf("catalog: get job %q: %w", name, err)
	}
	j.SyncDeletions = syncDel != 0
	return j, nil
}

// UpsertJob inserts j if its name is unused; otherwise it is a no-op, which
// makes job initialize idempotent.
func (c *Catalog) UpsertJob(j Job) error {
	_, err := c.db.Exec(`INSERT INTO jobs (name, src_dir, mid_dir, dst_dir, reserved_bytes, sync_deletions, hostname, prune_age_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		j.Name, j.SrcDir, j.MidDir, j.DstDir, j.ReservedBytes, boolToInt(j.SyncDeletions), j.Hostname, j.PruneAgeDays)
	if err != nil {
		return fmt.Errorf("catalog: upsert job %q: %w", j.Name, err)
	}
	return nil
}

// EditJob applies a partial update to job name's row. Only non-nil fields in
// edit are written. Commits before returning.
type JobEdit struct {
	SrcDir        *string
	MidDir        *string
	DstDir        *string
	ReservedBytes *int64
	SyncDeletions *bool
	Hostname      *string
	PruneAgeDays  *float64
}

func (c *Catalog) EditJob(name string, edit JobEdit) error {
	return c.editJobWhere("name = ?", []any{name}, edit)
}

// EditAllJobs applies edit to every job row.
func (c *Catalog) EditAllJobs(edit JobEdit) error {
	return c.editJobWhere("1 = 1", nil, edit)
}

func (c *Catalog) editJobWhere(where string, whereArgs []any, edit JobEdit) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 7)
	if edit.SrcDir != nil {
		sets = append(sets, "src_dir = ?")
		args = append(args, *edit.SrcDir)
	}
	if edit.MidDir != nil {
		sets = append(sets, "mid_dir = ?")
		args = append(args, *edit.MidDir)
	}
	if edit.DstDir != nil {
		sets = append(sets, "dst_dir = ?")
		args = append(args, *edit.DstDir)
	}
	if edit.ReservedBytes != nil {
		sets = append(sets, "reserved_bytes = ?")
		args = append(args, *edit.ReservedBytes)
	}
	if edit.SyncDeletions != nil {
		sets = append(sets, "sync_deletions = ?")
		args = append(args, boolToInt(*edit.SyncDeletions))
	}
	if edit.Hostname != nil {
		sets = append(sets, "hostname = ?")
		args = append(args, *edit.Hostname)
	}
	if edit.PruneAgeDays != nil {
		sets = append(sets, "prune_age_days = ?")
		args = append(args, *edit.PruneAgeDays)
	}
	if len(sets) == 0 {
		return nil
	}
	q := "UPDATE jobs SET "
	for i, s := range sets {
		if i > 0 {
			q += ", "
		}
		q += s
	}
	q += " WHERE " + where
	args = append(args, whereArgs...)

	if _, err := c.db.Exec(q, args...); err != nil {
		return fmt.Errorf("catalog: edit job(s): %w", err)
	}
	return nil
}

// ListFiles returns every FileRecord for job matching filter.
func (c *Catalog) ListFiles(job string, filter FileFilter) ([]FileRecord, error) {
	q := `SELECT job, rel_path, size, checksum, modtime, progress FROM files WHERE job = ?`
	args := []any{job}
	switch filter {
	case FilterIncomplete:
		q += " AND progress < ?"
		args = append(args, int(AtDestination))
	case FilterDone:
		q += " AND progress = ?"
		args = append(args, int(AtDestination))
	case FilterStaged:
		q += " AND progress = ?"
		args = append(args, int(AtStaging))
	}
	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list files for %q: %w", job, err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var fr FileRecord
		var progress int
		if err := rows.Scan(&fr.Job, &fr.RelPath, &fr.Size, &fr.Checksum, &fr.ModTime, &progress); err != nil {
			return nil, fmt.Errorf("catalog: scan file row: %w", err)
		}
		fr.Progress = Progress(progress)
		out = append(out, fr)
	}
	return out, rows.Err()
}

// GetFile loads one FileRecord by (job, relPath).
func (c *Catalog) GetFile(job, relPath string) (FileRecord, error) {
	row := c.db.QueryRow(`SELECT job, rel_path, size, checksum, modtime, progress FROM files WHERE job = ? AND rel_path = ?`, job, relPath)
	var fr FileRecord
	var progress int
	if err := row.Scan(&fr.Job, &fr.RelPath, &fr.Size, &fr.Checksum, &fr.ModTime, &progress); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FileRecord{}, fmt.Errorf("catalog: file %s/%s: %w", job, relPath, ErrNotFound)
		}
		return FileRecord{}, fmt.Errorf("catalog: get file %s/%s: %w", job, relPath, err)
	}
	fr.Progress = Progress(progress)
	return fr, nil
}

// UpsertFile inserts fr if absent. It never overwrites an existing row.
func (c *Catalog) UpsertFile(fr FileRecord) error {
	_, err := c.db.Exec(`INSERT INTO files (job, rel_path, size, checksum, modtime, progress)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job, rel_path) DO NOTHING`,
		fr.Job, fr.RelPath, fr.Size, fr.Checksum, fr.ModTime, int(fr.Progress))
	if err != nil {
		return fmt.Errorf("catalog: upsert file %s/%s: %w", fr.Job, fr.RelPath, err)
	}
	return nil
}

// SetProgress updates one FileRecord's progress column.
func (c *Catalog) SetProgress(job, relPath string, p Progress) error {
	res, err := c.db.Exec(`UPDATE files SET progress = ? WHERE job = ? AND rel_path = ?`, int(p), job, relPath)
	if err != nil {
		return fmt.Errorf("catalog: set progress %s/%s: %w", job, relPath, err)
	}
	return mustAffectOne(res, "set progress", job, relPath)
}

// UpdateAttrs rewrites size/checksum/modtime for one FileRecord (used after
// update_attrs recomputes from a refreshed source file).
func (c *Catalog) UpdateAttrs(job, relPath string, size int64, checksum string, modtime float64) error {
	res, err := c.db.Exec(`UPDATE files SET size = ?, checksum = ?, modtime = ? WHERE job = ? AND rel_path = ?`,
		size, checksum, modtime, job, relPath)
	if err != nil {
		return fmt.Errorf("catalog: update attrs %s/%s: %w", job, relPath, err)
	}
	return mustAffectOne(res, "update attrs", job, relPath)
}

// DeleteFile removes one FileRecord entirely.
func (c *Catalog) DeleteFile(job, relPath string) error {
	if _, err := c.db.Exec(`DELETE FROM files WHERE job = ? AND rel_path = ?`, job, relPath); err != nil {
		return fmt.Errorf("catalog: delete file %s/%s: %w", job, relPath, err)
	}
	return nil
}

// AddVersion inserts a new VersionRecord.
func (c *Catalog) AddVersion(v VersionRecord) error {
	status := v.Status
	if status == "" {
		status = StatusSuccess
	}
	_, err := c.db.Exec(`INSERT INTO versions (version_path, job, rel_path, size, modtime, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.VersionPath, v.Job, v.RelPath, v.Size, v.ModTime, status)
	if err != nil {
		return fmt.Errorf("catalog: add version %s: %w", v.VersionPath, err)
	}
	return nil
}

// ListVersions returns every VersionRecord for job older than cutoff
// (modtime strictly less than cutoff, seconds since epoch).
func (c *Catalog) ListVersions(job string, olderThanModTime float64) ([]VersionRecord, error) {
	rows, err := c.db.Query(`SELECT version_path, job, rel_path, size, modtime, status
		FROM versions WHERE job = ? AND modtime < ?`, job, olderThanModTime)
	if err != nil {
		return nil, fmt.Errorf("catalog: list versions for %q: %w", job, err)
	}
	defer rows.Close()

	var out []VersionRecord
	for rows.Next() {
		var v VersionRecord
		if err := rows.Scan(&v.VersionPath, &v.Job, &v.RelPath, &v.Size, &v.ModTime, &v.Status); err != nil {
			return nil, fmt.Errorf("catalog: scan version row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkVersionSuccess flips one VersionRecord's status to "success", once its
// backing archive file is confirmed to exist on disk.
func (c *Catalog) MarkVersionSuccess(versionPath string) error {
	res, err := c.db.Exec(`UPDATE versions SET status = ? WHERE version_path = ?`, StatusSuccess, versionPath)
	if err != nil {
		return fmt.Errorf("catalog: mark version success %s: %w", versionPath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: mark version success %s: %w", versionPath, err)
	}
	if n == 0 {
		return fmt.Errorf("catalog: mark version success %s: %w", versionPath, ErrNotFound)
	}
	return nil
}

// ListSuccessVersions returns every "success"-tagged VersionRecord for job
// older than cutoff. Pending versions (an archive rename still in flight) are
// excluded: pruning a pending row would delete bookkeeping for an archive
// operation that hasn't been confirmed yet.
func (c *Catalog) ListSuccessVersions(job string, olderThanModTime float64) ([]VersionRecord, error) {
	rows, err := c.db.Query(`SELECT version_path, job, rel_path, size, modtime, status
		FROM versions WHERE job = ? AND modtime < ? AND status = ?`, job, olderThanModTime, StatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("catalog: list success versions for %q: %w", job, err)
	}
	defer rows.Close()

	var out []VersionRecord
	for rows.Next() {
		var v VersionRecord
		if err := rows.Scan(&v.VersionPath, &v.Job, &v.RelPath, &v.Size, &v.ModTime, &v.Status); err != nil {
			return nil, fmt.Errorf("catalog: scan version row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteVersion removes one VersionRecord by its unique version_path.
func (c *Catalog) DeleteVersion(versionPath string) error {
	if _, err := c.db.Exec(`DELETE FROM versions WHERE version_path = ?`, versionPath); err != nil {
		return fmt.Errorf("catalog: delete version %s: %w", versionPath, err)
	}
	return nil
}

// PurgePendingVersions removes any "pending" VersionRecord for (job,
// relPath) that is not the version currently being written (identified by
// keepVersionPath) so a stale pending row left over from an aborted
// promotion doesn't linger once the live row no longer matches it.
func (c *Catalog) PurgePendingVersions(job, relPath, keepVersionPath string) error {
	_, err := c.db.Exec(`DELETE FROM versions
		WHERE job = ? AND rel_path = ? AND status = ? AND version_path != ?`,
		job, relPath, StatusPending, keepVersionPath)
	if err != nil {
		return fmt.Errorf("catalog: purge pending versions %s/%s: %w", job, relPath, err)
	}
	return nil
}

func mustAffectOne(res sql.Result, op, job, relPath string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: %s %s/%s: %w", op, job, relPath, err)
	}
	if n == 0 {
		return fmt.Errorf("catalog: %s %s/%s: %w", op, job, relPath, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
