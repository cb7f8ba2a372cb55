// Package jobrunner drives one replication job end-to-end: it scans the
// source tree, reconciles deletions, iterates candidate files through their
// FileAgents, enforces the free-space admission policy, and prunes old
// archived versions at the end of the run.
package jobrunner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/cargoferry/cargoferry/internal/catalog"
	"github.com/cargoferry/cargoferry/internal/fileagent"
	"github.com/cargoferry/cargoferry/internal/pathnorm"
)

// Result summarizes one StartJob invocation.
type Result struct {
	JobName     string
	FilesSeen   int
	FilesMoved  int
	OutOfSpace  bool
}

// Success reports whether the job ran to completion without hitting the
// out-of-space condition. A per-file error does not, by itself, flip this
// to false — those are logged and the run continues with the next file.
func (r Result) Success() bool { return !r.OutOfSpace }

// JobRunner drives jobs against a shared Catalog and logger.
type JobRunner struct {
	cat    *catalog.Catalog
	logger *logrus.Logger
}

func New(cat *catalog.Catalog, logger *logrus.Logger) *JobRunner {
	return &JobRunner{cat: cat, logger: logger}
}

// StartJob implements spec §4.5. sameSystem forces the "ensure dst_dir
// exists" and "running on the source host" branches to be treated as true,
// for callers that already know they are colocated with the source.
func (r *JobRunner) StartJob(name string, sameSystem bool) (Result, error) {
	job, err := r.cat.GetJob(name)
	if err != nil {
		return Result{}, fmt.Errorf("jobrunner: start %s: %w", name, err)
	}
	result := Result{JobName: name}

	hostname, err := os.Hostname()
	if err != nil {
		r.logger.Warnf("could not determine hostname, assuming remote: %v", err)
		hostname = ""
	}
	onSourceHost := sameSystem || hostname == job.Hostname

	if sameSystem || hostname != job.Hostname {
		if err := os.MkdirAll(destRoot(job), 0o755); err != nil {
			return result, fmt.Errorf("jobrunner: ensure dst_dir for %s: %w", name, err)
		}
	}

	if onSourceHost {
		if err := r.scanSource(job); err != nil {
			return result, fmt.Errorf("jobrunner: scan source for %s: %w", name, err)
		}
		if err := r.scanDeleted(job); err != nil {
			return result, fmt.Errorf("jobrunner: scan deleted for %s: %w", name, err)
		}
		if err := os.MkdirAll(stagingRoot(job), 0o755); err != nil {
			return result, fmt.Errorf("jobrunner: ensure mid_dir for %s: %w", name, err)
		}
	}

	records, err := r.cat.ListFiles(name, catalog.FilterIncomplete)
	if err != nil {
		return result, fmt.Errorf("jobrunner: list incomplete files for %s: %w", name, err)
	}

	for _, fr := range records {
		result.FilesSeen++

		agent, err := fileagent.New(r.cat, job, fr.RelPath, r.logger)
		if err != nil {
			r.logger.Errorf("job %s: failed to bind agent for %s: %v", name, fr.RelPath, err)
			continue
		}
		if err := agent.VerifyStaging(); err != nil {
			r.logger.Errorf("job %s: verify staging failed for %s: %v", name, fr.RelPath, err)
			continue
		}
		if job.SyncDeletions {
			if err := agent.SyncDeletions(false); err != nil {
				r.logger.Errorf("job %s: sync deletions failed for %s: %v", name, fr.RelPath, err)
				continue
			}
		}

		moved, outOfSpace := r.driveToTerminal(name, fr.RelPath, agent)
		if moved {
			result.FilesMoved++
		}
		if outOfSpace {
			r.logger.Errorf("job %s: out of space, stopping further copies", name)
			result.OutOfSpace = true
			break
		}
	}

	if err := fileagent.PruneVersions(r.cat, name, job.PruneAgeDays, r.logger); err != nil {
		r.logger.Errorf("job %s: prune failed: %v", name, err)
	}

	return result, nil
}

// driveToTerminal repeatedly hops one file (spec §4.5's next_hop()) until it
// reaches AtDestination/MarkedForRemoval, a hop leaves its progress
// unchanged (e.g. reconcile-destination's "destination is newer, abort"
// branch), or a hop fails. A single scan-then-iterate pass is meant to carry
// a fresh file all the way to its destination (spec §8 scenario 1), not stop
// after the first hop. moved reports whether at least one hop succeeded;
// outOfSpace reports whether the stop was the out-of-space condition, which
// the caller treats as a signal to stop the whole job.
func (r *JobRunner) driveToTerminal(job, relPath string, agent *fileagent.FileAgent) (moved, outOfSpace bool) {
	for {
		before, err := r.cat.GetFile(job, relPath)
		if err != nil {
			r.logger.Errorf("job %s: reload failed for %s: %v", job, relPath, err)
			return moved, false
		}
		if before.Progress == catalog.AtDestination || before.Progress == catalog.MarkedForRemoval {
			return moved, false
		}

		if err := agent.NextHop(); err != nil {
			if errors.Is(err, fileagent.ErrOutOfSpace) {
				return moved, true
			}
			r.logger.Errorf("job %s: hop failed for %s: %v", job, relPath, err)
			return moved, false
		}
		moved = true

		after, err := r.cat.GetFile(job, relPath)
		if err != nil {
			r.logger.Errorf("job %s: reload failed for %s: %v", job, relPath, err)
			return moved, false
		}
		if after.Progress == before.Progress {
			return moved, false
		}
	}
}

// scanSource walks src_dir, ensuring a FileRecord exists for every regular
// file found and resetting any record whose on-disk file is newer than the
// stored modtime.
func (r *JobRunner) scanSource(job catalog.Job) error {
	return filepath.WalkDir(job.SrcDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			r.logger.Warnf("job %s: scan-source error at %s: %v", job.Name, p, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			r.logger.Warnf("job %s: stat failed for %s: %v", job.Name, p, err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(job.SrcDir, p)
		if err != nil {
			r.logger.Warnf("job %s: relpath failed for %s: %v", job.Name, p, err)
			return nil
		}
		relPath := pathnorm.Normalize(rel)

		agent, err := fileagent.New(r.cat, job, relPath, r.logger)
		if err != nil {
			r.logger.Errorf("job %s: failed to bind agent for %s: %v", job.Name, relPath, err)
			return nil
		}

		existing, err := r.cat.GetFile(job.Name, relPath)
		if err != nil {
			r.logger.Errorf("job %s: failed to reload %s after bind: %v", job.Name, relPath, err)
			return nil
		}
		diskModTime := float64(info.ModTime().UnixNano()) / 1e9
		if diskModTime > existing.ModTime {
			if err := agent.UpdateAttrs(); err != nil {
				r.logger.Errorf("job %s: update attrs failed for %s: %v", job.Name, relPath, err)
				return nil
			}
			if err := r.cat.SetProgress(job.Name, relPath, catalog.AtSource); err != nil {
				r.logger.Errorf("job %s: reset progress failed for %s: %v", job.Name, relPath, err)
			}
		}
		return nil
	})
}

// scanDeleted marks every FileRecord whose source file is no longer present
// on disk as MarkedForRemoval.
func (r *JobRunner) scanDeleted(job catalog.Job) error {
	records, err := r.cat.ListFiles(job.Name, catalog.FilterAll)
	if err != nil {
		return err
	}
	for _, fr := range records {
		if fr.Progress == catalog.MarkedForRemoval {
			continue
		}
		srcPath := pathnorm.Join(job.SrcDir, fr.RelPath)
		if _, err := os.Stat(srcPath); err != nil {
			if os.IsNotExist(err) {
				if err := r.cat.SetProgress(job.Name, fr.RelPath, catalog.MarkedForRemoval); err != nil {
					r.logger.Errorf("job %s: mark for removal failed for %s: %v", job.Name, fr.RelPath, err)
				}
				continue
			}
			r.logger.Warnf("job %s: stat failed for %s during scan-deleted: %v", job.Name, fr.RelPath, err)
		}
	}
	return nil
}

func destRoot(job catalog.Job) string    { return pathnorm.Join(job.DstDir, job.Name) }
func stagingRoot(job catalog.Job) string { return pathnorm.Join(job.MidDir, job.Name) }
