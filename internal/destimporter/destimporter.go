// Package destimporter implements the one-shot reconciliation mode that
// adopts a pre-populated destination tree into the catalog without copying
// any data: scan_destination digests what is already there, and
// import_destination matches those digests against source FileRecords.
package destimporter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/cargoferry/cargoferry/internal/catalog"
	"github.com/cargoferry/cargoferry/internal/digest"
	"github.com/cargoferry/cargoferry/internal/pathnorm"
)

// DestImporter drives destination-tree adoption against a shared Catalog.
type DestImporter struct {
	cat     *catalog.Catalog
	logger  *logrus.Logger
	workers int
}

// New builds a DestImporter. workers sizes the worker pool used by
// ScanDestination to digest files concurrently; a value <= 0 falls back to 4.
func New(cat *catalog.Catalog, logger *logrus.Logger, workers int) *DestImporter {
	if workers <= 0 {
		workers = 4
	}
	return &DestImporter{cat: cat, logger: logger, workers: workers}
}

// Result summarizes one ImportDestination run.
type Result struct {
	JobName  string
	Adopted  int
	Sourced  int
}

// ScanDestination implements spec §4.6: walk dst_dir/<job> and digest every
// regular file found. Because this is read-only (no catalog writes happen
// until ImportDestination matches rows) the digesting is fanned out across a
// bounded worker pool, the one place in the engine permitted to parallelize.
func (d *DestImporter) ScanDestination(job catalog.Job) (map[string]string, error) {
	root := pathnorm.Join(job.DstDir, job.Name)

	var mu sync.Mutex
	found := make(map[string]string)
	var walkErr error

	pool := pond.New(d.workers, 0, pond.MinWorkers(d.workers))

	err := filepath.WalkDir(root, func(p string, de os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			d.logger.Warnf("job %s: scan-destination error at %s: %v", job.Name, p, err)
			return nil
		}
		if de.IsDir() {
			return nil
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		// .archive holds pruned/superseded content, never live candidates.
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		relPath := pathnorm.Normalize(rel)
		if relPath == ".archive" || hasArchivePrefix(relPath) {
			return nil
		}

		path, relPathCapture := p, relPath
		pool.Submit(func() {
			// Per spec §7, an I/O error hashing one file is fatal only for
			// that file: log it and move on rather than failing the scan.
			sum, err := digest.OfFile(path)
			if err != nil {
				d.logger.Warnf("job %s: digest failed for %s during scan-destination: %v", job.Name, relPathCapture, err)
				return
			}
			mu.Lock()
			found[relPathCapture] = sum
			mu.Unlock()
		})
		return nil
	})
	pool.StopAndWait()

	if err != nil {
		walkErr = err
	}
	if walkErr != nil {
		return nil, fmt.Errorf("destimporter: scan destination for %s: %w", job.Name, walkErr)
	}
	return found, nil
}

func hasArchivePrefix(relPath string) bool {
	return len(relPath) > len(".archive/") && relPath[:len(".archive/")] == ".archive/"
}

// ImportDestination implements spec §4.6: scan the source so every source
// FileRecord exists, then for each one, if the destination scan contains a
// matching rel_path with the same digest, accept it in place by setting
// progress to AtDestination and dropping the scan entry; files that don't
// match are left untouched for a normal run to transfer.
func (d *DestImporter) ImportDestination(name string) (Result, error) {
	job, err := d.cat.GetJob(name)
	if err != nil {
		return Result{}, fmt.Errorf("destimporter: import %s: %w", name, err)
	}
	result := Result{JobName: name}

	if err := d.scanSource(job); err != nil {
		return result, fmt.Errorf("destimporter: scan source for %s: %w", name, err)
	}

	destDigests, err := d.ScanDestination(job)
	if err != nil {
		return result, err
	}

	records, err := d.cat.ListFiles(name, catalog.FilterAll)
	if err != nil {
		return result, fmt.Errorf("destimporter: list files for %s: %w", name, err)
	}
	result.Sourced = len(records)

	for _, fr := range records {
		if fr.Progress == catalog.MarkedForRemoval {
			continue
		}
		sum, ok := destDigests[fr.RelPath]
		if !ok || sum != fr.Checksum {
			continue
		}
		if err := d.cat.SetProgress(name, fr.RelPath, catalog.AtDestination); err != nil {
			d.logger.Errorf("job %s: adopt failed for %s: %v", name, fr.RelPath, err)
			continue
		}
		delete(destDigests, fr.RelPath)
		result.Adopted++
		d.logger.Infof("job %s: adopted %s from existing destination", name, fr.RelPath)
	}

	return result, nil
}

// scanSource mirrors jobrunner's scan-source: every regular file under
// src_dir gets a FileRecord if one is not already present. It does not reset
// existing rows the way a live run does, since import_destination only needs
// the rows to exist so it has something to match against.
func (d *DestImporter) scanSource(job catalog.Job) error {
	return filepath.WalkDir(job.SrcDir, func(p string, de os.DirEntry, err error) error {
		if err != nil {
			d.logger.Warnf("job %s: scan-source error at %s: %v", job.Name, p, err)
			return nil
		}
		if de.IsDir() {
			return nil
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(job.SrcDir, p)
		if err != nil {
			d.logger.Warnf("job %s: relpath failed for %s: %v", job.Name, p, err)
			return nil
		}
		relPath := pathnorm.Normalize(rel)

		sum, err := digest.OfFile(p)
		if err != nil {
			d.logger.Warnf("job %s: digest failed for %s: %v", job.Name, relPath, err)
			return nil
		}

		if err := d.cat.UpsertFile(catalog.FileRecord{
			Job:      job.Name,
			RelPath:  relPath,
			Size:     info.Size(),
			Checksum: sum,
			ModTime:  float64(info.ModTime().UnixNano()) / 1e9,
			Progress: catalog.AtSource,
		}); err != nil {
			d.logger.Errorf("job %s: upsert file failed for %s: %v", job.Name, relPath, err)
		}
		return nil
	})
}
