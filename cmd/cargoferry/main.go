// Command cargoferry drives resumable, integrity-checked file replication
// jobs: init-job/edit-job manage job definitions, run advances one job by a
// batch of hops, import-dest adopts a pre-populated destination tree, prune
// clears expired archived versions, and list-files inspects catalog state.
package main

import (
	"fmt"
	"os"
	"path"

	"github.com/alecthomas/units"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/cargoferry/cargoferry/internal/catalog"
	"github.com/cargoferry/cargoferry/internal/destimporter"
	"github.com/cargoferry/cargoferry/internal/engineconfig"
	"github.com/cargoferry/cargoferry/internal/fileagent"
	"github.com/cargoferry/cargoferry/internal/jobrunner"
	"github.com/cargoferry/cargoferry/internal/pathnorm"
	"github.com/cargoferry/cargoferry/internal/version"
)

func main() {
	app := kingpin.New("cargoferry", "Resumable, integrity-checked file replication.")
	app.Version(version.Print("cargoferry")).Author("cargoferry")
	app.HelpFlag.Short('h')

	configFile := app.Flag("config", "Engine bootstrap config file.").Default("cargoferry.yaml").Short('c').String()
	debug := app.Flag("debug", "Enable debug-level logging (overrides config).").Bool()
	cpuProfile := app.Flag("cpuprofile", "Write a pprof CPU profile to this directory while running.").String()

	initJob := app.Command("init-job", "Define a new replication job.")
	initName := initJob.Flag("name", "Job name.").Required().String()
	initSrc := initJob.Flag("src", "Absolute source directory.").Required().String()
	initDst := initJob.Flag("dst", "Absolute destination directory.").Required().String()
	initMid := initJob.Flag("mid", "Absolute staging directory.").String()
	var initReserved *units.Base2Bytes = initJob.Flag("reserved", "Free space to keep clear on every hop's filesystem, e.g. 4GiB.").Bytes()
	initSyncDeletions := initJob.Flag("sync-deletions", "Archive destination files whose source has been deleted.").Bool()
	initPruneDays := initJob.Flag("prune-age-days", "Archived versions older than this are pruned at the end of every run.").Default("30").Float64()

	editJob := app.Command("edit-job", "Change an existing job's configuration.")
	editName := editJob.Flag("name", "Job name.").Required().String()
	var editSrcSet, editDstSet, editMidSet, editReservedSet, editSyncDeletionsSet, editPruneDaysSet bool
	editSrc := editJob.Flag("src", "New source directory.").IsSetByUser(&editSrcSet).String()
	editDst := editJob.Flag("dst", "New destination directory.").IsSetByUser(&editDstSet).String()
	editMid := editJob.Flag("mid", "New staging directory.").IsSetByUser(&editMidSet).String()
	var editReserved *units.Base2Bytes = editJob.Flag("reserved", "New reserved-space floor, e.g. 4GiB.").IsSetByUser(&editReservedSet).Bytes()
	editSyncDeletions := editJob.Flag("sync-deletions", "New sync-deletions policy.").IsSetByUser(&editSyncDeletionsSet).Bool()
	editPruneDays := editJob.Flag("prune-age-days", "New archive retention window in days.").IsSetByUser(&editPruneDaysSet).Float64()

	run := app.Command("run", "Advance a job: copy pending files through staging to the destination.")
	runName := run.Flag("name", "Job name.").Required().String()
	runSameSystem := run.Flag("same-system", "Treat this invocation as running on the source host regardless of hostname.").Bool()

	importDest := app.Command("import-dest", "Adopt a pre-populated destination tree without copying data.")
	importName := importDest.Flag("name", "Job name.").Required().String()

	prune := app.Command("prune", "Delete archived versions older than a job's retention window.")
	pruneName := prune.Flag("name", "Job name.").Required().String()
	var pruneDaysSet bool
	pruneDays := prune.Flag("days", "Override the job's configured prune-age-days for this run.").IsSetByUser(&pruneDaysSet).Float64()

	listFiles := app.Command("list-files", "Show a job's catalog rows.")
	listName := listFiles.Flag("name", "Job name.").Required().String()
	listFilter := listFiles.Flag("filter", "One of all, pending, staged, done.").Default("all").Enum("all", "pending", "staged", "done")

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := engineconfig.LoadFile(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		level, lerr := logrus.ParseLevel(cfg.LogLevel)
		if lerr != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}
	if cfg.LogPath != "" {
		f, ferr := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			fmt.Fprintf(os.Stderr, "cargoferry: could not open log file %s: %v\n", cfg.LogPath, ferr)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	if *cpuProfile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(*cpuProfile)).Stop()
	}

	logger.Infof("%s", version.Print("cargoferry"))

	cat, err := catalog.Open(cfg.CatalogPath, logger)
	if err != nil {
		logger.Errorf("failed to open catalog: %v", err)
		os.Exit(1)
	}
	defer cat.Close()

	switch command {
	case initJob.FullCommand():
		err = runInitJob(cat, *initName, *initSrc, *initDst, *initMid, int64(*initReserved), *initSyncDeletions, *initPruneDays)
	case editJob.FullCommand():
		edit := catalog.JobEdit{}
		if editSrcSet {
			edit.SrcDir = editSrc
		}
		if editDstSet {
			edit.DstDir = editDst
		}
		if editMidSet {
			edit.MidDir = editMid
		}
		if editReservedSet {
			bytes := int64(*editReserved)
			edit.ReservedBytes = &bytes
		}
		if editSyncDeletionsSet {
			edit.SyncDeletions = editSyncDeletions
		}
		if editPruneDaysSet {
			edit.PruneAgeDays = editPruneDays
		}
		err = cat.EditJob(*editName, edit)
	case run.FullCommand():
		err = runRun(cat, logger, *runName, *runSameSystem)
	case importDest.FullCommand():
		err = runImportDest(cat, logger, cfg, *importName)
	case prune.FullCommand():
		err = runPrune(cat, logger, *pruneName, *pruneDays, pruneDaysSet)
	case listFiles.FullCommand():
		err = runListFiles(cat, *listName, *listFilter)
	}

	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func runInitJob(cat *catalog.Catalog, name, src, dst, mid string, reserved int64, syncDeletions bool, pruneDays float64) error {
	if !pathnorm.IsAbs(src) || !pathnorm.IsAbs(dst) {
		return fmt.Errorf("init-job: --src and --dst must be absolute paths")
	}
	// Normalize drops the leading separator along with every other empty
	// segment, so it is put back on absolute roots.
	src, dst = "/"+pathnorm.Normalize(src), "/"+pathnorm.Normalize(dst)
	if mid == "" {
		mid = path.Join(path.Dir(dst), engineconfig.DefaultMidDirName)
	}
	midNorm := pathnorm.Normalize(mid)
	if pathnorm.IsAbs(mid) {
		midNorm = "/" + midNorm
	}
	hostname, _ := os.Hostname()
	return cat.UpsertJob(catalog.Job{
		Name:          name,
		SrcDir:        src,
		MidDir:        midNorm,
		DstDir:        dst,
		ReservedBytes: reserved,
		SyncDeletions: syncDeletions,
		Hostname:      hostname,
		PruneAgeDays:  pruneDays,
	})
}

func runRun(cat *catalog.Catalog, logger *logrus.Logger, name string, sameSystem bool) error {
	r := jobrunner.New(cat, logger)
	res, err := r.StartJob(name, sameSystem)
	if err != nil {
		return err
	}
	logger.Infof("job %s: seen=%d moved=%d out_of_space=%v", res.JobName, res.FilesSeen, res.FilesMoved, res.OutOfSpace)
	if !res.Success() {
		return fmt.Errorf("run: job %s stopped early: out of space", name)
	}
	return nil
}

func runImportDest(cat *catalog.Catalog, logger *logrus.Logger, cfg engineconfig.Config, name string) error {
	d := destimporter.New(cat, logger, cfg.ImportWorkers)
	res, err := d.ImportDestination(name)
	if err != nil {
		return err
	}
	logger.Infof("job %s: adopted=%d/%d from existing destination", res.JobName, res.Adopted, res.Sourced)
	return nil
}

func runPrune(cat *catalog.Catalog, logger *logrus.Logger, name string, overrideDays float64, overrideDaysSet bool) error {
	days := overrideDays
	if !overrideDaysSet {
		job, err := cat.GetJob(name)
		if err != nil {
			return err
		}
		days = job.PruneAgeDays
	}
	return fileagent.PruneVersions(cat, name, days, logger)
}

func runListFiles(cat *catalog.Catalog, name, filter string) error {
	var f catalog.FileFilter
	switch filter {
	case "pending":
		f = catalog.FilterIncomplete
	case "staged":
		f = catalog.FilterStaged
	case "done":
		f = catalog.FilterDone
	default:
		f = catalog.FilterAll
	}
	records, err := cat.ListFiles(name, f)
	if err != nil {
		return err
	}
	for _, fr := range records {
		fmt.Printf("%-10s %12d %s %s\n", fr.Progress, fr.Size, fr.Checksum[:16], fr.RelPath)
	}
	return nil
}
