package fileagent

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cargoferry/cargoferry/internal/catalog"
)

// PruneVersions implements spec §4.4.2: delete every success-tagged
// VersionRecord for job whose modtime is older than now - days*86400
// seconds, unlinking its backing archive file. A file that fails to unlink
// is left in place with its row retained, so the prune retries on the next
// run. Pending versions (an archive still being written) are left alone.
func PruneVersions(cat *catalog.Catalog, job string, days float64, logger *logrus.Logger) error {
	cutoff := float64(time.Now().Unix()) - days*86400

	versions, err := cat.ListSuccessVersions(job, cutoff)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if err := os.Remove(v.VersionPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("prune: failed to unlink archived version %s: %v, retaining row", v.VersionPath, err)
			continue
		}
		if err := cat.DeleteVersion(v.VersionPath); err != nil {
			logger.Warnf("prune: failed to delete version row %s: %v", v.VersionPath, err)
			continue
		}
		logger.Infof("pruned archived version %s", v.VersionPath)
	}
	return nil
}
