//go:build linux || darwin

package diskspace

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func freeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	for {
		err := unix.Statfs(path, &stat)
		if err == nil {
			break
		}
		parent := filepath.Dir(path)
		if err != unix.ENOENT || parent == path {
			return 0, fmt.Errorf("diskspace: statfs %s: %w", path, err)
		}
		path = parent
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
