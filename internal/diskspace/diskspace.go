// Package diskspace reports free bytes on the filesystem backing a path.
// It is the one sliver of the engine implemented directly against a
// syscall wrapper rather than a higher-level library — see DESIGN.md.
package diskspace

// FreeBytes returns the number of bytes free for an unprivileged writer on
// the filesystem containing path. A path that does not exist yet is measured
// at its nearest existing ancestor.
func FreeBytes(path string) (uint64, error) {
	return freeBytes(path)
}
