//go:build linux

package disk

import "golang.org/x/sys/unix"

// isNFS reports whether root lives on NFS, where inotify misses remote writes.
func isNFS(root string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type == unix.NFS_SUPER_MAGIC
}
