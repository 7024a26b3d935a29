//go:build linux || darwin || freebsd

package destination

import "golang.org/x/sys/unix"

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding path, less a reserve of four blocks.
func FreeSpace(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	blocks := int64(st.Bavail) - reservedBlocks
	if blocks < 0 {
		blocks = 0
	}
	return blocks * int64(st.Bsize), nil
}
