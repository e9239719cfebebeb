//go:build linux

package sys

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Filesystems known to implement fallocate(FALLOC_FL_KEEP_SIZE).
var fallocateFilesystems = map[int64]bool{
	0xEF53:     true, // ext2/3/4
	0x58465342: true, // xfs
	0x9123683E: true, // btrfs
	0x01021994: true, // tmpfs
	0x794C7630: true, // overlayfs
	0xF2F52010: true, // f2fs
	0x2FC12FC1: true, // zfs
}

// Preallocate reserves disk blocks for the first size bytes of f using
// fallocate(FALLOC_FL_KEEP_SIZE). The visible file size is unchanged. A file
// or filesystem that cannot do this yields ErrPreallocNotSupported, which
// callers treat as informational.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fg, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return unsupported()
	}
	// WSL mounts of Windows drives reject fallocate in ways we cannot use.
	if strings.HasPrefix(f.Name(), "/mnt/") {
		return unsupported()
	}
	fd := int(fg.Fd())

	var dev uint64
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err == nil {
		dev = uint64(stat.Dev)
		if allowed, found := lookupDevice(dev); found {
			if !allowed {
				return unsupported()
			}
			return fallocate(fd, dev, size)
		}
	}

	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil {
		return unsupported()
	}
	if !fallocateFilesystems[int64(st.Type)] {
		rememberDevice(dev, false)
		return unsupported()
	}
	return fallocate(fd, dev, size)
}

func fallocate(fd int, dev uint64, size int64) error {
	err := unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size)
	switch {
	case err == nil:
		rememberDevice(dev, true)
		preallocStats.successes.Add(1)
		return nil
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL),
		errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOTTY):
		rememberDevice(dev, false)
		return unsupported()
	default:
		preallocStats.failures.Add(1)
		return fmt.Errorf("fallocate of %d bytes failed: %w", size, err)
	}
}
