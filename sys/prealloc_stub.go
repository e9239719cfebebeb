//go:build !linux

package sys

// Preallocate reports ErrPreallocNotSupported on platforms without a usable
// preallocation syscall. Callers fall back to extending the file with an
// explicit write.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	return unsupported()
}
