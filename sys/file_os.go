package sys

import "os"

// osFile implements File directly on top of package os.
type osFile struct{}

// NewFile returns the os-backed File implementation.
func NewFile() File {
	return &osFile{}
}

func (*osFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (*osFile) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Remove treats an already missing file as removed.
func (*osFile) Remove(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
