package sys

import "os"

var _ FileHandle = osHandle{}

// osHandle is the FileHandle of a file opened through the package File. The
// embedded *os.File also exposes Fd for Preallocate.
type osHandle struct {
	*os.File
}

// HandleOpener is implemented by a File that hands out its own FileHandles,
// for example to fail Sync or WriteAt in tests.
type HandleOpener interface {
	OpenHandle(name string, flag int, perm os.FileMode) (FileHandle, error)
}

func openHandle(fs File, name string, flag int, perm os.FileMode) (FileHandle, error) {
	if ho, ok := fs.(HandleOpener); ok {
		return ho.OpenHandle(name, flag, perm)
	}
	f, err := fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return osHandle{File: f}, nil
}
