package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// fileWrapper is a stable concrete type used to store the File interface
// inside an atomic.Value. atomic.Value requires that all stored values
// have the same concrete type.
type fileWrapper struct {
	f File
}

// defaultFile stores the current File implementation wrapped in a fileWrapper.
var defaultFile atomic.Value // stores fileWrapper

// File abstracts the process-level filesystem calls the log needs. Tests swap
// it with SetDefaultFile to inject failures.
type File interface {
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

// FileHandle is an open log, marker or scratch file.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

func init() {
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile replaces the File implementation used by the package handlers.
func SetDefaultFile(file File) {
	defaultFile.Store(fileWrapper{f: file})
}

func loadFile() (File, error) {
	p := defaultFile.Load()
	if p == nil {
		return nil, os.ErrInvalid
	}
	fw, ok := p.(fileWrapper)
	if !ok || fw.f == nil {
		return nil, os.ErrInvalid
	}
	return fw.f, nil
}

var Create CreateHandler = (func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
})

var Open OpenHandler = (func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
})

var OpenFile OpenFileHandler = (func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	file, err := loadFile()
	if err != nil {
		return nil, err
	}
	return openHandle(file, name, flag, perm)
})

var Rename RenameHandler = (func(oldpath, newpath string) error {
	file, err := loadFile()
	if err != nil {
		return err
	}
	return file.Rename(oldpath, newpath)
})

var Remove RemoveHandler = (func(name string) error {
	file, err := loadFile()
	if err != nil {
		return err
	}
	return file.Remove(name)
})
