package sys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingFile delegates to the os but records calls and can inject errors.
type recordingFile struct {
	openErr     error
	openCalls   int
	renameCalls int
	removeCalls int
}

func (m *recordingFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	m.openCalls++
	if m.openErr != nil {
		return nil, m.openErr
	}
	return os.OpenFile(name, flag, perm)
}

func (m *recordingFile) Rename(oldpath, newpath string) error {
	m.renameCalls++
	return os.Rename(oldpath, newpath)
}

func (m *recordingFile) Remove(name string) error {
	m.removeCalls++
	return os.Remove(name)
}

func withDefaultFile(t *testing.T, f File) {
	t.Helper()
	SetDefaultFile(f)
	t.Cleanup(func() { SetDefaultFile(NewFile()) })
}

func TestCreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.0000000000000001")

	fh, err := Create(path)
	require.NoError(t, err)
	_, err = fh.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = fh.WriteAt([]byte("!"), 9)
	require.NoError(t, err)
	require.NoError(t, fh.Sync())
	require.NoError(t, fh.Close())

	fh, err = Open(path)
	require.NoError(t, err)
	defer fh.Close()

	st, err := fh.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Size(), "WriteAt past the end extends the file")

	buf := make([]byte, 5)
	_, err = fh.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestSetDefaultFile_RoutesHandlers(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingFile{}
	withDefaultFile(t, rec)

	src := filepath.Join(dir, "a.tmp")
	dst := filepath.Join(dir, "a")
	fh, err := Create(src)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	require.NoError(t, Rename(src, dst))
	require.NoError(t, Remove(dst))

	assert.Equal(t, 1, rec.openCalls)
	assert.Equal(t, 1, rec.renameCalls)
	assert.Equal(t, 1, rec.removeCalls)
}

func TestSetDefaultFile_InjectedOpenError(t *testing.T) {
	injected := errors.New("disk on fire")
	withDefaultFile(t, &recordingFile{openErr: injected})

	_, err := OpenFile(filepath.Join(t.TempDir(), "x"), os.O_CREATE|os.O_RDWR, 0644)
	require.Error(t, err)
	assert.ErrorIs(t, err, injected)
}

func TestRemove_MissingFileIsNotAnError(t *testing.T) {
	assert.NoError(t, Remove(filepath.Join(t.TempDir(), "does-not-exist")))
}

func TestPreallocate_KeepsVisibleSize(t *testing.T) {
	fh, err := Create(filepath.Join(t.TempDir(), "prealloc"))
	require.NoError(t, err)
	defer fh.Close()

	err = Preallocate(fh, 1<<20)
	if err != nil {
		require.ErrorIs(t, err, ErrPreallocNotSupported)
	}

	st, err := fh.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size(), "preallocation must not change the visible size")

	assert.NoError(t, Preallocate(fh, 0), "zero size is a no-op")
}

type syncFailHandle struct {
	FileHandle
}

func (syncFailHandle) Sync() error { return errors.New("sync refused") }

type wrappingFile struct {
	File
}

func (w wrappingFile) OpenHandle(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := w.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return syncFailHandle{FileHandle: osHandle{File: f}}, nil
}

func TestHandleOpener_WrapsHandles(t *testing.T) {
	withDefaultFile(t, wrappingFile{File: NewFile()})

	fh, err := Create(filepath.Join(t.TempDir(), "wrapped"))
	require.NoError(t, err)
	defer fh.Close()

	_, err = fh.Write([]byte("data"))
	require.NoError(t, err)
	assert.EqualError(t, fh.Sync(), "sync refused")

	err = Preallocate(fh, 4096)
	assert.ErrorIs(t, err, ErrPreallocNotSupported, "a wrapped handle has no descriptor")
}
