package sys

import "errors"

// ErrPreallocNotSupported reports that the file or its filesystem cannot
// reserve blocks ahead of writes. It is informational: the log still extends
// segments by writing past the end.
var ErrPreallocNotSupported = errors.New("preallocation not supported")

// LockFileName is the advisory lock file LockDir holds inside a log directory.
const LockFileName = "LOCK"

// ErrDirLocked is returned by LockDir when another writer holds the directory.
var ErrDirLocked = errors.New("directory is locked by another writer")
