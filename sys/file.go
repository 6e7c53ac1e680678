package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// FileHandle is the subset of *os.File the journal needs. Abstracting it
// lets tests swap in failing implementations to exercise storage-error paths.
type FileHandle interface {
	io.ReadWriteCloser
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Name() string
}

// FS opens and manipulates files. The default implementation delegates to
// the os package; tests may install their own via SetDefaultFS.
type FS interface {
	Create(name string) (FileHandle, error)
	Open(name string) (FileHandle, error)
	OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
}

// fsWrapper gives atomic.Value a stable concrete type to store.
type fsWrapper struct {
	fs FS
}

var defaultFS atomic.Value // stores fsWrapper

func init() {
	defaultFS.Store(fsWrapper{fs: osFS{}})
}

// SetDefaultFS swaps the package-level filesystem implementation.
func SetDefaultFS(fs FS) {
	defaultFS.Store(fsWrapper{fs: fs})
}

// Default returns the currently installed filesystem implementation.
func Default() FS {
	return defaultFS.Load().(fsWrapper).fs
}

func Create(name string) (FileHandle, error) {
	return Default().Create(name)
}

func Open(name string) (FileHandle, error) {
	return Default().Open(name)
}

func OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	return Default().OpenFile(name, flag, perm)
}

func Rename(oldpath, newpath string) error {
	return Default().Rename(oldpath, newpath)
}

func Remove(name string) error {
	return Default().Remove(name)
}

func MkdirAll(path string, perm os.FileMode) error {
	return Default().MkdirAll(path, perm)
}

func ReadDir(name string) ([]os.DirEntry, error) {
	return Default().ReadDir(name)
}
