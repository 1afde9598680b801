package spool

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileInfo is the subset of file metadata the spool acts on.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// FileSystem abstracts the directory operations the spool performs so tests
// can inject failures (permission errors, disappearing files, full disks)
// without touching a real disk.
type FileSystem interface {
	MkdirAll(dir string) error
	// List returns the entries of dir, regular files only.
	List(dir string) ([]FileInfo, error)
	// CreateExclusive opens path for writing, failing if it already exists.
	CreateExclusive(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Rename(oldPath, newPath string) error
	Remove(path string) error
	Stat(path string) (FileInfo, error)
}

// OSFileSystem is the production FileSystem backed by the host OS.
type OSFileSystem struct{}

func (OSFileSystem) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

func (OSFileSystem) List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Deleted between ReadDir and Info by a concurrent process.
			continue
		}
		infos = append(infos, FileInfo{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return infos, nil
}

func (OSFileSystem) CreateExclusive(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
}

func (OSFileSystem) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (OSFileSystem) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (OSFileSystem) Remove(path string) error {
	return os.Remove(path)
}

func (OSFileSystem) Stat(path string) (FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: filepath.Base(path), Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// isNotFound reports whether err means the file is already gone, which the
// spool treats as success for deletes and as a skip for reads.
func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// isTransient reports errors worth an immediate back-to-back retry: sharing
// violations and permission errors that clear once a concurrent handle closes.
func isTransient(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.ETXTBSY)
}
