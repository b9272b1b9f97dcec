package service

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ardnew/usbdrive/drive"
	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// Filesystem is a reference-counted handle on a mounted drive's volume.
// It is bound to one attachment: the drive's identifier and its generation.
// Once that device is detached every operation fails with
// ErrDriveUnavailable, even after another device is attached under the same
// identifier.
type Filesystem struct {
	reg *drive.Registry
	id  int32
	gen uint64

	mu   sync.Mutex
	refs int32
}

// ID returns the identifier of the drive the handle refers to.
func (f *Filesystem) ID() int32 {
	return f.id
}

// Acquire adds a reference.
func (f *Filesystem) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs == 0 {
		return pkg.ErrClosed
	}
	f.refs++
	return nil
}

// Close drops a reference. The handle is released with the last one.
func (f *Filesystem) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs == 0 {
		return pkg.ErrClosed
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	if !f.reg.CloseHandle(f.id, f.gen) {
		pkg.LogDebug(pkg.ComponentService, "filesystem closed after detach", "id", f.id)
		return nil
	}
	pkg.LogDebug(pkg.ComponentService, "filesystem closed", "id", f.id)
	return nil
}

func (f *Filesystem) do(fn func(*drive.Drive) error) error {
	f.mu.Lock()
	open := f.refs > 0
	f.mu.Unlock()
	if !open {
		return pkg.ErrClosed
	}

	err := f.reg.WithAttachment(f.id, f.gen, fn)
	if errors.Is(err, pkg.ErrDriveUnavailable) || errors.Is(err, pkg.ErrInvalidDriveIndex) ||
		errors.Is(err, pkg.ErrDeviceNotReady) {
		return fmt.Errorf("drive %d: %w", f.id, pkg.ErrDriveUnavailable)
	}
	return err
}

// files is do for operations on the directory tree.
func (f *Filesystem) files(fn func(engine.FileSystem) error) error {
	return f.do(func(d *drive.Drive) error {
		return d.Files(fn)
	})
}

// Commit flushes the volume's cached metadata to the drive.
func (f *Filesystem) Commit() error {
	return f.do((*drive.Drive).Sync)
}

// Space returns the volume's data capacity and unallocated bytes and its
// sector size from a single query.
func (f *Filesystem) Space() (total, free uint64, blockSize uint32, err error) {
	err = f.do(func(d *drive.Drive) error {
		var err error
		total, free, blockSize, err = d.Space()
		return err
	})
	return total, free, blockSize, err
}

// TotalSpace returns the volume's data capacity in bytes.
func (f *Filesystem) TotalSpace() (uint64, error) {
	total, _, _, err := f.Space()
	return total, err
}

// FreeSpace returns the unallocated bytes on the volume.
func (f *Filesystem) FreeSpace() (uint64, error) {
	_, free, _, err := f.Space()
	return free, err
}

// BlockSize returns the volume's sector size.
func (f *Filesystem) BlockSize() (uint32, error) {
	_, _, bs, err := f.Space()
	return bs, err
}

// =============================================================================
// Files and Directories
// =============================================================================

// Stat describes the entry at path.
func (f *Filesystem) Stat(path string) (engine.DirEntry, error) {
	var e engine.DirEntry
	err := f.files(func(fsys engine.FileSystem) error {
		var err error
		e, err = fsys.Stat(path)
		return err
	})
	return e, err
}

// EntryType reports whether path is a file or a directory. A missing path
// is ErrNotFound.
func (f *Filesystem) EntryType(path string) (engine.EntryType, error) {
	e, err := f.Stat(path)
	if err != nil {
		return engine.EntryNone, err
	}
	return e.Type, nil
}

// ReadDir lists the directory at path.
func (f *Filesystem) ReadDir(path string) ([]engine.DirEntry, error) {
	var entries []engine.DirEntry
	err := f.files(func(fsys engine.FileSystem) error {
		var err error
		entries, err = fsys.ReadDir(path)
		return err
	})
	return entries, err
}

// ReadFile returns the contents of the file at path.
func (f *Filesystem) ReadFile(path string) ([]byte, error) {
	var data []byte
	err := f.files(func(fsys engine.FileSystem) error {
		file, err := fsys.OpenFile(path, engine.OpenRead)
		if err != nil {
			return err
		}
		data, err = io.ReadAll(file)
		return errors.Join(err, file.Close())
	})
	return data, err
}

// WriteFile replaces the contents of the file at path, creating it if
// needed.
func (f *Filesystem) WriteFile(path string, data []byte) error {
	return f.files(func(fsys engine.FileSystem) error {
		file, err := fsys.OpenFile(path, engine.OpenCreate)
		if err != nil {
			return err
		}
		_, err = file.Write(data)
		return errors.Join(err, file.Close())
	})
}

// CreateFile creates a zero-filled file of size bytes at path. It fails
// with ErrExist when path already exists.
func (f *Filesystem) CreateFile(path string, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: size %d", pkg.ErrParameter, size)
	}
	return f.files(func(fsys engine.FileSystem) error {
		if _, err := fsys.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, pkg.ErrExist)
		} else if !errors.Is(err, pkg.ErrNotFound) {
			return err
		}
		file, err := fsys.OpenFile(path, engine.OpenCreate)
		if err != nil {
			return err
		}
		if size > 0 {
			_, err = file.Write(make([]byte, size))
		}
		return errors.Join(err, file.Close())
	})
}

// OpenFile opens the file at path. The file holds a reference on the
// handle until it is closed.
func (f *Filesystem) OpenFile(path string, mode engine.OpenMode) (*File, error) {
	var ef engine.File
	err := f.files(func(fsys engine.FileSystem) error {
		var err error
		ef, err = fsys.OpenFile(path, mode)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := f.Acquire(); err != nil {
		ef.Close()
		return nil, err
	}
	return &File{fs: f, f: ef, path: path}, nil
}

// File is a file opened through a Filesystem handle. Its operations fail
// with ErrDriveUnavailable once the handle's drive is detached.
type File struct {
	fs   *Filesystem
	f    engine.File
	path string

	mu     sync.Mutex
	closed bool
}

// Path returns the path the file was opened with.
func (f *File) Path() string {
	return f.path
}

func (f *File) io(fn func() error) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return pkg.ErrClosed
	}
	return f.fs.files(func(engine.FileSystem) error {
		return fn()
	})
}

func (f *File) Read(p []byte) (n int, err error) {
	err = f.io(func() error {
		var err error
		n, err = f.f.Read(p)
		return err
	})
	return n, err
}

func (f *File) Write(p []byte) (n int, err error) {
	err = f.io(func() error {
		var err error
		n, err = f.f.Write(p)
		return err
	})
	return n, err
}

// Close flushes the file and drops its reference on the handle. A file
// whose drive was detached was already closed by the unmount; Close then
// only drops the reference.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return pkg.ErrClosed
	}
	f.closed = true
	f.mu.Unlock()

	err := f.fs.files(func(engine.FileSystem) error {
		return f.f.Close()
	})
	if errors.Is(err, pkg.ErrDriveUnavailable) {
		err = nil
	}
	return errors.Join(err, f.fs.Close())
}
