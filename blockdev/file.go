package blockdev

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ardnew/usbdrive/pkg"
)

// FileDevice implements Device on a disk image or a raw block device node.
type FileDevice struct {
	path      string
	file      *os.File
	blockSize uint32
	blocks    uint64
	readOnly  bool
	mutex     sync.RWMutex
}

// OpenFile opens path as a block device. Capacity is taken from the end
// offset, which works for regular files and for /dev nodes alike.
// If readOnly is true, the file is opened in read-only mode.
func OpenFile(path string, blockSize uint32, readOnly bool) (*FileDevice, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("size %s: %w", path, err)
	}

	return &FileDevice{
		path:      path,
		file:      file,
		blockSize: blockSize,
		blocks:    uint64(size) / uint64(blockSize),
		readOnly:  readOnly,
	}, nil
}

// Path returns the path the device was opened from.
func (f *FileDevice) Path() string {
	return f.path
}

// BlockSize returns the block size.
func (f *FileDevice) BlockSize() uint32 {
	return f.blockSize
}

// BlockCount returns the number of blocks.
func (f *FileDevice) BlockCount() uint64 {
	return f.blocks
}

// ReadSectors reads count sectors into buf.
func (f *FileDevice) ReadSectors(buf []byte, sector uint64, count uint32) error {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return ErrNotPresent
	}
	off, n, err := span(sector, count, f.blockSize, f.blocks, len(buf))
	if err != nil {
		return err
	}
	if _, err := f.file.ReadAt(buf[:n], int64(off)); err != nil {
		return fmt.Errorf("read %s sector %d: %w", f.path, sector, err)
	}
	return nil
}

// WriteSectors writes count sectors from buf.
func (f *FileDevice) WriteSectors(buf []byte, sector uint64, count uint32) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return ErrNotPresent
	}
	if f.readOnly {
		return pkg.ErrWriteProtected
	}
	off, n, err := span(sector, count, f.blockSize, f.blocks, len(buf))
	if err != nil {
		return err
	}
	if _, err := f.file.WriteAt(buf[:n], int64(off)); err != nil {
		return fmt.Errorf("write %s sector %d: %w", f.path, sector, err)
	}
	return nil
}

// IsHealthy reports whether the underlying file is open.
func (f *FileDevice) IsHealthy() bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.file != nil
}

// ReadOnly reports whether the file was opened read-only.
func (f *FileDevice) ReadOnly() bool {
	return f.readOnly
}

// Sync flushes file writes to disk.
func (f *FileDevice) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.readOnly || f.file == nil {
		return nil
	}
	return f.file.Sync()
}

// Close closes the underlying file.
func (f *FileDevice) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}
