package blockdev

import (
	"errors"
	"io"
)

// Block device errors.
var (
	// ErrOutOfRange indicates a request past the last sector.
	ErrOutOfRange = errors.New("sector range out of bounds")

	// ErrNotPresent indicates the medium has been removed.
	ErrNotPresent = errors.New("medium not present")
)

// DefaultBlockSize is the sector size used when a transport does not report one.
const DefaultBlockSize = 512

// Device is a sector-addressed block device exposed by a transport session.
// Implementations must be safe for use by one goroutine at a time; the
// drive manager serializes all access per device.
type Device interface {
	// ReadSectors reads count sectors starting at sector into buf.
	// buf must hold at least count*BlockSize() bytes.
	ReadSectors(buf []byte, sector uint64, count uint32) error

	// WriteSectors writes count sectors from buf starting at sector.
	WriteSectors(buf []byte, sector uint64, count uint32) error

	// BlockSize returns the sector size in bytes.
	BlockSize() uint32

	// IsHealthy reports whether the device is still responsive.
	IsHealthy() bool
}

// Sizer is implemented by devices that know their capacity.
type Sizer interface {
	BlockCount() uint64
}

// Syncer is implemented by devices with a write cache.
type Syncer interface {
	Sync() error
}

// ReadOnlyReporter is implemented by devices that can be write protected.
type ReadOnlyReporter interface {
	ReadOnly() bool
}

// IsReadOnly reports whether dev declares itself write protected.
func IsReadOnly(dev Device) bool {
	if ro, ok := dev.(ReadOnlyReporter); ok {
		return ro.ReadOnly()
	}
	return false
}

// BlockCount returns the device capacity in sectors, or 0 when unknown.
func BlockCount(dev Device) uint64 {
	if s, ok := dev.(Sizer); ok {
		return s.BlockCount()
	}
	return 0
}

// span converts a sector request into a byte offset and length and checks it
// against capacity (in sectors) and the caller's buffer.
func span(sector uint64, count, blockSize uint32, capacity uint64, bufLen int) (off, n uint64, err error) {
	if count == 0 || sector >= capacity || uint64(count) > capacity-sector {
		return 0, 0, ErrOutOfRange
	}
	off = sector * uint64(blockSize)
	n = uint64(count) * uint64(blockSize)
	if uint64(bufLen) < n {
		return 0, 0, io.ErrShortBuffer
	}
	return off, n, nil
}
