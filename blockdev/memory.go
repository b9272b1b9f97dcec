package blockdev

import (
	"sync"

	"github.com/ardnew/usbdrive/pkg"
)

// MemoryDevice implements Device using an in-memory buffer. Presence and
// write protection can be toggled to simulate unplug and locked media.
type MemoryDevice struct {
	data      []byte
	blockSize uint32
	readOnly  bool
	present   bool
	fault     error
	reads     int
	writes    int
	mutex     sync.RWMutex
}

// NewMemoryDevice creates a zeroed in-memory device of size bytes.
// size is rounded down to a whole number of blocks.
func NewMemoryDevice(size uint64, blockSize uint32) *MemoryDevice {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	size -= size % uint64(blockSize)
	return &MemoryDevice{
		data:      make([]byte, size),
		blockSize: blockSize,
		present:   true,
	}
}

// NewMemoryDeviceFrom wraps an existing image. The slice is used in place.
func NewMemoryDeviceFrom(image []byte, blockSize uint32) *MemoryDevice {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	image = image[:len(image)-len(image)%int(blockSize)]
	return &MemoryDevice{
		data:      image,
		blockSize: blockSize,
		present:   true,
	}
}

// BlockSize returns the block size.
func (m *MemoryDevice) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount returns the number of blocks.
func (m *MemoryDevice) BlockCount() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// ReadSectors copies count sectors into buf.
func (m *MemoryDevice) ReadSectors(buf []byte, sector uint64, count uint32) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.present {
		return ErrNotPresent
	}
	if m.fault != nil {
		return m.fault
	}
	off, n, err := span(sector, count, m.blockSize, m.BlockCount(), len(buf))
	if err != nil {
		return err
	}
	copy(buf, m.data[off:off+n])
	m.reads++
	return nil
}

// WriteSectors copies count sectors from buf.
func (m *MemoryDevice) WriteSectors(buf []byte, sector uint64, count uint32) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.present {
		return ErrNotPresent
	}
	if m.readOnly {
		return pkg.ErrWriteProtected
	}
	if m.fault != nil {
		return m.fault
	}
	off, n, err := span(sector, count, m.blockSize, m.BlockCount(), len(buf))
	if err != nil {
		return err
	}
	copy(m.data[off:off+n], buf)
	m.writes++
	return nil
}

// IsHealthy reports whether the medium is present.
func (m *MemoryDevice) IsHealthy() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.present
}

// ReadOnly reports whether the device rejects writes.
func (m *MemoryDevice) ReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets the write-protect switch.
func (m *MemoryDevice) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = readOnly
}

// SetPresent sets the media presence flag.
func (m *MemoryDevice) SetPresent(present bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.present = present
}

// SetFault makes every subsequent transfer fail with err until cleared
// with nil.
func (m *MemoryDevice) SetFault(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fault = err
}

// Counts returns the number of successful read and write transfers.
func (m *MemoryDevice) Counts() (reads, writes int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.reads, m.writes
}

// Bytes returns a copy of the device contents.
func (m *MemoryDevice) Bytes() []byte {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Sync is a no-op for memory devices.
func (m *MemoryDevice) Sync() error {
	return nil
}
