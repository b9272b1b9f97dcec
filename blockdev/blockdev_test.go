package blockdev

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ardnew/usbdrive/pkg"
)

// ============================================================================
// MemoryDevice
// ============================================================================

func TestMemoryDevice_ReadWrite(t *testing.T) {
	dev := NewMemoryDevice(8*512, 512)

	if got := dev.BlockCount(); got != 8 {
		t.Fatalf("BlockCount() = %d, want 8", got)
	}

	src := bytes.Repeat([]byte{0xA5}, 2*512)
	if err := dev.WriteSectors(src, 3, 2); err != nil {
		t.Fatalf("WriteSectors() error = %v", err)
	}

	dst := make([]byte, 2*512)
	if err := dev.ReadSectors(dst, 3, 2); err != nil {
		t.Fatalf("ReadSectors() error = %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Error("read data does not match written data")
	}

	if r, w := dev.Counts(); r != 1 || w != 1 {
		t.Errorf("Counts() = %d, %d, want 1, 1", r, w)
	}
}

func TestMemoryDevice_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*MemoryDevice)
		sector  uint64
		count   uint32
		bufLen  int
		write   bool
		wantErr error
	}{
		{"zero count", nil, 0, 0, 512, false, ErrOutOfRange},
		{"past end", nil, 7, 2, 1024, false, ErrOutOfRange},
		{"sector beyond", nil, 8, 1, 512, false, ErrOutOfRange},
		{"short buffer", nil, 0, 2, 512, false, io.ErrShortBuffer},
		{"not present", func(m *MemoryDevice) { m.SetPresent(false) }, 0, 1, 512, false, ErrNotPresent},
		{"read only", func(m *MemoryDevice) { m.SetReadOnly(true) }, 0, 1, 512, true, pkg.ErrWriteProtected},
		{"fault", func(m *MemoryDevice) { m.SetFault(os.ErrDeadlineExceeded) }, 0, 1, 512, false, os.ErrDeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := NewMemoryDevice(8*512, 512)
			if tt.setup != nil {
				tt.setup(dev)
			}
			buf := make([]byte, tt.bufLen)
			var err error
			if tt.write {
				err = dev.WriteSectors(buf, tt.sector, tt.count)
			} else {
				err = dev.ReadSectors(buf, tt.sector, tt.count)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemoryDevice_Health(t *testing.T) {
	dev := NewMemoryDevice(4096, 0)
	if dev.BlockSize() != DefaultBlockSize {
		t.Errorf("BlockSize() = %d, want %d", dev.BlockSize(), DefaultBlockSize)
	}
	if !dev.IsHealthy() {
		t.Error("new device should be healthy")
	}
	dev.SetPresent(false)
	if dev.IsHealthy() {
		t.Error("removed device should not be healthy")
	}
}

func TestMemoryDeviceFrom(t *testing.T) {
	image := make([]byte, 1500)
	image[512] = 0x42
	dev := NewMemoryDeviceFrom(image, 512)
	if got := dev.BlockCount(); got != 2 {
		t.Fatalf("BlockCount() = %d, want 2", got)
	}
	buf := make([]byte, 512)
	if err := dev.ReadSectors(buf, 1, 1); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x42 {
		t.Errorf("buf[0] = %#x, want 0x42", buf[0])
	}
}

// ============================================================================
// FileDevice
// ============================================================================

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 16*512), 0o644); err != nil {
		t.Fatal(err)
	}

	dev, err := OpenFile(path, 512, false)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer dev.Close()

	if got := dev.BlockCount(); got != 16 {
		t.Errorf("BlockCount() = %d, want 16", got)
	}

	src := bytes.Repeat([]byte("usbdrive"), 64)
	if err := dev.WriteSectors(src, 15, 1); err != nil {
		t.Fatalf("WriteSectors() error = %v", err)
	}
	if err := dev.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw[15*512:], src) {
		t.Error("image does not contain written sector")
	}

	if err := dev.ReadSectors(make([]byte, 512), 16, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end error = %v, want %v", err, ErrOutOfRange)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if dev.IsHealthy() {
		t.Error("closed device should not be healthy")
	}
	if err := dev.ReadSectors(make([]byte, 512), 0, 1); !errors.Is(err, ErrNotPresent) {
		t.Errorf("read after close error = %v, want %v", err, ErrNotPresent)
	}
}

func TestFileDevice_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.img")
	if err := os.WriteFile(path, make([]byte, 4*512), 0o644); err != nil {
		t.Fatal(err)
	}

	dev, err := OpenFile(path, 512, true)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer dev.Close()

	if !IsReadOnly(dev) {
		t.Error("IsReadOnly() = false, want true")
	}
	if err := dev.WriteSectors(make([]byte, 512), 0, 1); !errors.Is(err, pkg.ErrWriteProtected) {
		t.Errorf("WriteSectors() error = %v, want %v", err, pkg.ErrWriteProtected)
	}
}

func TestOpenFile_Missing(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing.img"), 512, true); err == nil {
		t.Error("OpenFile() error = nil, want error")
	}
}

// minimal implements only the required methods.
type minimal struct{}

func (minimal) ReadSectors([]byte, uint64, uint32) error  { return nil }
func (minimal) WriteSectors([]byte, uint64, uint32) error { return nil }
func (minimal) BlockSize() uint32                         { return 512 }
func (minimal) IsHealthy() bool                           { return true }

func TestOptionalInterfaces(t *testing.T) {
	if IsReadOnly(minimal{}) {
		t.Error("IsReadOnly(minimal) = true")
	}
	if got := BlockCount(minimal{}); got != 0 {
		t.Errorf("BlockCount(minimal) = %d, want 0", got)
	}
	if got := BlockCount(NewMemoryDevice(4096, 512)); got != 8 {
		t.Errorf("BlockCount(memory) = %d, want 8", got)
	}
}
