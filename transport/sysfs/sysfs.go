//go:build linux

package sysfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/pkg/linux/usbid"
	"github.com/ardnew/usbdrive/transport"
)

// Interface triple matched as a mass-storage drive.
const (
	ClassMassStorage = 0x08
	SubclassSCSI     = 0x06
	ProtocolBulkOnly = 0x50
)

// Default filesystem roots.
const (
	DefaultRoot    = "/sys"
	DefaultDevRoot = "/dev"
)

// Session scans sysfs for attached mass-storage drives.
type Session struct {
	root    string
	devRoot string
	ids     *usbid.Database
}

// Option configures a Session.
type Option func(*Session)

// WithRoot sets the sysfs mount point.
func WithRoot(root string) Option {
	return func(s *Session) { s.root = root }
}

// WithDevRoot sets the directory holding block device nodes.
func WithDevRoot(root string) Option {
	return func(s *Session) { s.devRoot = root }
}

// WithIDs sets the database used to describe devices. A nil database
// disables names.
func WithIDs(db *usbid.Database) Option {
	return func(s *Session) { s.ids = db }
}

// New creates a session. The system usb.ids database is used for names
// unless replaced with WithIDs.
func New(opts ...Option) *Session {
	s := &Session{
		root:    DefaultRoot,
		devRoot: DefaultDevRoot,
		ids:     usbid.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// Discovered Drives
// =============================================================================

type drive struct {
	id        int32
	busNum    uint8
	devNum    uint8
	ifNum     uint8
	vendorID  uint16
	productID uint16
	block     string // kernel block device name, e.g. "sdb"
	node      string // device file
	blockSize uint32
	sectors   uint64 // in 512-byte units, as sysfs reports
	readOnly  bool
	desc      string
}

func (d *drive) ID() int32 { return d.id }

func (d *drive) Open(ctx context.Context) (blockdev.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := blockdev.OpenFile(d.node, d.blockSize, d.readOnly)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.block, err)
	}
	return dev, nil
}

func (d *drive) String() string {
	return fmt.Sprintf("%s [%s, %d MiB] bus %d dev %d",
		d.desc, d.block, d.sectors>>11, d.busNum, d.devNum)
}

// Devices scans for bound mass-storage interfaces. Devices still being
// probed by the kernel, or whose medium is absent, are left out.
func (s *Session) Devices(ctx context.Context) ([]transport.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := filepath.Join(s.root, "bus", "usb", "devices")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", base, err)
	}

	if s.ids != nil {
		s.ids.Load()
	}

	var out []transport.Device
	for _, entry := range entries {
		name := entry.Name()
		// Skip root hubs (usb1) and interfaces (1-1:1.0).
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		drives, err := s.parseDevice(filepath.Join(base, name))
		if err != nil {
			pkg.LogDebug(pkg.ComponentTransport, "skipping usb device", "device", name, "error", err)
			continue
		}
		for _, d := range drives {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *Session) parseDevice(devPath string) ([]*drive, error) {
	busNum, err := readSysfsUint8(filepath.Join(devPath, "busnum"))
	if err != nil {
		return nil, err
	}
	devNum, err := readSysfsUint8(filepath.Join(devPath, "devnum"))
	if err != nil {
		return nil, err
	}
	vid, _ := readSysfsHexUint16(filepath.Join(devPath, "idVendor"))
	pid, _ := readSysfsHexUint16(filepath.Join(devPath, "idProduct"))

	entries, err := os.ReadDir(devPath)
	if err != nil {
		return nil, err
	}

	var drives []*drive
	prefix := filepath.Base(devPath) + ":"
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		ifacePath := filepath.Join(devPath, entry.Name())
		ifNum, ok := massStorageInterface(ifacePath)
		if !ok {
			continue
		}
		d, err := s.parseBlock(ifacePath)
		if err != nil {
			pkg.LogDebug(pkg.ComponentTransport, "mass-storage interface not ready",
				"interface", entry.Name(), "error", err)
			continue
		}
		d.id = int32(busNum)<<16 | int32(devNum)<<8 | int32(ifNum)
		d.busNum, d.devNum, d.ifNum = busNum, devNum, ifNum
		d.vendorID, d.productID = vid, pid
		d.desc = s.describe(vid, pid)
		drives = append(drives, d)
	}
	return drives, nil
}

// massStorageInterface reports whether ifacePath is a SCSI bulk-only
// mass-storage interface, and its number.
func massStorageInterface(ifacePath string) (uint8, bool) {
	class, err := readSysfsHexUint8(filepath.Join(ifacePath, "bInterfaceClass"))
	if err != nil || class != ClassMassStorage {
		return 0, false
	}
	sub, _ := readSysfsHexUint8(filepath.Join(ifacePath, "bInterfaceSubClass"))
	proto, _ := readSysfsHexUint8(filepath.Join(ifacePath, "bInterfaceProtocol"))
	if sub != SubclassSCSI || proto != ProtocolBulkOnly {
		return 0, false
	}
	num, err := readSysfsHexUint8(filepath.Join(ifacePath, "bInterfaceNumber"))
	if err != nil {
		return 0, false
	}
	return num, true
}

// parseBlock finds the SCSI disk bound below an interface:
// <iface>/host*/target*/<h:c:t:l>/block/<name>.
func (s *Session) parseBlock(ifacePath string) (*drive, error) {
	matches, err := filepath.Glob(filepath.Join(ifacePath, "host*", "target*", "*", "block", "*"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no block device bound")
	}
	sort.Strings(matches)
	blockPath := matches[0]

	sectors, err := readSysfsUint(filepath.Join(blockPath, "size"), 64)
	if err != nil {
		return nil, err
	}
	if sectors == 0 {
		return nil, blockdev.ErrNotPresent
	}

	blockSize := uint32(blockdev.DefaultBlockSize)
	if v, err := readSysfsUint(filepath.Join(blockPath, "queue", "logical_block_size"), 32); err == nil && v != 0 {
		blockSize = uint32(v)
	}

	ro, _ := readSysfsUint(filepath.Join(blockPath, "ro"), 8)

	name := filepath.Base(blockPath)
	return &drive{
		block:     name,
		node:      filepath.Join(s.devRoot, name),
		blockSize: blockSize,
		sectors:   sectors,
		readOnly:  ro != 0,
	}, nil
}

func (s *Session) describe(vid, pid uint16) string {
	if s.ids == nil {
		return fmt.Sprintf("%04x:%04x", vid, pid)
	}
	return s.ids.Describe(vid, pid)
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsUint(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, bitSize)
}

func readSysfsUint8(path string) (uint8, error) {
	v, err := readSysfsUint(path, 8)
	return uint8(v), err
}

func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bitSize)
}

func readSysfsHexUint8(path string) (uint8, error) {
	v, err := readSysfsHex(path, 8)
	return uint8(v), err
}

func readSysfsHexUint16(path string) (uint16, error) {
	v, err := readSysfsHex(path, 16)
	return uint16(v), err
}
