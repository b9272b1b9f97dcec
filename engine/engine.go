package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ardnew/usbdrive/pkg"
)

// MaxLabelLength is the longest volume label, in bytes, a FAT volume stores.
const MaxLabelLength = 11

// FormatTag identifies the on-disk filesystem format of a mounted volume.
type FormatTag uint8

// Format tags. The numeric values are part of the service wire contract.
const (
	FormatUnknown FormatTag = iota
	FormatFAT12
	FormatFAT16
	FormatFAT32
	FormatExFAT
)

// String returns the conventional name of the format.
func (t FormatTag) String() string {
	switch t {
	case FormatFAT12:
		return "FAT12"
	case FormatFAT16:
		return "FAT16"
	case FormatFAT32:
		return "FAT32"
	case FormatExFAT:
		return "exFAT"
	default:
		return "unknown"
	}
}

// ParseFormatTag converts a format name (case-insensitive) into a tag.
func ParseFormatTag(s string) (FormatTag, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FAT12":
		return FormatFAT12, nil
	case "FAT16":
		return FormatFAT16, nil
	case "FAT32":
		return FormatFAT32, nil
	case "EXFAT":
		return FormatExFAT, nil
	}
	return FormatUnknown, fmt.Errorf("%w: format %q", pkg.ErrParameter, s)
}

// MountName returns the engine mount name for a physical drive index: the
// decimal index followed by a colon.
func MountName(pdrv uint8) string {
	return strconv.Itoa(int(pdrv)) + ":"
}

// ParseMountName extracts the physical drive index from a mount name.
func ParseMountName(name string) (uint8, error) {
	digits, ok := strings.CutSuffix(name, ":")
	if !ok || digits == "" {
		return 0, fmt.Errorf("%w: mount name %q", pkg.ErrParameter, name)
	}
	n, err := strconv.ParseUint(digits, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: mount name %q", pkg.ErrParameter, name)
	}
	return uint8(n), nil
}

// DiskIO is the set of sector callbacks an engine uses to reach the drive
// behind a physical drive index.
type DiskIO interface {
	// Status reports the drive's readiness without side effects.
	Status(pdrv uint8) pkg.DiskStatus

	// Initialize prepares the drive for I/O and reports its status.
	Initialize(pdrv uint8) pkg.DiskStatus

	// Read fills buf with count sectors starting at sector. On any result
	// other than DiskResultOK, buf is left untouched.
	Read(pdrv uint8, buf []byte, sector uint64, count uint32) pkg.DiskResult

	// Ioctl performs a control request. Implementations may ignore it.
	Ioctl(pdrv uint8, code IoctlCode, buf []byte) pkg.DiskResult
}

// DiskWriter is implemented by DiskIO values that accept writes. It is
// absent in read-only builds.
type DiskWriter interface {
	Write(pdrv uint8, buf []byte, sector uint64, count uint32) pkg.DiskResult
}

// IoctlCode selects a DiskIO control request.
type IoctlCode uint8

// Control request codes.
const (
	IoctlSync IoctlCode = iota
	IoctlGetSectorCount
	IoctlGetSectorSize
	IoctlGetBlockSize
	IoctlTrim
)

// Volume is the mount context the engine keeps for one mounted drive.
type Volume interface {
	// Format returns the on-disk format of the volume.
	Format() FormatTag

	// SectorSize returns the logical sector size in bytes.
	SectorSize() uint32

	// Sync flushes cached metadata to the drive.
	Sync() error

	// Space returns total and free capacity in bytes.
	Space() (total, free uint64, err error)
}

// Engine is a filesystem engine that mounts volumes by name over DiskIO.
type Engine interface {
	// Mount binds a volume to name, reading through disk. Mounting a name
	// that is already bound replaces the previous binding.
	Mount(name string, disk DiskIO) (Volume, error)

	// Unmount flushes and releases the volume bound to name. Unmounting an
	// unbound name is not an error.
	Unmount(name string) error

	// Label returns the label of the volume bound to name.
	Label(name string) (string, error)

	// SetLabel stores label on the volume bound to name. label is at most
	// MaxLabelLength bytes.
	SetLabel(name, label string) error
}
