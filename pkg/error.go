package pkg

import "errors"

// Drive manager errors returned to service callers.
var (
	// ErrInvalidDriveIndex indicates the external drive identifier does not
	// resolve to a mounted drive.
	ErrInvalidDriveIndex = errors.New("invalid drive index")

	// ErrDeviceNotReady indicates the block device is absent or unhealthy.
	ErrDeviceNotReady = errors.New("device not ready")

	// ErrFilesystemInitFailed indicates the filesystem engine rejected the
	// volume during mount.
	ErrFilesystemInitFailed = errors.New("filesystem init failed")

	// ErrParameter indicates an invalid argument.
	ErrParameter = errors.New("invalid parameter")

	// ErrSlotsExhausted indicates every mount slot is occupied. It never
	// reaches service callers; the device is ignored until a slot frees.
	ErrSlotsExhausted = errors.New("mount slots exhausted")
)

// Lifecycle and filesystem errors.
var (
	// ErrDriveUnavailable indicates a filesystem handle outlived its drive.
	ErrDriveUnavailable = errors.New("drive unavailable")

	// ErrInvalidState indicates a lifecycle transition from the wrong state.
	ErrInvalidState = errors.New("invalid drive state")

	// ErrNotMounted indicates the engine has no volume under the mount name.
	ErrNotMounted = errors.New("volume not mounted")

	// ErrNotSupported indicates an unsupported operation or format.
	ErrNotSupported = errors.New("not supported")

	// ErrWriteProtected indicates the device or build does not allow writes.
	ErrWriteProtected = errors.New("write protected")

	// ErrInvalidLabel indicates a volume label with illegal characters.
	ErrInvalidLabel = errors.New("invalid volume label")

	// ErrClosed indicates use of a closed handle or registry.
	ErrClosed = errors.New("closed")

	// ErrNotFound indicates a path with no directory entry.
	ErrNotFound = errors.New("no such file or directory")

	// ErrExist indicates a file created where an entry already exists.
	ErrExist = errors.New("file exists")

	// ErrIsDir indicates a file operation on a directory.
	ErrIsDir = errors.New("is a directory")

	// ErrNotDir indicates a directory operation on a file.
	ErrNotDir = errors.New("not a directory")
)

// DiskResult is the outcome of a sector-level callback.
type DiskResult int

// Disk result values.
const (
	DiskResultOK             DiskResult = iota // Request succeeded
	DiskResultError                            // Unrecoverable transport error
	DiskResultWriteProtected                   // Medium is write protected
	DiskResultNotReady                         // Drive absent or not initialized
	DiskResultParamError                       // Invalid argument
)

// String returns a string representation of the disk result.
func (r DiskResult) String() string {
	switch r {
	case DiskResultOK:
		return "ok"
	case DiskResultError:
		return "error"
	case DiskResultWriteProtected:
		return "write-protected"
	case DiskResultNotReady:
		return "not-ready"
	case DiskResultParamError:
		return "param-error"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the disk result.
func (r DiskResult) Error() error {
	switch r {
	case DiskResultOK:
		return nil
	case DiskResultWriteProtected:
		return ErrWriteProtected
	case DiskResultNotReady:
		return ErrDeviceNotReady
	case DiskResultParamError:
		return ErrParameter
	default:
		return ErrDeviceNotReady
	}
}

// DiskStatus is a bit set describing a physical drive.
type DiskStatus uint8

// Disk status bits. A zero status means ready.
const (
	DiskStatusNoInit  DiskStatus = 1 << iota // Drive not initialized
	DiskStatusNoDisk                         // No medium present
	DiskStatusProtect                        // Medium is write protected
)

// Ready reports whether no status bit is set.
func (s DiskStatus) Ready() bool {
	return s&(DiskStatusNoInit|DiskStatusNoDisk) == 0
}

// String returns a string representation of the status bits.
func (s DiskStatus) String() string {
	if s == 0 {
		return "ready"
	}
	var out string
	add := func(bit DiskStatus, name string) {
		if s&bit == 0 {
			return
		}
		if out != "" {
			out += "|"
		}
		out += name
	}
	add(DiskStatusNoInit, "noinit")
	add(DiskStatusNoDisk, "nodisk")
	add(DiskStatusProtect, "protect")
	if out == "" {
		return "unknown"
	}
	return out
}
