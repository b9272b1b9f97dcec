package drive

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// Drive is one attached mass-storage device bound to a registry slot.
//
// A Drive is created for every new attachment, so a reference kept past its
// disposal observes StateDisposed rather than a later occupant of the slot.
// Callers only hold a Drive for the duration of one registry call.
type Drive struct {
	slot uint8
	id   int32
	gen  uint64 // attachment generation, unique within the registry
	desc string
	name string // engine mount name

	eng  engine.Engine
	disk engine.DiskIO

	// fsMu serializes engine-level work on this drive. It is always taken
	// before mu.
	fsMu sync.Mutex

	// mu is the drive's I/O lock: it serializes sector transfers and guards
	// dev, vol and bounce.
	mu     sync.Mutex
	dev    blockdev.Device
	vol    engine.Volume
	bounce []byte

	state   atomic.Uint32
	handles atomic.Int32

	// reaping is set, under the registry lock, once a caller has taken
	// responsibility for disposing the drive and releasing its slot.
	reaping bool
}

func newDrive(slot uint8, id int32, desc string, eng engine.Engine, disk engine.DiskIO) *Drive {
	return &Drive{
		slot: slot,
		id:   id,
		desc: desc,
		name: engine.MountName(slot),
		eng:  eng,
		disk: disk,
	}
}

// Slot returns the registry slot, which is also the physical drive index
// the engine addresses the drive by.
func (d *Drive) Slot() uint8 { return d.slot }

// ID returns the external identifier of the attachment.
func (d *Drive) ID() int32 { return d.id }

// Description returns the transport's description of the device.
func (d *Drive) Description() string { return d.desc }

// MountName returns the engine mount name, e.g. "0:".
func (d *Drive) MountName() string { return d.name }

// State returns the current lifecycle state.
func (d *Drive) State() State { return State(d.state.Load()) }

// Generation identifies this attachment of ID. A device detached and
// attached again under the same ID gets a new generation.
func (d *Drive) Generation() uint64 { return d.gen }

// Handles returns the number of open filesystem handles on the drive.
// Handles are counted through Registry.OpenHandle and CloseHandle.
func (d *Drive) Handles() int32 { return d.handles.Load() }

func (d *Drive) String() string {
	return fmt.Sprintf("drive %d (slot %d, %s): %s", d.id, d.slot, d.State(), d.desc)
}

func (d *Drive) setState(s State) {
	d.state.Store(uint32(s))
}

// attach hands the drive the block device acquired for it. It fails if the
// drive was disposed while the device was being opened.
func (d *Drive) attach(dev blockdev.Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != StateProbing {
		return false
	}
	d.dev = dev
	return true
}

// =============================================================================
// Lifecycle
// =============================================================================

// Mount binds the drive's volume in the engine. It must be called in
// StateProbing. On failure the drive is disposed: ErrDeviceNotReady when
// there is no healthy device, ErrFilesystemInitFailed when the engine
// rejects the volume.
func (d *Drive) Mount() error {
	d.fsMu.Lock()
	defer d.fsMu.Unlock()

	if st := d.State(); st != StateProbing {
		return fmt.Errorf("%w: mount in state %s", pkg.ErrInvalidState, st)
	}

	d.mu.Lock()
	ready := d.dev != nil && d.dev.IsHealthy()
	d.mu.Unlock()
	if !ready {
		d.dispose()
		return pkg.ErrDeviceNotReady
	}

	// The engine reads through the bridge, which takes mu per transfer.
	vol, err := d.eng.Mount(d.name, d.disk)
	if err != nil {
		d.eng.Unmount(d.name)
		d.dispose()
		return fmt.Errorf("%w: %w", pkg.ErrFilesystemInitFailed, err)
	}

	d.mu.Lock()
	d.vol = vol
	d.mu.Unlock()
	d.setState(StateMounted)

	pkg.LogInfo(pkg.ComponentDrive, "mounted",
		"id", d.id, "slot", d.slot, "format", vol.Format())
	return nil
}

// Unmount flushes and unbinds the volume. It is a no-op unless the drive
// is mounted.
func (d *Drive) Unmount() error {
	d.fsMu.Lock()
	defer d.fsMu.Unlock()
	return d.unmount()
}

func (d *Drive) unmount() error {
	if d.State() != StateMounted {
		return nil
	}
	d.setState(StateUnmounting)

	err := d.eng.Unmount(d.name)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDrive, "unmount flush failed", "id", d.id, "slot", d.slot, "error", err)
	} else {
		pkg.LogDebug(pkg.ComponentDrive, "unmounted", "id", d.id, "slot", d.slot)
	}
	return err
}

// Dispose waits for in-flight transfers, syncs and releases the device and
// marks the drive disposed. A mounted drive is unmounted first. Disposing
// twice is a no-op.
func (d *Drive) Dispose() error {
	d.fsMu.Lock()
	defer d.fsMu.Unlock()
	d.unmount()
	return d.dispose()
}

func (d *Drive) dispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateDisposed {
		return nil
	}
	if n := d.handles.Load(); n > 0 {
		pkg.LogWarn(pkg.ComponentDrive, "disposed with open handles",
			"id", d.id, "slot", d.slot, "handles", n)
	}

	var errs []error
	if d.dev != nil {
		if s, ok := d.dev.(blockdev.Syncer); ok && !blockdev.IsReadOnly(d.dev) && d.dev.IsHealthy() {
			errs = append(errs, s.Sync())
		}
		if c, ok := d.dev.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	d.dev = nil
	d.vol = nil
	d.bounce = nil
	d.setState(StateDisposed)

	err := errors.Join(errs...)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDrive, "dispose", "id", d.id, "slot", d.slot, "error", err)
	}
	return err
}

// =============================================================================
// Filesystem Access
// =============================================================================

// volume runs fn with the mounted volume while holding fsMu.
func (d *Drive) volume(fn func(engine.Volume) error) error {
	d.fsMu.Lock()
	defer d.fsMu.Unlock()

	if d.State() != StateMounted {
		return pkg.ErrDeviceNotReady
	}
	d.mu.Lock()
	vol := d.vol
	d.mu.Unlock()
	if vol == nil {
		return pkg.ErrDeviceNotReady
	}
	return fn(vol)
}

// Format returns the on-disk format of the mounted volume.
func (d *Drive) Format() (engine.FormatTag, error) {
	var tag engine.FormatTag
	err := d.volume(func(v engine.Volume) error {
		tag = v.Format()
		return nil
	})
	return tag, err
}

// Label returns the volume label.
func (d *Drive) Label() (string, error) {
	var label string
	err := d.volume(func(engine.Volume) error {
		var err error
		label, err = d.eng.Label(d.name)
		return err
	})
	return label, err
}

// SetLabel stores label, which must already fit engine.MaxLabelLength.
func (d *Drive) SetLabel(label string) error {
	if len(label) > engine.MaxLabelLength {
		return fmt.Errorf("%w: label is %d bytes", pkg.ErrParameter, len(label))
	}
	return d.volume(func(engine.Volume) error {
		return d.eng.SetLabel(d.name, label)
	})
}

// Space returns the total and free bytes of the volume and its sector size.
func (d *Drive) Space() (total, free uint64, blockSize uint32, err error) {
	err = d.volume(func(v engine.Volume) error {
		var err error
		total, free, err = v.Space()
		blockSize = v.SectorSize()
		return err
	})
	return total, free, blockSize, err
}

// Sync flushes the volume's cached metadata to the device.
func (d *Drive) Sync() error {
	return d.volume(func(v engine.Volume) error {
		return v.Sync()
	})
}

// Files runs fn with the volume's directory tree. Volumes whose engine
// serves no files report ErrNotSupported.
func (d *Drive) Files(fn func(engine.FileSystem) error) error {
	return d.volume(func(v engine.Volume) error {
		fsys, ok := v.(engine.FileSystem)
		if !ok {
			return fmt.Errorf("files: %w", pkg.ErrNotSupported)
		}
		return fn(fsys)
	})
}

// =============================================================================
// Sector Access
// =============================================================================

// usable reports whether sector transfers may reach the device. mu must be
// held.
func (d *Drive) usable() bool {
	return d.State().live() && d.dev != nil && d.dev.IsHealthy()
}

func (d *Drive) status() pkg.DiskStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.usable() {
		return pkg.DiskStatusNoInit
	}
	if blockdev.IsReadOnly(d.dev) {
		return pkg.DiskStatusProtect
	}
	return 0
}

// readSectors reads into the bounce buffer and copies to buf only once the
// whole transfer has succeeded.
func (d *Drive) readSectors(buf []byte, sector uint64, count uint32) pkg.DiskResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.usable() {
		return pkg.DiskResultNotReady
	}
	n := uint64(count) * uint64(d.dev.BlockSize())
	if uint64(len(buf)) < n {
		return pkg.DiskResultParamError
	}
	if uint64(cap(d.bounce)) < n {
		d.bounce = make([]byte, n)
	}
	tmp := d.bounce[:n]

	if err := d.dev.ReadSectors(tmp, sector, count); err != nil {
		pkg.LogDebug(pkg.ComponentDiskIO, "read failed",
			"slot", d.slot, "sector", sector, "count", count, "error", err)
		return transferResult(err)
	}
	copy(buf, tmp)
	return pkg.DiskResultOK
}

func transferResult(err error) pkg.DiskResult {
	switch {
	case errors.Is(err, blockdev.ErrOutOfRange):
		return pkg.DiskResultParamError
	case errors.Is(err, pkg.ErrWriteProtected):
		return pkg.DiskResultWriteProtected
	default:
		return pkg.DiskResultNotReady
	}
}
