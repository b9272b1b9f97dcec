package drive

import (
	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// Bridge implements the engine's sector callbacks for a registry. The
// physical drive index is the slot. Callbacks never reconcile; they see the
// table as the last Reconcile left it.
type Bridge struct {
	r *Registry
}

var _ engine.DiskIO = (*Bridge)(nil)

// Status reports 0 for a drive whose device is healthy and that is being
// probed, mounted or flushed, with DiskStatusProtect added for write
// protected devices. Anything else is DiskStatusNoInit.
func (b *Bridge) Status(pdrv uint8) pkg.DiskStatus {
	d := b.r.slot(pdrv)
	if d == nil {
		return pkg.DiskStatusNoInit
	}
	return d.status()
}

// Initialize has no work to do beyond Status: devices are opened when the
// drive is probed.
func (b *Bridge) Initialize(pdrv uint8) pkg.DiskStatus {
	return b.Status(pdrv)
}

// Read transfers count sectors into buf. buf is only written when every
// sector was read.
func (b *Bridge) Read(pdrv uint8, buf []byte, sector uint64, count uint32) pkg.DiskResult {
	if count == 0 || len(buf) == 0 {
		return pkg.DiskResultParamError
	}
	d := b.r.slot(pdrv)
	if d == nil {
		return pkg.DiskResultNotReady
	}
	return d.readSectors(buf, sector, count)
}

// Ioctl accepts every request and does nothing. Sector size and count are
// discovered by the engine from the volume itself, and device caches are
// flushed on dispose.
func (b *Bridge) Ioctl(pdrv uint8, code engine.IoctlCode, buf []byte) pkg.DiskResult {
	return pkg.DiskResultOK
}
