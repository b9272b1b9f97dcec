//go:build !readonly

package drive

import (
	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

var _ engine.DiskWriter = (*Bridge)(nil)

// Write transfers count sectors from buf to the drive at pdrv.
func (b *Bridge) Write(pdrv uint8, buf []byte, sector uint64, count uint32) pkg.DiskResult {
	if count == 0 || len(buf) == 0 {
		return pkg.DiskResultParamError
	}
	d := b.r.slot(pdrv)
	if d == nil {
		return pkg.DiskResultNotReady
	}
	return d.writeSectors(buf, sector, count)
}

func (d *Drive) writeSectors(buf []byte, sector uint64, count uint32) pkg.DiskResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.usable() {
		return pkg.DiskResultNotReady
	}
	if blockdev.IsReadOnly(d.dev) {
		return pkg.DiskResultWriteProtected
	}
	n := uint64(count) * uint64(d.dev.BlockSize())
	if uint64(len(buf)) < n {
		return pkg.DiskResultParamError
	}
	if err := d.dev.WriteSectors(buf[:n], sector, count); err != nil {
		pkg.LogDebug(pkg.ComponentDiskIO, "write failed",
			"slot", d.slot, "sector", sector, "count", count, "error", err)
		return transferResult(err)
	}
	return pkg.DiskResultOK
}
