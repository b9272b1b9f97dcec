//go:build !readonly

package drive

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/usbdrive/pkg"
)

func TestBridge_Write(t *testing.T) {
	r, session, _ := newTestRegistry()
	rw := formatted(t, "")
	ro := formatted(t, "")
	ro.SetReadOnly(true)
	session.Attach(1, rw)
	session.Attach(2, ro)
	reconcile(t, r)
	b := r.Bridge()
	pdrv := slotOf(t, r, 1)

	data := filled(1024, 0x5C)
	if got := b.Write(pdrv, data, 100, 2); got != pkg.DiskResultOK {
		t.Fatalf("Write() = %s, want ok", got)
	}
	if !bytes.Equal(rw.Bytes()[100*512:102*512], data) {
		t.Error("Write() data not on device")
	}

	tests := []struct {
		name   string
		pdrv   uint8
		buf    []byte
		sector uint64
		count  uint32
		want   pkg.DiskResult
	}{
		{"zero count", pdrv, data, 0, 0, pkg.DiskResultParamError},
		{"short buffer", pdrv, data, 0, 3, pkg.DiskResultParamError},
		{"past end", pdrv, data, testDiskSize / 512, 1, pkg.DiskResultParamError},
		{"write protected", slotOf(t, r, 2), data, 100, 1, pkg.DiskResultWriteProtected},
		{"empty slot", 3, data, 0, 1, pkg.DiskResultNotReady},
	}
	for _, tt := range tests {
		if got := b.Write(tt.pdrv, tt.buf, tt.sector, tt.count); got != tt.want {
			t.Errorf("%s: Write() = %s, want %s", tt.name, got, tt.want)
		}
	}

	rw.SetFault(errors.New("stall"))
	if got := b.Write(pdrv, data, 0, 1); got != pkg.DiskResultNotReady {
		t.Errorf("Write(faulted) = %s, want not-ready", got)
	}
}

func TestDrive_SetLabel(t *testing.T) {
	r, session, _ := newTestRegistry()
	ro := formatted(t, "LOCKED")
	ro.SetReadOnly(true)
	session.Attach(1, formatted(t, "OLD"))
	session.Attach(2, ro)
	reconcile(t, r)

	err := r.WithDrive(1, func(d *Drive) error {
		if err := d.SetLabel("new"); err != nil {
			return err
		}
		if err := d.Sync(); err != nil {
			return err
		}
		label, err := d.Label()
		if label != "NEW" {
			t.Errorf("Label() = %q, want NEW", label)
		}
		return err
	})
	if err != nil {
		t.Fatalf("WithDrive(1) error = %v", err)
	}

	err = r.WithDrive(2, func(d *Drive) error { return d.SetLabel("OTHER") })
	if !errors.Is(err, pkg.ErrWriteProtected) {
		t.Errorf("SetLabel(read-only) error = %v, want %v", err, pkg.ErrWriteProtected)
	}
}
