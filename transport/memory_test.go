package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/usbdrive/blockdev"
)

func ids(devs []Device) []int32 {
	out := make([]int32, len(devs))
	for i, d := range devs {
		out[i] = d.ID()
	}
	return out
}

func equalIDs(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemory_AttachDetach(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	devs, err := m.Devices(ctx)
	if err != nil || len(devs) != 0 {
		t.Fatalf("Devices() = %v, %v, want empty", devs, err)
	}

	m.Attach(7, blockdev.NewMemoryDevice(4096, 512))
	m.Attach(3, blockdev.NewMemoryDevice(4096, 512))
	m.Attach(9, blockdev.NewMemoryDevice(4096, 512))

	devs, _ = m.Devices(ctx)
	if got := ids(devs); !equalIDs(got, []int32{7, 3, 9}) {
		t.Errorf("ids = %v, want [7 3 9]", got)
	}

	m.Detach(3)
	m.Detach(42)
	devs, _ = m.Devices(ctx)
	if got := ids(devs); !equalIDs(got, []int32{7, 9}) {
		t.Errorf("ids after detach = %v, want [7 9]", got)
	}

	if m.Queries() != 3 {
		t.Errorf("Queries() = %d, want 3", m.Queries())
	}
}

func TestMemory_Replace(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first := blockdev.NewMemoryDevice(4096, 512)
	second := blockdev.NewMemoryDevice(8192, 512)

	m.Attach(1, first)
	m.Attach(1, second)

	devs, _ := m.Devices(ctx)
	if len(devs) != 1 {
		t.Fatalf("len(Devices()) = %d, want 1", len(devs))
	}
	dev, err := devs[0].Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dev != blockdev.Device(second) {
		t.Error("Open() returned the replaced device")
	}
	if devs[0].String() == "" {
		t.Error("String() is empty")
	}
}

func TestMemory_Errors(t *testing.T) {
	m := NewMemory()
	boom := errors.New("bus reset")

	m.SetError(boom)
	if _, err := m.Devices(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Devices() error = %v, want %v", err, boom)
	}
	m.SetError(nil)
	if _, err := m.Devices(context.Background()); err != nil {
		t.Errorf("Devices() error = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Devices(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Devices(cancelled) error = %v, want %v", err, context.Canceled)
	}
}

func TestMemory_AttachFunc(t *testing.T) {
	m := NewMemory()
	openErr := errors.New("no medium")
	m.AttachFunc(5, "card reader", func(context.Context) (blockdev.Device, error) {
		return nil, openErr
	})

	devs, _ := m.Devices(context.Background())
	if devs[0].String() != "card reader" {
		t.Errorf("String() = %q", devs[0].String())
	}
	if _, err := devs[0].Open(context.Background()); !errors.Is(err, openErr) {
		t.Errorf("Open() error = %v, want %v", err, openErr)
	}
}
