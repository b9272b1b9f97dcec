package transport

import (
	"context"

	"github.com/ardnew/usbdrive/blockdev"
)

// Device is one attached mass-storage device as seen by a transport session.
type Device interface {
	// ID returns the external identifier of the attachment. It is stable
	// while the device stays attached and may be reused after detach.
	ID() int32

	// Open acquires the device's block interface. The caller owns the
	// result and closes it if it implements io.Closer.
	Open(ctx context.Context) (blockdev.Device, error)

	// String describes the device for logs and listings.
	String() string
}

// Session enumerates the currently attached devices.
type Session interface {
	Devices(ctx context.Context) ([]Device, error)
}
