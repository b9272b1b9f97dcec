//go:build !linux

package main

import (
	"context"
	"fmt"

	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/transport"
)

func sysfsSession(*Config) (transport.Session, error) {
	return nil, fmt.Errorf("%w: the sysfs source is only available on linux", pkg.ErrNotSupported)
}

func watchHotplug(context.Context, func()) error {
	return fmt.Errorf("%w: hotplug events are only available on linux", pkg.ErrNotSupported)
}
