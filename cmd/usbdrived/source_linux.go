//go:build linux

package main

import (
	"context"

	"github.com/ardnew/usbdrive/transport"
	"github.com/ardnew/usbdrive/transport/sysfs"
)

func sysfsSession(c *Config) (transport.Session, error) {
	return sysfs.New(sysfs.WithRoot(c.SysfsRoot), sysfs.WithDevRoot(c.DevRoot)), nil
}

// watchHotplug calls notify for every USB or disk uevent until ctx is done.
func watchHotplug(ctx context.Context, notify func()) error {
	w, err := sysfs.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Run(ctx, func(sysfs.Event) { notify() })
}
