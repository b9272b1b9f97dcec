//go:build linux

// Package sysfs discovers USB mass-storage drives through Linux sysfs.
//
// A drive is a USB interface of class 0x08 (mass storage), subclass 0x06
// (SCSI transparent) and protocol 0x50 (bulk-only) that the usb-storage
// driver has bound to a SCSI disk. The disk's block node under the
// interface names the device file that is opened for sector I/O.
//
// Identifiers pack the bus number, device address and interface number:
//
//	id = bus<<16 | devnum<<8 | interface
//
// The kernel assigns a new device address on every enumeration, so a drive
// that is unplugged and plugged back in gets a new identifier.
//
// # Hot-plug
//
// A [Session] is only read when asked. [Watcher] listens for kernel uevents
// so a daemon knows when asking is worthwhile:
//
//	w, err := sysfs.NewWatcher()
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//	return w.Run(ctx, func(sysfs.Event) { registry.Reconcile(ctx) })
package sysfs
