// Package transport defines how the drive manager discovers attached
// mass-storage devices.
//
// A [Session] reports the devices attached right now; the registry compares
// that list with its own drives on every reconcile. Sessions never push
// events. Implementations:
//
//   - [Memory]: caller-managed attachments, used by tests
//   - imagedir: disk images in a directory
//   - sysfs: USB mass-storage interfaces bound to the Linux usb-storage driver
package transport
