//go:build linux

package sysfs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbdrive/pkg"
)

// =============================================================================
// UEvent Types
// =============================================================================

// Action is a kernel uevent action.
type Action uint8

const (
	ActionUnknown Action = iota
	ActionAdd
	ActionRemove
	ActionChange
	ActionBind
	ActionUnbind
)

var actionNames = [...]string{"unknown", "add", "remove", "change", "bind", "unbind"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return actionNames[ActionUnknown]
}

func parseAction(s string) Action {
	for i, name := range actionNames {
		if i > 0 && name == s {
			return Action(i)
		}
	}
	return ActionUnknown
}

// Event is a parsed kernel uevent.
type Event struct {
	Action    Action
	DevPath   string // DEVPATH
	Subsystem string // SUBSYSTEM
	DevType   string // DEVTYPE
	DevName   string // DEVNAME, for block devices
}

// Relevant reports whether e can change the set of attached drives: a USB
// device or interface coming or going, or a whole block disk appearing,
// vanishing or changing media.
func (e Event) Relevant() bool {
	switch e.Action {
	case ActionAdd, ActionRemove, ActionChange, ActionBind, ActionUnbind:
	default:
		return false
	}
	switch e.Subsystem {
	case "usb":
		return e.DevType == "usb_device" || e.DevType == "usb_interface"
	case "block":
		return e.DevType == "disk"
	}
	return false
}

// ParseUEvent parses a netlink uevent message: an optional "action@devpath"
// header followed by NUL-separated KEY=value pairs.
func ParseUEvent(data []byte) Event {
	var evt Event
	for _, field := range bytes.Split(data, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		s := string(field)

		key, value, ok := strings.Cut(s, "=")
		if !ok {
			if action, path, ok := strings.Cut(s, "@"); ok {
				evt.Action = parseAction(action)
				evt.DevPath = path
			}
			continue
		}

		switch key {
		case "ACTION":
			evt.Action = parseAction(value)
		case "DEVPATH":
			evt.DevPath = value
		case "SUBSYSTEM":
			evt.Subsystem = value
		case "DEVTYPE":
			evt.DevType = value
		case "DEVNAME":
			evt.DevName = value
		}
	}
	return evt
}

// =============================================================================
// Hotplug Watcher
// =============================================================================

// ueventBufferSize bounds one netlink message.
const ueventBufferSize = 8192

// pollInterval is how often a blocked receive wakes to check for
// cancellation.
const pollInterval = 250 * time.Millisecond

// Watcher receives kernel uevents over netlink.
type Watcher struct {
	fd        int
	buf       [ueventBufferSize]byte
	closeOnce sync.Once
	closeErr  error
}

// NewWatcher opens a netlink socket bound to the kernel uevent broadcast
// group.
func NewWatcher() (*Watcher, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	tv := unix.NsecToTimeval(pollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Watcher{fd: fd}, nil
}

// Close releases the socket.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { w.closeErr = unix.Close(w.fd) })
	return w.closeErr
}

// Run calls fn for every relevant event until ctx is done or the socket
// fails. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, fn func(Event)) error {
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(w.fd, w.buf[:], 0)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ENOBUFS):
			// The kernel dropped events; callers rescan anyway.
			pkg.LogWarn(pkg.ComponentTransport, "uevent overrun")
			fn(Event{Action: ActionChange, Subsystem: "usb", DevType: "usb_device"})
			continue
		case err != nil:
			return err
		}

		evt := ParseUEvent(w.buf[:n])
		if !evt.Relevant() {
			continue
		}
		pkg.LogDebug(pkg.ComponentTransport, "uevent",
			"action", evt.Action, "subsystem", evt.Subsystem, "devpath", evt.DevPath)
		fn(evt)
	}
	return nil
}
