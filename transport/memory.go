package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/pkg"
)

// OpenFunc acquires a block device for an attachment.
type OpenFunc func(ctx context.Context) (blockdev.Device, error)

// Memory is a Session whose attachments are managed by the caller.
type Memory struct {
	mu      sync.Mutex
	devices []*memoryDevice
	err     error
	queries int
}

type memoryDevice struct {
	id   int32
	desc string
	open OpenFunc
}

func (d *memoryDevice) ID() int32 { return d.id }

func (d *memoryDevice) Open(ctx context.Context) (blockdev.Device, error) {
	return d.open(ctx)
}

func (d *memoryDevice) String() string { return d.desc }

// NewMemory creates an empty in-memory session.
func NewMemory() *Memory {
	return &Memory{}
}

// Attach adds dev under id. Attaching an id that is already present
// replaces it.
func (m *Memory) Attach(id int32, dev blockdev.Device) {
	m.AttachFunc(id, fmt.Sprintf("memory device %d", id), func(context.Context) (blockdev.Device, error) {
		return dev, nil
	})
}

// AttachFunc adds an attachment whose Open calls open.
func (m *Memory) AttachFunc(id int32, desc string, open OpenFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &memoryDevice{id: id, desc: desc, open: open}
	for i, old := range m.devices {
		if old.id == id {
			m.devices[i] = d
			return
		}
	}
	m.devices = append(m.devices, d)
}

// Detach removes id. Detaching an unknown id is a no-op.
func (m *Memory) Detach(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d.id == id {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}

// SetError makes Devices fail with err until cleared with nil.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Queries returns how many times Devices has been called.
func (m *Memory) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// Devices returns the attachments in attach order.
func (m *Memory) Devices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries++
	if m.err != nil {
		pkg.LogDebug(pkg.ComponentTransport, "memory session query failed", "error", m.err)
		return nil, m.err
	}
	out := make([]Device, len(m.devices))
	for i, d := range m.devices {
		out[i] = d
	}
	return out, nil
}
