package drive

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/transport"
)

// Registry owns the drives of one transport session and binds each to a
// slot of a fixed-size table. The table is reconciled against the session
// only when Reconcile is called.
type Registry struct {
	session      transport.Session
	eng          engine.Engine
	bridge       *Bridge
	probeTimeout time.Duration

	// mu guards slot bookkeeping only. It is never held across a probe, a
	// mount or a sector transfer.
	mu     sync.RWMutex
	slots  []*Drive
	gen    uint64
	closed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity sets the number of slots. Values outside 1..MaxCapacity
// are clamped.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		switch {
		case n < 1:
			n = 1
		case n > MaxCapacity:
			n = MaxCapacity
		}
		r.slots = make([]*Drive, n)
	}
}

// WithProbeTimeout bounds acquiring the block device of a new attachment.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// NewRegistry creates an empty registry of DriveMax slots over session,
// mounting volumes with eng.
func NewRegistry(session transport.Session, eng engine.Engine, opts ...Option) *Registry {
	r := &Registry{
		session:      session,
		eng:          eng,
		probeTimeout: DefaultProbeTimeout,
		slots:        make([]*Drive, DriveMax),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.bridge = &Bridge{r: r}
	return r
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Bridge returns the sector callbacks the engine uses to reach this
// registry's drives.
func (r *Registry) Bridge() *Bridge {
	return r.bridge
}

// SlotInfo describes one occupied slot.
type SlotInfo struct {
	Slot  uint8
	ID    int32
	State State
}

// Snapshot returns the occupied slots in slot order.
func (r *Registry) Snapshot() []SlotInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SlotInfo
	for _, d := range r.slots {
		if d != nil {
			out = append(out, SlotInfo{Slot: d.slot, ID: d.id, State: d.State()})
		}
	}
	return out
}

// =============================================================================
// Reconcile
// =============================================================================

type probe struct {
	drive  *Drive
	device transport.Device
}

// Reconcile brings the slot table in line with the devices the session
// reports: new attachments are probed and mounted, vanished ones are
// unmounted and disposed. Failures of individual devices are logged and
// contained. Only a failed session query is returned, and then no drive is
// touched.
func (r *Registry) Reconcile(ctx context.Context) error {
	devs, err := r.session.Devices(ctx)
	if err != nil {
		pkg.LogWarn(pkg.ComponentRegistry, "device query failed", "error", err)
		return fmt.Errorf("reconcile: %w", err)
	}

	present := make(map[int32]bool, len(devs))
	for _, dev := range devs {
		present[dev.ID()] = true
	}

	gone, probes, err := r.plan(devs, present)
	if err != nil {
		return err
	}

	for _, d := range gone {
		r.remove(d)
	}
	for _, p := range probes {
		r.probe(ctx, p)
	}
	return nil
}

// plan claims the drives to remove and reserves slots for new attachments.
func (r *Registry) plan(devs []transport.Device, present map[int32]bool) (gone []*Drive, probes []probe, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, pkg.ErrClosed
	}

	known := make(map[int32]bool, len(r.slots))
	for _, d := range r.slots {
		if d == nil {
			continue
		}
		known[d.id] = true
		// Probing drives belong to the reconcile probing them.
		if !d.reaping && d.State() == StateMounted && !present[d.id] {
			d.reaping = true
			gone = append(gone, d)
		}
	}

	for _, dev := range devs {
		id := dev.ID()
		if known[id] {
			continue
		}
		known[id] = true

		slot, ok := r.freeSlot()
		if !ok {
			pkg.LogDebug(pkg.ComponentRegistry, "device ignored",
				"id", id, "device", dev.String(), "error", pkg.ErrSlotsExhausted)
			continue
		}
		d := newDrive(slot, id, dev.String(), r.eng, r.bridge)
		r.gen++
		d.gen = r.gen
		d.setState(StateProbing)
		r.slots[slot] = d
		probes = append(probes, probe{drive: d, device: dev})
	}
	return gone, probes, nil
}

// freeSlot returns the lowest unoccupied slot. r.mu must be held.
func (r *Registry) freeSlot() (uint8, bool) {
	for i, d := range r.slots {
		if d == nil {
			return uint8(i), true
		}
	}
	return 0, false
}

func (r *Registry) probe(ctx context.Context, p probe) {
	d := p.drive

	openCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	dev, err := p.device.Open(openCtx)
	cancel()
	if err != nil {
		pkg.LogWarn(pkg.ComponentRegistry, "open failed", "id", d.id, "device", d.desc, "error", err)
		d.Dispose()
		r.release(d)
		return
	}

	if !d.attach(dev) {
		if c, ok := dev.(io.Closer); ok {
			c.Close()
		}
		r.release(d)
		return
	}
	if err := d.Mount(); err != nil {
		pkg.LogWarn(pkg.ComponentRegistry, "mount failed", "id", d.id, "slot", d.slot, "error", err)
		r.release(d)
		return
	}
	pkg.LogInfo(pkg.ComponentRegistry, "drive attached", "id", d.id, "slot", d.slot, "device", d.desc)
}

func (r *Registry) remove(d *Drive) {
	d.Unmount()
	d.Dispose()
	r.release(d)
	pkg.LogInfo(pkg.ComponentRegistry, "drive detached", "id", d.id, "slot", d.slot)
}

// release frees d's slot. Only disposed drives are released.
func (r *Registry) release(d *Drive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[d.slot] == d {
		r.slots[d.slot] = nil
	}
}

// Close disposes every drive. The registry cannot be reconciled afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	var drives []*Drive
	for _, d := range r.slots {
		if d != nil && !d.reaping {
			d.reaping = true
			drives = append(drives, d)
		}
	}
	r.mu.Unlock()

	for _, d := range drives {
		r.remove(d)
	}
	return nil
}

// =============================================================================
// Lookup
// =============================================================================

// Resolve returns the mounted drive with external identifier id, or
// ErrInvalidDriveIndex.
func (r *Registry) Resolve(id int32) (*Drive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d := r.lookup(id); d != nil {
		return d, nil
	}
	return nil, pkg.ErrInvalidDriveIndex
}

// lookup returns the mounted drive with identifier id. r.mu must be held.
func (r *Registry) lookup(id int32) *Drive {
	for _, d := range r.slots {
		if d != nil && d.id == id && !d.reaping && d.State() == StateMounted {
			return d
		}
	}
	return nil
}

// WithDrive resolves id and calls fn with the drive. The registry lock is
// not held while fn runs; fn must not retain the drive.
func (r *Registry) WithDrive(id int32, fn func(*Drive) error) error {
	d, err := r.Resolve(id)
	if err != nil {
		return err
	}
	return fn(d)
}

// WithAttachment is WithDrive restricted to one attachment of id. Once id
// names a device other than generation gen, it fails with
// ErrDriveUnavailable.
func (r *Registry) WithAttachment(id int32, gen uint64, fn func(*Drive) error) error {
	d, err := r.Resolve(id)
	if err != nil {
		return err
	}
	if d.gen != gen {
		return pkg.ErrDriveUnavailable
	}
	return fn(d)
}

// OpenHandle records an open filesystem handle on drive id and returns the
// generation of the attachment it is bound to.
func (r *Registry) OpenHandle(id int32) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := r.lookup(id)
	if d == nil {
		return 0, pkg.ErrInvalidDriveIndex
	}
	d.handles.Add(1)
	return d.gen, nil
}

// CloseHandle drops a handle opened on generation gen of drive id. It
// reports false, counting nothing, when that attachment is gone.
func (r *Registry) CloseHandle(id int32, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.slots {
		if d != nil && d.id == id && d.gen == gen {
			d.handles.Add(-1)
			return true
		}
	}
	return false
}

// Enumerate returns the identifiers of up to limit mounted drives in slot
// order, and the number of mounted drives.
func (r *Registry) Enumerate(limit int) (ids []int32, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit < 0 {
		limit = 0
	}
	ids = make([]int32, 0, min(limit, len(r.slots)))
	for _, d := range r.slots {
		if d == nil || d.reaping || d.State() != StateMounted {
			continue
		}
		total++
		if len(ids) < limit {
			ids = append(ids, d.id)
		}
	}
	return ids, total
}

// slot returns the drive occupying pdrv, if any.
func (r *Registry) slot(pdrv uint8) *Drive {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(pdrv) >= len(r.slots) {
		return nil
	}
	return r.slots[pdrv]
}
