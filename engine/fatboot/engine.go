package fatboot

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// Engine is a FAT engine. It recognizes FAT12, FAT16, FAT32 and exFAT
// volumes from their boot sectors, reports their capacity and manages their
// labels. Files and directories of FAT volumes are served by
// github.com/soypat/fat reading through the same DiskIO.
type Engine struct {
	mu      sync.Mutex
	volumes map[string]*Volume
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine with no mounted volumes.
func New() *Engine {
	return &Engine{volumes: make(map[string]*Volume)}
}

// Mount probes the drive behind name and binds the volume found there.
func (e *Engine) Mount(name string, disk engine.DiskIO) (engine.Volume, error) {
	pdrv, err := engine.ParseMountName(name)
	if err != nil {
		return nil, err
	}

	v, err := mount(name, pdrv, disk)
	if err != nil {
		pkg.LogDebug(pkg.ComponentEngine, "mount failed", "name", name, "error", err)
		return nil, err
	}

	e.mu.Lock()
	old := e.volumes[name]
	e.volumes[name] = v
	e.mu.Unlock()

	if old != nil {
		old.close()
	}

	pkg.LogDebug(pkg.ComponentEngine, "volume mounted",
		"name", name, "format", v.format, "sectorSize", v.ss, "clusters", v.nEntries-2)
	return v, nil
}

// Unmount flushes and forgets the volume bound to name.
func (e *Engine) Unmount(name string) error {
	e.mu.Lock()
	v := e.volumes[name]
	delete(e.volumes, name)
	e.mu.Unlock()

	if v == nil {
		return nil
	}
	if err := v.close(); err != nil {
		return fmt.Errorf("unmount %s: %w", name, err)
	}
	pkg.LogDebug(pkg.ComponentEngine, "volume unmounted", "name", name)
	return nil
}

// Label returns the label of the volume bound to name.
func (e *Engine) Label(name string) (string, error) {
	v, err := e.volume(name)
	if err != nil {
		return "", err
	}
	return v.Label()
}

// SetLabel stores label on the volume bound to name.
func (e *Engine) SetLabel(name, label string) error {
	v, err := e.volume(name)
	if err != nil {
		return err
	}
	return v.SetLabel(label)
}

// Mounted returns the number of bound volumes.
func (e *Engine) Mounted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.volumes)
}

func (e *Engine) volume(name string) (*Volume, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.volumes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, pkg.ErrNotMounted)
	}
	return v, nil
}
