package fatboot

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/soypat/fat"

	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

var _ engine.FileSystem = (*Volume)(nil)

// blockDevice presents one drive's sector callbacks as a fat.BlockDevice.
type blockDevice struct {
	disk engine.DiskIO
	pdrv uint8
	ss   int64
}

func (b *blockDevice) blocks(buf []byte, start int64) (uint32, error) {
	n := int64(len(buf)) / b.ss
	if start < 0 || n == 0 || n > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %d bytes at block %d", pkg.ErrParameter, len(buf), start)
	}
	return uint32(n), nil
}

func (b *blockDevice) ReadBlocks(dst []byte, start int64) (int, error) {
	n, err := b.blocks(dst, start)
	if err != nil {
		return 0, err
	}
	if res := b.disk.Read(b.pdrv, dst, uint64(start), n); res != pkg.DiskResultOK {
		return 0, res.Error()
	}
	return int(int64(n) * b.ss), nil
}

func (b *blockDevice) WriteBlocks(data []byte, start int64) (int, error) {
	w, ok := b.disk.(engine.DiskWriter)
	if !ok {
		return 0, pkg.ErrWriteProtected
	}
	n, err := b.blocks(data, start)
	if err != nil {
		return 0, err
	}
	if res := w.Write(b.pdrv, data, uint64(start), n); res != pkg.DiskResultOK {
		return 0, res.Error()
	}
	return int(int64(n) * b.ss), nil
}

// EraseBlocks does nothing; freed clusters are not cleared.
func (b *blockDevice) EraseBlocks(start, n int64) error {
	return nil
}

// cleanPath returns name as an absolute slash-separated path.
func cleanPath(name string) string {
	return path.Clean("/" + name)
}

// ============================================================================
// Directory tree
// ============================================================================

// filesystem returns the volume's directory tree, mounting it on first use.
// v.mu must be held.
func (v *Volume) filesystem() (*fat.FS, error) {
	if v.closed {
		return nil, pkg.ErrNotMounted
	}
	if v.files != nil {
		return v.files, nil
	}
	if v.format == engine.FormatExFAT {
		return nil, fmt.Errorf("exFAT files: %w", pkg.ErrNotSupported)
	}

	mode := fat.ModeRW
	if v.writable() != nil {
		mode = fat.ModeRead
	}
	fsys := new(fat.FS)
	bd := &blockDevice{disk: v.disk, pdrv: v.pdrv, ss: int64(v.ss)}
	if err := fsys.Mount(bd, int(v.ss), mode); err != nil {
		return nil, fmt.Errorf("%s files: %w", v.name, err)
	}
	v.files = fsys
	pkg.LogDebug(pkg.ComponentEngine, "directory tree mounted", "name", v.name)
	return fsys, nil
}

// dropFiles closes the open files and forgets the directory tree, so the
// next file operation rereads it from the drive. v.mu must be held.
func (v *Volume) dropFiles() error {
	var errs []error
	for f := range v.open {
		errs = append(errs, f.close())
	}
	v.files = nil
	return errors.Join(errs...)
}

// invalidate discards what this package cached of sectors the directory
// tree may have rewritten. v.mu must be held.
func (v *Volume) invalidate() {
	v.winValid = false
	v.free = freeUnknown
}

// ReadDir lists the directory at name, omitting the dot entries.
func (v *Volume) ReadDir(name string) ([]engine.DirEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fsys, err := v.filesystem()
	if err != nil {
		return nil, err
	}
	return v.readDir(fsys, cleanPath(name))
}

func (v *Volume) readDir(fsys *fat.FS, p string) ([]engine.DirEntry, error) {
	if p != "/" {
		e, err := v.stat(fsys, p)
		if err != nil {
			return nil, err
		}
		if e.Type != engine.EntryDir {
			return nil, fmt.Errorf("%s: %w", p, pkg.ErrNotDir)
		}
	}

	var dir fat.Dir
	if err := fsys.OpenDir(&dir, p); err != nil {
		return nil, fmt.Errorf("open dir %s: %w", p, err)
	}
	var entries []engine.DirEntry
	err := dir.ForEachFile(func(fi *fat.FileInfo) error {
		name := fi.Name()
		if name == "" || name == "." || name == ".." {
			return nil
		}
		e := engine.DirEntry{Name: name, Size: int64(fi.Size()), Type: engine.EntryFile}
		if fi.IsDir() {
			e.Type = engine.EntryDir
			e.Size = 0
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", p, err)
	}
	return entries, nil
}

// Stat describes the entry at name. Names match case-insensitively.
func (v *Volume) Stat(name string) (engine.DirEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fsys, err := v.filesystem()
	if err != nil {
		return engine.DirEntry{}, err
	}
	return v.stat(fsys, cleanPath(name))
}

func (v *Volume) stat(fsys *fat.FS, p string) (engine.DirEntry, error) {
	if p == "/" {
		return engine.DirEntry{Name: "/", Type: engine.EntryDir}, nil
	}
	dir, base := path.Split(p)
	entries, err := v.readDir(fsys, cleanPath(dir))
	if err != nil {
		return engine.DirEntry{}, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, base) {
			return e, nil
		}
	}
	return engine.DirEntry{}, fmt.Errorf("%s: %w", p, pkg.ErrNotFound)
}

// OpenFile opens the file at name. OpenCreate creates the file, or
// truncates an existing one, in an existing directory.
func (v *Volume) OpenFile(name string, mode engine.OpenMode) (engine.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fsys, err := v.filesystem()
	if err != nil {
		return nil, err
	}
	write := mode&(engine.OpenWrite|engine.OpenCreate) != 0
	if write {
		if err := v.writable(); err != nil {
			return nil, err
		}
	}

	p := cleanPath(name)
	e, err := v.stat(fsys, p)
	switch {
	case err == nil && e.Type == engine.EntryDir:
		return nil, fmt.Errorf("open %s: %w", p, pkg.ErrIsDir)
	case errors.Is(err, pkg.ErrNotFound) && mode&engine.OpenCreate != 0:
		parent, perr := v.stat(fsys, path.Dir(p))
		if perr != nil {
			return nil, fmt.Errorf("open %s: %w", p, perr)
		}
		if parent.Type != engine.EntryDir {
			return nil, fmt.Errorf("open %s: %w", p, pkg.ErrNotDir)
		}
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", p, err)
	}

	access := fat.ModeRead
	switch {
	case write && mode&engine.OpenRead != 0:
		access = fat.ModeRW
	case write:
		access = fat.ModeWrite
	}
	if mode&engine.OpenCreate != 0 {
		access |= fat.ModeCreateAlways
	}

	f := &file{v: v, path: p}
	if err := fsys.OpenFile(&f.fp, p, access); err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	if write {
		v.invalidate()
	}
	if v.open == nil {
		v.open = make(map[*file]struct{})
	}
	v.open[f] = struct{}{}
	return f, nil
}

// file is an open file of a Volume. Its operations hold the volume lock.
type file struct {
	v      *Volume
	fp     fat.File
	path   string
	closed bool
}

func (f *file) check() error {
	if f.closed {
		return pkg.ErrClosed
	}
	if f.v.closed {
		return pkg.ErrNotMounted
	}
	return nil
}

func (f *file) Read(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	n, err := f.fp.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		return n, io.EOF
	case err != nil:
		return n, fmt.Errorf("read %s: %w", f.path, err)
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func (f *file) Write(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	n, err := f.fp.Write(p)
	f.v.invalidate()
	if err != nil {
		return n, fmt.Errorf("write %s: %w", f.path, err)
	}
	if n < len(p) {
		return n, fmt.Errorf("write %s: %w", f.path, io.ErrShortWrite)
	}
	return n, nil
}

// Close flushes the file. A file whose volume was unmounted or relabeled
// has been closed already and reports ErrClosed.
func (f *file) Close() error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if f.closed {
		return pkg.ErrClosed
	}
	return f.close()
}

// close flushes and forgets f. f.v.mu must be held.
func (f *file) close() error {
	f.closed = true
	delete(f.v.open, f)
	err := f.fp.Close()
	f.v.invalidate()
	if err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	return nil
}
