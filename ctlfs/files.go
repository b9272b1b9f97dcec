package ctlfs

import (
	"context"
	"path"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/service"
)

// =============================================================================
// Volume Directories
// =============================================================================

// filesDir is a directory of a drive's volume.
type filesDir struct {
	fs.Inode
	svc  *service.Service
	id   int32
	path string
}

var (
	_ fs.NodeReaddirer = (*filesDir)(nil)
	_ fs.NodeLookuper  = (*filesDir)(nil)
	_ fs.NodeCreater   = (*filesDir)(nil)
	_ fs.NodeGetattrer = (*filesDir)(nil)
)

func (d *filesDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0o755
	return fs.OK
}

func (d *filesDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []engine.DirEntry
	err := withFilesystem(ctx, d.svc, d.id, func(h *service.Filesystem) error {
		var err error
		entries, err = h.ReadDir(d.path)
		return err
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentExport, "readdir failed", "id", d.id, "path", d.path, "error", err)
		return nil, errno(err)
	}

	out := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		out[i] = fuse.DirEntry{Name: e.Name, Mode: entryMode(e.Type)}
	}
	return fs.NewListDirStream(out), fs.OK
}

func (d *filesDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := path.Join(d.path, name)
	var e engine.DirEntry
	err := withFilesystem(ctx, d.svc, d.id, func(h *service.Filesystem) error {
		var err error
		e, err = h.Stat(p)
		return err
	})
	if err != nil {
		return nil, errno(err)
	}
	return d.child(ctx, p, e, &out.Attr), fs.OK
}

// Create makes an empty file. The kernel only asks for names that do not
// exist yet.
func (d *filesDir) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := path.Join(d.path, name)
	err := withFilesystem(ctx, d.svc, d.id, func(h *service.Filesystem) error {
		return h.CreateFile(p, 0)
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentExport, "create failed", "id", d.id, "path", p, "error", err)
		return nil, nil, 0, errno(err)
	}
	node := d.child(ctx, p, engine.DirEntry{Name: name, Type: engine.EntryFile}, &out.Attr)
	fh := &openFile{node: node.Operations().(*fileNode), loaded: true}
	return node, fh, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (d *filesDir) child(ctx context.Context, p string, e engine.DirEntry, attr *fuse.Attr) *fs.Inode {
	mode := entryMode(e.Type)
	if e.Type == engine.EntryDir {
		attr.Mode = mode | 0o755
		dir := &filesDir{svc: d.svc, id: d.id, path: p}
		return d.NewInode(ctx, dir, fs.StableAttr{Mode: mode})
	}
	attr.Mode = mode | 0o644
	attr.Size = uint64(e.Size)
	f := &fileNode{svc: d.svc, id: d.id, path: p}
	return d.NewInode(ctx, f, fs.StableAttr{Mode: mode})
}

func entryMode(t engine.EntryType) uint32 {
	if t == engine.EntryDir {
		return fuse.S_IFDIR
	}
	return fuse.S_IFREG
}

// =============================================================================
// Volume Files
// =============================================================================

// fileNode is a file of a drive's volume.
type fileNode struct {
	fs.Inode
	svc  *service.Service
	id   int32
	path string
}

var (
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeSetattrer = (*fileNode)(nil)
)

func (n *fileNode) do(ctx context.Context, fn func(*service.Filesystem) error) error {
	return withFilesystem(ctx, n.svc, n.id, fn)
}

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if of, ok := fh.(*openFile); ok {
		if size, ok := of.size(); ok {
			out.Mode = fuse.S_IFREG | 0o644
			out.Size = size
			return fs.OK
		}
	}
	var e engine.DirEntry
	err := n.do(ctx, func(h *service.Filesystem) error {
		var err error
		e, err = h.Stat(n.path)
		return err
	})
	if err != nil {
		return errno(err)
	}
	out.Mode = fuse.S_IFREG | 0o644
	out.Size = uint64(e.Size)
	return fs.OK
}

// Setattr resizes the file. Other attributes are not stored.
func (n *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	size, ok := in.GetSize()
	if !ok {
		return n.Getattr(ctx, fh, out)
	}
	if of, ok := fh.(*openFile); ok {
		if errno := of.truncate(ctx, size); errno != fs.OK {
			return errno
		}
		out.Mode = fuse.S_IFREG | 0o644
		out.Size = size
		return fs.OK
	}

	err := n.do(ctx, func(h *service.Filesystem) error {
		data, err := h.ReadFile(n.path)
		if err != nil {
			return err
		}
		return h.WriteFile(n.path, resize(data, size))
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentExport, "truncate failed", "id", n.id, "path", n.path, "error", err)
		return errno(err)
	}
	out.Mode = fuse.S_IFREG | 0o644
	out.Size = size
	return fs.OK
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	of := &openFile{node: n}
	if flags&syscall.O_TRUNC != 0 {
		of.loaded = true
		of.dirty = true
	}
	return of, fuse.FOPEN_DIRECT_IO, fs.OK
}

func resize(data []byte, size uint64) []byte {
	if size <= uint64(len(data)) {
		return data[:size]
	}
	return append(data, make([]byte, size-uint64(len(data)))...)
}

// openFile buffers a file's content between open and flush. The content is
// read on first use and written back whole when dirty.
type openFile struct {
	node *fileNode

	mu     sync.Mutex
	data   []byte
	loaded bool
	dirty  bool
}

var (
	_ fs.FileReader  = (*openFile)(nil)
	_ fs.FileWriter  = (*openFile)(nil)
	_ fs.FileFlusher = (*openFile)(nil)
	_ fs.FileFsyncer = (*openFile)(nil)
)

// load reads the file unless it is already buffered. f.mu must be held.
func (f *openFile) load(ctx context.Context) syscall.Errno {
	if f.loaded {
		return fs.OK
	}
	err := f.node.do(ctx, func(h *service.Filesystem) error {
		var err error
		f.data, err = h.ReadFile(f.node.path)
		return err
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentExport, "read failed", "id", f.node.id, "path", f.node.path, "error", err)
		return errno(err)
	}
	f.loaded = true
	return fs.OK
}

func (f *openFile) size() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.data)), f.loaded
}

func (f *openFile) truncate(ctx context.Context, size uint64) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errno := f.load(ctx); errno != fs.OK {
		return errno
	}
	f.data = resize(f.data, size)
	f.dirty = true
	return fs.OK
}

func (f *openFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errno := f.load(ctx); errno != fs.OK {
		return nil, errno
	}
	if off >= int64(len(f.data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := min(off+int64(len(dest)), int64(len(f.data)))
	return fuse.ReadResultData(f.data[off:end]), fs.OK
}

func (f *openFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if errno := f.load(ctx); errno != fs.OK {
		return 0, errno
	}
	if end := uint64(off) + uint64(len(data)); end > uint64(len(f.data)) {
		f.data = resize(f.data, end)
	}
	copy(f.data[off:], data)
	f.dirty = true
	return uint32(len(data)), fs.OK
}

// Flush writes the buffered content back to the volume.
func (f *openFile) Flush(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return fs.OK
	}
	err := f.node.do(ctx, func(h *service.Filesystem) error {
		return h.WriteFile(f.node.path, f.data)
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentExport, "write failed", "id", f.node.id, "path", f.node.path, "error", err)
		return errno(err)
	}
	f.dirty = false
	return fs.OK
}

func (f *openFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if errno := f.Flush(ctx); errno != fs.OK {
		return errno
	}
	return errno(f.node.do(ctx, (*service.Filesystem).Commit))
}
