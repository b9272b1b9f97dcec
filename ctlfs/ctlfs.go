package ctlfs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ardnew/usbdrive/drive"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/service"
)

// Attribute file names under each drive directory.
const (
	FileType  = "type"
	FileLabel = "label"
	FileSpace = "space"
	FileCtl   = "ctl"
)

// DirFiles is the directory under each drive directory that holds the
// volume's files.
const DirFiles = "files"

// CtlSync is the command written to the ctl file to flush a volume.
const CtlSync = "sync"

var files = []string{FileType, FileLabel, FileSpace, FileCtl}

// Options configures Mount.
type Options struct {
	// Capacity bounds the drives listed in the root directory.
	Capacity int

	// Debug logs every FUSE request.
	Debug bool

	// AllowOther lets users other than the mounting one access the tree.
	AllowOther bool
}

// Mount serves the control tree for svc at dir. The caller unmounts with
// the returned server.
func Mount(dir string, svc *service.Service, opts Options) (*fuse.Server, error) {
	// Drives come and go between requests; the kernel must not cache.
	var noCache time.Duration
	server, err := fs.Mount(dir, NewRoot(svc, opts.Capacity), &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "usbdrive",
			Name:       "usbdrive",
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
		},
		EntryTimeout:    &noCache,
		AttrTimeout:     &noCache,
		NegativeTimeout: &noCache,
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	pkg.LogInfo(pkg.ComponentExport, "control tree mounted", "dir", dir)
	return server, nil
}

// withFilesystem runs fn with a handle on drive id that is closed after.
func withFilesystem(ctx context.Context, svc *service.Service, id int32, fn func(*service.Filesystem) error) error {
	h, err := svc.OpenFilesystem(ctx, id)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

// errno maps service errors onto the errno a file operation reports.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, pkg.ErrInvalidDriveIndex), errors.Is(err, pkg.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, pkg.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, pkg.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, pkg.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, pkg.ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, pkg.ErrWriteProtected):
		return syscall.EROFS
	case errors.Is(err, pkg.ErrInvalidLabel), errors.Is(err, pkg.ErrParameter):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// =============================================================================
// Root
// =============================================================================

// Root is the top directory: one subdirectory per mounted drive, named by
// its identifier.
type Root struct {
	fs.Inode
	svc      *service.Service
	capacity int
}

var (
	_ fs.NodeReaddirer = (*Root)(nil)
	_ fs.NodeLookuper  = (*Root)(nil)
)

// NewRoot creates the root node. capacity bounds the listing; zero or less
// lists up to the registry's capacity.
func NewRoot(svc *service.Service, capacity int) *Root {
	if capacity <= 0 {
		capacity = svc.Registry().Capacity()
	}
	return &Root{svc: svc, capacity: min(capacity, drive.MaxCapacity)}
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	ids, _ := r.svc.ListMountedDrives(ctx, r.capacity)
	entries := make([]fuse.DirEntry, len(ids))
	for i, id := range ids {
		entries[i] = fuse.DirEntry{Name: strconv.Itoa(int(id)), Mode: fuse.S_IFDIR}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, err := strconv.ParseInt(name, 10, 32)
	if err != nil {
		return nil, syscall.ENOENT
	}
	if _, err := r.svc.GetFilesystemType(ctx, int32(id)); err != nil {
		return nil, errno(err)
	}
	out.Mode = fuse.S_IFDIR | 0o555
	dir := &driveDir{svc: r.svc, id: int32(id)}
	return r.NewInode(ctx, dir, fs.StableAttr{Mode: fuse.S_IFDIR}), fs.OK
}

// =============================================================================
// Drive Directory
// =============================================================================

type driveDir struct {
	fs.Inode
	svc *service.Service
	id  int32
}

var (
	_ fs.NodeReaddirer = (*driveDir)(nil)
	_ fs.NodeLookuper  = (*driveDir)(nil)
)

func (d *driveDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, len(files), len(files)+1)
	for i, name := range files {
		entries[i] = fuse.DirEntry{Name: name, Mode: fuse.S_IFREG}
	}
	entries = append(entries, fuse.DirEntry{Name: DirFiles, Mode: fuse.S_IFDIR})
	return fs.NewListDirStream(entries), fs.OK
}

func (d *driveDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == DirFiles {
		out.Mode = fuse.S_IFDIR | 0o755
		dir := &filesDir{svc: d.svc, id: d.id, path: "/"}
		return d.NewInode(ctx, dir, fs.StableAttr{Mode: fuse.S_IFDIR}), fs.OK
	}
	f := &attrFile{svc: d.svc, id: d.id, name: name}
	if f.perm() == 0 {
		return nil, syscall.ENOENT
	}
	out.Mode = fuse.S_IFREG | f.perm()
	return d.NewInode(ctx, f, fs.StableAttr{Mode: fuse.S_IFREG}), fs.OK
}

// =============================================================================
// Attribute Files
// =============================================================================

// attrFile is one of the per-drive files. Content is produced on every read
// so it always reflects the drive's current state.
type attrFile struct {
	fs.Inode
	svc  *service.Service
	id   int32
	name string
}

var (
	_ fs.NodeOpener    = (*attrFile)(nil)
	_ fs.NodeReader    = (*attrFile)(nil)
	_ fs.NodeWriter    = (*attrFile)(nil)
	_ fs.NodeGetattrer = (*attrFile)(nil)
	_ fs.NodeSetattrer = (*attrFile)(nil)
)

func (f *attrFile) perm() uint32 {
	switch f.name {
	case FileType, FileSpace:
		return 0o444
	case FileLabel:
		return 0o644
	case FileCtl:
		return 0o200
	}
	return 0
}

func (f *attrFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *attrFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | f.perm()
	return fs.OK
}

// Setattr accepts the truncation that precedes a shell redirect.
func (f *attrFile) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | f.perm()
	return fs.OK
}

func (f *attrFile) content(ctx context.Context) ([]byte, error) {
	switch f.name {
	case FileType:
		tag, err := f.svc.GetFilesystemType(ctx, f.id)
		if err != nil {
			return nil, err
		}
		return []byte(tag.String() + "\n"), nil

	case FileLabel:
		label, err := f.svc.GetLabel(ctx, f.id)
		if err != nil {
			return nil, err
		}
		return []byte(label + "\n"), nil

	case FileSpace:
		var out []byte
		err := withFilesystem(ctx, f.svc, f.id, func(h *service.Filesystem) error {
			total, free, bs, err := h.Space()
			out = []byte(fmt.Sprintf("%d %d %d\n", total, free, bs))
			return err
		})
		return out, err
	}
	return nil, pkg.ErrNotSupported
}

func (f *attrFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.content(ctx)
	if err != nil {
		pkg.LogDebug(pkg.ComponentExport, "read failed", "id", f.id, "file", f.name, "error", err)
		return nil, errno(err)
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := min(off+int64(len(dest)), int64(len(data)))
	return fuse.ReadResultData(data[off:end]), fs.OK
}

func (f *attrFile) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	value := strings.TrimRight(string(data), "\r\n")

	var err error
	switch f.name {
	case FileLabel:
		err = f.svc.SetLabel(ctx, f.id, value)

	case FileCtl:
		if value != CtlSync {
			return 0, syscall.EINVAL
		}
		err = withFilesystem(ctx, f.svc, f.id, (*service.Filesystem).Commit)

	default:
		return 0, syscall.EACCES
	}

	if err != nil {
		pkg.LogDebug(pkg.ComponentExport, "write failed", "id", f.id, "file", f.name, "error", err)
		return 0, errno(err)
	}
	return uint32(len(data)), fs.OK
}
