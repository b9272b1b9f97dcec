package ctlfs

import (
	"context"
	"strings"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ardnew/usbdrive/service"
)

// =============================================================================
// Test Helpers
// =============================================================================

// volumeRoot returns the files directory of drive 1.
func volumeRoot(t *testing.T, root *Root) *filesDir {
	t.Helper()
	ctx := context.Background()
	child, errno := root.Lookup(ctx, "1", &fuse.EntryOut{})
	if errno != fs.OK {
		t.Fatalf("Lookup(1) errno = %v", errno)
	}
	files, errno := child.Operations().(*driveDir).Lookup(ctx, DirFiles, &fuse.EntryOut{})
	if errno != fs.OK {
		t.Fatalf("Lookup(files) errno = %v", errno)
	}
	return files.Operations().(*filesDir)
}

func putFile(t *testing.T, svc *service.Service, name, content string) {
	t.Helper()
	err := withFilesystem(context.Background(), svc, 1, func(h *service.Filesystem) error {
		return h.WriteFile(name, []byte(content))
	})
	if err != nil {
		t.Fatalf("WriteFile(%s) error = %v", name, err)
	}
}

func getFile(t *testing.T, svc *service.Service, name string) string {
	t.Helper()
	var data []byte
	err := withFilesystem(context.Background(), svc, 1, func(h *service.Filesystem) error {
		var err error
		data, err = h.ReadFile(name)
		return err
	})
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", name, err)
	}
	return string(data)
}

func lookupFile(t *testing.T, dir *filesDir, name string) *fileNode {
	t.Helper()
	var out fuse.EntryOut
	child, errno := dir.Lookup(context.Background(), name, &out)
	if errno != fs.OK {
		t.Fatalf("Lookup(%s) errno = %v", name, errno)
	}
	f, ok := child.Operations().(*fileNode)
	if !ok {
		t.Fatalf("Lookup(%s) node = %T, want file", name, child.Operations())
	}
	return f
}

func readHandle(t *testing.T, fh fs.FileHandle, off int64) string {
	t.Helper()
	res, errno := fh.(fs.FileReader).Read(context.Background(), make([]byte, 4096), off)
	if errno != fs.OK {
		t.Fatalf("Read() errno = %v", errno)
	}
	b, _ := res.Bytes(make([]byte, 4096))
	return string(b)
}

// =============================================================================
// Volume Tree Tests
// =============================================================================

func TestFilesDir_ReaddirLookup(t *testing.T) {
	root, _ := newTestTree(t, map[int32]string{1: "A"})
	ctx := context.Background()
	dir := volumeRoot(t, root)

	ds, errno := dir.Readdir(ctx)
	if errno != fs.OK {
		t.Fatalf("Readdir() errno = %v", errno)
	}
	if names := dirNames(t, ds); len(names) != 0 {
		t.Errorf("Readdir() of empty volume = %v", names)
	}

	putFile(t, root.svc, "README.TXT", "read me")

	ds, _ = dir.Readdir(ctx)
	if got := strings.Join(dirNames(t, ds), ","); got != "README.TXT" {
		t.Errorf("Readdir() = %s, want README.TXT", got)
	}

	var out fuse.EntryOut
	if _, errno := dir.Lookup(ctx, "readme.txt", &out); errno != fs.OK {
		t.Fatalf("Lookup(readme.txt) errno = %v", errno)
	}
	if out.Mode&fuse.S_IFREG == 0 || out.Size != 7 {
		t.Errorf("Lookup(readme.txt) mode %o size %d, want file of 7 bytes", out.Mode, out.Size)
	}
	if _, errno := dir.Lookup(ctx, "MISSING", &fuse.EntryOut{}); errno != syscall.ENOENT {
		t.Errorf("Lookup(MISSING) errno = %v, want ENOENT", errno)
	}
}

func TestFileNode_ReadWrite(t *testing.T) {
	root, _ := newTestTree(t, map[int32]string{1: "A"})
	ctx := context.Background()
	svc := root.svc
	putFile(t, svc, "DATA.TXT", "hello world")
	f := lookupFile(t, volumeRoot(t, root), "DATA.TXT")

	fh, flags, errno := f.Open(ctx, syscall.O_RDWR)
	if errno != fs.OK || flags&fuse.FOPEN_DIRECT_IO == 0 {
		t.Fatalf("Open() = %#x, %v", flags, errno)
	}
	if got := readHandle(t, fh, 6); got != "world" {
		t.Errorf("Read(off 6) = %q, want world", got)
	}

	n, errno := fh.(fs.FileWriter).Write(ctx, []byte("WORLD!"), 6)
	if errno != fs.OK || n != 6 {
		t.Fatalf("Write() = %d, %v", n, errno)
	}
	var attr fuse.AttrOut
	if errno := f.Getattr(ctx, fh, &attr); errno != fs.OK || attr.Size != 12 {
		t.Errorf("Getattr() size = %d, %v, want 12", attr.Size, errno)
	}

	// Nothing reaches the volume before the flush.
	if got := getFile(t, svc, "DATA.TXT"); got != "hello world" {
		t.Errorf("volume before flush = %q", got)
	}
	if errno := fh.(fs.FileFlusher).Flush(ctx); errno != fs.OK {
		t.Fatalf("Flush() errno = %v", errno)
	}
	if got := getFile(t, svc, "DATA.TXT"); got != "hello WORLD!" {
		t.Errorf("volume after flush = %q, want hello WORLD!", got)
	}
	if errno := fh.(fs.FileFsyncer).Fsync(ctx, 0); errno != fs.OK {
		t.Errorf("Fsync() errno = %v", errno)
	}

	fh, _, _ = f.Open(ctx, syscall.O_WRONLY|syscall.O_TRUNC)
	fh.(fs.FileWriter).Write(ctx, []byte("short"), 0)
	fh.(fs.FileFlusher).Flush(ctx)
	if got := getFile(t, svc, "DATA.TXT"); got != "short" {
		t.Errorf("volume after truncating write = %q, want short", got)
	}
}

func TestFileNode_Setattr(t *testing.T) {
	root, _ := newTestTree(t, map[int32]string{1: "A"})
	ctx := context.Background()
	putFile(t, root.svc, "SIZE.BIN", "0123456789")
	f := lookupFile(t, volumeRoot(t, root), "SIZE.BIN")

	var in fuse.SetAttrIn
	in.Valid = fuse.FATTR_SIZE
	in.Size = 4
	var out fuse.AttrOut
	if errno := f.Setattr(ctx, nil, &in, &out); errno != fs.OK || out.Size != 4 {
		t.Fatalf("Setattr(size 4) = %d, %v", out.Size, errno)
	}
	if got := getFile(t, root.svc, "SIZE.BIN"); got != "0123" {
		t.Errorf("volume after truncate = %q, want 0123", got)
	}

	if errno := f.Getattr(ctx, nil, &out); errno != fs.OK || out.Size != 4 {
		t.Errorf("Getattr() size = %d, %v, want 4", out.Size, errno)
	}
}

func TestFilesDir_Create(t *testing.T) {
	root, _ := newTestTree(t, map[int32]string{1: "A"})
	ctx := context.Background()
	dir := volumeRoot(t, root)

	var out fuse.EntryOut
	node, fh, _, errno := dir.Create(ctx, "NEW.TXT", syscall.O_WRONLY|syscall.O_CREAT, 0o644, &out)
	if errno != fs.OK {
		t.Fatalf("Create() errno = %v", errno)
	}
	if _, ok := node.Operations().(*fileNode); !ok || out.Mode&fuse.S_IFREG == 0 {
		t.Errorf("Create() node %T mode %o", node.Operations(), out.Mode)
	}
	fh.(fs.FileWriter).Write(ctx, []byte("created"), 0)
	if errno := fh.(fs.FileFlusher).Flush(ctx); errno != fs.OK {
		t.Fatalf("Flush() errno = %v", errno)
	}
	if got := getFile(t, root.svc, "NEW.TXT"); got != "created" {
		t.Errorf("created file = %q", got)
	}

	if _, _, _, errno := dir.Create(ctx, "NEW.TXT", 0, 0o644, &fuse.EntryOut{}); errno != syscall.EEXIST {
		t.Errorf("Create(existing) errno = %v, want EEXIST", errno)
	}
}

func TestFileNode_DriveRemoved(t *testing.T) {
	root, session := newTestTree(t, map[int32]string{1: "A"})
	ctx := context.Background()
	putFile(t, root.svc, "GONE.TXT", "x")
	f := lookupFile(t, volumeRoot(t, root), "GONE.TXT")
	fh, _, _ := f.Open(ctx, syscall.O_RDONLY)

	session.Detach(1)
	if _, errno := fh.(fs.FileReader).Read(ctx, make([]byte, 16), 0); errno != syscall.ENOENT {
		t.Errorf("Read() after detach errno = %v, want ENOENT", errno)
	}
}
