package imagedir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/transport"
)

// DefaultExt is the file extension treated as an attached drive.
const DefaultExt = ".img"

// Session treats every image file in a directory as an attached drive.
// Adding a file plugs a drive in; removing or replacing it unplugs it.
type Session struct {
	dir       string
	ext       string
	blockSize uint32

	mu     sync.Mutex
	known  map[string]*image // by file name
	nextID int32
}

// Option configures a Session.
type Option func(*Session)

// WithExt changes the file extension that marks an image.
func WithExt(ext string) Option {
	return func(s *Session) { s.ext = ext }
}

// WithBlockSize sets the sector size images are opened with.
func WithBlockSize(size uint32) Option {
	return func(s *Session) { s.blockSize = size }
}

// New creates a session over dir.
func New(dir string, opts ...Option) *Session {
	s := &Session{
		dir:       dir,
		ext:       DefaultExt,
		blockSize: blockdev.DefaultBlockSize,
		known:     make(map[string]*image),
		nextID:    1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the watched directory.
func (s *Session) Dir() string {
	return s.dir
}

type image struct {
	id        int32
	path      string
	info      os.FileInfo
	readOnly  bool
	blockSize uint32
}

func (i *image) ID() int32 { return i.id }

func (i *image) Open(ctx context.Context) (blockdev.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return blockdev.OpenFile(i.path, i.blockSize, i.readOnly)
}

func (i *image) String() string {
	ro := ""
	if i.readOnly {
		ro = ", read-only"
	}
	return fmt.Sprintf("image %s (%d bytes%s)", filepath.Base(i.path), i.info.Size(), ro)
}

// Devices lists the images present now. An image keeps its identifier
// while the same file stays in place; a new file under an old name gets a
// fresh identifier, as a re-plugged USB device gets a new address.
func (s *Session) Devices(ctx context.Context) ([]transport.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	var out []transport.Device

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, s.ext) || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(s.dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		seen[name] = true

		img, ok := s.known[name]
		if !ok || !os.SameFile(img.info, info) {
			img = &image{
				id:        s.nextID,
				path:      path,
				info:      info,
				readOnly:  info.Mode().Perm()&0o200 == 0,
				blockSize: s.blockSize,
			}
			s.nextID++
			s.known[name] = img
			pkg.LogDebug(pkg.ComponentTransport, "image attached", "id", img.id, "path", path)
		}
		out = append(out, img)
	}

	for name, img := range s.known {
		if !seen[name] {
			delete(s.known, name)
			pkg.LogDebug(pkg.ComponentTransport, "image detached", "id", img.id, "path", img.path)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}
