package fatboot

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// ============================================================================
// Test helpers
// ============================================================================

func writeFile(t *testing.T, v *Volume, name string, data []byte) {
	t.Helper()
	f, err := v.OpenFile(name, engine.OpenCreate)
	if err != nil {
		t.Fatalf("OpenFile(%s, create) error = %v", name, err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write(%s) error = %v", name, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close(%s) error = %v", name, err)
	}
}

func readFile(t *testing.T, v *Volume, name string) []byte {
	t.Helper()
	f, err := v.OpenFile(name, engine.OpenRead)
	if err != nil {
		t.Fatalf("OpenFile(%s) error = %v", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll(%s) error = %v", name, err)
	}
	return data
}

// ============================================================================
// Files
// ============================================================================

func TestFiles_WriteRead(t *testing.T) {
	tests := []struct {
		name string
		typ  engine.FormatTag
		size uint64
	}{
		{"FAT12", engine.FormatFAT12, 1 * mib},
		{"FAT16", engine.FormatFAT16, 16 * mib},
		{"FAT32", engine.FormatFAT32, 64 * mib},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := formatted(t, tt.size, Options{Type: tt.typ})
			v := mountDev(t, New(), "0:", dev)

			_, freeBefore, err := v.Space()
			if err != nil {
				t.Fatalf("Space() error = %v", err)
			}

			data := bytes.Repeat([]byte("usbdrive "), 2000)
			writeFile(t, v, "/HELLO.TXT", data)

			if got := readFile(t, v, "hello.txt"); !bytes.Equal(got, data) {
				t.Errorf("read back %d bytes, want %d", len(got), len(data))
			}
			e, err := v.Stat("Hello.Txt")
			if err != nil {
				t.Fatalf("Stat() error = %v", err)
			}
			if e.Type != engine.EntryFile || e.Size != int64(len(data)) {
				t.Errorf("Stat() = %+v, want file of %d bytes", e, len(data))
			}

			_, freeAfter, err := v.Space()
			if err != nil {
				t.Fatalf("Space() error = %v", err)
			}
			if freeAfter >= freeBefore {
				t.Errorf("free space %d after write, was %d", freeAfter, freeBefore)
			}
		})
	}
}

func TestFiles_ReadDir(t *testing.T) {
	dev := formatted(t, 1*mib, Options{Type: engine.FormatFAT12, Label: "FILES"})
	v := mountDev(t, New(), "0:", dev)

	entries, err := v.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir(/) error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ReadDir(/) on a fresh volume = %v, want empty", entries)
	}

	writeFile(t, v, "A.TXT", []byte("a"))
	writeFile(t, v, "B.BIN", []byte("bb"))

	entries, err = v.ReadDir("")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	got := map[string]int64{}
	for _, e := range entries {
		if e.Type != engine.EntryFile {
			t.Errorf("entry %q type = %v, want file", e.Name, e.Type)
		}
		got[e.Name] = e.Size
	}
	if len(got) != 2 || got["A.TXT"] != 1 || got["B.BIN"] != 2 {
		t.Errorf("ReadDir() = %v, want A.TXT:1 B.BIN:2", entries)
	}

	root, err := v.Stat("/")
	if err != nil || root.Type != engine.EntryDir {
		t.Errorf("Stat(/) = %+v, %v, want directory", root, err)
	}
	if label, _ := v.Label(); label != "FILES" {
		t.Errorf("Label() = %q after writing files, want FILES", label)
	}
}

func TestFiles_Errors(t *testing.T) {
	dev := formatted(t, 1*mib, Options{Type: engine.FormatFAT12})
	v := mountDev(t, New(), "0:", dev)
	writeFile(t, v, "DATA.TXT", []byte("x"))

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{"stat missing", func() error { _, err := v.Stat("NOPE.TXT"); return err }, pkg.ErrNotFound},
		{"open missing", func() error { _, err := v.OpenFile("NOPE.TXT", engine.OpenRead); return err }, pkg.ErrNotFound},
		{"open root", func() error { _, err := v.OpenFile("/", engine.OpenRead); return err }, pkg.ErrIsDir},
		{"list file", func() error { _, err := v.ReadDir("DATA.TXT"); return err }, pkg.ErrNotDir},
		{"create under file", func() error { _, err := v.OpenFile("DATA.TXT/X", engine.OpenCreate); return err }, pkg.ErrNotDir},
		{"create in missing dir", func() error { _, err := v.OpenFile("NODIR/X", engine.OpenCreate); return err }, pkg.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFiles_ReadOnly(t *testing.T) {
	dev := formatted(t, 1*mib, Options{Type: engine.FormatFAT12})
	v := mountDev(t, New(), "0:", dev)
	writeFile(t, v, "KEEP.TXT", []byte("kept"))

	ro := New()
	vol, err := ro.Mount("1:", readOnlyDisk{&testDisk{dev: dev}})
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	rv := vol.(*Volume)
	if _, err := rv.OpenFile("NEW.TXT", engine.OpenCreate); !errors.Is(err, pkg.ErrWriteProtected) {
		t.Errorf("OpenFile(create) on read-only disk error = %v, want %v", err, pkg.ErrWriteProtected)
	}
	if got := readFile(t, rv, "KEEP.TXT"); string(got) != "kept" {
		t.Errorf("read-only read = %q, want kept", got)
	}
}

func TestFiles_InvalidatedByRelabel(t *testing.T) {
	dev := formatted(t, 1*mib, Options{Type: engine.FormatFAT12})
	e := New()
	v := mountDev(t, e, "0:", dev)

	f, err := v.OpenFile("OPEN.TXT", engine.OpenCreate)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Write([]byte("before relabel")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := e.SetLabel("0:", "RELABELED"); err != nil {
		t.Fatalf("SetLabel() error = %v", err)
	}
	if _, err := f.Write([]byte("x")); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Write() after relabel error = %v, want %v", err, pkg.ErrClosed)
	}
	if err := f.Close(); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Close() after relabel error = %v, want %v", err, pkg.ErrClosed)
	}

	// Relabeling flushed the file, and creating another keeps the label.
	if got := readFile(t, v, "OPEN.TXT"); string(got) != "before relabel" {
		t.Errorf("file after relabel = %q", got)
	}
	writeFile(t, v, "AFTER.TXT", []byte("y"))
	if label, _ := e.Label("0:"); label != "RELABELED" {
		t.Errorf("Label() = %q, want RELABELED", label)
	}
}

func TestFiles_Unmount(t *testing.T) {
	dev := formatted(t, 1*mib, Options{Type: engine.FormatFAT12})
	e := New()
	v := mountDev(t, e, "0:", dev)

	f, err := v.OpenFile("LAST.TXT", engine.OpenCreate)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Write([]byte("flushed on unmount")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := e.Unmount("0:"); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	if _, err := v.ReadDir("/"); !errors.Is(err, pkg.ErrNotMounted) {
		t.Errorf("ReadDir() after unmount error = %v, want %v", err, pkg.ErrNotMounted)
	}

	again := mountDev(t, e, "0:", dev)
	if got := readFile(t, again, "LAST.TXT"); string(got) != "flushed on unmount" {
		t.Errorf("file after remount = %q", got)
	}
}
