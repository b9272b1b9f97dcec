package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/drive"
	"github.com/ardnew/usbdrive/engine/fatboot"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/service"
	"github.com/ardnew/usbdrive/transport"
)

// =============================================================================
// Test Helpers
// =============================================================================

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"dir source", func(c *Config) { c.Source = "dir:/tmp" }, true},
		{"json logs", func(c *Config) { c.LogFormat = "json"; c.LogLevel = "debug" }, true},
		{"max capacity", func(c *Config) { c.Capacity = drive.MaxCapacity }, true},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, false},
		{"zero capacity", func(c *Config) { c.Capacity = 0 }, false},
		{"capacity too large", func(c *Config) { c.Capacity = drive.MaxCapacity + 1 }, false},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }, false},
		{"bad source", func(c *Config) { c.Source = "usb" }, false},
		{"dir without path", func(c *Config) { c.Source = "dir:" }, false},
		{"odd block size", func(c *Config) { c.BlockSize = 1000 }, false},
		{"tiny block size", func(c *Config) { c.BlockSize = 256 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultConfig()
			tt.modify(&c)
			err := c.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	c := defaultConfig()
	c.Capacity = 0
	c.ProbeTimeout = -time.Second
	err := c.Validate()
	if !errors.Is(err, pkg.ErrParameter) {
		t.Fatalf("Validate() = %v, want ErrParameter", err)
	}
	if !strings.Contains(err.Error(), "capacity") || !strings.Contains(err.Error(), "probe timeout") {
		t.Errorf("Validate() = %q, want both problems reported", err)
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		kind string
		path string
		ok   bool
	}{
		{"sysfs", SourceSysfs, "", true},
		{"dir:/var/images", SourceDir, "/var/images", true},
		{"dir:rel/path:x", SourceDir, "rel/path:x", true},
		{"sysfs:/x", "", "", false},
		{"dir", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		kind, path, err := parseSource(tt.in)
		if (err == nil) != tt.ok || kind != tt.kind || path != tt.path {
			t.Errorf("parseSource(%q) = %q, %q, %v", tt.in, kind, path, err)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"512", 512, true},
		{"64k", 64 << 10, true},
		{" 32M ", 32 << 20, true},
		{"2g", 2 << 30, true},
		{"", 0, false},
		{"0", 0, false},
		{"k", 0, false},
		{"1.5m", 0, false},
		{"-1", 0, false},
		{"99999999999999g", 0, false},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseSize(%q) = %d, %v; want %d, ok=%v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}

func TestParseDriveID(t *testing.T) {
	if id, err := parseDriveID("0x10"); err != nil || id != 16 {
		t.Errorf("parseDriveID(0x10) = %d, %v", id, err)
	}
	if _, err := parseDriveID("drive"); !errors.Is(err, pkg.ErrParameter) {
		t.Errorf("parseDriveID(drive) = %v, want ErrParameter", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1.0KiB"},
		{3 << 20, "3.0MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

// =============================================================================
// Command Tests
// =============================================================================

func TestCommands_FormatListLabel(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "stick.img")
	source := "--source=dir:" + dir

	out, err := run(t, "format", img, "--size", "2m", "--label", "data")
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.Contains(out, "FAT12") {
		t.Errorf("format output = %q", out)
	}
	if fi, err := os.Stat(img); err != nil || fi.Size() != 2<<20 {
		t.Fatalf("image stat = %v, %v", fi, err)
	}

	out, err = run(t, source, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "DATA") || !strings.Contains(out, "FAT12") || !strings.Contains(out, "stick.img") {
		t.Errorf("list output = %q", out)
	}

	if _, err := run(t, source, "label", "1", "backup disk"); err != nil {
		t.Fatalf("label set: %v", err)
	}
	out, err = run(t, source, "label", "1")
	if err != nil {
		t.Fatalf("label get: %v", err)
	}
	if got := strings.TrimSpace(out); got != "BACKUP DISK" {
		t.Errorf("label = %q, want BACKUP DISK", got)
	}
}

func TestCommands_LabelMissingDrive(t *testing.T) {
	_, err := run(t, "--source=dir:"+t.TempDir(), "label", "3")
	if !errors.Is(err, pkg.ErrInvalidDriveIndex) {
		t.Errorf("label on empty source = %v, want ErrInvalidDriveIndex", err)
	}
}

func TestCommands_FormatExisting(t *testing.T) {
	img := filepath.Join(t.TempDir(), "a.img")
	if _, err := run(t, "format", img, "--size", "1m"); err != nil {
		t.Fatalf("format: %v", err)
	}
	if _, err := run(t, "format", img); err == nil {
		t.Error("format over an existing image without --force succeeded")
	}
	out, err := run(t, "format", img, "--force", "--type", "fat16", "--size", "16m")
	if err != nil {
		t.Fatalf("format --force: %v", err)
	}
	if !strings.Contains(out, "FAT16") {
		t.Errorf("format output = %q, want FAT16", out)
	}
}

func TestCommands_FormatInvalid(t *testing.T) {
	img := filepath.Join(t.TempDir(), "a.img")
	tests := [][]string{
		{"format", img, "--type", "ntfs"},
		{"format", img, "--label", "a:b"},
		{"format", img, "--size", "lots"},
	}
	for _, args := range tests {
		if _, err := run(t, args...); err == nil {
			t.Errorf("%v succeeded", args)
		}
	}
}

func TestCommands_InvalidFlags(t *testing.T) {
	if _, err := run(t, "--capacity=0", "list"); !errors.Is(err, pkg.ErrParameter) {
		t.Errorf("list --capacity=0 = %v, want ErrParameter", err)
	}
	if _, err := run(t, "--source=floppy", "list"); !errors.Is(err, pkg.ErrParameter) {
		t.Errorf("list --source=floppy = %v, want ErrParameter", err)
	}
}

func TestRefresh(t *testing.T) {
	session := transport.NewMemory()
	reg := drive.NewRegistry(session, fatboot.New())
	svc := service.New(reg)
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	kick := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		refresh(ctx, svc, kick, drive.DriveMax)
		close(done)
	}()

	dev := blockdev.NewMemoryDevice(1<<20, 512)
	if _, err := fatboot.Format(dev, fatboot.Options{}); err != nil {
		t.Fatal(err)
	}
	session.Attach(7, dev)
	kick <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := reg.Resolve(7); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("drive not mounted after kick")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not stop on cancel")
	}
}
