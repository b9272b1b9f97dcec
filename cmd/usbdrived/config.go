package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/drive"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/pkg/prof"
	"github.com/ardnew/usbdrive/transport"
	"github.com/ardnew/usbdrive/transport/imagedir"
)

// Drive sources.
const (
	SourceSysfs = "sysfs"
	SourceDir   = "dir"
)

// Config holds the settings shared by every command.
type Config struct {
	LogLevel     string
	LogFormat    string
	Capacity     int
	ProbeTimeout time.Duration

	// Source is "sysfs" or "dir:<path>".
	Source    string
	SysfsRoot string
	DevRoot   string
	BlockSize uint32

	Profile prof.Config
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "warn",
		LogFormat:    pkg.LogFormatText.String(),
		Capacity:     drive.DriveMax,
		ProbeTimeout: drive.DefaultProbeTimeout,
		Source:       SourceSysfs,
		SysfsRoot:    "/sys",
		DevRoot:      "/dev",
		BlockSize:    blockdev.DefaultBlockSize,
	}
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text|json")
	fs.IntVar(&c.Capacity, "capacity", c.Capacity, fmt.Sprintf("number of drive slots (1-%d)", drive.MaxCapacity))
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", c.ProbeTimeout, "time allowed to open a newly attached drive")
	fs.StringVar(&c.Source, "source", c.Source, "drive source: sysfs|dir:<path>")
	fs.StringVar(&c.SysfsRoot, "sysfs-root", c.SysfsRoot, "sysfs mount point")
	fs.StringVar(&c.DevRoot, "dev-root", c.DevRoot, "directory of block device nodes")
	fs.Uint32Var(&c.BlockSize, "block-size", c.BlockSize, "sector size of disk images")
	fs.StringVar(&c.Profile.CPUPath, "cpuprofile", "", "write a CPU profile to `file`")
	fs.StringVar(&c.Profile.MutexPath, "mutexprofile", "", "write a mutex profile to `file` on exit")
	fs.StringVar(&c.Profile.BlockPath, "blockprofile", "", "write a block profile to `file` on exit")
	fs.StringVar(&c.Profile.HTTPAddr, "pprof-addr", "", "serve net/http/pprof on `addr`")
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := pkg.ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := pkg.ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.Capacity < 1 || c.Capacity > drive.MaxCapacity {
		errs = append(errs, fmt.Errorf("%w: capacity %d not in 1..%d", pkg.ErrParameter, c.Capacity, drive.MaxCapacity))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: probe timeout %v", pkg.ErrParameter, c.ProbeTimeout))
	}
	if _, _, err := parseSource(c.Source); err != nil {
		errs = append(errs, err)
	}
	if c.BlockSize < 512 || c.BlockSize > 4096 || c.BlockSize&(c.BlockSize-1) != 0 {
		errs = append(errs, fmt.Errorf("%w: block size %d", pkg.ErrParameter, c.BlockSize))
	}
	if !c.Profile.Empty() && !prof.Enabled {
		errs = append(errs, fmt.Errorf("%w: profiling flags need a build with the profile tag", pkg.ErrNotSupported))
	}
	return errors.Join(errs...)
}

// applyLogging configures the package logger.
func (c *Config) applyLogging() error {
	level, err := pkg.ParseLogLevel(c.LogLevel)
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(c.LogFormat)
	if err != nil {
		return err
	}
	pkg.SetLogFormat(format)
	pkg.SetLogLevel(level)
	return nil
}

func (c *Config) registryOptions() []drive.Option {
	return []drive.Option{
		drive.WithCapacity(c.Capacity),
		drive.WithProbeTimeout(c.ProbeTimeout),
	}
}

// session builds the transport session selected by Source.
func (c *Config) session() (transport.Session, error) {
	kind, path, err := parseSource(c.Source)
	if err != nil {
		return nil, err
	}
	if kind == SourceDir {
		return imagedir.New(path, imagedir.WithBlockSize(c.BlockSize)), nil
	}
	return sysfsSession(c)
}

func parseSource(s string) (kind, path string, err error) {
	kind, path, _ = strings.Cut(s, ":")
	switch {
	case kind == SourceSysfs && path == "":
		return kind, "", nil
	case kind == SourceDir && path != "":
		return kind, path, nil
	}
	return "", "", fmt.Errorf("%w: source %q (want %s or %s:<path>)", pkg.ErrParameter, s, SourceSysfs, SourceDir)
}

// parseSize parses a byte count with an optional k, m or g suffix.
func parseSize(s string) (uint64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	mult := uint64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = 1 << 10
	case strings.HasSuffix(ss, "m"):
		mult = 1 << 20
	case strings.HasSuffix(ss, "g"):
		mult = 1 << 30
	}
	if mult != 1 {
		ss = ss[:len(ss)-1]
	}
	v, err := strconv.ParseUint(ss, 10, 64)
	if err != nil || v == 0 || v > (1<<64-1)/mult {
		return 0, fmt.Errorf("%w: size %q", pkg.ErrParameter, s)
	}
	return v * mult, nil
}
