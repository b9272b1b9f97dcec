//go:build profile

package prof

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	_ "net/http/pprof" // Register HTTP handlers at /debug/pprof/

	"github.com/ardnew/usbdrive/pkg"
)

// Enabled reports whether the binary was built with the "profile" tag.
const Enabled = true

// Profiling errors.
var (
	// ErrActive indicates a profiling session is already running.
	ErrActive = errors.New("profiling session already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")
)

var (
	// activeMutex guards active.
	activeMutex sync.Mutex

	// active is the running session, if any. pprof allows a single CPU
	// profile per process.
	active *Session
)

// Session is a running profiling session started by [Start].
type Session struct {
	cfg      Config
	cpuFile  *os.File
	listener net.Listener
	server   *http.Server
	stopOnce sync.Once
	stopErr  error
}

// Start begins profiling as described by cfg. An empty Config starts a
// session that records nothing.
func Start(cfg Config) (*Session, error) {
	activeMutex.Lock()
	defer activeMutex.Unlock()

	if active != nil {
		return nil, ErrActive
	}

	s := &Session{cfg: cfg}

	if cfg.CPUPath != "" {
		f, err := os.Create(cfg.CPUPath)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		s.cpuFile = f
	}

	if cfg.MutexPath != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if cfg.BlockPath != "" {
		runtime.SetBlockProfileRate(1)
	}

	if cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			s.stopCPU()
			return nil, fmt.Errorf("pprof listener: %w", err)
		}
		s.listener = ln
		s.server = &http.Server{Handler: http.DefaultServeMux}
		go func() {
			if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				pkg.LogWarn(pkg.ComponentExport, "pprof server stopped", "error", err)
			}
		}()
	}

	pkg.LogDebug(pkg.ComponentExport, "profiling started",
		"cpu", cfg.CPUPath, "mutex", cfg.MutexPath, "block", cfg.BlockPath, "http", cfg.HTTPAddr)

	active = s
	return s, nil
}

// Addr returns the address the pprof HTTP server listens on, or "".
func (s *Session) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop ends the session, writing the mutex and block snapshots requested at
// Start. It is safe to call more than once and on a nil Session.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		var errs []error
		s.stopCPU()
		if s.cfg.MutexPath != "" {
			errs = append(errs, writeSnapshot(ProfileMutex, s.cfg.MutexPath))
			runtime.SetMutexProfileFraction(0)
		}
		if s.cfg.BlockPath != "" {
			errs = append(errs, writeSnapshot(ProfileBlock, s.cfg.BlockPath))
			runtime.SetBlockProfileRate(0)
		}
		if s.server != nil {
			errs = append(errs, s.server.Close())
		}
		s.stopErr = errors.Join(errs...)

		activeMutex.Lock()
		if active == s {
			active = nil
		}
		activeMutex.Unlock()
	})
	return s.stopErr
}

func (s *Session) stopCPU() {
	if s.cpuFile == nil {
		return
	}
	pprof.StopCPUProfile()
	s.cpuFile.Close()
	s.cpuFile = nil
}

// writeSnapshot writes the named profile to path in protobuf format.
func writeSnapshot(profile Profile, path string) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return ErrInvalidProfile
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", profile, err)
	}
	defer f.Close()
	return p.WriteTo(f, 0)
}
