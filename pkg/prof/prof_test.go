//go:build profile

package prof

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestStart_CPU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")

	s, err := Start(Config{CPUPath: path})
	if err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v, want nil", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("cpu profile not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("cpu profile is empty")
	}
}

func TestStart_FailFastWhenActive(t *testing.T) {
	s, err := Start(Config{})
	if err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	defer s.Stop()

	_, err = Start(Config{})
	if !errors.Is(err, ErrActive) {
		t.Errorf("Start() error = %v, want %v", err, ErrActive)
	}
}

func TestStart_InvalidPath(t *testing.T) {
	s, err := Start(Config{CPUPath: "/nonexistent/directory/cpu.prof"})
	if err == nil {
		t.Error("Start() error = nil, want error for invalid path")
		s.Stop()
	}

	// A failed start must not leave a session behind.
	s, err = Start(Config{})
	if err != nil {
		t.Fatalf("Start() after failure error = %v", err)
	}
	s.Stop()
}

func TestStop_WritesSnapshots(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		MutexPath: filepath.Join(dir, "mutex.prof"),
		BlockPath: filepath.Join(dir, "block.prof"),
	}

	s, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			mu.Unlock()
		}()
	}
	wg.Wait()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, path := range []string{cfg.MutexPath, cfg.BlockPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("snapshot %s not written: %v", path, err)
		}
	}
}

func TestStop_Idempotent(t *testing.T) {
	s, err := Start(Config{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop() #%d error = %v", i, err)
		}
	}

	var nilSession *Session
	if err := nilSession.Stop(); err != nil {
		t.Errorf("nil Stop() error = %v", err)
	}
}

func TestStart_HTTP(t *testing.T) {
	s, err := Start(Config{HTTPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr() = \"\", want listen address")
	}

	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("GET pprof index: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
