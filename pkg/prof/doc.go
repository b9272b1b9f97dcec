// Package prof provides opt-in profiling for the usbdrived daemon.
//
// This package wraps [runtime/pprof] and [net/http/pprof] behind a single
// [Session]. It is conditionally compiled using the "profile" build tag:
//
//	go build -tags profile ./cmd/usbdrived
//
// When built without the "profile" tag, [Start] returns an inert session,
// so the daemon's profiling flags stay in place without overhead.
//
// # Usage
//
//	s, err := prof.Start(prof.Config{
//	    CPUPath:   "cpu.prof",
//	    MutexPath: "mutex.prof",
//	})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Mutex profiling is the interesting one for the drive manager: per-drive
// I/O locks and the registry lock show up there when drives contend.
//
// Only one session may run per process; a second [Start] returns [ErrActive].
package prof
