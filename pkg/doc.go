// Package pkg provides shared utilities for the usbdrive drive manager.
//
// This package contains common functionality used by the registry, the
// disk I/O bridge, the service layer and the exporters:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for drive and filesystem failures
//   - Sector callback result codes ([DiskResult], [DiskStatus])
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentRegistry, "drive mounted", "id", id, "slot", slot)
//
// # Errors
//
// Service failures are sentinel values matched with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrInvalidDriveIndex) {
//	    // The drive is gone or was never mounted
//	}
package pkg
