// Package engine defines the contract between the drive manager and a
// filesystem engine.
//
// An [Engine] mounts volumes by name ("0:", "1:", ...) and reaches the
// underlying drive only through the [DiskIO] sector callbacks, keyed by the
// physical drive index encoded in the name. The drive manager implements
// DiskIO; engines implement Engine and [Volume].
package engine
