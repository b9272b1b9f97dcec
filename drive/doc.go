// Package drive manages the mass-storage drives attached through a
// transport session and bridges the filesystem engine's sector callbacks
// to them.
//
// # Registry
//
// A [Registry] owns a fixed table of slots, DriveMax by default. Every
// [Registry.Reconcile] compares the session's device list with the table:
// new devices get the lowest free slot, are opened and mounted; devices that
// disappeared are unmounted and disposed, and only then is their slot
// reused. Devices that arrive while every slot is taken are ignored until a
// slot frees up.
//
// The registry lock covers slot bookkeeping only. Opening, mounting,
// unmounting and sector transfers happen outside it, so a slow device never
// stalls lookups of other drives.
//
// # Drive
//
// A [Drive] moves through
//
//	Unattached -> Probing -> Mounted -> Unmounting -> Disposed
//
// or from Probing straight to Disposed when mounting fails. Each drive has
// its own I/O lock, so transfers on one drive are serialized while
// different drives proceed in parallel.
//
// # Bridge
//
// [Bridge] implements engine.DiskIO keyed by slot. Reads are
// all-or-nothing: data is staged in a per-drive buffer and only copied out
// when the transfer succeeds. Writes are compiled out with the readonly
// build tag, leaving the engine without a writer.
package drive
