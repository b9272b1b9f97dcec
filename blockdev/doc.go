// Package blockdev defines the sector-addressed block device a transport
// session hands to the drive manager, with memory- and file-backed
// implementations.
//
// Optional capabilities are discovered by interface assertion: [Sizer]
// for capacity, [Syncer] for write caches, [ReadOnlyReporter] for write
// protection and [io.Closer] for release on dispose.
package blockdev
