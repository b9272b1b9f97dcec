//go:build linux

// Package usbid looks up vendor, product and interface class names in the
// USB ID database.
//
// The database ships with most Linux systems and maps vendor IDs (VID),
// product IDs (PID) and interface class triples to human-readable names.
// The sysfs transport uses it to describe attached mass-storage devices.
//
// # Usage
//
//	db := usbid.New()             // searches DefaultPaths on first lookup
//	name := db.Describe(0x0781, 0x5567)
//	class := db.Class(0x08, 0x06, 0x50) // "Mass Storage/SCSI/Bulk-Only"
//
// If no database file is found, lookups return empty strings and Describe
// falls back to "vvvv:pppp".
//
// All methods are safe for concurrent use; the file is parsed once.
package usbid
