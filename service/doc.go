// Package service implements the drive-facing operations clients use:
// listing mounted drives, reading the filesystem type, getting and setting
// volume labels, and opening filesystem handles.
//
// Drives are addressed by the identifier the transport assigned to the
// attachment. Each operation reconciles the registry and then resolves the
// identifier; an identifier that does not name a mounted drive fails with
// pkg.ErrInvalidDriveIndex before anything is touched.
package service
