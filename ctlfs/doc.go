// Package ctlfs exports the drive service to other processes as a FUSE
// file tree:
//
//	<mnt>/<id>/type    filesystem type, e.g. "FAT32"
//	<mnt>/<id>/label   volume label; writing sets it
//	<mnt>/<id>/space   "<total> <free> <blocksize>" in bytes
//	<mnt>/<id>/ctl     write "sync" to flush the volume
//	<mnt>/<id>/files/  the volume's directory tree
//
// Files under files/ are read whole when first read and written back when
// the writer flushes them. Removing, renaming and making directories are
// not supported.
//
// Every lookup and read goes through the service, which reconciles the
// drive table first. Nothing is cached by the kernel.
package ctlfs
