// Command usbdrived manages USB mass-storage drives: it mounts the FAT
// volumes of attached drives and serves them to other processes through a
// FUSE control tree.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
