package drive

import "time"

// Registry sizing.
const (
	// DriveMax is the default number of slots, and so of drives that can be
	// mounted at once.
	DriveMax = 4

	// MaxCapacity is the largest slot count a registry accepts. Slots double
	// as physical drive indexes, which are a single byte.
	MaxCapacity = 255
)

// DefaultProbeTimeout bounds acquiring the block device of a new attachment.
const DefaultProbeTimeout = 5 * time.Second
