package devicemapper

import "time"

// Default configuration values for device-mapper bindings.
const (
	// DefaultPrefix is prepended to partition names to form device-mapper names.
	DefaultPrefix = "dsu-"
	// DefaultMapperDir is where device-mapper nodes appear.
	DefaultMapperDir = "/dev/mapper"
	// DefaultMapTimeout bounds how long Bind waits for a node to appear.
	DefaultMapTimeout = 10 * time.Second
	// DefaultSectorSize is the sector size in bytes (512 bytes)
	DefaultSectorSize = 512

	pollInterval = 50 * time.Millisecond
)
