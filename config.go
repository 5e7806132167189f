package streamstore

import "github.com/sirupsen/logrus"

// Config holds the immutable settings of one Store instance.
type Config struct {
	// WorkingFolder is the directory holding storage.bin and index.bin. It
	// is created if absent; the caller owns its path, the store never
	// reads environment variables or flags to find it.
	WorkingFolder string

	// CompressionThreshold is the source-byte-count boundary above which a
	// stream requesting compression is actually gzip-compressed. Zero
	// means "always compress when requested".
	CompressionThreshold int64

	// RingBlockSize sizes the staging buffer's transfer quantum; the ring's
	// total capacity is 16x this value. Non-positive selects ring.DefaultBlockSize.
	RingBlockSize int

	// Logger receives lifecycle events (open/close, recovery truncation,
	// block append-rewrites, fatal write promotion). A nil Logger defaults
	// to a logrus logger whose output is discarded.
	Logger logrus.FieldLogger
}
