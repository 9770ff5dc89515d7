package oplog

import "time"

// Config bounds the op-log's retention, matching the defaults spec §4.4
// names: 10000 entries, 5 minute age, 10MiB, cleaned up every minute.
type Config struct {
	MaxEntries      int
	MaxAge          time.Duration
	MaxMemory       int64
	CleanupInterval time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      10000,
		MaxAge:          5 * time.Minute,
		MaxMemory:       10 * 1024 * 1024,
		CleanupInterval: 1 * time.Minute,
	}
}
