package updater

import "time"

// Config holds the Updater's retry/timeout policy. All knobs are immutable
// after construction — there is no shared mutable state anywhere in the
// driver loop.
type Config struct {
	ConnectRetry   int
	ResendRetry    int
	ChunkRetry     int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ChunkTimeout   time.Duration
	ChunkSize      int
}

// DefaultConfig returns the STN bootloader's documented defaults.
func DefaultConfig() Config {
	return Config{
		ConnectRetry:   5,
		ResendRetry:    5,
		ChunkRetry:     5,
		ConnectTimeout: time.Second,
		RequestTimeout: 200 * time.Millisecond,
		ChunkTimeout:   5 * time.Second,
		ChunkSize:      1024,
	}
}
