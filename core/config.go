package core

import (
	"fmt"

	"github.com/datrs/hypercore/log"
)

// Config configures a Core. Construct one with DefaultConfig and adjust
// it with Option functions, matching the teacher's Config +
// DefaultConfig() + Validate() pattern rather than a wide constructor
// argument list.
type Config struct {
	// Logger receives the controller's operational log lines (append
	// committed, proof applied, fork reconciled, truncate) at INFO, and
	// recoverable conditions (cache miss, oplog slot fallback) at DEBUG.
	Logger *log.Logger

	// EventBufferSize is the per-subscription event queue capacity. The
	// bus drops the oldest queued event for a subscriber once its queue
	// is full, rather than applying backpressure to the core.
	EventBufferSize int

	// NodeCacheCapacity bounds the Merkle tree engine's in-memory node
	// cache (entries, not bytes).
	NodeCacheCapacity int
}

// DefaultConfig returns the configuration New/Open use when none is
// supplied: the package default logger, an event queue capacity of 32
// (matching the original implementation's MAX_EVENT_QUEUE_CAPACITY), and
// a 4096-entry node cache.
func DefaultConfig() Config {
	return Config{
		Logger:            log.Default(),
		EventBufferSize:   32,
		NodeCacheCapacity: 4096,
	}
}

// Validate reports a configuration error, if any.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("core: Config.Logger must not be nil")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("core: Config.EventBufferSize must be positive, got %d", c.EventBufferSize)
	}
	if c.NodeCacheCapacity <= 0 {
		return fmt.Errorf("core: Config.NodeCacheCapacity must be positive, got %d", c.NodeCacheCapacity)
	}
	return nil
}

// Option mutates a Config. Apply a sequence of Options to DefaultConfig()
// to customize a Core before calling New or Open.
type Option func(*Config)

// WithLogger overrides the controller's logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithEventBufferSize overrides the per-subscription event queue capacity.
func WithEventBufferSize(n int) Option {
	return func(c *Config) { c.EventBufferSize = n }
}

// WithNodeCacheCapacity overrides the Merkle tree engine's node cache size.
func WithNodeCacheCapacity(n int) Option {
	return func(c *Config) { c.NodeCacheCapacity = n }
}

func resolveConfig(opts []Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
