// Package config holds the mutable, process-wide configuration for the
// proxy and exposes it to concurrent readers through an atomically-swapped
// snapshot.
package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Config is an immutable snapshot of the proxy's tunable settings. A new
// Config is built, validated, and swapped in wholesale by Store.Update;
// nothing ever mutates a Config in place.
type Config struct {
	BindHost           string
	ListenPort         int
	UpstreamHostPort   string
	AdminToken         string
	PoolSize           int
	ClientTimeout      time.Duration
	UpstreamTimeout    time.Duration
	MaxHistorySize     int
	MaxBodySize        int64
	TruncateBodyAt     int64
}

// Validate checks the invariants that must hold for any Config, regardless
// of how it was constructed.
func (c *Config) Validate() error {
	if c.TruncateBodyAt > c.MaxBodySize {
		return fmt.Errorf("config: truncate_body_at (%d) must not exceed max_body_size (%d)", c.TruncateBodyAt, c.MaxBodySize)
	}
	if c.MaxHistorySize < 1 {
		return fmt.Errorf("config: max_history_size must be at least 1")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be at least 1")
	}
	return nil
}

// Patch describes a partial update to a Config. Nil fields are left
// unchanged by Store.Update.
type Patch struct {
	ClientTimeoutMs   *int64
	UpstreamTimeoutMs *int64
	MaxHistorySize    *int
	MaxBodySize       *int64
	TruncateBodyAt    *int64
}

// Apply returns a new Config with the patch's non-nil fields overlaid onto
// base. base itself is never modified.
func (p *Patch) Apply(base *Config) *Config {
	next := *base
	if p.ClientTimeoutMs != nil {
		next.ClientTimeout = time.Duration(*p.ClientTimeoutMs) * time.Millisecond
	}
	if p.UpstreamTimeoutMs != nil {
		next.UpstreamTimeout = time.Duration(*p.UpstreamTimeoutMs) * time.Millisecond
	}
	if p.MaxHistorySize != nil {
		next.MaxHistorySize = *p.MaxHistorySize
	}
	if p.MaxBodySize != nil {
		next.MaxBodySize = *p.MaxBodySize
	}
	if p.TruncateBodyAt != nil {
		next.TruncateBodyAt = *p.TruncateBodyAt
	}
	return &next
}

// Store holds the current Config behind an atomic pointer so that readers
// never block and always see either the old or the new snapshot, never a
// partially-updated one.
type Store struct {
	value atomic.Value // *Config
}

// NewStore returns a Store seeded with initial. initial must already be
// valid; NewStore does not call Validate.
func NewStore(initial *Config) *Store {
	s := &Store{}
	s.value.Store(initial)
	return s
}

// Load returns the current Config snapshot. The returned pointer is safe
// to retain and use for the lifetime of a single request even if the Store
// is updated concurrently.
func (s *Store) Load() *Config {
	return s.value.Load().(*Config)
}

// Update builds a new Config by applying patch to the current snapshot,
// validates it, and if valid, swaps it in and returns it. On validation
// failure the Store is left unchanged and the error is returned.
func (s *Store) Update(patch *Patch) (*Config, error) {
	current := s.Load()
	next := patch.Apply(current)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.value.Store(next)
	return next, nil
}
