package rules

import "time"

// RulesCache holds the enabled-rules listing between store reads.
// Any rule mutation invalidates it; so does an external edit of the rules file (see WatchFile).
type RulesCache interface {
	// Get returns the cached rules, or nil on a miss or after expiry
	Get() []*Rule

	// Set stores rules in cache
	Set(rules []*Rule)

	// Invalidate clears the cache, forcing a store read on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL bounds how long a listing is served. Zero means until invalidated.
	TTL time.Duration
}

// DefaultCacheConfig caches until a mutation invalidates the listing
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
