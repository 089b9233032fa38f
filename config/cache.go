package config

import "time"

// CacheConfig contains content cache configuration. The durable layer
// lives in Postgres; the hot layer (if Redis is enabled) keeps recently
// touched entries for HotTTL.
type CacheConfig struct {
	// HotTTL is the TTL for entries in the Redis hot layer.
	HotTTL time.Duration `env:"CACHE_HOT_TTL" envDefault:"15m"`

	// KeyPrefix namespaces hot cache keys when several deployments share
	// one Redis.
	KeyPrefix string `env:"CACHE_KEY_PREFIX" envDefault:"ingest:cache:"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.HotTTL <= 0 {
		c.HotTTL = 15 * time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "ingest:cache:"
	}
}
