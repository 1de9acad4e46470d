/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dynalimit/dynalimit/pkg/metrics"
)

const (
	// DefaultConfigTTL bounds how long resolved limit configuration is served
	// from memory before the store is consulted again.
	DefaultConfigTTL = 60 * time.Second
	// DefaultCleanupInterval is the expired-entry sweep interval handed to
	// go-cache.
	DefaultCleanupInterval = 10 * time.Minute
)

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Size      int   `json:"size"`
	Evictions int64 `json:"evictions"`
}

// negative is the cached marker for "the store holds no record at this scope".
type negative struct{}

// Config is a per-process TTL cache of resolved limit configuration keyed by
// scope fingerprints. A zero TTL disables caching entirely: every lookup is a
// miss and writes are dropped.
type Config struct {
	cache     *cache.Cache
	ttl       time.Duration
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func NewConfig(ttl time.Duration) *Config {
	return &Config{
		cache: cache.New(ttl, DefaultCleanupInterval),
		ttl:   ttl,
	}
}

// Get returns the cached value for the fingerprint. negative hits return
// (nil, true, true).
func (c *Config) Get(fingerprint string) (value interface{}, isNegative bool, ok bool) {
	if c.ttl == 0 {
		c.miss()
		return nil, false, false
	}
	entry, found := c.cache.Get(fingerprint)
	if !found {
		c.miss()
		return nil, false, false
	}
	c.hits.Add(1)
	metrics.ConfigCacheCount.WithLabelValues("hit").Inc()
	if _, neg := entry.(negative); neg {
		return nil, true, true
	}
	return entry, false, true
}

// Set stores a positive entry under the fingerprint.
func (c *Config) Set(fingerprint string, value interface{}) {
	if c.ttl == 0 {
		return
	}
	c.cache.SetDefault(fingerprint, value)
}

// SetNegative stores a "no record at this scope" marker under the fingerprint.
func (c *Config) SetNegative(fingerprint string) {
	if c.ttl == 0 {
		return
	}
	c.cache.SetDefault(fingerprint, negative{})
}

// Invalidate evicts the given fingerprints. Absent fingerprints count as
// evictions anyway; the caller is declaring them stale, not asserting presence.
func (c *Config) Invalidate(fingerprints ...string) {
	for _, fp := range fingerprints {
		c.cache.Delete(fp)
		c.evictions.Add(1)
	}
}

// Flush drops every entry.
func (c *Config) Flush() {
	c.evictions.Add(int64(c.cache.ItemCount()))
	c.cache.Flush()
}

func (c *Config) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Size:      c.cache.ItemCount(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Config) miss() {
	c.misses.Add(1)
	metrics.ConfigCacheCount.WithLabelValues("miss").Inc()
}
