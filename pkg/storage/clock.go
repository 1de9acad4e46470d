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

package storage

import (
	"sync"
	"time"
)

// Clock supplies the server-side milliseconds every refill computation runs
// on. Implementations must be monotonically non-decreasing.
type Clock interface {
	// NowMs returns the current server-time estimate.
	NowMs() int64
	// Observe folds in a server timestamp seen on a store response.
	Observe(serverMs int64)
}

// ServerClock estimates server time by anchoring the most recent server
// timestamp (the Date header of a store response) to the local monotonic
// clock. Between responses it interpolates with local monotonic elapsed time;
// it never moves backward, so refill arithmetic sees non-decreasing time even
// across anchor corrections. Local wall time is never consulted.
type ServerClock struct {
	mu         sync.Mutex
	baseMs     int64
	baseAt     time.Time
	lastSeenMs int64
}

func NewServerClock() *ServerClock {
	return &ServerClock{}
}

func (c *ServerClock) Observe(serverMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Response Date headers have second granularity; only re-anchor forward so
	// a stale or coarser observation cannot rewind the estimate.
	if current := c.nowLocked(); serverMs > current {
		c.baseMs = serverMs
		c.baseAt = time.Now()
	}
}

func (c *ServerClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *ServerClock) nowLocked() int64 {
	if c.baseAt.IsZero() {
		// No response observed yet. Anchor once to the local clock; every
		// subsequent observation can only push the estimate forward.
		c.baseMs = time.Now().UnixMilli()
		c.baseAt = time.Now()
	}
	now := c.baseMs + time.Since(c.baseAt).Milliseconds()
	if now < c.lastSeenMs {
		return c.lastSeenMs
	}
	c.lastSeenMs = now
	return now
}
