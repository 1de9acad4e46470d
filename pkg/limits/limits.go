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

package limits

import (
	"fmt"
	"time"
)

// OnUnavailable selects the behavior when the backing store cannot be reached:
// fail-open (admit without consuming) or fail-closed (reject with an
// unavailability error). Only the system-default config scope may define it.
type OnUnavailable string

const (
	Allow OnUnavailable = "ALLOW"
	Block OnUnavailable = "BLOCK"
)

// Limit is a single named rate-limit rule. Capacity is the sustained rate
// (tokens granted per refill period), Burst is the bucket ceiling a freshly
// created bucket starts at. Capacity must not exceed Burst.
type Limit struct {
	Name         string        `json:"name"`
	Capacity     int64         `json:"capacity"`
	Burst        int64         `json:"burst"`
	RefillAmount int64         `json:"refillAmount"`
	RefillPeriod time.Duration `json:"refillPeriod"`
}

// PerSecond returns a limit of rate tokens per second with Burst == Capacity.
func PerSecond(name string, rate int64) Limit {
	return per(name, rate, time.Second)
}

// PerMinute returns a limit of rate tokens per minute with Burst == Capacity.
func PerMinute(name string, rate int64) Limit {
	return per(name, rate, time.Minute)
}

// PerHour returns a limit of rate tokens per hour with Burst == Capacity.
func PerHour(name string, rate int64) Limit {
	return per(name, rate, time.Hour)
}

// PerDay returns a limit of rate tokens per day with Burst == Capacity.
func PerDay(name string, rate int64) Limit {
	return per(name, rate, 24*time.Hour)
}

func per(name string, rate int64, period time.Duration) Limit {
	return Limit{
		Name:         name,
		Capacity:     rate,
		Burst:        rate,
		RefillAmount: rate,
		RefillPeriod: period,
	}
}

// WithBurst returns a copy of the limit with the bucket ceiling raised to burst.
func (l Limit) WithBurst(burst int64) Limit {
	l.Burst = burst
	return l
}

func (l Limit) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("limit name must not be empty")
	}
	if l.Capacity <= 0 {
		return fmt.Errorf("limit %q capacity must be positive, got %d", l.Name, l.Capacity)
	}
	if l.Burst < l.Capacity {
		return fmt.Errorf("limit %q burst (%d) must be at least capacity (%d)", l.Name, l.Burst, l.Capacity)
	}
	if l.RefillAmount <= 0 {
		return fmt.Errorf("limit %q refill amount must be positive, got %d", l.Name, l.RefillAmount)
	}
	if l.RefillPeriod <= 0 {
		return fmt.Errorf("limit %q refill period must be positive, got %s", l.Name, l.RefillPeriod)
	}
	return nil
}

// Validate checks every limit in the set and rejects duplicate names.
func Validate(lims []Limit) error {
	seen := map[string]struct{}{}
	for _, l := range lims {
		if err := l.Validate(); err != nil {
			return err
		}
		if _, ok := seen[l.Name]; ok {
			return fmt.Errorf("duplicate limit name %q", l.Name)
		}
		seen[l.Name] = struct{}{}
	}
	return nil
}

// Status is the per-limit verdict produced by a check. Field names are stable
// for HTTP serialization.
type Status struct {
	EntityID     string `json:"entity_id"`
	Resource     string `json:"resource"`
	LimitName    string `json:"limit_name"`
	Capacity     int64  `json:"capacity"`
	Burst        int64  `json:"burst"`
	Available    int64  `json:"available"`
	Requested    int64  `json:"requested"`
	Exceeded     bool   `json:"exceeded"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}
