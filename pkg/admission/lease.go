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

package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/dynalimit/dynalimit/pkg/bucket"
	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/limits"
	"github.com/dynalimit/dynalimit/pkg/storage"
)

type leaseState int

const (
	leaseOpen leaseState = iota
	leaseCommitted
	leaseReleased
)

// Lease is the scoped handle returned by a successful acquire. The caller
// adjusts it as actual consumption becomes known, then terminates it exactly
// once: Commit on the normal path, Release to hand the tokens back on
// failure. Termination is idempotent; a lease dropped without either is
// treated as committed with zero adjustment.
type Lease struct {
	mu       sync.Mutex
	state    leaseState
	engine   *Engine
	buckets  []bucketPlan
	deltas   map[string]int64
	statuses []limits.Status
	noop     bool
}

func (e *Engine) newLease(buckets []bucketPlan, statuses []limits.Status) *Lease {
	return &Lease{
		engine:   e,
		buckets:  buckets,
		deltas:   map[string]int64{},
		statuses: statuses,
	}
}

// NewNoopLease returns the lease handed out when the failure-mode gate admits
// without the store (fail-open). Every method on it is a silent no-op.
func NewNoopLease() *Lease {
	return &Lease{noop: true, deltas: map[string]int64{}}
}

// Statuses returns the per-limit statuses captured at admission. Empty for a
// no-op lease.
func (l *Lease) Statuses() []limits.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses
}

// Noop reports whether this lease was produced by the fail-open path.
func (l *Lease) Noop() bool {
	return l.noop
}

// Adjust accumulates signed per-limit consumption deltas in memory; nothing
// is written until Commit. A positive delta consumes that much more on top of
// the admitted amount, a negative delta hands tokens back. Multiple adjusts
// combine additively. Adjusting a terminated lease is an error.
func (l *Lease) Adjust(deltas map[string]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.noop {
		return nil
	}
	if l.state != leaseOpen {
		return errors.NewValidationError("lease is already terminated")
	}
	for name, delta := range deltas {
		l.deltas[name] += delta
	}
	return nil
}

// Commit applies the accumulated adjustments to the leased buckets and
// terminates the lease. With no net adjustment it is a local state transition
// only. Repeat calls are no-ops.
func (l *Lease) Commit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.noop || l.state != leaseOpen {
		return nil
	}
	net := lo.PickBy(l.deltas, func(_ string, delta int64) bool { return delta != 0 })
	if len(net) > 0 {
		// Consumption deltas flip sign to become balance deltas.
		if err := l.applyDeltas(ctx, negate(net)); err != nil {
			return err
		}
	}
	l.state = leaseCommitted
	return nil
}

// Release hands the originally consumed tokens back with one compensating
// write per bucket, each best-effort and independent: the caller is already
// handling a failure, so a failed compensation is logged, never raised.
// Repeat calls are no-ops.
func (l *Lease) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.noop || l.state != leaseOpen {
		return
	}
	l.state = leaseReleased
	for _, bp := range l.buckets {
		if err := l.adjustBucket(ctx, bp, bp.consume); err != nil {
			logging.FromContext(ctx).With("bucket", bp.key).
				Warnf("compensating release failed, %d limits leak their consumption: %s", len(bp.consume), err)
		}
	}
}

// applyDeltas writes the net adjustments: a single versioned update for one
// bucket, a transaction when the lease spans a cascade.
func (l *Lease) applyDeltas(ctx context.Context, net map[string]int64) error {
	if len(l.buckets) == 1 {
		return l.adjustBucket(ctx, l.buckets[0], net)
	}
	return l.retryConflicts(ctx, func() error {
		bucketKeys := lo.Map(l.buckets, func(bp bucketPlan, _ int) string { return bp.key })
		records, _, err := l.engine.storage.BatchGetBuckets(ctx, bucketKeys)
		if err != nil {
			return err
		}
		writes := make([]storage.VersionedWrite, 0, len(l.buckets))
		for _, bp := range l.buckets {
			record := records[bp.key]
			if !record.Exists() {
				return errors.NewNotFoundError(bp.key)
			}
			applicable := lo.PickByKeys(net, lo.Keys(bp.consume))
			writes = append(writes, storage.VersionedWrite{
				Key:             bp.key,
				ExpectedVersion: record.Version,
				State:           bucket.Adjust(record.State, applicable),
			})
		}
		return l.engine.storage.TransactUpdate(ctx, writes)
	})
}

func (l *Lease) adjustBucket(ctx context.Context, bp bucketPlan, deltas map[string]int64) error {
	applicable := lo.PickByKeys(deltas, lo.Keys(bp.consume))
	if len(applicable) == 0 {
		return nil
	}
	return l.retryConflicts(ctx, func() error {
		record, _, err := l.engine.storage.GetBucket(ctx, bp.key)
		if err != nil {
			return err
		}
		if !record.Exists() {
			return errors.NewNotFoundError(bp.key)
		}
		_, err = l.engine.storage.UpdateBucket(ctx, bp.key, record.Version, bucket.Adjust(record.State, applicable))
		if err == nil {
			l.engine.seen.Delete(bp.key)
		}
		return err
	})
}

func (l *Lease) retryConflicts(ctx context.Context, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(l.engine.opts.RetryAttempts),
		retry.Delay(l.engine.opts.RetryDelay),
		retry.MaxJitter(l.engine.opts.RetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(errors.IsConflict),
		retry.LastErrorOnly(true),
	)
	if errors.IsConflict(err) {
		return errors.NewInfrastructureError(fmt.Errorf("lease write retries exhausted, %w", err))
	}
	return err
}
