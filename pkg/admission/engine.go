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

// Package admission orchestrates a single acquire: resolve the effective
// limits, plan the buckets to touch, try the speculative fast path, fall back
// to the read-check-write slow path with optimistic-concurrency retries, and
// hand the caller a Lease. Cascading admissions consume from the entity bucket
// and its parent's bucket atomically.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/dynalimit/dynalimit/pkg/bucket"
	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/keys"
	"github.com/dynalimit/dynalimit/pkg/limits"
	"github.com/dynalimit/dynalimit/pkg/metrics"
	"github.com/dynalimit/dynalimit/pkg/providers/config"
	"github.com/dynalimit/dynalimit/pkg/providers/entity"
	"github.com/dynalimit/dynalimit/pkg/storage"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 20 * time.Millisecond
	// SeenBucketTTL bounds how long a last-seen bucket state may seed the
	// speculative fast path.
	SeenBucketTTL = time.Minute
)

// Options tune the engine. The zero value is not usable; use DefaultOptions.
type Options struct {
	RetryAttempts  uint
	RetryDelay     time.Duration
	FastPath       bool
	AuditRecords   bool
	AuditRetention time.Duration
}

func DefaultOptions() Options {
	return Options{
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
		FastPath:      true,
	}
}

// Request is one admission attempt against (EntityID, Resource) in the
// namespace identified by OpaqueID.
type Request struct {
	OpaqueID string
	EntityID string
	Resource string
	// Consume maps limit name to requested base units.
	Consume map[string]int64
	// Limits is the caller-supplied fallback used only when no persisted scope
	// holds a record.
	Limits  []limits.Limit
	Cascade bool
}

type Engine struct {
	storage storage.Adapter
	config  config.Provider
	entity  entity.Provider
	opts    Options
	// seen caches the last read or written record per bucket key to seed the
	// speculative fast path.
	seen *gocache.Cache
}

func NewEngine(storage storage.Adapter, config config.Provider, entity entity.Provider, opts Options) *Engine {
	return &Engine{
		storage: storage,
		config:  config,
		entity:  entity,
		opts:    opts,
		seen:    gocache.New(SeenBucketTTL, 10*time.Minute),
	}
}

// plan is the resolved shape of one admission: the buckets to touch, each with
// its rules and the consume entries that apply to it.
type plan struct {
	buckets []bucketPlan
}

type bucketPlan struct {
	key      string
	entityID string
	rules    []limits.Limit
	consume  map[string]int64
}

// Acquire admits or rejects the request. On admission the returned lease holds
// the consumed amounts; on rejection the error is a RateLimitExceededError
// carrying every limit status from every bucket involved.
func (e *Engine) Acquire(ctx context.Context, req Request) (*Lease, error) {
	pl, err := e.plan(ctx, req)
	if err != nil {
		metrics.AdmissionCount.WithLabelValues(metrics.ResultError, req.Resource).Inc()
		return nil, err
	}
	lease, err := e.admit(ctx, req, pl)
	switch {
	case err == nil:
		metrics.AdmissionCount.WithLabelValues(metrics.ResultAdmitted, req.Resource).Inc()
		e.writeAudit(ctx, req)
	case errors.IsRateLimitExceeded(err):
		metrics.AdmissionCount.WithLabelValues(metrics.ResultDenied, req.Resource).Inc()
	default:
		metrics.AdmissionCount.WithLabelValues(metrics.ResultError, req.Resource).Inc()
	}
	return lease, err
}

func (e *Engine) plan(ctx context.Context, req Request) (*plan, error) {
	if req.EntityID == "" || req.Resource == "" {
		return nil, errors.NewValidationError("entity id and resource must not be empty")
	}
	if len(req.Consume) == 0 {
		return nil, errors.NewValidationError("consume must name at least one limit")
	}
	for name, amount := range req.Consume {
		if amount < 0 {
			return nil, errors.NewValidationError("consume amount for %q must be non-negative, got %d", name, amount)
		}
	}
	resolved, err := e.config.ResolveLimits(ctx, req.OpaqueID, req.EntityID, req.Resource, req.Limits)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, errors.NewValidationError("no limits configured for entity %q on %q and no fallback supplied", req.EntityID, req.Resource)
	}
	ruleNames := lo.Map(resolved.Limits, func(l limits.Limit, _ int) string { return l.Name })
	for name := range req.Consume {
		if !lo.Contains(ruleNames, name) {
			return nil, errors.NewValidationError("consume names limit %q which is not among the resolved limits %v", name, ruleNames)
		}
	}
	pl := &plan{buckets: []bucketPlan{{
		key:      keys.Bucket(req.OpaqueID, req.EntityID, req.Resource),
		entityID: req.EntityID,
		rules:    resolved.Limits,
		consume:  req.Consume,
	}}}
	if !req.Cascade {
		return pl, nil
	}
	parent, err := e.entity.Parent(ctx, req.OpaqueID, req.EntityID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		// Cascade with no parent degrades to a plain admission.
		return pl, nil
	}
	parentResolved, err := e.config.ResolveLimits(ctx, req.OpaqueID, parent.EntityID, req.Resource, req.Limits)
	if err != nil {
		return nil, err
	}
	if parentResolved == nil {
		return pl, nil
	}
	parentConsume := lo.PickByKeys(req.Consume, lo.Map(parentResolved.Limits, func(l limits.Limit, _ int) string { return l.Name }))
	if len(parentConsume) == 0 {
		// None of the requested limits exist on the parent.
		return pl, nil
	}
	pl.buckets = append(pl.buckets, bucketPlan{
		key:      keys.Bucket(req.OpaqueID, parent.EntityID, req.Resource),
		entityID: parent.EntityID,
		rules:    parentResolved.Limits,
		consume:  parentConsume,
	})
	return pl, nil
}

func (e *Engine) admit(ctx context.Context, req Request, pl *plan) (*Lease, error) {
	if e.opts.FastPath && len(pl.buckets) == 1 {
		if lease, ok := e.fastPath(ctx, req, pl.buckets[0]); ok {
			return lease, nil
		}
	}
	return e.slowPath(ctx, req, pl)
}

// fastPath speculatively writes the post-consume state derived from the last
// record this process read or wrote, skipping the read round trip. It defers
// refill entirely, which only ever under-counts the balance, so a fast-path
// admission is always one the slow path would also have granted. Any doubt
// falls through to the slow path.
func (e *Engine) fastPath(ctx context.Context, req Request, bp bucketPlan) (*Lease, bool) {
	entry, ok := e.seen.Get(bp.key)
	if !ok {
		return nil, false
	}
	record := entry.(storage.BucketRecord)
	for name, amount := range bp.consume {
		ls, ok := record.State[name]
		if !ok {
			// A limit the stored bucket has not met yet; the slow path merges
			// it in.
			return nil, false
		}
		if ls.TokensMilli < amount*bucket.Milli {
			// Could still admit after refill; only the slow path knows.
			return nil, false
		}
	}
	next := bucket.Adjust(record.State, negate(bp.consume))
	version, err := e.storage.UpdateBucket(ctx, bp.key, record.Version, next)
	if err != nil {
		e.seen.Delete(bp.key)
		if !errors.IsConflict(err) {
			logging.FromContext(ctx).With("bucket", bp.key).Debugf("fast path write failed, falling back: %s", err)
		}
		return nil, false
	}
	e.remember(storage.BucketRecord{Key: bp.key, State: next, Version: version})
	statuses := lo.FilterMap(bp.rules, func(rule limits.Limit, _ int) (limits.Status, bool) {
		requested, ok := bp.consume[rule.Name]
		if !ok {
			return limits.Status{}, false
		}
		return limits.Status{
			EntityID:  bp.entityID,
			Resource:  req.Resource,
			LimitName: rule.Name,
			Capacity:  rule.Capacity,
			Burst:     rule.Burst,
			Available: next[rule.Name].TokensMilli / bucket.Milli,
			Requested: requested,
		}, true
	})
	return e.newLease([]bucketPlan{bp}, statuses), true
}

func (e *Engine) slowPath(ctx context.Context, req Request, pl *plan) (*Lease, error) {
	var lease *Lease
	err := retry.Do(
		func() error {
			var err error
			lease, err = e.checkAndWrite(ctx, req, pl)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(e.opts.RetryAttempts),
		retry.Delay(e.opts.RetryDelay),
		retry.MaxJitter(e.opts.RetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(errors.IsConflict),
		retry.LastErrorOnly(true),
	)
	if errors.IsConflict(err) {
		// Contention outlasted the retry budget; surface it as an
		// infrastructure fault so the failure-mode gate decides.
		return nil, errors.NewInfrastructureError(fmt.Errorf("admission retries exhausted for entity %q on %q, %w", req.EntityID, req.Resource, err))
	}
	return lease, err
}

func (e *Engine) checkAndWrite(ctx context.Context, req Request, pl *plan) (*Lease, error) {
	records, serverNow, err := e.readBuckets(ctx, pl)
	if err != nil {
		return nil, err
	}
	var statuses []limits.Status
	admitted := true
	results := make([]bucket.Result, len(pl.buckets))
	for i, bp := range pl.buckets {
		results[i] = bucket.CheckAndConsume(records[bp.key].State, bp.rules, bp.consume, bp.entityID, req.Resource, serverNow)
		statuses = append(statuses, results[i].Statuses...)
		admitted = admitted && results[i].Admitted
	}
	if !admitted {
		return nil, errors.NewRateLimitExceededError(statuses)
	}
	if len(pl.buckets) == 1 {
		bp := pl.buckets[0]
		record := records[bp.key]
		var version string
		if record.Exists() {
			version, err = e.storage.UpdateBucket(ctx, bp.key, record.Version, results[0].State)
		} else {
			version, err = e.storage.PutBucketNew(ctx, bp.key, results[0].State)
		}
		if err != nil {
			return nil, err
		}
		e.remember(storage.BucketRecord{Key: bp.key, State: results[0].State, Version: version})
	} else {
		writes := lo.Map(pl.buckets, func(bp bucketPlan, i int) storage.VersionedWrite {
			return storage.VersionedWrite{Key: bp.key, ExpectedVersion: records[bp.key].Version, State: results[i].State}
		})
		if err := e.storage.TransactUpdate(ctx, writes); err != nil {
			return nil, err
		}
		// Transactions do not report the versions they wrote; drop the seen
		// entries rather than cache a guess.
		for _, bp := range pl.buckets {
			e.seen.Delete(bp.key)
		}
	}
	return e.newLease(pl.buckets, statuses), nil
}

func (e *Engine) readBuckets(ctx context.Context, pl *plan) (map[string]storage.BucketRecord, int64, error) {
	if len(pl.buckets) == 1 {
		record, serverNow, err := e.storage.GetBucket(ctx, pl.buckets[0].key)
		if err != nil {
			return nil, 0, err
		}
		return map[string]storage.BucketRecord{record.Key: record}, serverNow, nil
	}
	return e.storage.BatchGetBuckets(ctx, lo.Map(pl.buckets, func(bp bucketPlan, _ int) string { return bp.key }))
}

func (e *Engine) remember(record storage.BucketRecord) {
	e.seen.SetDefault(record.Key, record)
}

// FlushSeen drops all cached last-seen bucket states, forcing the next
// admission of every bucket onto the read path.
func (e *Engine) FlushSeen() {
	e.seen.Flush()
}

func (e *Engine) writeAudit(ctx context.Context, req Request) {
	if !e.opts.AuditRecords {
		return
	}
	now := e.storage.ServerTimeMs()
	record := storage.AuditRecord{
		EntityID:  req.EntityID,
		Resource:  req.Resource,
		Consumed:  req.Consume,
		AtMs:      now,
		ExpiresAt: now/1000 + int64(e.opts.AuditRetention/time.Second),
	}
	key := keys.Audit(req.OpaqueID, req.EntityID, req.Resource, uuid.NewString())
	if err := e.storage.PutAuditRecord(ctx, key, record); err != nil {
		logging.FromContext(ctx).With("entity-id", req.EntityID, "resource", req.Resource).
			Warnf("writing audit record: %s", err)
	}
}

// Available reports, per resolved limit, the base units currently available.
// It never writes.
func (e *Engine) Available(ctx context.Context, opaqueID, entityID, resource string) (map[string]int64, error) {
	rules, record, serverNow, err := e.readOnly(ctx, opaqueID, entityID, resource)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rules))
	refilled := bucket.Refill(record.State, serverNow)
	for _, rule := range rules {
		if ls, ok := refilled[rule.Name]; ok {
			out[rule.Name] = ls.TokensMilli / bucket.Milli
		} else {
			out[rule.Name] = rule.Burst
		}
	}
	return out, nil
}

// TimeUntilAvailable reports how long until every needed amount could be
// admitted, assuming no concurrent consumption. Zero means it would admit now.
func (e *Engine) TimeUntilAvailable(ctx context.Context, opaqueID, entityID, resource string, needed map[string]int64) (time.Duration, error) {
	rules, record, serverNow, err := e.readOnly(ctx, opaqueID, entityID, resource)
	if err != nil {
		return 0, err
	}
	ruleNames := lo.Map(rules, func(l limits.Limit, _ int) string { return l.Name })
	for name := range needed {
		if !lo.Contains(ruleNames, name) {
			return 0, errors.NewValidationError("needed names limit %q which is not among the resolved limits %v", name, ruleNames)
		}
	}
	waits := bucket.RetryAfterMs(record.State, rules, needed, serverNow)
	return time.Duration(lo.Max(lo.Values(waits))) * time.Millisecond, nil
}

// GetStatus reports the status every resolved limit would have for a
// zero-consumption check. It never writes.
func (e *Engine) GetStatus(ctx context.Context, opaqueID, entityID, resource string) ([]limits.Status, error) {
	rules, record, serverNow, err := e.readOnly(ctx, opaqueID, entityID, resource)
	if err != nil {
		return nil, err
	}
	probe := lo.SliceToMap(rules, func(l limits.Limit) (string, int64) { return l.Name, 0 })
	result := bucket.CheckAndConsume(record.State, rules, probe, entityID, resource, serverNow)
	return result.Statuses, nil
}

func (e *Engine) readOnly(ctx context.Context, opaqueID, entityID, resource string) ([]limits.Limit, storage.BucketRecord, int64, error) {
	resolved, err := e.config.ResolveLimits(ctx, opaqueID, entityID, resource, nil)
	if err != nil {
		return nil, storage.BucketRecord{}, 0, err
	}
	if resolved == nil {
		return nil, storage.BucketRecord{}, 0, errors.NewValidationError("no limits configured for entity %q on %q", entityID, resource)
	}
	record, serverNow, err := e.storage.GetBucket(ctx, keys.Bucket(opaqueID, entityID, resource))
	if err != nil {
		return nil, storage.BucketRecord{}, 0, err
	}
	return resolved.Limits, record, serverNow, nil
}

func negate(consume map[string]int64) map[string]int64 {
	return lo.MapValues(consume, func(v int64, _ string) int64 { return -v })
}
