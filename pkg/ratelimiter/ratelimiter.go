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

// Package ratelimiter is the client surface of the distributed rate limiter.
// It wires the storage adapter, providers, and admission engine together and
// hosts the failure-mode gate: business outcomes (denials, validation) always
// propagate, infrastructure faults are converted according to the effective
// on-unavailable policy.
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	gocache "github.com/patrickmn/go-cache"
	"knative.dev/pkg/logging"

	"github.com/dynalimit/dynalimit/pkg/admission"
	"github.com/dynalimit/dynalimit/pkg/cache"
	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/limits"
	"github.com/dynalimit/dynalimit/pkg/metrics"
	configprovider "github.com/dynalimit/dynalimit/pkg/providers/config"
	entityprovider "github.com/dynalimit/dynalimit/pkg/providers/entity"
	namespaceprovider "github.com/dynalimit/dynalimit/pkg/providers/namespace"
	"github.com/dynalimit/dynalimit/pkg/storage"
)

// RateLimiter is a client of one namespace in one backing table. It is safe
// for concurrent use.
type RateLimiter struct {
	opts      Options
	storage   storage.Adapter
	namespace namespaceprovider.Provider
	entity    entityprovider.Provider
	config    configprovider.Provider
	engine    *admission.Engine
}

// New builds a client over an already-constructed storage adapter and
// verifies the table's schema version. A table that has never been
// bootstrapped gets the current schema version written.
func New(ctx context.Context, adapter storage.Adapter, opts ...Option) (*RateLimiter, error) {
	o := resolveOptions(opts...)
	configCache := cache.NewConfig(o.ConfigTTL)
	configProvider := configprovider.NewDefaultProvider(adapter, configCache)
	entityProvider := entityprovider.NewDefaultProvider(adapter, gocache.New(cache.DefaultConfigTTL, cache.DefaultCleanupInterval))
	r := &RateLimiter{
		opts:      o,
		storage:   adapter,
		namespace: namespaceprovider.NewDefaultProvider(adapter, gocache.New(gocache.NoExpiration, cache.DefaultCleanupInterval)),
		entity:    entityProvider,
		config:    configProvider,
		engine: admission.NewEngine(adapter, configProvider, entityProvider, admission.Options{
			RetryAttempts:  o.RetryAttempts,
			RetryDelay:     o.RetryDelay,
			FastPath:       o.FastPath,
			AuditRecords:   o.AuditRecords,
			AuditRetention: o.AuditRetention,
		}),
	}
	if err := r.checkSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFromConfig builds the DynamoDB client, server clock, and adapter from an
// AWS config, then delegates to New.
func NewFromConfig(ctx context.Context, cfg aws.Config, table string, opts ...Option) (*RateLimiter, error) {
	clock := storage.NewServerClock()
	adapter := storage.NewDefaultAdapter(storage.NewClient(cfg, clock), table, clock)
	return New(ctx, adapter, opts...)
}

// NewDefault loads the ambient AWS configuration (environment, shared config
// files, instance metadata) and delegates to NewFromConfig.
func NewDefault(ctx context.Context, table string, opts ...Option) (*RateLimiter, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config, %w", err)
	}
	return NewFromConfig(ctx, cfg, table, opts...)
}

// scope threads the client's logger into ctx, if one was configured, and
// resolves the namespace to its opaque key prefix.
func (r *RateLimiter) scope(ctx context.Context) (context.Context, string, error) {
	if r.opts.Logger != nil {
		ctx = logging.WithLogger(ctx, r.opts.Logger)
	}
	opaqueID, err := r.namespace.Resolve(ctx, r.opts.Namespace)
	return ctx, opaqueID, err
}

func (r *RateLimiter) checkSchema(ctx context.Context) error {
	if r.opts.Logger != nil {
		ctx = logging.WithLogger(ctx, r.opts.Logger)
	}
	version, err := r.storage.GetSchemaVersion(ctx)
	if errors.IsNotFound(err) {
		if err := r.storage.PutSchemaVersion(ctx, storage.SchemaVersion); err != nil {
			return fmt.Errorf("bootstrapping schema version, %w", err)
		}
		logging.FromContext(ctx).With("schema-version", storage.SchemaVersion).Info("bootstrapped schema version record")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading schema version, %w", err)
	}
	if version != storage.SchemaVersion {
		return &errors.SchemaMismatchError{Want: storage.SchemaVersion, Got: version}
	}
	return nil
}

// AcquireRequest is one admission attempt.
type AcquireRequest struct {
	EntityID string
	Resource string
	// Consume maps limit name to requested base units.
	Consume map[string]int64
	// Limits is a caller-supplied fallback used only when no persisted config
	// scope holds a record.
	Limits []limits.Limit
	// Cascade also consumes from the parent entity's bucket, atomically.
	Cascade bool
	// OnUnavailable overrides the failure-mode policy for this call.
	OnUnavailable *limits.OnUnavailable
}

// Acquire checks and consumes tokens, returning a Lease on admission. A
// denial is a *errors.RateLimitExceededError. Infrastructure faults pass the
// failure-mode gate: fail-open returns a no-op lease, fail-closed returns a
// *errors.UnavailableError.
func (r *RateLimiter) Acquire(ctx context.Context, req AcquireRequest) (*admission.Lease, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return r.gateLease(ctx, req.OnUnavailable, err)
	}
	lease, err := r.engine.Acquire(ctx, admission.Request{
		OpaqueID: opaqueID,
		EntityID: req.EntityID,
		Resource: req.Resource,
		Consume:  req.Consume,
		Limits:   req.Limits,
		Cascade:  req.Cascade,
	})
	if err != nil {
		return r.gateLease(ctx, req.OnUnavailable, err)
	}
	return lease, nil
}

// gateLease is the failure-mode gate for admission: anything that is not an
// infrastructure fault propagates untouched.
func (r *RateLimiter) gateLease(ctx context.Context, override *limits.OnUnavailable, err error) (*admission.Lease, error) {
	if !errors.IsInfrastructure(err) {
		return nil, err
	}
	if r.effectiveOnUnavailable(ctx, override) == limits.Allow {
		metrics.AdmissionCount.WithLabelValues(metrics.ResultUnavailable, "").Inc()
		logging.FromContext(ctx).Warnf("rate limiter unavailable, admitting without consuming: %s", err)
		return admission.NewNoopLease(), nil
	}
	return nil, errors.NewUnavailableError(err)
}

// effectiveOnUnavailable resolves the failure-mode policy: the caller's
// per-call override wins, then the system default, then the constructor
// default. A resolution that itself fails infrastructurally falls back to the
// constructor default.
func (r *RateLimiter) effectiveOnUnavailable(ctx context.Context, override *limits.OnUnavailable) limits.OnUnavailable {
	if override != nil {
		return *override
	}
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return r.opts.DefaultOnUnavailable
	}
	mode, err := r.config.ResolveOnUnavailable(ctx, opaqueID)
	if err != nil || mode == nil {
		return r.opts.DefaultOnUnavailable
	}
	return *mode
}

// Available reports, per resolved limit, the base units currently available.
func (r *RateLimiter) Available(ctx context.Context, entityID, resource string) (map[string]int64, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return nil, r.gateRead(ctx, err)
	}
	available, err := r.engine.Available(ctx, opaqueID, entityID, resource)
	if err != nil {
		return nil, r.gateRead(ctx, err)
	}
	return available, nil
}

// TimeUntilAvailable reports how long until the needed amounts could be
// admitted, assuming no concurrent consumption.
func (r *RateLimiter) TimeUntilAvailable(ctx context.Context, entityID, resource string, needed map[string]int64) (time.Duration, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return 0, r.gateRead(ctx, err)
	}
	wait, err := r.engine.TimeUntilAvailable(ctx, opaqueID, entityID, resource, needed)
	if err != nil {
		return 0, r.gateRead(ctx, err)
	}
	return wait, nil
}

// GetStatus reports the current status of every resolved limit without
// consuming.
func (r *RateLimiter) GetStatus(ctx context.Context, entityID, resource string) ([]limits.Status, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return nil, r.gateRead(ctx, err)
	}
	statuses, err := r.engine.GetStatus(ctx, opaqueID, entityID, resource)
	if err != nil {
		return nil, r.gateRead(ctx, err)
	}
	return statuses, nil
}

// gateRead converts infrastructure faults on read-only operations. Fail-open
// callers still get an error here (there is no meaningful fabricated answer),
// but a typed one they can choose to ignore.
func (r *RateLimiter) gateRead(ctx context.Context, err error) error {
	if !errors.IsInfrastructure(err) {
		return err
	}
	return errors.NewUnavailableError(err)
}

// IsAvailable probes the backing store. It never returns an error.
func (r *RateLimiter) IsAvailable(ctx context.Context, timeout time.Duration) bool {
	return r.storage.IsReachable(ctx, timeout)
}

func (r *RateLimiter) CreateEntity(ctx context.Context, entityID, parentID, name string) (*storage.EntityRecord, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	return r.entity.Create(ctx, opaqueID, entityID, parentID, name)
}

func (r *RateLimiter) GetEntity(ctx context.Context, entityID string) (*storage.EntityRecord, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	return r.entity.Get(ctx, opaqueID, entityID)
}

func (r *RateLimiter) DeleteEntity(ctx context.Context, entityID string, cascade bool) error {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return err
	}
	return r.entity.Delete(ctx, opaqueID, entityID, cascade)
}

func (r *RateLimiter) SetSystemDefaults(ctx context.Context, lims []limits.Limit, onUnavailable *limits.OnUnavailable) error {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return err
	}
	return r.config.SetSystemDefaults(ctx, opaqueID, lims, onUnavailable)
}

func (r *RateLimiter) GetSystemDefaults(ctx context.Context) (*storage.ConfigRecord, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	return r.config.GetSystemDefaults(ctx, opaqueID)
}

func (r *RateLimiter) DeleteSystemDefaults(ctx context.Context) error {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return err
	}
	return r.config.DeleteSystemDefaults(ctx, opaqueID)
}

func (r *RateLimiter) SetResourceDefaults(ctx context.Context, resource string, lims []limits.Limit) error {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return err
	}
	return r.config.SetResourceDefaults(ctx, opaqueID, resource, lims)
}

func (r *RateLimiter) GetResourceDefaults(ctx context.Context, resource string) (*storage.ConfigRecord, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	return r.config.GetResourceDefaults(ctx, opaqueID, resource)
}

func (r *RateLimiter) DeleteResourceDefaults(ctx context.Context, resource string) error {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return err
	}
	return r.config.DeleteResourceDefaults(ctx, opaqueID, resource)
}

func (r *RateLimiter) ListResourcesWithDefaults(ctx context.Context) ([]string, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	return r.config.ListResourcesWithDefaults(ctx, opaqueID)
}

// SetLimits binds limits at the entity+resource scope, or the entity-default
// scope when resource is empty.
func (r *RateLimiter) SetLimits(ctx context.Context, entityID, resource string, lims []limits.Limit) error {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return err
	}
	return r.config.SetLimits(ctx, opaqueID, entityID, resource, lims)
}

func (r *RateLimiter) GetLimits(ctx context.Context, entityID, resource string) (*storage.ConfigRecord, error) {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	return r.config.GetLimits(ctx, opaqueID, entityID, resource)
}

func (r *RateLimiter) DeleteLimits(ctx context.Context, entityID, resource string) error {
	ctx, opaqueID, err := r.scope(ctx)
	if err != nil {
		return err
	}
	return r.config.DeleteLimits(ctx, opaqueID, entityID, resource)
}

// InvalidateConfigCache drops every cached config resolution.
func (r *RateLimiter) InvalidateConfigCache() {
	r.config.InvalidateAll()
}

// InvalidateConfig drops cached resolutions scoped to one entity and
// resource; either may be empty to widen the eviction to its defaults.
func (r *RateLimiter) InvalidateConfig(ctx context.Context, entityID, resource string) error {
	_, opaqueID, err := r.scope(ctx)
	if err != nil {
		return err
	}
	r.config.Invalidate(opaqueID, entityID, resource)
	return nil
}

// CacheStats snapshots the config cache counters.
func (r *RateLimiter) CacheStats() cache.Stats {
	return r.config.CacheStats()
}
