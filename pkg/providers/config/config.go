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

// Package config resolves the effective limit rules for an (entity, resource)
// pair by walking four persisted scopes in precedence order, fronted by a
// per-fingerprint TTL cache. Misses at the resource and system scopes are
// cached negatively; entity-scope misses are not, since cold entities are the
// common case and caching every miss bloats the cache. All eviction funnels
// through the mutating methods here so it stays exact.
package config

import (
	"context"
	"fmt"
	"sync"

	"knative.dev/pkg/logging"

	"github.com/dynalimit/dynalimit/pkg/cache"
	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/keys"
	"github.com/dynalimit/dynalimit/pkg/limits"
	"github.com/dynalimit/dynalimit/pkg/storage"
)

// Resolved is the immutable outcome of a resolution: the limit rules in effect
// and the scope they came from.
type Resolved struct {
	Limits []limits.Limit
	Scope  keys.ScopeKind
}

type Provider interface {
	// ResolveLimits walks the scope precedence and returns the first hit, or
	// the caller-supplied override when no scope holds a record. A nil result
	// means no limits are configured anywhere: admission cannot proceed.
	ResolveLimits(ctx context.Context, opaqueID, entityID, resource string, override []limits.Limit) (*Resolved, error)
	// ResolveOnUnavailable returns the failure-mode policy from the system
	// default, the only scope permitted to define it, or nil when unset.
	ResolveOnUnavailable(ctx context.Context, opaqueID string) (*limits.OnUnavailable, error)

	SetSystemDefaults(ctx context.Context, opaqueID string, lims []limits.Limit, onUnavailable *limits.OnUnavailable) error
	GetSystemDefaults(ctx context.Context, opaqueID string) (*storage.ConfigRecord, error)
	DeleteSystemDefaults(ctx context.Context, opaqueID string) error

	SetResourceDefaults(ctx context.Context, opaqueID, resource string, lims []limits.Limit) error
	GetResourceDefaults(ctx context.Context, opaqueID, resource string) (*storage.ConfigRecord, error)
	DeleteResourceDefaults(ctx context.Context, opaqueID, resource string) error
	ListResourcesWithDefaults(ctx context.Context, opaqueID string) ([]string, error)

	// SetLimits binds limits at the entity+resource scope, or the
	// entity-default scope when resource is empty.
	SetLimits(ctx context.Context, opaqueID, entityID, resource string, lims []limits.Limit) error
	GetLimits(ctx context.Context, opaqueID, entityID, resource string) (*storage.ConfigRecord, error)
	DeleteLimits(ctx context.Context, opaqueID, entityID, resource string) error

	// Invalidate evicts every cached scope that could shade the given
	// identifiers; InvalidateAll flushes the whole cache.
	Invalidate(opaqueID, entityID, resource string)
	InvalidateAll()
	CacheStats() cache.Stats
}

type DefaultProvider struct {
	sync.Mutex
	storage storage.Adapter
	cache   *cache.Config
}

func NewDefaultProvider(storage storage.Adapter, cache *cache.Config) *DefaultProvider {
	return &DefaultProvider{storage: storage, cache: cache}
}

// scopeOf describes one resolution level: its fingerprint, its record key, and
// whether a miss is cached.
type scopeOf struct {
	kind          keys.ScopeKind
	fingerprint   string
	key           string
	cacheNegative bool
}

func (p *DefaultProvider) scopes(opaqueID, entityID, resource string) []scopeOf {
	return []scopeOf{
		{
			kind:        keys.ScopeEntityResource,
			fingerprint: keys.Fingerprint(keys.ScopeEntityResource, opaqueID, entityID, resource),
			key:         keys.EntityResourceConfig(opaqueID, entityID, resource),
		},
		{
			kind:        keys.ScopeEntity,
			fingerprint: keys.Fingerprint(keys.ScopeEntity, opaqueID, entityID, ""),
			key:         keys.EntityConfig(opaqueID, entityID),
		},
		{
			kind:          keys.ScopeResource,
			fingerprint:   keys.Fingerprint(keys.ScopeResource, opaqueID, "", resource),
			key:           keys.ResourceConfig(opaqueID, resource),
			cacheNegative: true,
		},
		{
			kind:          keys.ScopeSystem,
			fingerprint:   keys.Fingerprint(keys.ScopeSystem, opaqueID, "", ""),
			key:           keys.SystemConfig(opaqueID),
			cacheNegative: true,
		},
	}
}

func (p *DefaultProvider) ResolveLimits(ctx context.Context, opaqueID, entityID, resource string, override []limits.Limit) (*Resolved, error) {
	for _, scope := range p.scopes(opaqueID, entityID, resource) {
		record, err := p.lookup(ctx, scope)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return &Resolved{Limits: record.ParsedLimits(), Scope: scope.kind}, nil
		}
	}
	if len(override) > 0 {
		return &Resolved{Limits: override}, nil
	}
	return nil, nil
}

func (p *DefaultProvider) ResolveOnUnavailable(ctx context.Context, opaqueID string) (*limits.OnUnavailable, error) {
	system := p.scopes(opaqueID, "", "")[3]
	record, err := p.lookup(ctx, system)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return record.OnUnavailable, nil
}

// lookup consults the cache for one scope, falling back to the store on a
// miss. Hits at any scope are cached positively; misses only where the scope
// permits negative caching.
func (p *DefaultProvider) lookup(ctx context.Context, scope scopeOf) (*storage.ConfigRecord, error) {
	value, negative, ok := p.cache.Get(scope.fingerprint)
	if ok {
		if negative {
			return nil, nil
		}
		return value.(*storage.ConfigRecord), nil
	}
	record, err := p.storage.GetConfig(ctx, scope.key)
	if err != nil {
		return nil, fmt.Errorf("reading %s config %q, %w", scope.kind, scope.key, err)
	}
	if record != nil {
		p.cache.Set(scope.fingerprint, record)
	} else if scope.cacheNegative {
		p.cache.SetNegative(scope.fingerprint)
	}
	return record, nil
}

func (p *DefaultProvider) SetSystemDefaults(ctx context.Context, opaqueID string, lims []limits.Limit, onUnavailable *limits.OnUnavailable) error {
	if err := limits.Validate(lims); err != nil {
		return errors.NewValidationError("invalid system defaults, %w", err)
	}
	record := storage.NewConfigRecord(lims, onUnavailable)
	if err := p.storage.PutConfig(ctx, keys.SystemConfig(opaqueID), record); err != nil {
		return fmt.Errorf("writing system defaults, %w", err)
	}
	p.cache.Invalidate(keys.Fingerprint(keys.ScopeSystem, opaqueID, "", ""))
	logging.FromContext(ctx).With("limits", len(lims)).Debugf("replaced system default limits")
	return nil
}

func (p *DefaultProvider) GetSystemDefaults(ctx context.Context, opaqueID string) (*storage.ConfigRecord, error) {
	record, err := p.storage.GetConfig(ctx, keys.SystemConfig(opaqueID))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.NewNotFoundError(keys.SystemConfig(opaqueID))
	}
	return record, nil
}

func (p *DefaultProvider) DeleteSystemDefaults(ctx context.Context, opaqueID string) error {
	if err := p.storage.DeleteConfig(ctx, keys.SystemConfig(opaqueID)); err != nil {
		return fmt.Errorf("deleting system defaults, %w", err)
	}
	p.cache.Invalidate(keys.Fingerprint(keys.ScopeSystem, opaqueID, "", ""))
	return nil
}

func (p *DefaultProvider) SetResourceDefaults(ctx context.Context, opaqueID, resource string, lims []limits.Limit) error {
	if resource == "" {
		return errors.NewValidationError("resource must not be empty")
	}
	if err := limits.Validate(lims); err != nil {
		return errors.NewValidationError("invalid resource defaults, %w", err)
	}
	if err := p.storage.PutConfig(ctx, keys.ResourceConfig(opaqueID, resource), storage.NewConfigRecord(lims, nil)); err != nil {
		return fmt.Errorf("writing resource defaults for %q, %w", resource, err)
	}
	// Evicts the positive entry and, critically, any negative marker that
	// would shadow the record just written.
	p.cache.Invalidate(keys.Fingerprint(keys.ScopeResource, opaqueID, "", resource))
	return nil
}

func (p *DefaultProvider) GetResourceDefaults(ctx context.Context, opaqueID, resource string) (*storage.ConfigRecord, error) {
	record, err := p.storage.GetConfig(ctx, keys.ResourceConfig(opaqueID, resource))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.NewNotFoundError(keys.ResourceConfig(opaqueID, resource))
	}
	return record, nil
}

func (p *DefaultProvider) DeleteResourceDefaults(ctx context.Context, opaqueID, resource string) error {
	if err := p.storage.DeleteConfig(ctx, keys.ResourceConfig(opaqueID, resource)); err != nil {
		return fmt.Errorf("deleting resource defaults for %q, %w", resource, err)
	}
	p.cache.Invalidate(keys.Fingerprint(keys.ScopeResource, opaqueID, "", resource))
	return nil
}

func (p *DefaultProvider) ListResourcesWithDefaults(ctx context.Context, opaqueID string) ([]string, error) {
	configKeys, err := p.storage.ListConfigKeys(ctx, keys.ResourceConfigPrefix(opaqueID))
	if err != nil {
		return nil, fmt.Errorf("listing resource defaults, %w", err)
	}
	resources := make([]string, 0, len(configKeys))
	for _, key := range configKeys {
		if resource := keys.ResourceFromConfigKey(opaqueID, key); resource != "" {
			resources = append(resources, resource)
		}
	}
	return resources, nil
}

func (p *DefaultProvider) SetLimits(ctx context.Context, opaqueID, entityID, resource string, lims []limits.Limit) error {
	if entityID == "" {
		return errors.NewValidationError("entity id must not be empty")
	}
	if err := limits.Validate(lims); err != nil {
		return errors.NewValidationError("invalid limits, %w", err)
	}
	key, fingerprint := p.entityScope(opaqueID, entityID, resource)
	if err := p.storage.PutConfig(ctx, key, storage.NewConfigRecord(lims, nil)); err != nil {
		return fmt.Errorf("writing limits for entity %q, %w", entityID, err)
	}
	p.cache.Invalidate(fingerprint)
	return nil
}

func (p *DefaultProvider) GetLimits(ctx context.Context, opaqueID, entityID, resource string) (*storage.ConfigRecord, error) {
	key, _ := p.entityScope(opaqueID, entityID, resource)
	record, err := p.storage.GetConfig(ctx, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.NewNotFoundError(key)
	}
	return record, nil
}

func (p *DefaultProvider) DeleteLimits(ctx context.Context, opaqueID, entityID, resource string) error {
	key, fingerprint := p.entityScope(opaqueID, entityID, resource)
	if err := p.storage.DeleteConfig(ctx, key); err != nil {
		return fmt.Errorf("deleting limits for entity %q, %w", entityID, err)
	}
	p.cache.Invalidate(fingerprint)
	return nil
}

func (p *DefaultProvider) entityScope(opaqueID, entityID, resource string) (key, fingerprint string) {
	if resource == "" {
		return keys.EntityConfig(opaqueID, entityID), keys.Fingerprint(keys.ScopeEntity, opaqueID, entityID, "")
	}
	return keys.EntityResourceConfig(opaqueID, entityID, resource), keys.Fingerprint(keys.ScopeEntityResource, opaqueID, entityID, resource)
}

func (p *DefaultProvider) Invalidate(opaqueID, entityID, resource string) {
	for _, scope := range p.scopes(opaqueID, entityID, resource) {
		p.cache.Invalidate(scope.fingerprint)
	}
}

func (p *DefaultProvider) InvalidateAll() {
	p.cache.Flush()
}

func (p *DefaultProvider) CacheStats() cache.Stats {
	return p.cache.Stats()
}
