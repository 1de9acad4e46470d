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

package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/keys"
	"github.com/dynalimit/dynalimit/pkg/storage"
)

type Provider interface {
	Create(ctx context.Context, opaqueID, entityID, parentID, name string) (*storage.EntityRecord, error)
	Get(ctx context.Context, opaqueID, entityID string) (*storage.EntityRecord, error)
	Delete(ctx context.Context, opaqueID, entityID string, cascade bool) error
	// Parent returns the one-level parent record, or nil when the entity has
	// none. Used by cascading admission.
	Parent(ctx context.Context, opaqueID, entityID string) (*storage.EntityRecord, error)
}

// DefaultProvider caches entity records briefly; parent lookups sit on the
// admission hot path when cascading is enabled.
type DefaultProvider struct {
	sync.Mutex
	storage storage.Adapter
	cache   *cache.Cache
}

func NewDefaultProvider(storage storage.Adapter, cache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{storage: storage, cache: cache}
}

func (p *DefaultProvider) Create(ctx context.Context, opaqueID, entityID, parentID, name string) (*storage.EntityRecord, error) {
	if entityID == "" {
		return nil, errors.NewValidationError("entity id must not be empty")
	}
	if parentID != "" {
		// The parent must exist; cascade traverses exactly one level, so a
		// parent that itself has a parent is permitted but never consulted.
		if _, err := p.Get(ctx, opaqueID, parentID); err != nil {
			return nil, fmt.Errorf("checking parent %q, %w", parentID, err)
		}
	}
	record := storage.EntityRecord{
		EntityID:    entityID,
		Name:        name,
		ParentID:    parentID,
		CreatedAtMs: p.storage.ServerTimeMs(),
	}
	if err := p.storage.PutEntity(ctx, keys.Entity(opaqueID, entityID), record); err != nil {
		return nil, fmt.Errorf("creating entity %q, %w", entityID, err)
	}
	p.Lock()
	p.cache.SetDefault(keys.Entity(opaqueID, entityID), &record)
	p.Unlock()
	return &record, nil
}

func (p *DefaultProvider) Get(ctx context.Context, opaqueID, entityID string) (*storage.EntityRecord, error) {
	key := keys.Entity(opaqueID, entityID)
	p.Lock()
	if entry, ok := p.cache.Get(key); ok {
		p.Unlock()
		return entry.(*storage.EntityRecord), nil
	}
	p.Unlock()
	record, err := p.storage.GetEntity(ctx, key)
	if err != nil {
		return nil, err
	}
	p.Lock()
	p.cache.SetDefault(key, record)
	p.Unlock()
	return record, nil
}

func (p *DefaultProvider) Parent(ctx context.Context, opaqueID, entityID string) (*storage.EntityRecord, error) {
	record, err := p.Get(ctx, opaqueID, entityID)
	if err != nil {
		return nil, err
	}
	if record.ParentID == "" {
		return nil, nil
	}
	parent, err := p.Get(ctx, opaqueID, record.ParentID)
	if errors.IsNotFound(err) {
		// A dangling parent reference degrades to no parent rather than
		// failing admission.
		logging.FromContext(ctx).With("entity-id", entityID, "parent-id", record.ParentID).
			Warnf("entity references a missing parent")
		return nil, nil
	}
	return parent, err
}

func (p *DefaultProvider) Delete(ctx context.Context, opaqueID, entityID string, cascade bool) error {
	if cascade {
		childKeys, err := p.storage.ListEntityKeysByParent(ctx, fmt.Sprintf("%s/", opaqueID), entityID)
		if err != nil {
			return fmt.Errorf("listing children of %q, %w", entityID, err)
		}
		var errs error
		for _, childKey := range childKeys {
			errs = multierr.Append(errs, p.storage.DeleteEntity(ctx, childKey))
		}
		if errs != nil {
			return fmt.Errorf("deleting children of %q, %w", entityID, errs)
		}
		p.Lock()
		for _, childKey := range childKeys {
			p.cache.Delete(childKey)
		}
		p.Unlock()
	}
	if err := p.storage.DeleteEntity(ctx, keys.Entity(opaqueID, entityID)); err != nil {
		return fmt.Errorf("deleting entity %q, %w", entityID, err)
	}
	p.Lock()
	p.cache.Delete(keys.Entity(opaqueID, entityID))
	p.Unlock()
	return nil
}
