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

// Package namespace maps human-readable tenant names to the opaque prefixes
// that isolate their key spaces. The opaque id is random, not derived from the
// name, so tenants cannot guess each other's prefixes.
package namespace

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
	"knative.dev/pkg/logging"

	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/keys"
	"github.com/dynalimit/dynalimit/pkg/storage"
)

// opaqueIDBytes yields 8 URL-safe characters after base64 encoding.
const opaqueIDBytes = 6

type Provider interface {
	// Resolve returns the opaque prefix for the namespace, registering it on
	// first use. The reserved namespace resolves to itself.
	Resolve(ctx context.Context, name string) (string, error)
}

type DefaultProvider struct {
	sync.Mutex
	storage storage.Adapter
	cache   *cache.Cache
}

func NewDefaultProvider(storage storage.Adapter, cache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{storage: storage, cache: cache}
}

func (p *DefaultProvider) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.NewValidationError("namespace name must not be empty")
	}
	if name == keys.ReservedNamespace {
		return keys.ReservedNamespace, nil
	}
	p.Lock()
	defer p.Unlock()
	// The name to opaque-id binding is immutable once registered; cache it for
	// the life of the process.
	if entry, ok := p.cache.Get(name); ok {
		return entry.(string), nil
	}
	record, err := p.storage.GetNamespaceRecord(ctx, keys.NamespaceRecord(name))
	if err != nil {
		return "", fmt.Errorf("resolving namespace %q, %w", name, err)
	}
	if record == nil {
		record, err = p.register(ctx, name)
		if err != nil {
			return "", err
		}
	}
	p.cache.Set(name, record.OpaqueID, cache.NoExpiration)
	return record.OpaqueID, nil
}

func (p *DefaultProvider) register(ctx context.Context, name string) (*storage.NamespaceRecord, error) {
	opaqueID, err := mintOpaqueID()
	if err != nil {
		return nil, err
	}
	record := storage.NamespaceRecord{Name: name, OpaqueID: opaqueID}
	err = p.storage.PutNamespaceRecordNew(ctx, keys.NamespaceRecord(name), record)
	if errors.IsConflict(err) {
		// Another client registered the namespace first; adopt its id.
		existing, getErr := p.storage.GetNamespaceRecord(ctx, keys.NamespaceRecord(name))
		if getErr != nil {
			return nil, fmt.Errorf("re-reading namespace %q after registration race, %w", name, getErr)
		}
		if existing == nil {
			return nil, errors.NewInfrastructureError(fmt.Errorf("namespace %q vanished after registration race", name))
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registering namespace %q, %w", name, err)
	}
	logging.FromContext(ctx).With("namespace", name, "opaque-id", opaqueID).Info("registered namespace")
	return &record, nil
}

func mintOpaqueID() (string, error) {
	buf := make([]byte, opaqueIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("minting namespace id, %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
