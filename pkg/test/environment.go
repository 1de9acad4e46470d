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

// Package test wires the fake DynamoDB, a controllable clock, and the full
// provider stack into one environment shared by the package test suites.
package test

import (
	"context"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dynalimit/dynalimit/pkg/admission"
	"github.com/dynalimit/dynalimit/pkg/cache"
	"github.com/dynalimit/dynalimit/pkg/fake"
	"github.com/dynalimit/dynalimit/pkg/providers/config"
	"github.com/dynalimit/dynalimit/pkg/providers/entity"
	"github.com/dynalimit/dynalimit/pkg/providers/namespace"
	"github.com/dynalimit/dynalimit/pkg/storage"
)

const Table = "dynalimit-test"

// StartMs is an arbitrary but fixed epoch the fake clock begins at.
const StartMs = int64(1_700_000_000_000)

type Environment struct {
	// Mock
	Clock       *fake.Clock
	DynamoDBAPI *fake.DynamoDBAPI

	// Storage
	Storage *storage.DefaultAdapter

	// Cache
	ConfigCache    *cache.Config
	NamespaceCache *gocache.Cache
	EntityCache    *gocache.Cache

	// Providers
	NamespaceProvider *namespace.DefaultProvider
	EntityProvider    *entity.DefaultProvider
	ConfigProvider    *config.DefaultProvider

	// Engine
	Engine *admission.Engine
}

func NewEnvironment(_ context.Context, opts ...func(*admission.Options)) *Environment {
	clock := fake.NewClock(StartMs)
	api := fake.NewDynamoDBAPI()
	adapter := storage.NewDefaultAdapter(api, Table, clock)

	configCache := cache.NewConfig(cache.DefaultConfigTTL)
	namespaceCache := gocache.New(gocache.NoExpiration, cache.DefaultCleanupInterval)
	entityCache := gocache.New(cache.DefaultConfigTTL, cache.DefaultCleanupInterval)

	configProvider := config.NewDefaultProvider(adapter, configCache)
	entityProvider := entity.NewDefaultProvider(adapter, entityCache)
	namespaceProvider := namespace.NewDefaultProvider(adapter, namespaceCache)

	engineOpts := admission.DefaultOptions()
	for _, opt := range opts {
		opt(&engineOpts)
	}
	return &Environment{
		Clock:             clock,
		DynamoDBAPI:       api,
		Storage:           adapter,
		ConfigCache:       configCache,
		NamespaceCache:    namespaceCache,
		EntityCache:       entityCache,
		NamespaceProvider: namespaceProvider,
		EntityProvider:    entityProvider,
		ConfigProvider:    configProvider,
		Engine:            admission.NewEngine(adapter, configProvider, entityProvider, engineOpts),
	}
}

// Reset returns the environment to a blank table without rebuilding the
// provider graph, so BeforeEach stays cheap.
func (env *Environment) Reset() {
	env.Clock.Set(StartMs)
	env.DynamoDBAPI.Reset()
	env.ConfigCache.Flush()
	env.NamespaceCache.Flush()
	env.EntityCache.Flush()
	env.Engine.FlushSeen()
}
