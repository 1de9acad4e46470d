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

package ratelimiter

import (
	"time"

	"go.uber.org/zap"

	"github.com/dynalimit/dynalimit/pkg/admission"
	"github.com/dynalimit/dynalimit/pkg/cache"
	"github.com/dynalimit/dynalimit/pkg/limits"
)

const (
	DefaultNamespace      = "default"
	DefaultAuditRetention = 14 * 24 * time.Hour
)

type Options struct {
	// Namespace is the tenant key space every record of this client lives in.
	Namespace string
	// ConfigTTL bounds config-cache staleness. Zero disables config caching.
	ConfigTTL time.Duration
	// DefaultOnUnavailable applies when the store is unreachable and no
	// caller- or system-level policy can be determined. Conservatively BLOCK.
	DefaultOnUnavailable limits.OnUnavailable
	RetryAttempts        uint
	RetryDelay           time.Duration
	// FastPath enables speculative single-bucket writes that skip the read
	// round trip.
	FastPath bool
	// AuditRecords enables best-effort usage snapshots with a TTL attribute.
	AuditRecords   bool
	AuditRetention time.Duration
	// Logger, when set, is threaded into every call's context. Callers that
	// already carry a logger in ctx can leave it nil.
	Logger *zap.SugaredLogger
}

type Option func(*Options)

func resolveOptions(opts ...Option) Options {
	o := Options{
		Namespace:            DefaultNamespace,
		ConfigTTL:            cache.DefaultConfigTTL,
		DefaultOnUnavailable: limits.Block,
		RetryAttempts:        admission.DefaultRetryAttempts,
		RetryDelay:           admission.DefaultRetryDelay,
		FastPath:             true,
		AuditRetention:       DefaultAuditRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithNamespace(namespace string) Option {
	return func(o *Options) { o.Namespace = namespace }
}

func WithConfigTTL(ttl time.Duration) Option {
	return func(o *Options) { o.ConfigTTL = ttl }
}

func WithDefaultOnUnavailable(mode limits.OnUnavailable) Option {
	return func(o *Options) { o.DefaultOnUnavailable = mode }
}

func WithRetry(attempts uint, delay time.Duration) Option {
	return func(o *Options) {
		o.RetryAttempts = attempts
		o.RetryDelay = delay
	}
}

func WithoutFastPath() Option {
	return func(o *Options) { o.FastPath = false }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithAuditRecords(retention time.Duration) Option {
	return func(o *Options) {
		o.AuditRecords = true
		o.AuditRetention = retention
	}
}
