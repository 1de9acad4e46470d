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
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/dynalimit/dynalimit/pkg/bucket"
	"github.com/dynalimit/dynalimit/pkg/limits"
)

// SchemaVersion is the storage layout this client speaks. The deployed table
// advertises its version in a record under the reserved namespace; a mismatch
// is fatal at startup.
const SchemaVersion = 1

// BucketRecord is a read bucket together with its optimistic-concurrency
// version tag. A nil State with an empty Version means the bucket has never
// been written.
type BucketRecord struct {
	Key     string
	State   bucket.State
	Version string
}

// Exists reports whether the bucket has been persisted at least once.
func (r BucketRecord) Exists() bool {
	return r.Version != ""
}

// VersionedWrite is one conditional bucket write: a full-state replacement
// guarded by the version the writer last read. An empty ExpectedVersion is a
// create and requires the item to be absent.
type VersionedWrite struct {
	Key             string
	ExpectedVersion string
	State           bucket.State
}

// StoredLimit is the persisted shape of one limit rule inside a config record.
// Attribute names and the seconds-based period are part of the storage
// contract.
type StoredLimit struct {
	Name                string `dynamodbav:"name" json:"name"`
	Capacity            int64  `dynamodbav:"capacity" json:"capacity"`
	Burst               int64  `dynamodbav:"burst" json:"burst"`
	RefillAmount        int64  `dynamodbav:"refill_amount" json:"refill_amount"`
	RefillPeriodSeconds int64  `dynamodbav:"refill_period_seconds" json:"refill_period_seconds"`
}

// ConfigRecord is the persisted binding of limit rules (and, at the system
// scope only, the on-unavailable policy) at one resolution scope. Writes
// replace the record wholesale.
type ConfigRecord struct {
	Limits        []StoredLimit         `dynamodbav:"limits" json:"limits"`
	OnUnavailable *limits.OnUnavailable `dynamodbav:"on_unavailable,omitempty" json:"on_unavailable,omitempty"`
}

// NewConfigRecord converts in-memory rules into their persisted shape.
func NewConfigRecord(lims []limits.Limit, onUnavailable *limits.OnUnavailable) ConfigRecord {
	return ConfigRecord{
		Limits: lo.Map(lims, func(l limits.Limit, _ int) StoredLimit {
			return StoredLimit{
				Name:                l.Name,
				Capacity:            l.Capacity,
				Burst:               l.Burst,
				RefillAmount:        l.RefillAmount,
				RefillPeriodSeconds: int64(l.RefillPeriod / time.Second),
			}
		}),
		OnUnavailable: onUnavailable,
	}
}

// ParsedLimits returns the record's rules in their in-memory shape.
func (r ConfigRecord) ParsedLimits() []limits.Limit {
	return lo.Map(r.Limits, func(s StoredLimit, _ int) limits.Limit {
		return limits.Limit{
			Name:         s.Name,
			Capacity:     s.Capacity,
			Burst:        s.Burst,
			RefillAmount: s.RefillAmount,
			RefillPeriod: time.Duration(s.RefillPeriodSeconds) * time.Second,
		}
	})
}

// EntityRecord is a persisted entity. Entities form at most one-level
// parent/child chains as far as admission is concerned.
type EntityRecord struct {
	EntityID    string `dynamodbav:"entity_id" json:"entity_id"`
	Name        string `dynamodbav:"name,omitempty" json:"name,omitempty"`
	ParentID    string `dynamodbav:"parent_id,omitempty" json:"parent_id,omitempty"`
	CreatedAtMs int64  `dynamodbav:"created_at_ms" json:"created_at_ms"`
}

// NamespaceRecord binds a human namespace name to its opaque key prefix.
type NamespaceRecord struct {
	Name     string `dynamodbav:"name" json:"name"`
	OpaqueID string `dynamodbav:"opaque_id" json:"opaque_id"`
}

// AuditRecord is a best-effort usage snapshot written after successful
// admissions when auditing is enabled. It is the only record the core sets a
// TTL expiration on.
type AuditRecord struct {
	EntityID  string           `dynamodbav:"entity_id" json:"entity_id"`
	Resource  string           `dynamodbav:"resource" json:"resource"`
	Consumed  map[string]int64 `dynamodbav:"consumed" json:"consumed"`
	AtMs      int64            `dynamodbav:"at_ms" json:"at_ms"`
	ExpiresAt int64            `dynamodbav:"expires_at" json:"expires_at"`
}

// Adapter is the narrow backing-store surface the core requires. Every method
// honors context cancellation, and every error is already mapped into the
// pkg/errors taxonomy.
type Adapter interface {
	// GetBucket reads one bucket with a projection to bucket attributes only.
	// Absent buckets return a record with Exists() == false, not an error.
	// serverNowMs is the adapter's monotonic server-time estimate after the
	// read.
	GetBucket(ctx context.Context, key string) (BucketRecord, int64, error)
	// PutBucketNew creates a bucket, failing with a conflict if it exists.
	PutBucketNew(ctx context.Context, key string, state bucket.State) (newVersion string, err error)
	// UpdateBucket replaces a bucket's state guarded by its version tag.
	UpdateBucket(ctx context.Context, key, expectedVersion string, state bucket.State) (newVersion string, err error)
	// TransactUpdate applies every write atomically; any failed precondition
	// fails them all with a conflict.
	TransactUpdate(ctx context.Context, writes []VersionedWrite) error
	// BatchGetBuckets reads up to a store-defined batch of buckets in one
	// round trip. Absent keys are returned with Exists() == false.
	BatchGetBuckets(ctx context.Context, bucketKeys []string) (map[string]BucketRecord, int64, error)

	GetConfig(ctx context.Context, scopeKey string) (*ConfigRecord, error)
	PutConfig(ctx context.Context, scopeKey string, record ConfigRecord) error
	DeleteConfig(ctx context.Context, scopeKey string) error
	// ListConfigKeys enumerates config record keys sharing a prefix.
	ListConfigKeys(ctx context.Context, prefix string) ([]string, error)

	GetEntity(ctx context.Context, key string) (*EntityRecord, error)
	PutEntity(ctx context.Context, key string, record EntityRecord) error
	DeleteEntity(ctx context.Context, key string) error
	// ListEntityKeysByParent enumerates entity record keys under the prefix
	// whose parent is parentID, for cascading deletes.
	ListEntityKeysByParent(ctx context.Context, prefix, parentID string) ([]string, error)

	GetNamespaceRecord(ctx context.Context, key string) (*NamespaceRecord, error)
	// PutNamespaceRecordNew registers a namespace, failing with a conflict if
	// the name is taken.
	PutNamespaceRecordNew(ctx context.Context, key string, record NamespaceRecord) error

	GetSchemaVersion(ctx context.Context) (int, error)
	PutSchemaVersion(ctx context.Context, version int) error

	PutAuditRecord(ctx context.Context, key string, record AuditRecord) error

	// ServerTimeMs returns the current monotonic server-time estimate without
	// a round trip.
	ServerTimeMs() int64
	// IsReachable probes the store and never returns an error.
	IsReachable(ctx context.Context, timeout time.Duration) bool
}
