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

package ratelimiter_test

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/fake"
	"github.com/dynalimit/dynalimit/pkg/limits"
	"github.com/dynalimit/dynalimit/pkg/ratelimiter"
	"github.com/dynalimit/dynalimit/pkg/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "knative.dev/pkg/logging/testing"
)

var ctx context.Context
var clock *fake.Clock
var dynamoAPI *fake.DynamoDBAPI
var adapter *storage.DefaultAdapter

const startMs = int64(1_700_000_000_000)

func TestRateLimiter(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "RateLimiter")
}

var _ = BeforeSuite(func() {
	clock = fake.NewClock(startMs)
	dynamoAPI = fake.NewDynamoDBAPI()
	adapter = storage.NewDefaultAdapter(dynamoAPI, "limits-test", clock)
})

var _ = BeforeEach(func() {
	clock.Set(startMs)
	dynamoAPI.Reset()
})

func newLimiter(opts ...ratelimiter.Option) *ratelimiter.RateLimiter {
	r, err := ratelimiter.New(ctx, adapter, opts...)
	Expect(err).ToNot(HaveOccurred())
	return r
}

var _ = Describe("New", func() {
	It("should bootstrap the schema version on an untouched table", func() {
		newLimiter()
		version, err := adapter.GetSchemaVersion(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(version).To(Equal(storage.SchemaVersion))

		// A second client joins the bootstrapped table.
		newLimiter()
	})

	It("should refuse a table with an unknown schema version", func() {
		Expect(adapter.PutSchemaVersion(ctx, storage.SchemaVersion+7)).To(Succeed())
		_, err := ratelimiter.New(ctx, adapter)
		var mismatch *errors.SchemaMismatchError
		Expect(goerrors.As(err, &mismatch)).To(BeTrue())
		Expect(mismatch.Got).To(Equal(storage.SchemaVersion + 7))
	})
})

var _ = Describe("Acquire", func() {
	var r *ratelimiter.RateLimiter

	BeforeEach(func() {
		r = newLimiter()
		Expect(r.SetResourceDefaults(ctx, "api", []limits.Limit{limits.PerSecond("rps", 10)})).To(Succeed())
	})

	It("should admit end to end and reflect the consumption", func() {
		lease, err := r.Acquire(ctx, ratelimiter.AcquireRequest{
			EntityID: "user-1",
			Resource: "api",
			Consume:  map[string]int64{"rps": 4},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Statuses()[0].Available).To(Equal(int64(6)))
		Expect(lease.Commit(ctx)).To(Succeed())

		available, err := r.Available(ctx, "user-1", "api")
		Expect(err).ToNot(HaveOccurred())
		Expect(available["rps"]).To(Equal(int64(6)))
	})

	It("should deny with a rate-limit error untouched by the failure gate", func() {
		_, err := r.Acquire(ctx, ratelimiter.AcquireRequest{
			EntityID: "user-1",
			Resource: "api",
			Consume:  map[string]int64{"rps": 11},
		})
		Expect(errors.IsRateLimitExceeded(err)).To(BeTrue())
		Expect(errors.IsUnavailable(err)).To(BeFalse())
	})

	It("should pass validation errors through untouched", func() {
		_, err := r.Acquire(ctx, ratelimiter.AcquireRequest{EntityID: "user-1", Resource: "api"})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	It("should isolate namespaces end to end", func() {
		other := newLimiter(ratelimiter.WithNamespace("staging"))
		// No config exists in the staging namespace.
		_, err := other.Acquire(ctx, ratelimiter.AcquireRequest{
			EntityID: "user-1",
			Resource: "api",
			Consume:  map[string]int64{"rps": 1},
		})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	Context("failure-mode gate", func() {
		storeDown := func() {
			dynamoAPI.NextError.Set(fmt.Errorf("dial tcp: connection refused"), fake.Forever())
		}

		It("should block by default when the store is unreachable", func() {
			storeDown()
			_, err := r.Acquire(ctx, ratelimiter.AcquireRequest{
				EntityID: "user-1",
				Resource: "api",
				Consume:  map[string]int64{"rps": 1},
			})
			Expect(errors.IsUnavailable(err)).To(BeTrue())
		})

		It("should honor a per-call fail-open override", func() {
			storeDown()
			allow := limits.Allow
			lease, err := r.Acquire(ctx, ratelimiter.AcquireRequest{
				EntityID:      "user-1",
				Resource:      "api",
				Consume:       map[string]int64{"rps": 1},
				OnUnavailable: &allow,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(lease.Noop()).To(BeTrue())
		})

		It("should honor a constructor-level fail-open default", func() {
			open := newLimiter(ratelimiter.WithDefaultOnUnavailable(limits.Allow))
			Expect(open.SetResourceDefaults(ctx, "api", []limits.Limit{limits.PerSecond("rps", 10)})).To(Succeed())
			storeDown()
			lease, err := open.Acquire(ctx, ratelimiter.AcquireRequest{
				EntityID: "user-1",
				Resource: "api",
				Consume:  map[string]int64{"rps": 1},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(lease.Noop()).To(BeTrue())
		})

		It("should honor a system-configured fail-open policy", func() {
			allow := limits.Allow
			Expect(r.SetSystemDefaults(ctx, []limits.Limit{limits.PerSecond("rps", 10)}, &allow)).To(Succeed())
			// Warm the config cache so the policy survives the outage.
			_, err := r.Acquire(ctx, ratelimiter.AcquireRequest{
				EntityID: "user-1",
				Resource: "api",
				Consume:  map[string]int64{"rps": 1},
			})
			Expect(err).ToNot(HaveOccurred())

			storeDown()
			lease, err := r.Acquire(ctx, ratelimiter.AcquireRequest{
				EntityID: "user-2",
				Resource: "api",
				Consume:  map[string]int64{"rps": 1},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(lease.Noop()).To(BeTrue())
		})

		It("should type read-only failures as unavailable even when fail-open", func() {
			storeDown()
			_, err := r.Available(ctx, "user-1", "api")
			Expect(errors.IsUnavailable(err)).To(BeTrue())
			_, err = r.GetStatus(ctx, "user-1", "api")
			Expect(errors.IsUnavailable(err)).To(BeTrue())
		})

		It("should report reachability", func() {
			Expect(r.IsAvailable(ctx, time.Second)).To(BeTrue())
			storeDown()
			Expect(r.IsAvailable(ctx, time.Second)).To(BeFalse())
		})
	})
})

var _ = Describe("Administration", func() {
	var r *ratelimiter.RateLimiter

	BeforeEach(func() {
		r = newLimiter()
	})

	It("should manage entities through the client", func() {
		_, err := r.CreateEntity(ctx, "org-1", "", "Org")
		Expect(err).ToNot(HaveOccurred())
		_, err = r.CreateEntity(ctx, "user-1", "org-1", "Sam")
		Expect(err).ToNot(HaveOccurred())

		record, err := r.GetEntity(ctx, "user-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(record.ParentID).To(Equal("org-1"))

		Expect(r.DeleteEntity(ctx, "org-1", true)).To(Succeed())
		_, err = r.GetEntity(ctx, "user-1")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should manage limit config at every scope", func() {
		Expect(r.SetSystemDefaults(ctx, []limits.Limit{limits.PerSecond("rps", 1)}, nil)).To(Succeed())
		Expect(r.SetResourceDefaults(ctx, "api", []limits.Limit{limits.PerSecond("rps", 2)})).To(Succeed())
		Expect(r.SetLimits(ctx, "user-1", "api", []limits.Limit{limits.PerSecond("rps", 3)})).To(Succeed())

		record, err := r.GetLimits(ctx, "user-1", "api")
		Expect(err).ToNot(HaveOccurred())
		Expect(record.Limits[0].Capacity).To(Equal(int64(3)))

		resources, err := r.ListResourcesWithDefaults(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(resources).To(ConsistOf("api"))

		Expect(r.DeleteLimits(ctx, "user-1", "api")).To(Succeed())
		Expect(r.DeleteResourceDefaults(ctx, "api")).To(Succeed())
		Expect(r.DeleteSystemDefaults(ctx)).To(Succeed())
		_, err = r.GetSystemDefaults(ctx)
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should expose config cache controls", func() {
		Expect(r.SetResourceDefaults(ctx, "api", []limits.Limit{limits.PerSecond("rps", 2)})).To(Succeed())
		_, err := r.GetStatus(ctx, "user-1", "api")
		Expect(err).ToNot(HaveOccurred())
		Expect(r.CacheStats().Misses).To(BeNumerically(">", 0))

		r.InvalidateConfigCache()
		Expect(r.CacheStats().Size).To(Equal(0))
	})
})
