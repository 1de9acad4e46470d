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

package entity_test

import (
	"context"
	"strings"
	"testing"

	"github.com/Pallinder/go-randomdata"

	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/keys"
	"github.com/dynalimit/dynalimit/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "knative.dev/pkg/logging/testing"
)

var ctx context.Context
var env *test.Environment

const ns = "a1b2c3d4"

func TestEntity(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "EntityProvider")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment(ctx)
})

var _ = BeforeEach(func() {
	env.Reset()
})

var _ = Describe("EntityProvider", func() {
	It("should create and fetch an entity", func() {
		name := strings.ToLower(randomdata.SillyName())
		record, err := env.EntityProvider.Create(ctx, ns, "user-1", "", name)
		Expect(err).ToNot(HaveOccurred())
		Expect(record.EntityID).To(Equal("user-1"))
		Expect(record.CreatedAtMs).To(Equal(test.StartMs))

		got, err := env.EntityProvider.Get(ctx, ns, "user-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Name).To(Equal(name))
	})

	It("should reject an empty entity id", func() {
		_, err := env.EntityProvider.Create(ctx, ns, "", "", "")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	It("should reject creation under a missing parent", func() {
		_, err := env.EntityProvider.Create(ctx, ns, "user-1", "org-missing", "")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should report absent entities as not found", func() {
		_, err := env.EntityProvider.Get(ctx, ns, "ghost")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should serve repeat gets from the cache", func() {
		_, err := env.EntityProvider.Create(ctx, ns, "user-1", "", "")
		Expect(err).ToNot(HaveOccurred())
		before := env.DynamoDBAPI.GetItemCalls
		for i := 0; i < 3; i++ {
			_, err = env.EntityProvider.Get(ctx, ns, "user-1")
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(env.DynamoDBAPI.GetItemCalls).To(Equal(before))
	})

	Context("Parent", func() {
		It("should resolve the one-level parent", func() {
			_, err := env.EntityProvider.Create(ctx, ns, "org-1", "", "Org")
			Expect(err).ToNot(HaveOccurred())
			_, err = env.EntityProvider.Create(ctx, ns, "user-1", "org-1", "")
			Expect(err).ToNot(HaveOccurred())

			parent, err := env.EntityProvider.Parent(ctx, ns, "user-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(parent.EntityID).To(Equal("org-1"))
		})

		It("should return nil for a root entity", func() {
			_, err := env.EntityProvider.Create(ctx, ns, "user-1", "", "")
			Expect(err).ToNot(HaveOccurred())
			parent, err := env.EntityProvider.Parent(ctx, ns, "user-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(parent).To(BeNil())
		})

		It("should degrade a dangling parent reference to nil", func() {
			_, err := env.EntityProvider.Create(ctx, ns, "org-1", "", "")
			Expect(err).ToNot(HaveOccurred())
			_, err = env.EntityProvider.Create(ctx, ns, "user-1", "org-1", "")
			Expect(err).ToNot(HaveOccurred())
			Expect(env.EntityProvider.Delete(ctx, ns, "org-1", false)).To(Succeed())

			parent, err := env.EntityProvider.Parent(ctx, ns, "user-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(parent).To(BeNil())
		})
	})

	Context("Delete", func() {
		It("should delete a single entity", func() {
			_, err := env.EntityProvider.Create(ctx, ns, "user-1", "", "")
			Expect(err).ToNot(HaveOccurred())
			Expect(env.EntityProvider.Delete(ctx, ns, "user-1", false)).To(Succeed())
			_, err = env.EntityProvider.Get(ctx, ns, "user-1")
			Expect(errors.IsNotFound(err)).To(BeTrue())
		})

		It("should cascade to children", func() {
			_, err := env.EntityProvider.Create(ctx, ns, "org-1", "", "")
			Expect(err).ToNot(HaveOccurred())
			for _, id := range []string{"user-1", "user-2"} {
				_, err = env.EntityProvider.Create(ctx, ns, id, "org-1", "")
				Expect(err).ToNot(HaveOccurred())
			}
			_, err = env.EntityProvider.Create(ctx, ns, "bystander", "", "")
			Expect(err).ToNot(HaveOccurred())

			Expect(env.EntityProvider.Delete(ctx, ns, "org-1", true)).To(Succeed())

			Expect(env.DynamoDBAPI.Item(keys.Entity(ns, "org-1"))).To(BeNil())
			Expect(env.DynamoDBAPI.Item(keys.Entity(ns, "user-1"))).To(BeNil())
			Expect(env.DynamoDBAPI.Item(keys.Entity(ns, "user-2"))).To(BeNil())
			Expect(env.DynamoDBAPI.Item(keys.Entity(ns, "bystander"))).ToNot(BeNil())
		})
	})
})
