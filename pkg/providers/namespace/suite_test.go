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

package namespace_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/keys"
	"github.com/dynalimit/dynalimit/pkg/storage"
	"github.com/dynalimit/dynalimit/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "knative.dev/pkg/logging/testing"
)

var ctx context.Context
var env *test.Environment

func TestNamespace(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "NamespaceProvider")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment(ctx)
})

var _ = BeforeEach(func() {
	env.Reset()
})

var _ = Describe("NamespaceProvider", func() {
	It("should register a namespace on first resolve", func() {
		opaqueID, err := env.NamespaceProvider.Resolve(ctx, "prod")
		Expect(err).ToNot(HaveOccurred())
		Expect(opaqueID).To(HaveLen(8))
		Expect(opaqueID).ToNot(Equal("prod"))

		record, err := env.Storage.GetNamespaceRecord(ctx, keys.NamespaceRecord("prod"))
		Expect(err).ToNot(HaveOccurred())
		Expect(record.OpaqueID).To(Equal(opaqueID))
	})

	It("should resolve to the same id for the life of the process without re-reading", func() {
		opaqueID, err := env.NamespaceProvider.Resolve(ctx, "prod")
		Expect(err).ToNot(HaveOccurred())
		before := env.DynamoDBAPI.GetItemCalls

		again, err := env.NamespaceProvider.Resolve(ctx, "prod")
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(opaqueID))
		Expect(env.DynamoDBAPI.GetItemCalls).To(Equal(before))
	})

	It("should mint distinct ids for distinct namespaces", func() {
		a, err := env.NamespaceProvider.Resolve(ctx, "prod")
		Expect(err).ToNot(HaveOccurred())
		b, err := env.NamespaceProvider.Resolve(ctx, "staging")
		Expect(err).ToNot(HaveOccurred())
		Expect(a).ToNot(Equal(b))
	})

	It("should adopt an id registered by another client", func() {
		Expect(env.Storage.PutNamespaceRecordNew(ctx, keys.NamespaceRecord("prod"), storage.NamespaceRecord{
			Name:     "prod",
			OpaqueID: "winnerid",
		})).To(Succeed())

		opaqueID, err := env.NamespaceProvider.Resolve(ctx, "prod")
		Expect(err).ToNot(HaveOccurred())
		Expect(opaqueID).To(Equal("winnerid"))
	})

	It("should adopt the winner's id after losing a registration race", func() {
		// Interleave a competing registration between our read and our
		// conditional write.
		env.DynamoDBAPI.BeforeWrite = func(items map[string]map[string]types.AttributeValue, pk string) {
			if pk == keys.NamespaceRecord("prod") {
				items[pk] = map[string]types.AttributeValue{
					"pk":        &types.AttributeValueMemberS{Value: pk},
					"name":      &types.AttributeValueMemberS{Value: "prod"},
					"opaque_id": &types.AttributeValueMemberS{Value: "winnerid"},
				}
			}
		}

		opaqueID, err := env.NamespaceProvider.Resolve(ctx, "prod")
		Expect(err).ToNot(HaveOccurred())
		Expect(opaqueID).To(Equal("winnerid"))
	})

	It("should resolve the reserved namespace to itself without storage", func() {
		opaqueID, err := env.NamespaceProvider.Resolve(ctx, keys.ReservedNamespace)
		Expect(err).ToNot(HaveOccurred())
		Expect(opaqueID).To(Equal(keys.ReservedNamespace))
		Expect(env.DynamoDBAPI.GetItemCalls).To(Equal(0))
	})

	It("should reject an empty namespace name", func() {
		_, err := env.NamespaceProvider.Resolve(ctx, "")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})
