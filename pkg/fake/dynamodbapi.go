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

package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/dynalimit/dynalimit/pkg/storage"
)

// Clock is a controllable server clock for tests. Observe adopts forward
// timestamps the same way the real clock adopts Date headers, but NowMs never
// advances on its own.
type Clock struct {
	mu sync.Mutex
	ms int64
}

func NewClock(startMs int64) *Clock {
	return &Clock{ms: startMs}
}

func (c *Clock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *Clock) Observe(serverMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serverMs > c.ms {
		c.ms = serverMs
	}
}

// Set rewinds or jumps the clock outright; tests use it between cases.
func (c *Clock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = ms
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += d.Milliseconds()
}

var _ storage.Clock = (*Clock)(nil)

// DynamoDBAPI is an in-memory DynamoDB good enough for the expressions the
// storage adapter issues: conditional puts on item absence or version
// equality, consistent reads with projections, batch gets, all-or-nothing
// transactions, and begins_with scans. State is keyed by the pk attribute.
type DynamoDBAPI struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	NextError AtomicError
	// BeforeWrite, when set, runs under the lock right before a conditional
	// put's condition is checked, with direct access to the stored items.
	// Tests use it to interleave a competing writer between a read and the
	// write that read seeded.
	BeforeWrite func(items map[string]map[string]types.AttributeValue, pk string)

	GetItemCalls            int
	PutItemCalls            int
	DeleteItemCalls         int
	BatchGetItemCalls       int
	TransactWriteItemsCalls int
	ScanCalls               int
}

func NewDynamoDBAPI() *DynamoDBAPI {
	return &DynamoDBAPI{items: map[string]map[string]types.AttributeValue{}}
}

func (f *DynamoDBAPI) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = map[string]map[string]types.AttributeValue{}
	f.NextError.Reset()
	f.BeforeWrite = nil
	f.GetItemCalls = 0
	f.PutItemCalls = 0
	f.DeleteItemCalls = 0
	f.BatchGetItemCalls = 0
	f.TransactWriteItemsCalls = 0
	f.ScanCalls = 0
}

// SetItem seeds an item directly, bypassing conditions.
func (f *DynamoDBAPI) SetItem(item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[pkValue(item)] = item
}

// Item returns a stored item by pk, or nil.
func (f *DynamoDBAPI) Item(pk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[pk]
}

// Keys returns the pk of every stored item.
func (f *DynamoDBAPI) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Keys(f.items)
}

func (f *DynamoDBAPI) ItemCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *DynamoDBAPI) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetItemCalls++
	if err := f.NextError.Get(); err != nil {
		return nil, err
	}
	item := f.items[pkValue(input.Key)]
	return &dynamodb.GetItemOutput{Item: project(item, input.ProjectionExpression, input.ExpressionAttributeNames)}, nil
}

func (f *DynamoDBAPI) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PutItemCalls++
	if err := f.NextError.Get(); err != nil {
		return nil, err
	}
	pk := pkValue(input.Item)
	if f.BeforeWrite != nil {
		f.BeforeWrite(f.items, pk)
	}
	if err := f.checkCondition(input.ConditionExpression, input.ExpressionAttributeNames, input.ExpressionAttributeValues, f.items[pk]); err != nil {
		return nil, err
	}
	f.items[pk] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *DynamoDBAPI) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteItemCalls++
	if err := f.NextError.Get(); err != nil {
		return nil, err
	}
	delete(f.items, pkValue(input.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *DynamoDBAPI) BatchGetItem(_ context.Context, input *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BatchGetItemCalls++
	if err := f.NextError.Get(); err != nil {
		return nil, err
	}
	responses := map[string][]map[string]types.AttributeValue{}
	for table, kaa := range input.RequestItems {
		for _, key := range kaa.Keys {
			if item, ok := f.items[pkValue(key)]; ok {
				responses[table] = append(responses[table], project(item, kaa.ProjectionExpression, kaa.ExpressionAttributeNames))
			}
		}
	}
	return &dynamodb.BatchGetItemOutput{Responses: responses}, nil
}

func (f *DynamoDBAPI) TransactWriteItems(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TransactWriteItemsCalls++
	if err := f.NextError.Get(); err != nil {
		return nil, err
	}
	// All conditions are checked before any write applies.
	reasons := make([]types.CancellationReason, 0, len(input.TransactItems))
	failed := false
	for _, item := range input.TransactItems {
		put := item.Put
		if f.BeforeWrite != nil {
			f.BeforeWrite(f.items, pkValue(put.Item))
		}
		if err := f.checkCondition(put.ConditionExpression, put.ExpressionAttributeNames, put.ExpressionAttributeValues, f.items[pkValue(put.Item)]); err != nil {
			reasons = append(reasons, types.CancellationReason{Code: aws.String("ConditionalCheckFailed")})
			failed = true
		} else {
			reasons = append(reasons, types.CancellationReason{Code: aws.String("None")})
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, item := range input.TransactItems {
		f.items[pkValue(item.Put.Item)] = item.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *DynamoDBAPI) Scan(_ context.Context, input *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ScanCalls++
	if err := f.NextError.Get(); err != nil {
		return nil, err
	}
	var matched []map[string]types.AttributeValue
	for pk, item := range f.items {
		if f.matchesFilter(pk, item, input) {
			matched = append(matched, project(item, input.ProjectionExpression, input.ExpressionAttributeNames))
		}
	}
	return &dynamodb.ScanOutput{Items: matched}, nil
}

// checkCondition evaluates the two condition shapes the adapter issues:
// attribute_not_exists(#pk) and #version = :expected.
func (f *DynamoDBAPI) checkCondition(expr *string, _ map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) error {
	if expr == nil {
		return nil
	}
	switch {
	case strings.Contains(*expr, "attribute_not_exists"):
		if existing != nil {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	case strings.Contains(*expr, "= :expected"):
		expected := stringValue(values[":expected"])
		if existing == nil || stringValue(existing["version"]) != expected {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	return nil
}

func (f *DynamoDBAPI) matchesFilter(pk string, item map[string]types.AttributeValue, input *dynamodb.ScanInput) bool {
	if input.FilterExpression == nil {
		return true
	}
	if strings.Contains(*input.FilterExpression, "begins_with") {
		if !strings.HasPrefix(pk, stringValue(input.ExpressionAttributeValues[":prefix"])) {
			return false
		}
	}
	if strings.Contains(*input.FilterExpression, "parent_id = :parent") {
		if stringValue(item["parent_id"]) != stringValue(input.ExpressionAttributeValues[":parent"]) {
			return false
		}
	}
	return true
}

func project(item map[string]types.AttributeValue, projection *string, names map[string]string) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	if projection == nil {
		return item
	}
	attrs := lo.Map(strings.Split(*projection, ","), func(raw string, _ int) string {
		attr := strings.TrimSpace(raw)
		if resolved, ok := names[attr]; ok {
			return resolved
		}
		return attr
	})
	projected := map[string]types.AttributeValue{}
	for _, attr := range attrs {
		if v, ok := item[attr]; ok {
			projected[attr] = v
		}
	}
	return projected
}

func pkValue(item map[string]types.AttributeValue) string {
	return stringValue(item["pk"])
}

func stringValue(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

var _ storage.DynamoDBAPI = (*DynamoDBAPI)(nil)
