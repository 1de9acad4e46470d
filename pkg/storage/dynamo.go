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

// Package storage adapts a single DynamoDB table to the narrow surface the
// admission engine requires: conditional single-item writes versioned by a
// UUID tag, atomic multi-item transactions for cascades, batched and projected
// reads, and a monotonic server-time estimate piggybacked on responses. All
// SDK errors are mapped into the pkg/errors taxonomy here and nowhere else.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/dynalimit/dynalimit/pkg/bucket"
	"github.com/dynalimit/dynalimit/pkg/errors"
	"github.com/dynalimit/dynalimit/pkg/keys"
	"github.com/dynalimit/dynalimit/pkg/metrics"
)

const (
	attrPK      = "pk"
	attrKind    = "kind"
	attrVersion = "version"
	attrLimits  = "limits"

	kindBucket    = "bucket"
	kindConfig    = "config"
	kindEntity    = "entity"
	kindNamespace = "namespace"
	kindSchema    = "schema"
	kindAudit     = "audit"
)

// DefaultAdapter implements Adapter against one DynamoDB table keyed by a
// single string partition key.
type DefaultAdapter struct {
	api   DynamoDBAPI
	table string
	clock Clock
}

func NewDefaultAdapter(api DynamoDBAPI, table string, clock Clock) *DefaultAdapter {
	return &DefaultAdapter{api: api, table: table, clock: clock}
}

func (a *DefaultAdapter) GetBucket(ctx context.Context, key string) (BucketRecord, int64, error) {
	defer a.observe("GetBucket", time.Now())
	out, err := a.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                a.tableName(),
		Key:                      pkOf(key),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#limits, #version"),
		ExpressionAttributeNames: map[string]string{"#limits": attrLimits, "#version": attrVersion},
	})
	if err != nil {
		return BucketRecord{}, 0, errors.FromStore(err)
	}
	record, err := a.bucketFromItem(key, out.Item)
	if err != nil {
		return BucketRecord{}, 0, err
	}
	return record, a.clock.NowMs(), nil
}

func (a *DefaultAdapter) PutBucketNew(ctx context.Context, key string, state bucket.State) (string, error) {
	defer a.observe("PutBucketNew", time.Now())
	version := uuid.NewString()
	item, err := a.bucketItem(key, version, state)
	if err != nil {
		return "", err
	}
	if _, err := a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                a.tableName(),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	}); err != nil {
		return "", errors.FromStore(err)
	}
	return version, nil
}

func (a *DefaultAdapter) UpdateBucket(ctx context.Context, key, expectedVersion string, state bucket.State) (string, error) {
	defer a.observe("UpdateBucket", time.Now())
	version := uuid.NewString()
	item, err := a.bucketItem(key, version, state)
	if err != nil {
		return "", err
	}
	if _, err := a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 a.tableName(),
		Item:                      item,
		ConditionExpression:       aws.String("#version = :expected"),
		ExpressionAttributeNames:  map[string]string{"#version": attrVersion},
		ExpressionAttributeValues: map[string]types.AttributeValue{":expected": &types.AttributeValueMemberS{Value: expectedVersion}},
	}); err != nil {
		return "", errors.FromStore(err)
	}
	return version, nil
}

func (a *DefaultAdapter) TransactUpdate(ctx context.Context, writes []VersionedWrite) error {
	defer a.observe("TransactUpdate", time.Now())
	items := make([]types.TransactWriteItem, 0, len(writes))
	for _, w := range writes {
		item, err := a.bucketItem(w.Key, uuid.NewString(), w.State)
		if err != nil {
			return err
		}
		put := &types.Put{
			TableName: a.tableName(),
			Item:      item,
		}
		if w.ExpectedVersion == "" {
			put.ConditionExpression = aws.String("attribute_not_exists(#pk)")
			put.ExpressionAttributeNames = map[string]string{"#pk": attrPK}
		} else {
			put.ConditionExpression = aws.String("#version = :expected")
			put.ExpressionAttributeNames = map[string]string{"#version": attrVersion}
			put.ExpressionAttributeValues = map[string]types.AttributeValue{":expected": &types.AttributeValueMemberS{Value: w.ExpectedVersion}}
		}
		items = append(items, types.TransactWriteItem{Put: put})
	}
	if _, err := a.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(uuid.NewString()),
	}); err != nil {
		return errors.FromStore(err)
	}
	return nil
}

func (a *DefaultAdapter) BatchGetBuckets(ctx context.Context, bucketKeys []string) (map[string]BucketRecord, int64, error) {
	defer a.observe("BatchGetBuckets", time.Now())
	records := map[string]BucketRecord{}
	pending := &types.KeysAndAttributes{
		Keys:                     lo.Map(bucketKeys, func(k string, _ int) map[string]types.AttributeValue { return pkOf(k) }),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#pk, #limits, #version"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK, "#limits": attrLimits, "#version": attrVersion},
	}
	for pending != nil && len(pending.Keys) > 0 {
		out, err := a.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{a.table: *pending},
		})
		if err != nil {
			return nil, 0, errors.FromStore(err)
		}
		for _, item := range out.Responses[a.table] {
			key := stringAttr(item, attrPK)
			record, err := a.bucketFromItem(key, item)
			if err != nil {
				return nil, 0, err
			}
			records[key] = record
		}
		pending = nil
		if kaa, ok := out.UnprocessedKeys[a.table]; ok && len(kaa.Keys) > 0 {
			pending = &kaa
		}
	}
	// Absent buckets come back as no item at all; normalize so callers can
	// range over the requested keys.
	for _, key := range bucketKeys {
		if _, ok := records[key]; !ok {
			records[key] = BucketRecord{Key: key}
		}
	}
	return records, a.clock.NowMs(), nil
}

func (a *DefaultAdapter) GetConfig(ctx context.Context, scopeKey string) (*ConfigRecord, error) {
	defer a.observe("GetConfig", time.Now())
	out, err := a.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      a.tableName(),
		Key:            pkOf(scopeKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.FromStore(err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	record := &ConfigRecord{}
	if err := attributevalue.UnmarshalMap(out.Item, record); err != nil {
		return nil, errors.NewValidationError("unmarshaling config record %q, %w", scopeKey, err)
	}
	return record, nil
}

func (a *DefaultAdapter) PutConfig(ctx context.Context, scopeKey string, record ConfigRecord) error {
	defer a.observe("PutConfig", time.Now())
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return errors.NewValidationError("marshaling config record %q, %w", scopeKey, err)
	}
	item[attrPK] = &types.AttributeValueMemberS{Value: scopeKey}
	item[attrKind] = &types.AttributeValueMemberS{Value: kindConfig}
	if _, err := a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: a.tableName(),
		Item:      item,
	}); err != nil {
		return errors.FromStore(err)
	}
	return nil
}

func (a *DefaultAdapter) DeleteConfig(ctx context.Context, scopeKey string) error {
	defer a.observe("DeleteConfig", time.Now())
	if _, err := a.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: a.tableName(),
		Key:       pkOf(scopeKey),
	}); err != nil {
		return errors.FromStore(err)
	}
	return nil
}

func (a *DefaultAdapter) ListConfigKeys(ctx context.Context, prefix string) ([]string, error) {
	defer a.observe("ListConfigKeys", time.Now())
	var found []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := a.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 a.tableName(),
			FilterExpression:          aws.String("begins_with(#pk, :prefix)"),
			ProjectionExpression:      aws.String("#pk"),
			ExpressionAttributeNames:  map[string]string{"#pk": attrPK},
			ExpressionAttributeValues: map[string]types.AttributeValue{":prefix": &types.AttributeValueMemberS{Value: prefix}},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errors.FromStore(err)
		}
		for _, item := range out.Items {
			found = append(found, stringAttr(item, attrPK))
		}
		if len(out.LastEvaluatedKey) == 0 {
			return found, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (a *DefaultAdapter) GetEntity(ctx context.Context, key string) (*EntityRecord, error) {
	defer a.observe("GetEntity", time.Now())
	out, err := a.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      a.tableName(),
		Key:            pkOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.FromStore(err)
	}
	if len(out.Item) == 0 {
		return nil, errors.NewNotFoundError(key)
	}
	record := &EntityRecord{}
	if err := attributevalue.UnmarshalMap(out.Item, record); err != nil {
		return nil, errors.NewValidationError("unmarshaling entity record %q, %w", key, err)
	}
	return record, nil
}

func (a *DefaultAdapter) PutEntity(ctx context.Context, key string, record EntityRecord) error {
	defer a.observe("PutEntity", time.Now())
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return errors.NewValidationError("marshaling entity record %q, %w", key, err)
	}
	item[attrPK] = &types.AttributeValueMemberS{Value: key}
	item[attrKind] = &types.AttributeValueMemberS{Value: kindEntity}
	if _, err := a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: a.tableName(),
		Item:      item,
	}); err != nil {
		return errors.FromStore(err)
	}
	return nil
}

func (a *DefaultAdapter) DeleteEntity(ctx context.Context, key string) error {
	defer a.observe("DeleteEntity", time.Now())
	if _, err := a.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: a.tableName(),
		Key:       pkOf(key),
	}); err != nil {
		return errors.FromStore(err)
	}
	return nil
}

func (a *DefaultAdapter) ListEntityKeysByParent(ctx context.Context, prefix, parentID string) ([]string, error) {
	defer a.observe("ListEntityKeysByParent", time.Now())
	var found []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := a.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                a.tableName(),
			FilterExpression:         aws.String("begins_with(#pk, :prefix) AND parent_id = :parent"),
			ProjectionExpression:     aws.String("#pk"),
			ExpressionAttributeNames: map[string]string{"#pk": attrPK},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: prefix},
				":parent": &types.AttributeValueMemberS{Value: parentID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, errors.FromStore(err)
		}
		for _, item := range out.Items {
			found = append(found, stringAttr(item, attrPK))
		}
		if len(out.LastEvaluatedKey) == 0 {
			return found, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (a *DefaultAdapter) GetNamespaceRecord(ctx context.Context, key string) (*NamespaceRecord, error) {
	defer a.observe("GetNamespaceRecord", time.Now())
	out, err := a.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      a.tableName(),
		Key:            pkOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.FromStore(err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	record := &NamespaceRecord{}
	if err := attributevalue.UnmarshalMap(out.Item, record); err != nil {
		return nil, errors.NewValidationError("unmarshaling namespace record %q, %w", key, err)
	}
	return record, nil
}

func (a *DefaultAdapter) PutNamespaceRecordNew(ctx context.Context, key string, record NamespaceRecord) error {
	defer a.observe("PutNamespaceRecordNew", time.Now())
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return errors.NewValidationError("marshaling namespace record %q, %w", key, err)
	}
	item[attrPK] = &types.AttributeValueMemberS{Value: key}
	item[attrKind] = &types.AttributeValueMemberS{Value: kindNamespace}
	if _, err := a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                a.tableName(),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	}); err != nil {
		return errors.FromStore(err)
	}
	return nil
}

func (a *DefaultAdapter) GetSchemaVersion(ctx context.Context) (int, error) {
	defer a.observe("GetSchemaVersion", time.Now())
	out, err := a.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      a.tableName(),
		Key:            pkOf(keys.Schema()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, errors.FromStore(err)
	}
	if len(out.Item) == 0 {
		return 0, errors.NewNotFoundError(keys.Schema())
	}
	n, ok := out.Item["schema_version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.NewValidationError("schema record is missing schema_version")
	}
	version, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, errors.NewValidationError("parsing schema_version %q, %w", n.Value, err)
	}
	return version, nil
}

func (a *DefaultAdapter) PutSchemaVersion(ctx context.Context, version int) error {
	defer a.observe("PutSchemaVersion", time.Now())
	if _, err := a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: a.tableName(),
		Item: map[string]types.AttributeValue{
			attrPK:           &types.AttributeValueMemberS{Value: keys.Schema()},
			attrKind:         &types.AttributeValueMemberS{Value: kindSchema},
			"schema_version": &types.AttributeValueMemberN{Value: strconv.Itoa(version)},
		},
	}); err != nil {
		return errors.FromStore(err)
	}
	return nil
}

func (a *DefaultAdapter) PutAuditRecord(ctx context.Context, key string, record AuditRecord) error {
	defer a.observe("PutAuditRecord", time.Now())
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return errors.NewValidationError("marshaling audit record %q, %w", key, err)
	}
	item[attrPK] = &types.AttributeValueMemberS{Value: key}
	item[attrKind] = &types.AttributeValueMemberS{Value: kindAudit}
	if _, err := a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: a.tableName(),
		Item:      item,
	}); err != nil {
		return errors.FromStore(err)
	}
	return nil
}

func (a *DefaultAdapter) ServerTimeMs() int64 {
	return a.clock.NowMs()
}

func (a *DefaultAdapter) IsReachable(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := a.GetSchemaVersion(ctx)
	return err == nil || errors.IsNotFound(err)
}

func (a *DefaultAdapter) tableName() *string {
	return aws.String(a.table)
}

func (a *DefaultAdapter) bucketItem(key, version string, state bucket.State) (map[string]types.AttributeValue, error) {
	stateAV, err := attributevalue.Marshal(state)
	if err != nil {
		return nil, errors.NewValidationError("marshaling bucket state %q, %w", key, err)
	}
	return map[string]types.AttributeValue{
		attrPK:      &types.AttributeValueMemberS{Value: key},
		attrKind:    &types.AttributeValueMemberS{Value: kindBucket},
		attrVersion: &types.AttributeValueMemberS{Value: version},
		attrLimits:  stateAV,
	}, nil
}

func (a *DefaultAdapter) bucketFromItem(key string, item map[string]types.AttributeValue) (BucketRecord, error) {
	if len(item) == 0 {
		return BucketRecord{Key: key}, nil
	}
	record := BucketRecord{Key: key, Version: stringAttr(item, attrVersion)}
	if record.Version == "" {
		return BucketRecord{}, errors.NewValidationError("bucket %q has no version tag", key)
	}
	if err := attributevalue.Unmarshal(item[attrLimits], &record.State); err != nil {
		return BucketRecord{}, errors.NewValidationError("unmarshaling bucket state %q, %w", key, err)
	}
	return record, nil
}

func (a *DefaultAdapter) observe(operation string, start time.Time) {
	metrics.StorageDuration.WithLabelValues(operation, "complete").Observe(time.Since(start).Seconds())
}

func pkOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: key}}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if s, ok := item[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

var _ Adapter = (*DefaultAdapter)(nil)

// Concise is a debugging aid for log lines that include bucket keys.
func Concise(record BucketRecord) string {
	if !record.Exists() {
		return fmt.Sprintf("%s@absent", record.Key)
	}
	return fmt.Sprintf("%s@%s", record.Key, record.Version[:8])
}
