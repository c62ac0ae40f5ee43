package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of the DynamoDB client the deduplicator uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoEventDeduplicator claims event ids with a conditional put. The table
// is keyed on event_key and expires rows through the expires_at TTL attribute.
type DynamoEventDeduplicator struct {
	client DynamoAPI
	table  string
	ttl    time.Duration
	now    func() time.Time
}

func NewDynamoEventDeduplicator(client DynamoAPI, table string, ttl time.Duration) *DynamoEventDeduplicator {
	return &DynamoEventDeduplicator{client: client, table: table, ttl: ttl, now: time.Now}
}

type ddbClaim struct {
	EventKey  string `dynamodbav:"event_key"`
	ClaimedAt string `dynamodbav:"claimed_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

func (d *DynamoEventDeduplicator) Claim(ctx context.Context, source, eventID string) (bool, error) {
	now := d.now().UTC()
	item, err := attributevalue.MarshalMap(ddbClaim{
		EventKey:  dedupKey(source, eventID),
		ClaimedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(d.ttl).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal claim: %w", err)
	}

	// An expired row that the TTL sweeper has not removed yet can be reclaimed.
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &d.table,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(event_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb PutItem failed: %w", err)
	}
	return true, nil
}

func (d *DynamoEventDeduplicator) Release(ctx context.Context, source, eventID string) error {
	key, err := attributevalue.MarshalMap(map[string]string{"event_key": dedupKey(source, eventID)})
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &d.table, Key: key}); err != nil {
		return fmt.Errorf("dynamodb DeleteItem failed: %w", err)
	}
	return nil
}
