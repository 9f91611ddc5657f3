package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoItem holds the non-key attributes. The partition key attribute is
// named by configuration, so it is handled separately.
type dynamoItem struct {
	Status    string `dynamodbav:"Status"`
	CreatedAt string `dynamodbav:"CreatedAt"`
	UpdatedAt string `dynamodbav:"UpdatedAt"`
}

// DynamoStore keeps one item per image in a table keyed by a single string
// partition key.
type DynamoStore struct {
	client       DynamoAPI
	table        string
	partitionKey string
}

// NewDynamoStore wraps an existing client.
func NewDynamoStore(client DynamoAPI, table, partitionKey string) *DynamoStore {
	return &DynamoStore{client: client, table: table, partitionKey: partitionKey}
}

// NewDynamoStoreFromConfig loads AWS credentials from the default chain.
func NewDynamoStoreFromConfig(ctx context.Context, cfg config.StoreConfig) (*DynamoStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
		}
	})

	s := NewDynamoStore(client, cfg.TableName, cfg.PartitionKey)
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		s.partitionKey: &types.AttributeValueMemberS{Value: id},
	}
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*model.ImageRecord, error) {
	ctx, cancel := boundRead(ctx, "get")
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("get %s: decode item: %w", id, err)
	}

	rec := &model.ImageRecord{ID: id, Status: model.Status(item.Status)}
	if rec.CreatedAt, err = parseTime(item.CreatedAt); err != nil {
		return nil, fmt.Errorf("get %s: CreatedAt: %w", id, err)
	}
	if rec.UpdatedAt, err = parseTime(item.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get %s: UpdatedAt: %w", id, err)
	}
	return rec, nil
}

// Put uses UpdateItem so CreatedAt is only set when absent.
func (s *DynamoStore) Put(ctx context.Context, rec *model.ImageRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	ctx, cancel := boundWrite(ctx, "put")
	defer cancel()

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(rec.ID),
		UpdateExpression: aws.String("SET #status = :status, #updated = :updated, #created = if_not_exists(#created, :created)"),
		ExpressionAttributeNames: map[string]string{
			"#status":  "Status",
			"#updated": "UpdatedAt",
			"#created": "CreatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(rec.Status)},
			":updated": &types.AttributeValueMemberS{Value: formatTime(rec.UpdatedAt)},
			":created": &types.AttributeValueMemberS{Value: formatTime(rec.CreatedAt)},
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the item. DeleteItem on a missing key succeeds.
func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := boundWrite(ctx, "delete")
	defer cancel()

	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(id),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}); err != nil {
		return fmt.Errorf("describe table %s: %w", s.table, err)
	}
	return nil
}

func (s *DynamoStore) Close() error { return nil }
