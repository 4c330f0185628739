// Package dynamodb provides a blobstore.Store backed by a DynamoDB table,
// one item per blob. It serves deployments that want the user/template
// documents in a managed key-value store instead of object storage.
//
// Table schema:
//   - Partition key: name (string) - the blob name
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name biovault-blobs \
//	  --attribute-definitions AttributeName=name,AttributeType=S \
//	  --key-schema AttributeName=name,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
//
// DynamoDB items are capped at 400 KB, which comfortably holds template
// documents and sealed embedding blobs at the supported dimensionalities.
package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/biovault/blobstore"
)

// Compile-time check to ensure Store satisfies the blobstore interface.
var _ blobstore.Store = (*Store)(nil)

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store implements blobstore.Store over DynamoDB items.
type Store struct {
	client    Client
	tableName string
}

// NewStore creates a new DynamoDB blob store.
func NewStore(client Client, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
	}
}

// Put writes a blob atomically. DynamoDB PutItem replaces the whole item.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: name},
			"data": &types.AttributeValueMemberB{Value: data},
		},
	})
	return err
}

// Get reads a whole blob.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: name},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrNotFound, name)
	}

	attr, ok := out.Item["data"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("blob %s: item has no binary data attribute", name)
	}
	return attr.Value, nil
}

// Delete removes a blob. DynamoDB deletes are idempotent.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: name},
		},
	})
	return err
}

// List returns all blob names with the given prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	input := &dynamodb.ScanInput{
		TableName:            aws.String(s.tableName),
		ProjectionExpression: aws.String("#n"),
		ExpressionAttributeNames: map[string]string{
			"#n": "name",
		},
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(#n, :p)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: prefix},
		}
	}

	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if attr, ok := item["name"].(*types.AttributeValueMemberS); ok {
				if strings.HasPrefix(attr.Value, prefix) {
					names = append(names, attr.Value)
				}
			}
		}
	}

	sort.Strings(names)
	return names, nil
}
