package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

const tableName = "contractd-clusters"

const nodeStatusesRangeKey = "node-statuses"

func nodeStatusRangeKey(nodeName string) string {
	return nodeStatusesRangeKey + "/" + nodeName
}

// DynamoDBAPI is the subset of the DynamoDB client the status store uses.
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type DynamoDBStatusStore struct {
	client      DynamoDBAPI
	log         *zap.Logger
	clusterName string
	nodeName    string
}

func NewDynamoDBStatusStore(client DynamoDBAPI, clusterName, nodeName string, log *zap.Logger) *DynamoDBStatusStore {
	return &DynamoDBStatusStore{
		client:      client,
		log:         log,
		clusterName: clusterName,
		nodeName:    nodeName,
	}
}

// InitTable creates the status table. It is run out-of-band with the
// init-table command, not on daemon startup.
func (d *DynamoDBStatusStore) InitTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("cluster_name"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("key"),
				KeyType:       types.KeyTypeRange,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("cluster_name"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			d.log.Info("Table already exists, skipping creation", zap.String("table", tableName))
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	d.log.Info("Created table", zap.String("table", tableName))
	return nil
}

func (d *DynamoDBStatusStore) WriteNodeStatus(ctx context.Context, status *NodeStatus) error {
	value, err := attributevalue.MarshalMap(*status)
	if err != nil {
		return fmt.Errorf("failed to marshal node status: %w", err)
	}
	value["cluster_name"] = &types.AttributeValueMemberS{Value: d.clusterName}
	value["key"] = &types.AttributeValueMemberS{Value: nodeStatusRangeKey(d.nodeName)}

	putItemInput := dynamodb.PutItemInput{
		TableName: aws.String(tableName),
		Item:      value,
	}

	if _, err := d.client.PutItem(ctx, &putItemInput); err != nil {
		return fmt.Errorf("failed to write node status to DynamoDB: %w", err)
	}

	return nil
}

func (d *DynamoDBStatusStore) FetchNodeStatuses(ctx context.Context) ([]NodeStatus, error) {
	resp, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(tableName),
		KeyConditionExpression: aws.String("cluster_name = :cluster_name AND begins_with(#key, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#key": "key",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
			":prefix":       &types.AttributeValueMemberS{Value: nodeStatusesRangeKey + "/"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query node statuses from DynamoDB: %w", err)
	}

	nodes := []NodeStatus{}
	for _, item := range resp.Items {
		key, ok := item["key"]
		if !ok {
			return nil, fmt.Errorf("missing key in DynamoDB item: %v", item)
		}

		var keyStr string
		if err := attributevalue.Unmarshal(key, &keyStr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key: %w", err)
		}

		nodeName := strings.TrimPrefix(keyStr, nodeStatusesRangeKey+"/")
		var status NodeStatus
		if err := attributevalue.UnmarshalMap(item, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node status for %s: %w", nodeName, err)
		}
		if nodeName != status.Name {
			return nil, fmt.Errorf("node status name mismatch: expected %s, got %s", nodeName, status.Name)
		}
		nodes = append(nodes, status)
	}

	return nodes, nil
}
