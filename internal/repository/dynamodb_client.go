package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefixUser   = "USER#"
	skPrefixDream  = "DREAM#"
	skSubscription = "SUBSCRIPTION"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores subscriptions and dreams in one table keyed by user.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the partition key shared by all of a user's items.
func userPK(userID string) string {
	return pkPrefixUser + userID
}

func dreamSK(dreamID string) string {
	return skPrefixDream + dreamID
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// isConditionFailed reports whether err is DynamoDB rejecting a conditional write.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func strValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func intValue(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

// timeValue stores a timestamp as Unix milliseconds.
func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UTC().UnixMilli(), 10)}
}

func listValue(items []string) types.AttributeValue {
	out := make([]types.AttributeValue, 0, len(items))
	for _, s := range items {
		out = append(out, strValue(s))
	}
	return &types.AttributeValueMemberL{Value: out}
}

func mapValue(m map[string]string) types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		out[k] = strValue(v)
	}
	return &types.AttributeValueMemberM{Value: out}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// optStrAttr returns "" for a missing attribute.
func optStrAttr(item map[string]types.AttributeValue, key string) (string, error) {
	if _, ok := item[key]; !ok {
		return "", nil
	}
	return strAttr(item, key)
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	v, ok := item[key]
	if !ok {
		return time.Time{}, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	ms, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// listAttr accepts a missing attribute as an empty list.
func listAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return []string{}, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for i, elem := range l.Value {
		s, ok := elem.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q[%d] is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

func mapAttr(item map[string]types.AttributeValue, key string) (map[string]string, error) {
	v, ok := item[key]
	if !ok {
		return map[string]string{}, nil
	}
	m, ok := v.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a map", key)
	}
	out := make(map[string]string, len(m.Value))
	for k, elem := range m.Value {
		s, ok := elem.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q.%s is not a string", key, k)
		}
		out[k] = s.Value
	}
	return out, nil
}
