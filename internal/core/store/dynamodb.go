package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/core"
)

// DynamoDBAPI defines the DynamoDB operations used by DynamoStore.
// This interface enables testing with mock implementations.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps rate limit records in a DynamoDB table.
//
// Table schema (created externally):
//   - Partition key: ConnectionId (String)
//   - All record fields stored as attributes, timestamps as epoch milliseconds
//
// Optimistic locking uses the numeric Version attribute.
type DynamoStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoStore wraps an existing client.
func NewDynamoStore(client DynamoDBAPI, tableName string) (*DynamoStore, error) {
	if client == nil {
		return nil, errors.New("DynamoDB client cannot be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("tableName cannot be empty")
	}
	return &DynamoStore{client: client, tableName: tableName}, nil
}

// OpenDynamoDB builds a client from the default AWS credential chain and
// verifies the table is reachable.
func OpenDynamoDB(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	s, err := NewDynamoStore(client, cfg.Table)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// dynamoItem is the DynamoDB attribute layout of a record.
type dynamoItem struct {
	ConnectionID      string `dynamodbav:"ConnectionId"`
	Status            string `dynamodbav:"Status"`
	Paused            bool   `dynamodbav:"Paused"`
	PausedAt          *int64 `dynamodbav:"PausedAt,omitempty"`
	LastMessageTime   *int64 `dynamodbav:"LastMessageTime,omitempty"`
	MessageCount      int64  `dynamodbav:"MessageCount"`
	DailyMessageCount int64  `dynamodbav:"DailyMessageCount"`
	LastDailyReset    int64  `dynamodbav:"LastDailyReset"`
	NextAllowedTime   int64  `dynamodbav:"NextAllowedTime"`
	CurrentInterval   int64  `dynamodbav:"CurrentInterval"`
	WarningCount      int    `dynamodbav:"WarningCount"`
	LastWarningTime   *int64 `dynamodbav:"LastWarningTime,omitempty"`
	BlockCount        int    `dynamodbav:"BlockCount"`
	LastBlockTime     *int64 `dynamodbav:"LastBlockTime,omitempty"`
	BaseInterval      int64  `dynamodbav:"BaseInterval"`
	MaxInterval       int64  `dynamodbav:"MaxInterval"`
	JitterRange       int64  `dynamodbav:"JitterRange"`
	DailyLimit        int    `dynamodbav:"DailyLimit"`
	WarningThreshold  int    `dynamodbav:"WarningThreshold"`
	Version           int64  `dynamodbav:"Version"`
	CreatedAt         int64  `dynamodbav:"CreatedAt"`
	UpdatedAt         int64  `dynamodbav:"UpdatedAt"`
}

func toItem(rec *core.Record) *dynamoItem {
	return &dynamoItem{
		ConnectionID:      rec.ConnectionID,
		Status:            string(rec.Status),
		Paused:            rec.Paused,
		PausedAt:          ptrMillis(rec.PausedAt),
		LastMessageTime:   ptrMillis(rec.LastMessageTime),
		MessageCount:      rec.MessageCount,
		DailyMessageCount: rec.DailyMessageCount,
		LastDailyReset:    millis(rec.LastDailyReset),
		NextAllowedTime:   millis(rec.NextAllowedTime),
		CurrentInterval:   rec.CurrentInterval,
		WarningCount:      rec.WarningCount,
		LastWarningTime:   ptrMillis(rec.LastWarningTime),
		BlockCount:        rec.BlockCount,
		LastBlockTime:     ptrMillis(rec.LastBlockTime),
		BaseInterval:      rec.Limits.BaseInterval,
		MaxInterval:       rec.Limits.MaxInterval,
		JitterRange:       rec.Limits.JitterRange,
		DailyLimit:        rec.Limits.DailyLimit,
		WarningThreshold:  rec.Limits.WarningThreshold,
		Version:           rec.Version,
		CreatedAt:         millis(rec.CreatedAt),
		UpdatedAt:         millis(rec.UpdatedAt),
	}
}

func fromItem(item *dynamoItem) *core.Record {
	return &core.Record{
		ConnectionID:      item.ConnectionID,
		Status:            core.Status(item.Status),
		Paused:            item.Paused,
		PausedAt:          timeFromPtr(item.PausedAt),
		LastMessageTime:   timeFromPtr(item.LastMessageTime),
		MessageCount:      item.MessageCount,
		DailyMessageCount: item.DailyMessageCount,
		LastDailyReset:    fromMillis(item.LastDailyReset),
		NextAllowedTime:   fromMillis(item.NextAllowedTime),
		CurrentInterval:   item.CurrentInterval,
		WarningCount:      item.WarningCount,
		LastWarningTime:   timeFromPtr(item.LastWarningTime),
		BlockCount:        item.BlockCount,
		LastBlockTime:     timeFromPtr(item.LastBlockTime),
		Limits: core.Limits{
			BaseInterval:     item.BaseInterval,
			MaxInterval:      item.MaxInterval,
			JitterRange:      item.JitterRange,
			DailyLimit:       item.DailyLimit,
			WarningThreshold: item.WarningThreshold,
		},
		Version:   item.Version,
		CreatedAt: fromMillis(item.CreatedAt),
		UpdatedAt: fromMillis(item.UpdatedAt),
	}
}

func (s *DynamoStore) key(connectionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ConnectionId": &types.AttributeValueMemberS{Value: connectionID},
	}
}

// FindOrCreate inserts seed unless a record already exists, then returns
// the stored record with a consistent read.
func (s *DynamoStore) FindOrCreate(ctx context.Context, seed *core.Record) (*core.Record, error) {
	if seed == nil || strings.TrimSpace(seed.ConnectionID) == "" {
		return nil, core.ErrInvalidConnectionID
	}

	av, err := attributevalue.MarshalMap(toItem(seed))
	if err != nil {
		return nil, fmt.Errorf("marshal rate limit record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(ConnectionId)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return nil, wrapDynamoError(err, s.tableName, "PutItem:Create")
		}
	}

	return s.Get(ctx, seed.ConnectionID)
}

func (s *DynamoStore) Get(ctx context.Context, connectionID string) (*core.Record, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(connectionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapDynamoError(err, s.tableName, "GetItem")
	}
	if output.Item == nil {
		return nil, fmt.Errorf("%s: %w", connectionID, core.ErrNotFound)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal rate limit record: %w", err)
	}
	return fromItem(&item), nil
}

// Save replaces the item if its stored Version equals rec.Version.
func (s *DynamoStore) Save(ctx context.Context, rec *core.Record) error {
	if rec == nil {
		return errors.New("rate limit record is required")
	}

	item := toItem(rec)
	item.Version = rec.Version + 1
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal rate limit record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("#v = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#v": "Version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Version, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Either the item is gone or someone else wrote first.
			if _, getErr := s.Get(ctx, rec.ConnectionID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%s: %w", rec.ConnectionID, core.ErrConflict)
		}
		return wrapDynamoError(err, s.tableName, "PutItem:Save")
	}

	rec.Version++
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, connectionID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(connectionID),
		ConditionExpression: aws.String("attribute_exists(ConnectionId)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%s: %w", connectionID, core.ErrNotFound)
		}
		return wrapDynamoError(err, s.tableName, "DeleteItem")
	}
	return nil
}

// List scans the table and filters in memory. Admin listing is infrequent.
func (s *DynamoStore) List(ctx context.Context, q RecordQuery) ([]*core.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	records := []*core.Record{}
	err := s.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.tableName)}, func(rec *core.Record) {
		if q.Matches(rec) {
			records = append(records, rec)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ConnectionID < records[j].ConnectionID
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

func (s *DynamoStore) Count(ctx context.Context, q RecordQuery) (int, error) {
	q.Limit = 0
	records, err := s.List(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// staleFilter matches blocked or paused items last updated before :cutoff.
const staleFilter = "(#s = :blocked OR Paused = :paused) AND UpdatedAt < :cutoff"

func staleValues(cutoff time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":blocked": &types.AttributeValueMemberS{Value: string(core.StatusBlocked)},
		":paused":  &types.AttributeValueMemberBOOL{Value: true},
		":cutoff":  &types.AttributeValueMemberN{Value: strconv.FormatInt(millis(cutoff), 10)},
	}
}

func (s *DynamoStore) staleCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String(staleFilter),
		ExpressionAttributeNames:  map[string]string{"#s": "Status"},
		ExpressionAttributeValues: staleValues(cutoff),
	}, func(rec *core.Record) {
		if isStale(rec, cutoff) {
			ids = append(ids, rec.ConnectionID)
		}
	})
	sort.Strings(ids)
	return ids, err
}

// DeleteStale deletes each candidate with a condition that re-checks
// staleness, so a record updated mid-sweep survives.
func (s *DynamoStore) DeleteStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	candidates, err := s.staleCandidates(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(candidates))
	for _, id := range candidates {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       s.key(id),
			ConditionExpression:       aws.String(staleFilter),
			ExpressionAttributeNames:  map[string]string{"#s": "Status"},
			ExpressionAttributeValues: staleValues(cutoff),
		})
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				continue
			}
			return deleted, wrapDynamoError(err, s.tableName, "DeleteItem:Sweep")
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (s *DynamoStore) CountStale(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.staleCandidates(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *DynamoStore) Aggregate(ctx context.Context) (core.Aggregate, error) {
	agg := core.Aggregate{ByStatus: map[core.Status]int{}}
	err := s.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.tableName)}, func(rec *core.Record) {
		agg.Total++
		agg.ByStatus[rec.EffectiveStatus()]++
	})
	return agg, err
}

// Ping checks the table exists and is reachable.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		return wrapDynamoError(err, s.tableName, "DescribeTable")
	}
	return nil
}

func (s *DynamoStore) Driver() string { return DriverDynamoDB }

func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) scan(ctx context.Context, input *dynamodb.ScanInput, fn func(*core.Record)) error {
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return wrapDynamoError(err, s.tableName, "Scan")
		}
		for _, raw := range page.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue // Skip items that fail parsing
			}
			fn(fromItem(&item))
		}
	}
	return nil
}

// wrapDynamoError marks err as a store outage, keeping the AWS error code
// when the SDK reports one.
func wrapDynamoError(err error, table, operation string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("dynamodb %s on %s (%s): %w: %w", operation, table, apiErr.ErrorCode(), core.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("dynamodb %s on %s: %w: %w", operation, table, core.ErrStoreUnavailable, err)
}

// IsThrottled reports whether err came from DynamoDB request throttling.
func IsThrottled(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded":
		return true
	default:
		return false
	}
}

func ptrMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := millis(*t)
	return &v
}

func timeFromPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

var _ Backend = (*DynamoStore)(nil)
