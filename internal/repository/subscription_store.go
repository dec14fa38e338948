package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"dream-journal/internal/domain"
)

var subscriptionNames = map[string]string{
	"#uid":   "userId",
	"#plan":  "plan",
	"#rc":    "requestCount",
	"#start": "periodStart",
	"#end":   "periodEnd",
}

// GetOrCreateSubscription returns the user's record, writing initial when
// none exists. Concurrent first calls converge on one record: each field is
// only set if absent.
func (c *Client) GetOrCreateSubscription(ctx context.Context, initial domain.SubscriptionRecord) (domain.SubscriptionRecord, error) {
	if initial.UserID == "" {
		return domain.SubscriptionRecord{}, errors.New("repository: GetOrCreateSubscription: user id is required")
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(userPK(initial.UserID), skSubscription),
		UpdateExpression: aws.String("SET #uid = if_not_exists(#uid, :uid), #plan = if_not_exists(#plan, :plan), " +
			"#rc = if_not_exists(#rc, :rc), #start = if_not_exists(#start, :start), #end = if_not_exists(#end, :end)"),
		ExpressionAttributeNames: subscriptionNames,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":   strValue(initial.UserID),
			":plan":  strValue(string(initial.Plan)),
			":rc":    intValue(initial.RequestCount),
			":start": timeValue(initial.PeriodStart),
			":end":   timeValue(initial.PeriodEnd),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("repository: GetOrCreateSubscription: %w", err)
	}
	rec, err := itemToSubscription(out.Attributes)
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("repository: GetOrCreateSubscription decode: %w", err)
	}
	return rec, nil
}

// ResetPeriod opens a new period with a zero count if the stored period
// still ends at expectedEnd.
func (c *Client) ResetPeriod(ctx context.Context, userID string, expectedEnd, start, end time.Time) (domain.SubscriptionRecord, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(userPK(userID), skSubscription),
		UpdateExpression:    aws.String("SET #rc = :zero, #start = :start, #end = :end"),
		ConditionExpression: aws.String("#end = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#rc":    "requestCount",
			"#start": "periodStart",
			"#end":   "periodEnd",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":     intValue(0),
			":start":    timeValue(start),
			":end":      timeValue(end),
			":expected": timeValue(expectedEnd),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return domain.SubscriptionRecord{}, domain.ErrConditionFailed
	}
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("repository: ResetPeriod: %w", err)
	}
	rec, err := itemToSubscription(out.Attributes)
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("repository: ResetPeriod decode: %w", err)
	}
	return rec, nil
}

// IncrementRequestCount adds one request in a single conditional write: it
// fails if the period moved or the count already reached limit.
func (c *Client) IncrementRequestCount(ctx context.Context, userID string, periodEnd time.Time, limit int) (domain.SubscriptionRecord, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(userPK(userID), skSubscription),
		UpdateExpression:    aws.String("SET #rc = #rc + :one"),
		ConditionExpression: aws.String("#end = :end AND #rc < :limit"),
		ExpressionAttributeNames: map[string]string{
			"#rc":  "requestCount",
			"#end": "periodEnd",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":   intValue(1),
			":end":   timeValue(periodEnd),
			":limit": intValue(limit),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return domain.SubscriptionRecord{}, domain.ErrConditionFailed
	}
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("repository: IncrementRequestCount: %w", err)
	}
	rec, err := itemToSubscription(out.Attributes)
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("repository: IncrementRequestCount decode: %w", err)
	}
	return rec, nil
}

func itemToSubscription(item map[string]types.AttributeValue) (domain.SubscriptionRecord, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.SubscriptionRecord{}, err
	}
	plan, err := strAttr(item, "plan")
	if err != nil {
		return domain.SubscriptionRecord{}, err
	}
	count, err := intAttr(item, "requestCount")
	if err != nil {
		return domain.SubscriptionRecord{}, err
	}
	start, err := timeAttr(item, "periodStart")
	if err != nil {
		return domain.SubscriptionRecord{}, err
	}
	end, err := timeAttr(item, "periodEnd")
	if err != nil {
		return domain.SubscriptionRecord{}, err
	}
	return domain.SubscriptionRecord{
		UserID:       userID,
		Plan:         domain.Plan(plan),
		RequestCount: count,
		PeriodStart:  start,
		PeriodEnd:    end,
	}, nil
}
