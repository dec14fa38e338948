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

const (
	batchWriteLimit    = 25
	maxBatchRetries    = 5
	batchRetryBaseWait = 50 * time.Millisecond
)

// CreateDream persists a new dream. Dream ids are time-ordered, so the sort
// key orders a user's dreams by creation.
func (c *Client) CreateDream(ctx context.Context, dream domain.Dream) error {
	if dream.UserID == "" || dream.ID == "" {
		return errors.New("repository: CreateDream: user id and dream id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                dreamItem(dream),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateDream: %w", err)
	}
	return nil
}

// GetDream returns domain.ErrNotFound when the user has no such dream.
func (c *Client) GetDream(ctx context.Context, userID, dreamID string) (domain.Dream, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(userPK(userID), dreamSK(dreamID)),
	})
	if err != nil {
		return domain.Dream{}, fmt.Errorf("repository: GetDream get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Dream{}, domain.ErrNotFound
	}
	dream, err := itemToDream(out.Item)
	if err != nil {
		return domain.Dream{}, fmt.Errorf("repository: GetDream decode: %w", err)
	}
	return dream, nil
}

// ListDreams returns every dream of the user, most recent first.
func (c *Client) ListDreams(ctx context.Context, userID string) ([]domain.Dream, error) {
	dreams := []domain.Dream{}
	err := c.queryDreams(ctx, userID, nil, func(item map[string]types.AttributeValue) error {
		dream, err := itemToDream(item)
		if err != nil {
			return err
		}
		dreams = append(dreams, dream)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListDreams: %w", err)
	}
	return dreams, nil
}

// ListRecentByUser returns up to limit dream summaries, most recent first,
// skipping excludeID when set.
func (c *Client) ListRecentByUser(ctx context.Context, userID string, limit int, excludeID string) ([]domain.DreamSummary, error) {
	if limit <= 0 {
		return []domain.DreamSummary{}, nil
	}
	// One extra row covers the excluded dream.
	pageSize := limit
	if excludeID != "" {
		pageSize++
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strValue(userPK(userID)),
			":prefix": strValue(skPrefixDream),
		},
		ProjectionExpression: aws.String("#id, #title, #keywords, #emotions, #createdAt, #summary"),
		ExpressionAttributeNames: map[string]string{
			"#id":        "id",
			"#title":     "title",
			"#keywords":  "keywords",
			"#emotions":  "emotions",
			"#createdAt": "createdAt",
			"#summary":   "summary",
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(pageSize)),
	}
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListRecentByUser query: %w", err)
	}

	summaries := make([]domain.DreamSummary, 0, limit)
	for _, item := range out.Items {
		s, err := itemToSummary(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListRecentByUser decode: %w", err)
		}
		if s.ID == excludeID {
			continue
		}
		summaries = append(summaries, s)
		if len(summaries) == limit {
			break
		}
	}
	return summaries, nil
}

// SaveDreamImage records the prompt actually sent to the image model and the
// resulting image URL.
func (c *Client) SaveDreamImage(ctx context.Context, userID, dreamID, prompt, imageURL string, at time.Time) (domain.Dream, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(userPK(userID), dreamSK(dreamID)),
		UpdateExpression:    aws.String("SET #prompt = :prompt, #url = :url, #updated = :updated"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#prompt":  "imagePrompt",
			"#url":     "imageUrl",
			"#updated": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prompt":  strValue(prompt),
			":url":     strValue(imageURL),
			":updated": timeValue(at),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return domain.Dream{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Dream{}, fmt.Errorf("repository: SaveDreamImage: %w", err)
	}
	dream, err := itemToDream(out.Attributes)
	if err != nil {
		return domain.Dream{}, fmt.Errorf("repository: SaveDreamImage decode: %w", err)
	}
	return dream, nil
}

// DeleteUserDreams removes every dream of the user and returns how many were
// deleted. The subscription record is left in place.
func (c *Client) DeleteUserDreams(ctx context.Context, userID string) (int, error) {
	var keys []map[string]types.AttributeValue
	err := c.queryDreams(ctx, userID, aws.String("PK, SK"), func(item map[string]types.AttributeValue) error {
		keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("repository: DeleteUserDreams: %w", err)
	}

	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}
		if err := c.batchWrite(ctx, requests); err != nil {
			return start, fmt.Errorf("repository: DeleteUserDreams: %w", err)
		}
	}
	return len(keys), nil
}

// batchWrite resubmits unprocessed requests with a growing pause.
func (c *Client) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: requests}
	for attempt := 0; attempt < maxBatchRetries; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(batchRetryBaseWait << attempt):
		}
	}
	return fmt.Errorf("batch write: %d requests still unprocessed", len(pending[c.tableName]))
}

// queryDreams walks every page of the user's dream items.
func (c *Client) queryDreams(ctx context.Context, userID string, projection *string, visit func(map[string]types.AttributeValue) error) error {
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     strValue(userPK(userID)),
				":prefix": strValue(skPrefixDream),
			},
			ProjectionExpression: projection,
			ScanIndexForward:     aws.Bool(false),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, item := range out.Items {
			if err := visit(item); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func dreamItem(d domain.Dream) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                 strValue(userPK(d.UserID)),
		"SK":                 strValue(dreamSK(d.ID)),
		"id":                 strValue(d.ID),
		"userId":             strValue(d.UserID),
		"description":        strValue(d.Description),
		"title":              strValue(d.Title),
		"summary":            strValue(d.Summary),
		"emotions":           listValue(d.Emotions),
		"keywords":           listValue(d.Keywords),
		"culturalReferences": mapValue(d.CulturalReferences),
		"advice":             strValue(d.Advice),
		"emoji":              strValue(d.Emoji),
		"imagePrompt":        strValue(d.ImagePrompt),
		"createdAt":          timeValue(d.CreatedAt),
		"updatedAt":          timeValue(d.UpdatedAt),
	}
	if d.MidjourneyPrompt != "" {
		item["midjourneyPrompt"] = strValue(d.MidjourneyPrompt)
	}
	if d.ImageURL != "" {
		item["imageUrl"] = strValue(d.ImageURL)
	}
	return item
}

func itemToDream(item map[string]types.AttributeValue) (domain.Dream, error) {
	var (
		d   domain.Dream
		err error
	)
	for key, dst := range map[string]*string{
		"id":          &d.ID,
		"userId":      &d.UserID,
		"description": &d.Description,
		"title":       &d.Title,
	} {
		if *dst, err = strAttr(item, key); err != nil {
			return domain.Dream{}, err
		}
	}
	for key, dst := range map[string]*string{
		"summary":          &d.Summary,
		"advice":           &d.Advice,
		"emoji":            &d.Emoji,
		"imagePrompt":      &d.ImagePrompt,
		"midjourneyPrompt": &d.MidjourneyPrompt,
		"imageUrl":         &d.ImageURL,
	} {
		if *dst, err = optStrAttr(item, key); err != nil {
			return domain.Dream{}, err
		}
	}
	if d.Emotions, err = listAttr(item, "emotions"); err != nil {
		return domain.Dream{}, err
	}
	if d.Keywords, err = listAttr(item, "keywords"); err != nil {
		return domain.Dream{}, err
	}
	if d.CulturalReferences, err = mapAttr(item, "culturalReferences"); err != nil {
		return domain.Dream{}, err
	}
	if d.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.Dream{}, err
	}
	if d.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return domain.Dream{}, err
	}
	return d, nil
}

func itemToSummary(item map[string]types.AttributeValue) (domain.DreamSummary, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.DreamSummary{}, err
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.DreamSummary{}, err
	}
	keywords, err := listAttr(item, "keywords")
	if err != nil {
		return domain.DreamSummary{}, err
	}
	emotions, err := listAttr(item, "emotions")
	if err != nil {
		return domain.DreamSummary{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.DreamSummary{}, err
	}
	summary, err := optStrAttr(item, "summary")
	if err != nil {
		return domain.DreamSummary{}, err
	}
	return domain.DreamSummary{
		ID:        id,
		Title:     title,
		Keywords:  keywords,
		Emotions:  emotions,
		CreatedAt: createdAt,
		Summary:   summary,
	}, nil
}
