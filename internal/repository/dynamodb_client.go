package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"echoroom-agent/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
	maxBatch     = 99                  // TransactWriteItems limit minus the meta item
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// ErrConcurrentAppend is returned when another writer advanced the session
// between the meta read and the transactional write.
var ErrConcurrentAppend = errors.New("repository: concurrent append to session")

// Client stores session turns in a single DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK returns the sort key of the seq-th turn. Zero padding keeps
// lexicographic order equal to arrival order.
func turnSK(seq int) string {
	return fmt.Sprintf("%s%012d", skPrefixTurn, seq)
}

type sessionMeta struct {
	turns     int
	createdAt string
}

// AppendTurns writes the turns and advances the session meta item in one
// transaction. Each turn item is conditionally created so it can never be
// overwritten, and the meta update is conditioned on the turn count read
// before the write.
func (c *Client) AppendTurns(ctx context.Context, sessionID string, turns ...domain.Turn) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: AppendTurns: session id is required")
	}
	if len(turns) == 0 {
		return nil
	}
	if len(turns) > maxBatch {
		return fmt.Errorf("repository: AppendTurns: batch of %d exceeds %d", len(turns), maxBatch)
	}

	meta, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}

	now := c.now().UTC()
	pk := sessionPK(sessionID)
	items := make([]types.TransactWriteItem, 0, len(turns)+1)
	for i, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("repository: AppendTurns: turn %d has invalid role %q", i, t.Role)
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                turnItem(pk, turnSK(meta.turns+i+1), sessionID, t),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}

	createdAt := meta.createdAt
	if createdAt == "" {
		createdAt = now.Format(time.RFC3339Nano)
	}
	metaPut := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      metaItem(pk, sessionID, createdAt, now, meta.turns+len(turns)),
	}
	if meta.turns == 0 {
		metaPut.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		metaPut.ConditionExpression = aws.String("turns = :prev")
		metaPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.Itoa(meta.turns)},
		}
	}
	items = append(items, types.TransactWriteItem{Put: metaPut})

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return fmt.Errorf("%w: %v", ErrConcurrentAppend, err)
		}
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}
	return nil
}

// RecentTurns returns the last limit turns in arrival order, or every turn
// when limit <= 0.
func (c *Client) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	var turns []domain.Turn
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
		}
		for _, item := range out.Items {
			t, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
			}
			turns = append(turns, t)
		}
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(turns) >= limit) {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (c *Client) getMeta(ctx context.Context, sessionID string) (sessionMeta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sessionMeta{}, fmt.Errorf("get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return sessionMeta{}, nil
	}
	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return sessionMeta{}, fmt.Errorf("decode turns: %w", err)
	}
	createdAt, _ := strAttr(out.Item, "createdAt") // allow empty
	return sessionMeta{turns: turns, createdAt: createdAt}, nil
}

// ttlValue returns a Unix timestamp 30 days after now.
func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

func turnItem(pk, sk, sessionID string, t domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: pk},
		"SK":         &types.AttributeValueMemberS{Value: sk},
		"sessionId":  &types.AttributeValueMemberS{Value: sessionID},
		"role":       &types.AttributeValueMemberS{Value: string(t.Role)},
		"personaId":  &types.AttributeValueMemberS{Value: t.PersonaID},
		"text":       &types.AttributeValueMemberS{Value: t.Text},
		"ts":         &types.AttributeValueMemberS{Value: t.Timestamp.UTC().Format(time.RFC3339Nano)},
		"usedFacts":  &types.AttributeValueMemberBOOL{Value: t.UsedFacts},
		"usedQuotes": &types.AttributeValueMemberBOOL{Value: t.UsedQuotes},
		"degraded":   &types.AttributeValueMemberBOOL{Value: t.Degraded},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(t.Timestamp), 10)},
	}
}

func metaItem(pk, sessionID, createdAt string, now time.Time, turns int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: pk},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":    &types.AttributeValueMemberS{Value: sessionID},
		"createdAt":    &types.AttributeValueMemberS{Value: createdAt},
		"lastActivity": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		"turns":        &types.AttributeValueMemberN{Value: strconv.Itoa(turns)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(now), 10)},
	}
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	rawTS, err := strAttr(item, "ts")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute \"ts\": %w", err)
	}
	personaID, _ := strAttr(item, "personaId") // allow empty

	return domain.Turn{
		Role:       domain.Role(role),
		PersonaID:  personaID,
		Text:       text,
		Timestamp:  ts,
		UsedFacts:  boolAttr(item, "usedFacts"),
		UsedQuotes: boolAttr(item, "usedQuotes"),
		Degraded:   boolAttr(item, "degraded"),
	}, nil
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

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	b, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}
