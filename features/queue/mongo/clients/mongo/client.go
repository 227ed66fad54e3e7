// Package mongo implements the low-level MongoDB client used by the queue
// store. Claims rely on findOneAndUpdate atomicity; receipt uniqueness relies
// on a unique index over call_id.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/receipt"
)

type (
	// Client exposes Mongo-backed operations for the call queue, receipts, and
	// the audit stream.
	Client interface {
		health.Pinger

		Enqueue(ctx context.Context, toolName string, input map[string]any, idempotencyKey string) (string, error)
		ClaimNext(ctx context.Context, workerID string) (*queue.ToolCall, error)
		Complete(ctx context.Context, callID string, status queue.Status, failure *receipt.Failure) error
		WriteReceipt(ctx context.Context, r *receipt.Receipt) (string, error)
		GetCall(ctx context.Context, callID string) (*queue.ToolCall, error)
		FindReceiptByCallID(ctx context.Context, callID string) (*receipt.Receipt, error)
		FindSuccessfulReceiptByToolAndKey(ctx context.Context, toolName, idempotencyKey string) (*receipt.Receipt, error)
		FindSuccessfulReceiptByToolAndInputField(ctx context.Context, toolName, field string, value any) (*receipt.Receipt, error)
		Requeue(ctx context.Context, olderThan time.Time) (int, error)
		LogEvent(ctx context.Context, eventType, aggregate string, payload map[string]any) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// CallsCollection, ReceiptsCollection, and AuditCollection override the
		// default collection names.
		CallsCollection    string
		ReceiptsCollection string
		AuditCollection    string
		Timeout            time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		calls    *mongodriver.Collection
		receipts *mongodriver.Collection
		audit    *mongodriver.Collection
		timeout  time.Duration
	}

	callDocument struct {
		ID             string           `bson:"_id"`
		ToolName       string           `bson:"tool_name"`
		Input          map[string]any   `bson:"input"`
		Status         string           `bson:"status"`
		IdempotencyKey string           `bson:"idempotency_key,omitempty"`
		Error          *receipt.Failure `bson:"error,omitempty"`
		ClaimedAt      *time.Time       `bson:"claimed_at,omitempty"`
		ClaimedBy      string           `bson:"claimed_by,omitempty"`
		CreatedAt      time.Time        `bson:"created_at"`
		UpdatedAt      time.Time        `bson:"updated_at"`
	}

	// receiptDocument denormalizes the originating call's idempotency key and
	// input so the idempotency engine's lookups are single-collection queries.
	receiptDocument struct {
		ID             string          `bson:"_id"`
		CallID         string          `bson:"call_id"`
		ToolName       string          `bson:"tool_name"`
		Status         string          `bson:"status"`
		Result         map[string]any  `bson:"result"`
		Effects        receipt.Effects `bson:"effects"`
		IdempotencyKey string          `bson:"idempotency_key,omitempty"`
		CallInput      map[string]any  `bson:"call_input,omitempty"`
		CreatedAt      time.Time       `bson:"created_at"`
	}

	auditDocument struct {
		Type      string         `bson:"type"`
		Aggregate string         `bson:"aggregate"`
		Payload   map[string]any `bson:"payload,omitempty"`
		Timestamp time.Time      `bson:"timestamp"`
	}
)

const (
	defaultCallsCollection    = "calls"
	defaultReceiptsCollection = "receipts"
	defaultAuditCollection    = "audit_events"
	defaultTimeout            = 5 * time.Second
	clientName                = "queue-mongo"
)

// New returns a Client backed by the provided MongoDB client. Indexes are
// created eagerly so claim ordering and receipt uniqueness hold from the
// first operation.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	callsName := opts.CallsCollection
	if callsName == "" {
		callsName = defaultCallsCollection
	}
	receiptsName := opts.ReceiptsCollection
	if receiptsName == "" {
		receiptsName = defaultReceiptsCollection
	}
	auditName := opts.AuditCollection
	if auditName == "" {
		auditName = defaultAuditCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:    opts.Client,
		calls:    db.Collection(callsName),
		receipts: db.Collection(receiptsName),
		audit:    db.Collection(auditName),
		timeout:  timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Enqueue(ctx context.Context, toolName string, input map[string]any, idempotencyKey string) (string, error) {
	if toolName == "" {
		return "", errors.New("tool name is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	doc := callDocument{
		ID:             uuid.NewString(),
		ToolName:       toolName,
		Input:          input,
		Status:         string(queue.StatusQueued),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := c.calls.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("insert call: %w", err)
	}
	return doc.ID, nil
}

// ClaimNext atomically selects the oldest queued call and transitions it to
// running. findOneAndUpdate guarantees two workers never receive the same
// document.
func (c *client) ClaimNext(ctx context.Context, workerID string) (*queue.ToolCall, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	res := c.calls.FindOneAndUpdate(ctx,
		bson.M{"status": string(queue.StatusQueued)},
		bson.M{"$set": bson.M{
			"status":     string(queue.StatusRunning),
			"claimed_at": now,
			"claimed_by": workerID,
			"updated_at": now,
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After),
	)
	var doc callDocument
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return docToCall(&doc), nil
}

// Complete transitions a running call to a terminal status. The status
// precondition lives in the update filter so illegal transitions never write.
func (c *client) Complete(ctx context.Context, callID string, status queue.Status, failure *receipt.Failure) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", queue.ErrIllegalTransition, status)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":     string(status),
		"error":      failure,
		"updated_at": time.Now().UTC(),
	}}
	res, err := c.calls.UpdateOne(ctx,
		bson.M{"_id": callID, "status": string(queue.StatusRunning)},
		update,
	)
	if err != nil {
		return fmt.Errorf("complete call: %w", err)
	}
	if res.MatchedCount == 0 {
		var doc callDocument
		if err := c.calls.FindOne(ctx, bson.M{"_id": callID}).Decode(&doc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return fmt.Errorf("%w: %s", queue.ErrNotFound, callID)
			}
			return fmt.Errorf("inspect call after rejected completion: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s for call %s", queue.ErrIllegalTransition, doc.Status, status, callID)
	}
	return nil
}

func (c *client) WriteReceipt(ctx context.Context, r *receipt.Receipt) (string, error) {
	if r == nil {
		return "", errors.New("receipt is required")
	}
	if r.CallID == "" {
		return "", errors.New("receipt call id is required")
	}
	if !r.Status.Terminal() {
		return "", fmt.Errorf("receipt status %q is not terminal", r.Status)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Denormalize the call's key and input so idempotency lookups stay in the
	// receipts collection.
	var call callDocument
	if err := c.calls.FindOne(ctx, bson.M{"_id": r.CallID}).Decode(&call); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", fmt.Errorf("%w: %s", queue.ErrNotFound, r.CallID)
		}
		return "", fmt.Errorf("load call for receipt: %w", err)
	}

	doc := receiptDocument{
		ID:             r.ID,
		CallID:         r.CallID,
		ToolName:       r.ToolName,
		Status:         string(r.Status),
		Result:         r.Result,
		Effects:        r.Effects,
		IdempotencyKey: call.IdempotencyKey,
		CallInput:      call.Input,
		CreatedAt:      r.CreatedAt,
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if _, err := c.receipts.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%w: %s", queue.ErrDuplicateReceipt, r.CallID)
		}
		return "", fmt.Errorf("insert receipt: %w", err)
	}
	return doc.ID, nil
}

func (c *client) GetCall(ctx context.Context, callID string) (*queue.ToolCall, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc callDocument
	if err := c.calls.FindOne(ctx, bson.M{"_id": callID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, callID)
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	return docToCall(&doc), nil
}

func (c *client) FindReceiptByCallID(ctx context.Context, callID string) (*receipt.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc receiptDocument
	if err := c.receipts.FindOne(ctx, bson.M{"call_id": callID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find receipt by call id: %w", err)
	}
	return docToReceipt(&doc), nil
}

func (c *client) FindSuccessfulReceiptByToolAndKey(ctx context.Context, toolName, idempotencyKey string) (*receipt.Receipt, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	return c.findMostRecent(ctx, bson.M{
		"tool_name":       toolName,
		"status":          string(receipt.StatusSucceeded),
		"idempotency_key": idempotencyKey,
	})
}

func (c *client) FindSuccessfulReceiptByToolAndInputField(ctx context.Context, toolName, field string, value any) (*receipt.Receipt, error) {
	return c.findMostRecent(ctx, bson.M{
		"tool_name":           toolName,
		"status":              string(receipt.StatusSucceeded),
		"call_input." + field: value,
	})
}

// findMostRecent applies the deterministic ordering contract: greatest
// created_at first, ties broken by the greatest call id.
func (c *client) findMostRecent(ctx context.Context, filter bson.M) (*receipt.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc receiptDocument
	err := c.receipts.FindOne(ctx, filter, options.FindOne().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "call_id", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find receipt: %w", err)
	}
	return docToReceipt(&doc), nil
}

func (c *client) Requeue(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.calls.UpdateMany(ctx,
		bson.M{
			"status":     string(queue.StatusRunning),
			"claimed_at": bson.M{"$lt": olderThan},
		},
		bson.M{
			"$set":   bson.M{"status": string(queue.StatusQueued), "updated_at": time.Now().UTC()},
			"$unset": bson.M{"claimed_at": "", "claimed_by": ""},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("requeue: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (c *client) LogEvent(ctx context.Context, eventType, aggregate string, payload map[string]any) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.audit.InsertOne(ctx, auditDocument{
		Type:      eventType,
		Aggregate: aggregate,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.calls.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "claimed_by", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create call indexes: %w", err)
	}
	unique := true
	_, err = c.receipts.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "call_id", Value: 1}},
			Options: &options.IndexOptions{Unique: &unique},
		},
		{Keys: bson.D{{Key: "tool_name", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create receipt indexes: %w", err)
	}
	return nil
}

func docToCall(doc *callDocument) *queue.ToolCall {
	return &queue.ToolCall{
		ID:             doc.ID,
		ToolName:       doc.ToolName,
		Input:          doc.Input,
		Status:         queue.Status(doc.Status),
		IdempotencyKey: doc.IdempotencyKey,
		Error:          doc.Error,
		ClaimedAt:      doc.ClaimedAt,
		ClaimedBy:      doc.ClaimedBy,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

func docToReceipt(doc *receiptDocument) *receipt.Receipt {
	return &receipt.Receipt{
		ID:        doc.ID,
		CallID:    doc.CallID,
		ToolName:  doc.ToolName,
		Status:    receipt.Status(doc.Status),
		Result:    doc.Result,
		Effects:   doc.Effects,
		CreatedAt: doc.CreatedAt,
	}
}
