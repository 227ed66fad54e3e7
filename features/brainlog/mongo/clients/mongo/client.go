// Package mongo implements the low-level MongoDB client used by the BrainRun
// audit store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/callkaidsroofing/gem/runtime/brain"
)

type (
	// Client exposes Mongo-backed operations for BrainRun audit records.
	Client interface {
		health.Pinger

		Create(ctx context.Context, run *brain.Run) error
		Update(ctx context.Context, run *brain.Run) error
		Get(ctx context.Context, id string) (*brain.Run, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

const (
	defaultCollection = "brain_runs"
	defaultTimeout    = 5 * time.Second
	clientName        = "brainlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collection)
	c := &client{mongo: opts.Client, coll: coll, timeout: timeout}

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

func (c *client) Create(ctx context.Context, run *brain.Run) error {
	if run == nil {
		return errors.New("run is required")
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.coll.InsertOne(ctx, runDocument(run)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("run %q already exists", run.ID)
		}
		return fmt.Errorf("insert brain run: %w", err)
	}
	return nil
}

func (c *client) Update(ctx context.Context, run *brain.Run) error {
	if run == nil {
		return errors.New("run is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.coll.ReplaceOne(ctx, bson.M{"_id": run.ID}, runDocument(run))
	if err != nil {
		return fmt.Errorf("update brain run: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("run %q not found", run.ID)
	}
	return nil
}

func (c *client) Get(ctx context.Context, id string) (*brain.Run, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var run brain.Run
	if err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&run); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("run %q not found", id)
		}
		return nil, fmt.Errorf("get brain run: %w", err)
	}
	return &run, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create brain run indexes: %w", err)
	}
	return nil
}

// runDocument maps a run onto its Mongo document, using the run id as _id.
func runDocument(run *brain.Run) bson.M {
	return bson.M{
		"_id":                run.ID,
		"id":                 run.ID,
		"message":            run.Message,
		"mode":               string(run.Mode),
		"conversation_id":    run.ConversationID,
		"context":            run.Context,
		"limits":             run.Limits,
		"decision":           run.Decision,
		"planned_tool_calls": run.PlannedToolCalls,
		"enqueued_call_ids":  run.EnqueuedCallIDs,
		"status":             string(run.Status),
		"assistant_message":  run.AssistantMessage,
		"next_actions":       run.NextActions,
		"receipts":           run.Receipts,
		"error":              run.Error,
		"created_at":         run.CreatedAt,
		"updated_at":         run.UpdatedAt,
	}
}
