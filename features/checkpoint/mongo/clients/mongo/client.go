// Package mongo hosts the MongoDB client used by the distributed checkpoint
// store. Callers build a mongo-driver client, pass it to New, and receive a
// typed interface exposing only the checkpoint operations the store needs.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/no-ai-labs/spice-sub013/runtime/checkpoint"
)

const (
	defaultCollection = "spice_checkpoints"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "checkpoint-mongo"
)

type (
	// Document is the persisted form of a checkpoint. The paused message is
	// stored as its JSON encoding: the envelope schema evolves with the
	// runtime and must not be coupled to BSON field mapping.
	Document struct {
		CheckpointID  string     `bson:"checkpoint_id"`
		RunID         string     `bson:"run_id"`
		GraphID       string     `bson:"graph_id"`
		CurrentNodeID string     `bson:"current_node_id"`
		MessageJSON   string     `bson:"message_json"`
		Timestamp     time.Time  `bson:"timestamp"`
		ExpiresAt     *time.Time `bson:"expires_at,omitempty"`
	}

	// Client exposes Mongo-backed operations for checkpoint persistence.
	Client interface {
		health.Pinger

		// Upsert saves the document, overwriting by checkpoint id.
		Upsert(ctx context.Context, doc Document) error
		// Load retrieves a document by checkpoint id.
		Load(ctx context.Context, checkpointID string) (Document, error)
		// ListByRun returns all documents of a run, timestamp ascending.
		ListByRun(ctx context.Context, runID string) ([]Document, error)
		// Delete removes a document by checkpoint id.
		Delete(ctx context.Context, checkpointID string) error
	}

	// Options configures the Mongo checkpoint client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo       *mongodriver.Client
		checkpoints collection
		timeout     time.Duration
	}
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collectionName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, checkpoints: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Upsert(ctx context.Context, doc Document) error {
	if doc.CheckpointID == "" {
		return errors.New("checkpoint id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"checkpoint_id": doc.CheckpointID}
	_, err := c.checkpoints.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) Load(ctx context.Context, checkpointID string) (Document, error) {
	if checkpointID == "" {
		return Document{}, errors.New("checkpoint id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"checkpoint_id": checkpointID}
	var doc Document
	if err := c.checkpoints.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return Document{}, checkpoint.NotFound(checkpointID)
		}
		return Document{}, err
	}
	return doc, nil
}

func (c *client) ListByRun(ctx context.Context, runID string) ([]Document, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	cur, err := c.checkpoints.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []Document
	for cur.Next(ctx) {
		var doc Document
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) Delete(ctx context.Context, checkpointID string) error {
	if checkpointID == "" {
		return errors.New("checkpoint id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.checkpoints.DeleteOne(ctx, bson.M{"checkpoint_id": checkpointID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return checkpoint.NotFound(checkpointID)
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "checkpoint_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	runIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, runIndex); err != nil {
		return err
	}
	// TTL index: Mongo reaps expired checkpoints without a cleanup job.
	ttlIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := coll.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		return err
	}
	return nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
