// Package mongo implements the low-level MongoDB client used by the run event
// log.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/clerkhq/clerk/runtime/kit/stream"
)

type (
	// Client exposes Mongo-backed operations for the run event log.
	Client interface {
		health.Pinger

		// Append stores ev and returns its cursor.
		Append(ctx context.Context, ev stream.Event) (string, error)
		// List returns up to limit events of runID stored after cursor, in
		// insertion order. An empty cursor starts at the first event.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}

	// Page is one slice of a run event log. NextCursor is empty on the last
	// page.
	Page struct {
		Events     []stream.Event
		NextCursor string
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
		coll    collection
		timeout time.Duration
	}

	eventDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		RunID     string        `bson:"run_id"`
		Seq       int64         `bson:"seq"`
		Type      string        `bson:"type"`
		Payload   []byte        `bson:"payload"`
		Timestamp time.Time     `bson:"timestamp"`
	}
)

const (
	defaultCollection = "run_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "eventlog-mongo"
)

// New returns a Client writing to opts.Collection (default "run_events") and
// creates the (run_id, _id) index List relies on.
func New(opts Options) (Client, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("mongo client is required")
	case opts.Database == "":
		return nil, errors.New("database name is required")
	}
	if opts.Collection == "" {
		opts.Collection = defaultCollection
	}
	c, err := newClientWithCollection(opts.Client, mongoCollection{
		coll: opts.Client.Database(opts.Database).Collection(opts.Collection),
	}, opts.Timeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.coll.EnsureIndex(ctx, bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}}); err != nil {
		return nil, fmt.Errorf("index %s: %w", opts.Collection, err)
	}
	return c, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, ev stream.Event) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("run id is required")
	}
	if ev.Type == "" {
		return "", errors.New("event type is required")
	}
	if ev.Timestamp.IsZero() {
		return "", errors.New("timestamp is required")
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.coll.InsertOne(ctx, eventDocument{
		RunID:     ev.RunID,
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		Payload:   payload,
		Timestamp: ev.Timestamp.UTC(),
	})
	if err != nil {
		return "", err
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

func (c *client) List(ctx context.Context, runID string, cursor string, limit int) (page Page, err error) {
	if runID == "" {
		return Page{}, errors.New("run id is required")
	}
	if limit <= 0 {
		return Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"run_id": runID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, int64(limit+1))
	if err != nil {
		return Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var (
		events []stream.Event
		ids    []string
	)
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return Page{}, err
		}
		ev, err := doc.event()
		if err != nil {
			return Page{}, err
		}
		events = append(events, ev)
		ids = append(ids, doc.ID.Hex())
	}
	if err := cur.Err(); err != nil {
		return Page{}, err
	}

	var next string
	if len(events) > limit {
		next = ids[limit-1]
		events = events[:limit]
	}
	return Page{Events: events, NextCursor: next}, nil
}

// event rebuilds the stream event, restoring the concrete payload type.
func (doc eventDocument) event() (stream.Event, error) {
	raw, err := json.Marshal(struct {
		Type      string          `json:"type"`
		RunID     string          `json:"run_id"`
		Seq       int64           `json:"seq"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}{doc.Type, doc.RunID, doc.Seq, doc.Timestamp, doc.Payload})
	if err != nil {
		return stream.Event{}, err
	}
	return stream.Decode(raw)
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	// Find returns at most limit documents matching filter sorted by _id.
	Find(ctx context.Context, filter any, limit int64) (cursor, error)
	EnsureIndex(ctx context.Context, keys bson.D) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) Find(ctx context.Context, filter any, limit int64) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) EnsureIndex(ctx context.Context, keys bson.D) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: keys})
	return err
}
