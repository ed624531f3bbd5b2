// Package mongo hosts the MongoDB client used by the run store.
//
// Each run is one document embedding its step executions. Mutations are
// conditional single-document updates so concurrent writers cannot record a
// step twice, skip a step number, or score a step twice.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/run"
)

const (
	defaultRunsCollection = "execution_runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Client exposes Mongo-backed run persistence.
type Client interface {
	health.Pinger
	run.Store
}

// Options configures the Mongo run client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
	now     func() time.Time
}

// New returns a Client backed by MongoDB. It creates the collection indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Create(ctx context.Context, r *run.Record) error {
	if r == nil || r.ID == "" {
		return errors.New("run id is required")
	}
	doc := fromRecord(r)
	now := c.now().UTC()
	if doc.StartedAt.IsZero() {
		doc.StartedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", run.ErrExists, r.ID)
		}
		return err
	}
	return nil
}

func (c *client) Load(ctx context.Context, runID string) (*run.Record, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.load(ctx, runID)
}

func (c *client) load(ctx context.Context, runID string) (*run.Record, error) {
	var doc runDocument
	if err := c.coll.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", run.ErrNotFound, runID)
		}
		return nil, err
	}
	return doc.toRecord(), nil
}

func (c *client) AppendStep(ctx context.Context, runID string, step run.StepExecution) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"_id":        runID,
		"status":     bson.M{"$nin": bson.A{run.StatusCompleted, run.StatusFailed}},
		"step_count": step.Number - 1,
	}
	update := bson.M{
		"$push": bson.M{"steps": fromStep(step)},
		"$set":  bson.M{"step_count": step.Number, "updated_at": c.now().UTC()},
	}
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	return c.explain(ctx, runID, func(r *run.Record) error { return run.CheckAppend(r, step) }, run.ErrStepOutOfOrder)
}

func (c *client) SetScore(ctx context.Context, runID string, step, score int) error {
	if err := run.ValidateScore(score); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"_id":    runID,
		"status": bson.M{"$nin": bson.A{run.StatusCompleted, run.StatusFailed}},
		"steps":  bson.M{"$elemMatch": bson.M{"number": step, "score": nil}},
	}
	update := bson.M{"$set": bson.M{"steps.$.score": score, "updated_at": c.now().UTC()}}
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	return c.explain(ctx, runID, func(r *run.Record) error { return run.CheckScore(r, step, score) }, run.ErrScoreSet)
}

func (c *client) UpdateStatus(ctx context.Context, runID string, status run.Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", run.ErrInvalidTransition, status)
	}
	from := bson.A{}
	for _, s := range []run.Status{run.StatusRunning, run.StatusPaused} {
		if run.CanTransition(s, status) {
			from = append(from, s)
		}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	now := c.now().UTC()
	set := bson.M{"status": status, "updated_at": now}
	if status == run.StatusFailed {
		set["error"] = errMsg
	}
	if status.Terminal() {
		set["completed_at"] = now
	}
	res, err := c.coll.UpdateOne(ctx, bson.M{"_id": runID, "status": bson.M{"$in": from}}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	return c.explain(ctx, runID, func(r *run.Record) error { return run.CheckTransition(r, status) }, run.ErrInvalidTransition)
}

// explain reloads the record after a conditional update matched nothing and
// reports why. fallback covers a concurrent writer that changed the record
// between the update and the reload.
func (c *client) explain(ctx context.Context, runID string, check func(*run.Record) error, fallback error) error {
	r, err := c.load(ctx, runID)
	if err != nil {
		return err
	}
	if err := check(r); err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s changed concurrently", fallback, runID)
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	ID            string            `bson:"_id"`
	KitID         string            `bson:"kit_id"`
	VersionID     string            `bson:"version_id"`
	Slug          string            `bson:"slug,omitempty"`
	VersionNumber int               `bson:"version_number,omitempty"`
	UserID        string            `bson:"user_id,omitempty"`
	Label         string            `bson:"label,omitempty"`
	StorageMode   run.StorageMode   `bson:"storage_mode"`
	Status        run.Status        `bson:"status"`
	Evaluate      bool              `bson:"evaluate"`
	Model         string            `bson:"model,omitempty"`
	DynamicInputs map[string]string `bson:"dynamic_inputs,omitempty"`
	Steps         []stepDocument    `bson:"steps"`
	StepCount     int               `bson:"step_count"`
	Error         string            `bson:"error,omitempty"`
	StartedAt     time.Time         `bson:"started_at"`
	CompletedAt   *time.Time        `bson:"completed_at,omitempty"`
	UpdatedAt     time.Time         `bson:"updated_at"`
}

type stepDocument struct {
	Number      int       `bson:"number"`
	OutputID    string    `bson:"output_id"`
	Input       *string   `bson:"input"`
	Output      *string   `bson:"output"`
	InputChars  int       `bson:"input_chars"`
	OutputChars int       `bson:"output_chars"`
	Score       *int      `bson:"score"`
	Model       string    `bson:"model,omitempty"`
	Tokens      int       `bson:"tokens_used"`
	LatencyMS   int64     `bson:"latency_ms"`
	ExecutedAt  time.Time `bson:"executed_at"`
}

func fromRecord(r *run.Record) runDocument {
	doc := runDocument{
		ID:            r.ID,
		KitID:         r.Version.KitID,
		VersionID:     r.Version.VersionID,
		Slug:          r.Version.Slug,
		VersionNumber: r.Version.VersionNumber,
		UserID:        r.UserID,
		Label:         r.Label,
		StorageMode:   r.StorageMode,
		Status:        r.Status,
		Evaluate:      r.Evaluate,
		Model:         r.Model,
		DynamicInputs: r.DynamicInputs,
		Steps:         make([]stepDocument, 0, len(r.Steps)),
		StepCount:     r.LastStep(),
		Error:         r.Error,
		StartedAt:     r.StartedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		doc.CompletedAt = &t
	}
	for _, s := range r.Steps {
		doc.Steps = append(doc.Steps, fromStep(s))
	}
	return doc
}

func fromStep(s run.StepExecution) stepDocument {
	return stepDocument{
		Number:      s.Number,
		OutputID:    s.OutputID,
		Input:       s.Input,
		Output:      s.Output,
		InputChars:  s.InputChars,
		OutputChars: s.OutputChars,
		Score:       s.Score,
		Model:       s.Model,
		Tokens:      s.Tokens,
		LatencyMS:   s.Latency.Milliseconds(),
		ExecutedAt:  s.ExecutedAt.UTC(),
	}
}

func (doc runDocument) toRecord() *run.Record {
	r := &run.Record{
		ID: doc.ID,
		Version: kit.VersionRef{
			KitID:         doc.KitID,
			VersionID:     doc.VersionID,
			Slug:          doc.Slug,
			VersionNumber: doc.VersionNumber,
		},
		UserID:        doc.UserID,
		Label:         doc.Label,
		StorageMode:   doc.StorageMode,
		Status:        doc.Status,
		Evaluate:      doc.Evaluate,
		Model:         doc.Model,
		DynamicInputs: doc.DynamicInputs,
		Steps:         make([]run.StepExecution, 0, len(doc.Steps)),
		Error:         doc.Error,
		StartedAt:     doc.StartedAt,
		CompletedAt:   doc.CompletedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	for _, s := range doc.Steps {
		r.Steps = append(r.Steps, run.StepExecution{
			Number:      s.Number,
			OutputID:    s.OutputID,
			Input:       s.Input,
			Output:      s.Output,
			InputChars:  s.InputChars,
			OutputChars: s.OutputChars,
			Score:       s.Score,
			Model:       s.Model,
			Tokens:      s.Tokens,
			Latency:     time.Duration(s.LatencyMS) * time.Millisecond,
			ExecutedAt:  s.ExecutedAt,
		})
	}
	return r
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "version_id", Value: 1}, {Key: "status", Value: 1}}},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any) singleResult
	UpdateOne(ctx context.Context, filter any, update any) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel) ([]string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateMany(ctx context.Context, models []mongodriver.IndexModel) ([]string, error) {
	return v.view.CreateMany(ctx, models)
}
