package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/run"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestEnsureIndexes(t *testing.T) {
	fc := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.Len(t, fc.indexes, 2)
	for _, m := range fc.indexes {
		assert.NotEmpty(t, m.Keys.(bson.D))
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	in, out := "prompt", "answer"
	score := 70
	done := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &run.Record{
		ID:            "r1",
		Version:       kit.VersionRef{KitID: "k", VersionID: "v", Slug: "capital", VersionNumber: 3},
		UserID:        "u",
		StorageMode:   run.StorageTransparent,
		Status:        run.StatusCompleted,
		Evaluate:      true,
		Model:         "gpt-5-mini",
		DynamicInputs: map[string]string{"resource_2": "notes"},
		Steps: []run.StepExecution{{
			Number: 1, OutputID: "workflow_1", Input: &in, Output: &out,
			InputChars: 6, OutputChars: 6, Score: &score, Tokens: 12,
			Latency: 1500 * time.Millisecond, ExecutedAt: done,
		}},
		StartedAt:   done.Add(-time.Minute),
		CompletedAt: &done,
		UpdatedAt:   done,
	}
	doc := fromRecord(rec)
	assert.Equal(t, 1, doc.StepCount)
	assert.Equal(t, int64(1500), doc.Steps[0].LatencyMS)
	assert.Equal(t, rec, doc.toRecord())
}

func TestCreateMapsDuplicateKey(t *testing.T) {
	fc := &fakeCollection{insertErr: mongodriver.WriteException{
		WriteErrors: []mongodriver.WriteError{{Code: 11000, Message: "duplicate key"}},
	}}
	c, err := newClientWithCollection(nil, fc, time.Second)
	require.NoError(t, err)
	err = c.Create(context.Background(), &run.Record{ID: "r1"})
	assert.ErrorIs(t, err, run.ErrExists)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	c, err := newClientWithCollection(nil, &fakeCollection{}, time.Second)
	require.NoError(t, err)
	_, err = c.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, run.ErrNotFound)
	_, err = c.Load(context.Background(), "")
	assert.EqualError(t, err, "run id is required")
}

func TestUnmatchedAppendIsExplained(t *testing.T) {
	stored := fromRecord(&run.Record{ID: "r1", Status: run.StatusCompleted, StorageMode: run.StorageTransparent})
	fc := &fakeCollection{doc: &stored}
	c, err := newClientWithCollection(nil, fc, time.Second)
	require.NoError(t, err)
	err = c.AppendStep(context.Background(), "r1", run.NewStepExecution(run.StorageTransparent, 1, "a", "b"))
	assert.ErrorIs(t, err, run.ErrTerminal)
	err = c.UpdateStatus(context.Background(), "r1", run.StatusRunning, "")
	assert.ErrorIs(t, err, run.ErrTerminal)
}

// fakeCollection matches nothing on update and serves a single document.
type fakeCollection struct {
	indexes   []mongodriver.IndexModel
	insertErr error
	doc       *runDocument
}

func (c *fakeCollection) InsertOne(context.Context, any) (*mongodriver.InsertOneResult, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) FindOne(context.Context, any) singleResult {
	return fakeSingleResult{doc: c.doc}
}

func (c *fakeCollection) UpdateOne(context.Context, any, any) (*mongodriver.UpdateResult, error) {
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeCollection) Indexes() indexView { return c }

func (c *fakeCollection) CreateMany(_ context.Context, models []mongodriver.IndexModel) ([]string, error) {
	c.indexes = append(c.indexes, models...)
	return make([]string, len(models)), nil
}

type fakeSingleResult struct {
	doc *runDocument
}

func (r fakeSingleResult) Decode(val any) error {
	if r.doc == nil {
		return mongodriver.ErrNoDocuments
	}
	target, ok := val.(*runDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = *r.doc
	return nil
}
