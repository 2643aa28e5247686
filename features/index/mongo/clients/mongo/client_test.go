package mongo

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/storage"
)

type (
	fakeSingleResult struct {
		doc any
		err error
	}

	fakeCursor struct {
		docs []any
	}

	// fakeCollection scripts driver responses and records the filters and
	// updates the client issues. FindOne results are consumed in order so
	// sequences like FindOneAndUpdate miss followed by a GetRun lookup can be
	// scripted per call.
	fakeCollection struct {
		findOne    []fakeSingleResult
		famResult  fakeSingleResult
		insertErr  error
		updateRes  *mongodriver.UpdateResult
		updateErr  error
		cursorDocs []any

		inserted []any
		filters  []any
		updates  []any
	}

	fakeIndexView struct{}
)

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	raw, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (c fakeCursor) All(_ context.Context, results any) error {
	rv := reflect.ValueOf(results).Elem()
	out := reflect.MakeSlice(rv.Type(), 0, len(c.docs))
	for _, doc := range c.docs {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return err
		}
		elem := reflect.New(rv.Type().Elem())
		if err := bson.Unmarshal(raw, elem.Interface()); err != nil {
			return err
		}
		out = reflect.Append(out, elem.Elem())
	}
	rv.Set(out)
	return nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.filters = append(c.filters, filter)
	if len(c.findOne) == 0 {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	res := c.findOne[0]
	c.findOne = c.findOne[1:]
	return res
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, filter, update any, _ ...*options.FindOneAndUpdateOptions) singleResult {
	c.filters = append(c.filters, filter)
	c.updates = append(c.updates, update)
	return c.famResult
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...*options.FindOptions) (cursor, error) {
	c.filters = append(c.filters, filter)
	return fakeCursor{docs: c.cursorDocs}, nil
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.inserted = append(c.inserted, document)
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, update any, _ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.filters = append(c.filters, filter)
	c.updates = append(c.updates, update)
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	if c.updateRes != nil {
		return c.updateRes, nil
	}
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeCollection) CountDocuments(_ context.Context, filter any, _ ...*options.CountOptions) (int64, error) {
	c.filters = append(c.filters, filter)
	return int64(len(c.cursorDocs)), nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

func duplicateKeyError() error {
	return mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{Code: 11000}}}
}

func testClient(t *testing.T, coll *fakeCollection) *client {
	t.Helper()
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return c
}

func sampleRun() run.Record {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	return run.Record{
		RunID:           "01JXYZABCD0123456789ABCDEF",
		ManifestID:      "m0123456789abcdef0123456789abcdef",
		ModelID:         "claude-sonnet-4",
		ScenarioID:      "photosynthesis-misconception",
		RubricVersion:   "socratic/v1",
		Status:          run.StatusRunning,
		TurnCountTarget: 6,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestNewClientRequiresCollection(t *testing.T) {
	_, err := newClientWithCollection(nil, nil, time.Second)
	require.EqualError(t, err, "collection is required")
}

func TestGetRunDecodesDocument(t *testing.T) {
	rec := sampleRun()
	coll := &fakeCollection{findOne: []fakeSingleResult{{doc: fromRun(rec)}}}
	c := testClient(t, coll)

	got, err := c.GetRun(context.Background(), rec.RunID)
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.Equal(t, bson.M{"pk": storage.PartitionRun(rec.RunID), "sk": storage.SortMeta}, coll.filters[0])
}

func TestGetRunNotFound(t *testing.T) {
	c := testClient(t, &fakeCollection{})
	_, err := c.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateRunDuplicateKey(t *testing.T) {
	coll := &fakeCollection{insertErr: duplicateKeyError()}
	c := testClient(t, coll)

	err := c.CreateRun(context.Background(), sampleRun())
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.Len(t, coll.inserted, 1)
}

func TestMarkCompletedGuardsPriorStatus(t *testing.T) {
	rec := sampleRun()
	updated := rec
	updated.Status = run.StatusCompleted
	updated.TurnCountActual = 6
	coll := &fakeCollection{famResult: fakeSingleResult{doc: fromRun(updated)}}
	c := testClient(t, coll)

	got, err := c.MarkCompleted(context.Background(), rec.RunID, 6)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status)
	require.Equal(t, 6, got.TurnCountActual)

	filter, ok := coll.filters[0].(bson.M)
	require.True(t, ok)
	require.Equal(t, bson.M{"$in": []string{"running"}}, filter["status"])
}

func TestMarkRunningClearsError(t *testing.T) {
	rec := sampleRun()
	coll := &fakeCollection{famResult: fakeSingleResult{doc: fromRun(rec)}}
	c := testClient(t, coll)

	_, err := c.MarkRunning(context.Background(), rec.RunID)
	require.NoError(t, err)

	filter := coll.filters[0].(bson.M)
	require.Equal(t, bson.M{"$in": []string{"pending", "running", "failed"}}, filter["status"])
	update := coll.updates[0].(bson.M)
	require.Equal(t, bson.M{"error": ""}, update["$unset"])
}

func TestTransitionMissDisambiguation(t *testing.T) {
	t.Run("run exists in disallowed status", func(t *testing.T) {
		rec := sampleRun()
		rec.Status = run.StatusCompleted
		coll := &fakeCollection{
			famResult: fakeSingleResult{err: mongodriver.ErrNoDocuments},
			findOne:   []fakeSingleResult{{doc: fromRun(rec)}},
		}
		c := testClient(t, coll)

		_, err := c.MarkFailed(context.Background(), rec.RunID, "boom")
		require.ErrorIs(t, err, storage.ErrInvalidTransition)
	})

	t.Run("run absent", func(t *testing.T) {
		coll := &fakeCollection{famResult: fakeSingleResult{err: mongodriver.ErrNoDocuments}}
		c := testClient(t, coll)

		_, err := c.MarkCompleted(context.Background(), "missing", 3)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestListTurnsUsesSortPrefix(t *testing.T) {
	rec := sampleRun()
	turns := []any{
		fromTurn(storage.TurnRecord{RunID: rec.RunID, TurnIndex: 0, StudentText: "a", AIText: "b"}),
		fromTurn(storage.TurnRecord{RunID: rec.RunID, TurnIndex: 1, StudentText: "c", AIText: "d"}),
	}
	coll := &fakeCollection{cursorDocs: turns}
	c := testClient(t, coll)

	got, err := c.ListTurns(context.Background(), rec.RunID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 0, got[0].TurnIndex)
	require.Equal(t, 1, got[1].TurnIndex)

	filter := coll.filters[0].(bson.M)
	require.Equal(t, bson.M{"$regex": "^TURN#"}, filter["sk"])
}

func TestPutAggregateCreate(t *testing.T) {
	coll := &fakeCollection{}
	c := testClient(t, coll)

	rec := storage.AggregateRecord{PeriodKey: "2026-W10", ModelID: "claude-sonnet-4", RunCount: 1}
	require.NoError(t, c.PutAggregate(context.Background(), rec, 0))

	require.Len(t, coll.inserted, 1)
	doc, ok := coll.inserted[0].(aggregateDocument)
	require.True(t, ok)
	require.Equal(t, int64(1), doc.Version)
}

func TestPutAggregateCreateLosesRace(t *testing.T) {
	coll := &fakeCollection{insertErr: duplicateKeyError()}
	c := testClient(t, coll)

	rec := storage.AggregateRecord{PeriodKey: "2026-W10", ModelID: "claude-sonnet-4"}
	err := c.PutAggregate(context.Background(), rec, 0)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestPutAggregateUpdateFiltersOnVersion(t *testing.T) {
	coll := &fakeCollection{}
	c := testClient(t, coll)

	rec := storage.AggregateRecord{PeriodKey: "2026-W10", ModelID: "claude-sonnet-4", RunCount: 2}
	require.NoError(t, c.PutAggregate(context.Background(), rec, 3))

	filter := coll.filters[0].(bson.M)
	require.Equal(t, int64(3), filter["version"])
	update := coll.updates[0].(bson.M)
	doc, ok := update["$set"].(aggregateDocument)
	require.True(t, ok)
	require.Equal(t, int64(4), doc.Version)
}

func TestPutAggregateStaleUpdateConflicts(t *testing.T) {
	coll := &fakeCollection{updateRes: &mongodriver.UpdateResult{MatchedCount: 0}}
	c := testClient(t, coll)

	rec := storage.AggregateRecord{PeriodKey: "2026-W10", ModelID: "claude-sonnet-4"}
	err := c.PutAggregate(context.Background(), rec, 2)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestCountRunItems(t *testing.T) {
	coll := &fakeCollection{cursorDocs: []any{1, 2, 3}}
	c := testClient(t, coll)

	turns, judgments, err := c.CountRunItems(context.Background(), "run")
	require.NoError(t, err)
	require.Equal(t, 3, turns)
	require.Equal(t, 3, judgments)

	require.Equal(t, bson.M{"$regex": "^TURN#"}, coll.filters[0].(bson.M)["sk"])
	require.Equal(t, bson.M{"$regex": "^JUDGE#"}, coll.filters[1].(bson.M)["sk"])
}
