// Package mongo hosts the MongoDB client used by the index tier. All records
// live in one collection keyed by the (partition key, sort key) pair so the
// layout mirrors the logical composite-key design.
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

	"github.com/socraticlabs/bench/pipeline/manifest"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/storage"
)

const (
	defaultCollection = "bench_index"
	defaultOpTimeout  = 5 * time.Second
	indexClientName   = "index-mongo"
)

// Client exposes Mongo-backed operations for the index tier. It mirrors
// storage.Index and adds the health ping used by worker readiness checks.
type Client interface {
	health.Pinger
	storage.Index
}

// Options configures the Mongo index client.
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
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return indexClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) PutManifest(ctx context.Context, m manifest.Manifest) error {
	if m.ManifestID == "" {
		return errors.New("manifest id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.InsertOne(ctx, fromManifest(m))
	if mongodriver.IsDuplicateKeyError(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *client) GetManifest(ctx context.Context, manifestID string) (manifest.Manifest, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc manifestDocument
	err := c.coll.FindOne(ctx, keyFilter(storage.PartitionManifest(manifestID), storage.SortMeta)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return manifest.Manifest{}, storage.ErrNotFound
		}
		return manifest.Manifest{}, err
	}
	return doc.toManifest(), nil
}

func (c *client) CreateRun(ctx context.Context, rec run.Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.InsertOne(ctx, fromRun(rec))
	if mongodriver.IsDuplicateKeyError(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *client) GetRun(ctx context.Context, runID string) (run.Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := c.coll.FindOne(ctx, keyFilter(storage.PartitionRun(runID), storage.SortMeta)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, storage.ErrNotFound
		}
		return run.Record{}, err
	}
	return doc.toRun(), nil
}

func (c *client) MarkRunning(ctx context.Context, runID string) (run.Record, error) {
	update := bson.M{
		"$set": bson.M{
			"status":     string(run.StatusRunning),
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{"error": ""},
	}
	return c.transition(ctx, runID, []run.Status{run.StatusPending, run.StatusRunning, run.StatusFailed}, update)
}

func (c *client) MarkCompleted(ctx context.Context, runID string, turnCountActual int) (run.Record, error) {
	update := bson.M{
		"$set": bson.M{
			"status":            string(run.StatusCompleted),
			"turn_count_actual": turnCountActual,
			"updated_at":        time.Now().UTC(),
		},
	}
	return c.transition(ctx, runID, []run.Status{run.StatusRunning}, update)
}

func (c *client) MarkFailed(ctx context.Context, runID string, errMsg string) (run.Record, error) {
	update := bson.M{
		"$set": bson.M{
			"status":     string(run.StatusFailed),
			"error":      errMsg,
			"updated_at": time.Now().UTC(),
		},
	}
	return c.transition(ctx, runID, []run.Status{run.StatusRunning}, update)
}

// transition applies a guarded status update. The filter carries the allowed
// prior statuses so concurrent writers cannot violate the status machine; a
// miss is disambiguated into ErrNotFound or ErrInvalidTransition afterwards.
func (c *client) transition(ctx context.Context, runID string, from []run.Status, update bson.M) (run.Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	filter := keyFilter(storage.PartitionRun(runID), storage.SortMeta)
	filter["status"] = bson.M{"$in": allowed}

	var doc runDocument
	err := c.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		return doc.toRun(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return run.Record{}, err
	}
	if _, getErr := c.GetRun(ctx, runID); getErr != nil {
		return run.Record{}, getErr
	}
	return run.Record{}, storage.ErrInvalidTransition
}

func (c *client) ListRunsByModel(ctx context.Context, modelID string) ([]run.Record, error) {
	return c.listRuns(ctx, bson.M{"kind": kindRun, "model_id": modelID})
}

func (c *client) ListRunsByManifest(ctx context.Context, manifestID string) ([]run.Record, error) {
	return c.listRuns(ctx, bson.M{"kind": kindRun, "manifest_id": manifestID})
}

func (c *client) listRuns(ctx context.Context, filter bson.M) ([]run.Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "pk", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	recs := make([]run.Record, len(docs))
	for i, doc := range docs {
		recs[i] = doc.toRun()
	}
	return recs, nil
}

func (c *client) PutTurn(ctx context.Context, rec storage.TurnRecord) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.InsertOne(ctx, fromTurn(rec))
	if mongodriver.IsDuplicateKeyError(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *client) GetTurn(ctx context.Context, runID string, turnIndex int) (storage.TurnRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc turnDocument
	err := c.coll.FindOne(ctx, keyFilter(storage.PartitionRun(runID), storage.SortTurn(turnIndex))).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return storage.TurnRecord{}, storage.ErrNotFound
		}
		return storage.TurnRecord{}, err
	}
	return doc.toTurn(), nil
}

func (c *client) ListTurns(ctx context.Context, runID string) ([]storage.TurnRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, sortPrefixFilter(storage.PartitionRun(runID), "^TURN#"),
		options.Find().SetSort(bson.D{{Key: "sk", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []turnDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	recs := make([]storage.TurnRecord, len(docs))
	for i, doc := range docs {
		recs[i] = doc.toTurn()
	}
	return recs, nil
}

func (c *client) PutJudgment(ctx context.Context, rec storage.JudgmentRecord) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.InsertOne(ctx, fromJudgment(rec))
	if mongodriver.IsDuplicateKeyError(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *client) ListJudgments(ctx context.Context, runID string) ([]storage.JudgmentRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, sortPrefixFilter(storage.PartitionRun(runID), "^JUDGE#"),
		options.Find().SetSort(bson.D{{Key: "sk", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []judgmentDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	recs := make([]storage.JudgmentRecord, len(docs))
	for i, doc := range docs {
		recs[i] = doc.toJudgment()
	}
	return recs, nil
}

func (c *client) CountRunItems(ctx context.Context, runID string) (int, int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	turns, err := c.coll.CountDocuments(ctx, sortPrefixFilter(storage.PartitionRun(runID), "^TURN#"))
	if err != nil {
		return 0, 0, err
	}
	judgments, err := c.coll.CountDocuments(ctx, sortPrefixFilter(storage.PartitionRun(runID), "^JUDGE#"))
	if err != nil {
		return 0, 0, err
	}
	return int(turns), int(judgments), nil
}

func (c *client) PutSummary(ctx context.Context, rec storage.SummaryRecord) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := keyFilter(storage.PartitionRun(rec.RunID), storage.SortSummary)
	_, err := c.coll.UpdateOne(ctx, filter, bson.M{"$set": fromSummary(rec)}, options.Update().SetUpsert(true))
	return err
}

func (c *client) GetSummary(ctx context.Context, runID string) (storage.SummaryRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc summaryDocument
	err := c.coll.FindOne(ctx, keyFilter(storage.PartitionRun(runID), storage.SortSummary)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return storage.SummaryRecord{}, storage.ErrNotFound
		}
		return storage.SummaryRecord{}, err
	}
	return doc.toSummary(), nil
}

func (c *client) ListSummaries(ctx context.Context) ([]storage.SummaryRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, bson.M{"kind": kindSummary},
		options.Find().SetSort(bson.D{{Key: "pk", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []summaryDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	recs := make([]storage.SummaryRecord, len(docs))
	for i, doc := range docs {
		recs[i] = doc.toSummary()
	}
	return recs, nil
}

func (c *client) GetAggregate(ctx context.Context, periodKey, modelID string) (storage.AggregateRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc aggregateDocument
	err := c.coll.FindOne(ctx, keyFilter(storage.PartitionPeriod(periodKey, modelID), storage.SortSummary)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return storage.AggregateRecord{}, storage.ErrNotFound
		}
		return storage.AggregateRecord{}, err
	}
	return doc.toAggregate(), nil
}

// PutAggregate performs the versioned upsert backing the Curator's
// optimistic-concurrency loop. Version zero means first write.
func (c *client) PutAggregate(ctx context.Context, rec storage.AggregateRecord, expectedVersion int64) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	rec.Version = expectedVersion + 1
	if expectedVersion == 0 {
		_, err := c.coll.InsertOne(ctx, fromAggregate(rec))
		if mongodriver.IsDuplicateKeyError(err) {
			return storage.ErrConflict
		}
		return err
	}
	filter := keyFilter(storage.PartitionPeriod(rec.PeriodKey, rec.ModelID), storage.SortSummary)
	filter["version"] = expectedVersion
	res, err := c.coll.UpdateOne(ctx, filter, bson.M{"$set": fromAggregate(rec)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrConflict
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

func keyFilter(pk, sk string) bson.M {
	return bson.M{"pk": pk, "sk": sk}
}

func sortPrefixFilter(pk, skPrefix string) bson.M {
	return bson.M{"pk": pk, "sk": bson.M{"$regex": skPrefix}}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "pk", Value: 1}, {Key: "sk", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "kind", Value: 1}, {Key: "model_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "kind", Value: 1}, {Key: "manifest_id", Value: 1}},
		},
	}
	for _, m := range models {
		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
