// Package mongo implements history.Store on MongoDB. Each instance is one
// document; saves replace the document conditionally on its version and a
// counters document hands out submission sequence numbers.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/relay/runtime/relay/history"
)

const (
	defaultInstancesCollection = "relay_instances"
	defaultCountersCollection  = "relay_counters"
	defaultOpTimeout           = 5 * time.Second
	seqCounterID               = "instance_seq"
	clientName                 = "history-mongo"
)

type (
	// Options configures the Mongo history store.
	Options struct {
		Client              *mongodriver.Client
		Database            string
		InstancesCollection string
		CountersCollection  string
		Timeout             time.Duration
	}

	// Store implements history.Store.
	Store struct {
		mongo     *mongodriver.Client
		instances collection
		counters  counterCollection
		timeout   time.Duration
	}

	counterDocument struct {
		ID  string `bson:"_id"`
		Seq int64  `bson:"seq"`
	}
)

var _ history.Store = (*Store)(nil)

// New returns a Store backed by MongoDB and ensures its indexes exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	instName := opts.InstancesCollection
	if instName == "" {
		instName = defaultInstancesCollection
	}
	ctrName := opts.CountersCollection
	if ctrName == "" {
		ctrName = defaultCountersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	instances := mongoCollection{coll: db.Collection(instName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, instances); err != nil {
		return nil, err
	}
	return newStoreWithCollections(opts.Client, instances, mongoCounters{coll: db.Collection(ctrName)}, timeout)
}

func newStoreWithCollections(client *mongodriver.Client, instances collection, counters counterCollection, timeout time.Duration) (*Store, error) {
	if instances == nil || counters == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: client, instances: instances, counters: counters, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return clientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements history.Store.
func (s *Store) Create(ctx context.Context, inst *history.Instance) error {
	if inst == nil || inst.ID == "" {
		return errors.New("instance id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	rec := inst.Clone()
	now := time.Now().UTC()
	rec.Seq = seq
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if _, err := s.instances.InsertOne(ctx, rec); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return history.ErrExists
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	inst.Seq = rec.Seq
	inst.Version = rec.Version
	inst.CreatedAt = rec.CreatedAt
	inst.UpdatedAt = rec.UpdatedAt
	return nil
}

// Load implements history.Store.
func (s *Store) Load(ctx context.Context, id string) (*history.Instance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var inst history.Instance
	if err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&inst); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, history.ErrNotFound
		}
		return nil, err
	}
	return &inst, nil
}

// Save implements history.Store.
func (s *Store) Save(ctx context.Context, inst *history.Instance) error {
	if inst == nil || inst.ID == "" {
		return errors.New("instance id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rec := inst.Clone()
	rec.Version = inst.Version + 1
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.instances.ReplaceOne(ctx, bson.M{"_id": inst.ID, "version": inst.Version}, rec)
	if err != nil {
		return fmt.Errorf("replace instance: %w", err)
	}
	if res.MatchedCount == 0 {
		var cur history.Instance
		err := s.instances.FindOne(ctx, bson.M{"_id": inst.ID}).Decode(&cur)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return history.ErrNotFound
		}
		if err != nil {
			return err
		}
		return history.ErrConflict
	}
	inst.Version = rec.Version
	inst.UpdatedAt = rec.UpdatedAt
	return nil
}

// ListActive implements history.Store.
func (s *Store) ListActive(ctx context.Context) ([]*history.Instance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"status": bson.M{"$in": []history.Status{history.StatusPending, history.StatusRunning}}}
	cur, err := s.instances.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}
	var out []*history.Instance
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode active instances: %w", err)
	}
	return out, nil
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var doc counterDocument
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": seqCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return doc.Seq, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, instances collection) error {
	model := mongodriver.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "seq", Value: 1}},
	}
	_, err := instances.Indexes().CreateOne(ctx, model)
	return err
}

type (
	collection interface {
		FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
		InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
		ReplaceOne(ctx context.Context, filter any, replacement any,
			opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
		Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
		Indexes() indexView
	}

	counterCollection interface {
		FindOneAndUpdate(ctx context.Context, filter any, update any,
			opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult
	}

	indexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel,
			opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
	}

	singleResult interface {
		Decode(val any) error
	}

	cursor interface {
		All(ctx context.Context, results any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}

	mongoCounters struct {
		coll *mongodriver.Collection
	}

	mongoIndexView struct {
		view mongodriver.IndexView
	}
)

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

func (c mongoCounters) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
