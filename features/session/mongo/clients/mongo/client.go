// Package mongo hosts the MongoDB client used by the user session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/relay/runtime/relay/session"
)

const (
	defaultUsersCollection = "relay_users"
	defaultOpTimeout       = 5 * time.Second
	clientName             = "session-mongo"
)

// Client exposes Mongo-backed operations for user sessions.
type Client interface {
	health.Pinger

	LoadUser(ctx context.Context, userID string) (session.UserSession, error)
	SaveUser(ctx context.Context, u session.UserSession) error
}

// Options configures the Mongo session client.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	UsersCollection string
	Timeout         time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	users   collection
	timeout time.Duration
}

type userDocument struct {
	UserID      string    `bson:"user_id"`
	DisplayName string    `bson:"display_name,omitempty"`
	SessionID   string    `bson:"session_id,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at"`
	CreatedAt   time.Time `bson:"created_at"`
}

// New returns a Client backed by MongoDB. It ensures the unique user id
// index exists.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.UsersCollection
	if name == "" {
		name = defaultUsersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	users := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, users); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, users, timeout)
}

func newClientWithCollection(mongoClient *mongodriver.Client, users collection, timeout time.Duration) (*client, error) {
	if users == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, users: users, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) LoadUser(ctx context.Context, userID string) (session.UserSession, error) {
	if userID == "" {
		return session.UserSession{}, errors.New("user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc userDocument
	if err := c.users.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.UserSession{}, session.ErrUserNotFound
		}
		return session.UserSession{}, err
	}
	return doc.toUserSession(), nil
}

// SaveUser upserts the record keyed by user id. Repeating a write with the
// same payload leaves the stored document unchanged.
func (c *client) SaveUser(ctx context.Context, u session.UserSession) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	updatedAt := u.UpdatedAt.UTC()
	if u.UpdatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": u.ID}
	update := bson.M{
		"$set": bson.M{
			"display_name": u.DisplayName,
			"session_id":   u.SessionID,
			"updated_at":   updatedAt,
		},
		"$setOnInsert": bson.M{
			"created_at": time.Now().UTC(),
		},
	}
	_, err := c.users.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (d userDocument) toUserSession() session.UserSession {
	return session.UserSession{
		ID:          d.UserID,
		DisplayName: d.DisplayName,
		SessionID:   d.SessionID,
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, users collection) error {
	model := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := users.Indexes().CreateOne(ctx, model)
	return err
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
