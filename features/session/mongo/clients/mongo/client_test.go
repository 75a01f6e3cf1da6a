package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/relay/runtime/relay/session"
)

func TestEnsureIndexes(t *testing.T) {
	users := newFakeUsersCollection()
	require.NoError(t, ensureIndexes(context.Background(), users))
	require.Equal(t, 1, users.indexCreated)
}

func TestSaveAndLoadUser(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := client.LoadUser(ctx, "u1")
	require.ErrorIs(t, err, session.ErrUserNotFound)

	u := session.UserSession{ID: "u1", DisplayName: "Ada", SessionID: "s1", UpdatedAt: now}
	require.NoError(t, client.SaveUser(ctx, u))

	loaded, err := client.LoadUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, u, loaded)
}

func TestSaveUserIsLastWriteWins(t *testing.T) {
	users := newFakeUsersCollection()
	client, err := newClientWithCollection(nil, users, time.Second)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, client.SaveUser(ctx, session.UserSession{ID: "u1", SessionID: "s1", UpdatedAt: now}))
	created := users.docs["u1"].CreatedAt
	require.NoError(t, client.SaveUser(ctx, session.UserSession{ID: "u1", SessionID: "s2", UpdatedAt: now.Add(time.Minute)}))

	loaded, err := client.LoadUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "s2", loaded.SessionID)
	require.Equal(t, now.Add(time.Minute), loaded.UpdatedAt)
	require.Equal(t, created, users.docs["u1"].CreatedAt)
	require.Equal(t, 2, users.upserts)
}

func TestUserValidation(t *testing.T) {
	client := mustNewTestClient()
	require.EqualError(t, client.SaveUser(context.Background(), session.UserSession{}), "user id is required")
	_, err := client.LoadUser(context.Background(), "")
	require.EqualError(t, err, "user id is required")
}

func TestNameAndPingWithoutDriver(t *testing.T) {
	client := mustNewTestClient()
	require.Equal(t, "session-mongo", client.Name())
	require.Error(t, client.Ping(context.Background()))
}

func mustNewTestClient() *client {
	cl, err := newClientWithCollection(nil, newFakeUsersCollection(), time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

type fakeUsersCollection struct {
	mu           sync.Mutex
	indexCreated int
	upserts      int
	docs         map[string]userDocument
}

func newFakeUsersCollection() *fakeUsersCollection {
	return &fakeUsersCollection{docs: make(map[string]userDocument)}
}

func (c *fakeUsersCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["user_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeUsersCollection) UpdateOne(_ context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var o options.UpdateOneOptions
	for _, l := range opts {
		for _, set := range l.List() {
			if err := set(&o); err != nil {
				return nil, err
			}
		}
	}
	id := filter.(bson.M)["user_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		if o.Upsert == nil || !*o.Upsert {
			return &mongodriver.UpdateResult{}, nil
		}
		doc = userDocument{UserID: id}
		if soi, ok := update.(bson.M)["$setOnInsert"].(bson.M); ok {
			doc.CreatedAt, _ = soi["created_at"].(time.Time)
		}
	}
	set, ok := update.(bson.M)["$set"].(bson.M)
	if !ok {
		return nil, errors.New("unsupported $set payload")
	}
	doc.DisplayName, _ = set["display_name"].(string)
	doc.SessionID, _ = set["session_id"].(string)
	doc.UpdatedAt, _ = set["updated_at"].(time.Time)
	c.docs[id] = doc
	c.upserts++
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeUsersCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "user_id_idx", nil
}

type fakeSingleResult struct {
	doc userDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	typed, ok := val.(*userDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*typed = r.doc
	return nil
}
