package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/relay/features/session/mongo/clients/mongo"
	"goa.design/relay/runtime/relay/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, userID string) (session.UserSession, error) {
	return s.client.LoadUser(ctx, userID)
}

// Save implements session.Store.
func (s *Store) Save(ctx context.Context, u session.UserSession) error {
	return s.client.SaveUser(ctx, u)
}
