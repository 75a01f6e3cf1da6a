// Package mongo provides a MongoDB-backed session.Store for relay user
// sessions. Build the low-level client via features/session/mongo/clients/mongo
// and pass it to NewStore.
package mongo
