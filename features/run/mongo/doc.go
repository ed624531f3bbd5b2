// Package mongo provides a MongoDB-backed run.Store. Build the low-level client
// via features/run/mongo/clients/mongo and pass it to NewStore, or let
// NewStoreFromMongo build it from a driver client.
package mongo
