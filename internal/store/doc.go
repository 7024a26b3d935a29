// Package store defines the persisted record store the engine reconciles
// against.
//
// Implementations live in subpackages:
//   - blobstore: one JSON object per record in a gocloud.dev bucket
//     (file://, mem://, s3://, gs://)
//   - sqlitestore: one row per record in an SQLite database
//
// Every mutation publishes to the store's Feed. WatchDir extends that to
// changes made by other processes sharing an on-disk store.
package store
