package store

import (
	"context"
	"errors"

	"github.com/ligustah/gulp/internal/record"
)

// Common errors.
var (
	ErrNotFound = errors.New("store: record not found")
	ErrExists   = errors.New("store: record already exists")
)

// Store persists download records and announces changes to them.
type Store interface {
	// Insert adds a new record. It fails with ErrExists when the ID is taken.
	Insert(ctx context.Context, rec *record.Record) error

	// Get returns a copy of the record with the given ID.
	Get(ctx context.Context, id string) (*record.Record, error)

	// List returns copies of all records ordered by creation time.
	List(ctx context.Context) ([]*record.Record, error)

	// Update applies fn to the current record and persists the result
	// atomically with respect to other updates through this store. If fn
	// returns an error nothing is written and the error is returned.
	Update(ctx context.Context, id string, fn func(*record.Record) error) (*record.Record, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// Subscribe returns a channel that receives a value after every change,
	// and a function that ends the subscription.
	Subscribe() (<-chan struct{}, func())

	Close() error
}
