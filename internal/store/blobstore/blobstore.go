package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// Prefix is the key prefix under which records are stored.
const Prefix = "records/"

// Store keeps one JSON object per record in a bucket.
//
// Updates are serialized within a process. Two processes sharing a bucket
// may race on the same record; the last write wins.
type Store struct {
	bucket *blob.Bucket
	mu     sync.Mutex
	feed   store.Feed
}

var _ store.Store = (*Store)(nil)

// Open opens the bucket at bucketURL and returns a store backed by it.
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open bucket: %w", err)
	}
	return New(bucket), nil
}

// New returns a store backed by an existing bucket handle. The store takes
// ownership of the bucket and closes it on Close.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Key returns the object key holding the record with the given ID.
func Key(id string) string {
	return Prefix + id + ".json"
}

func (s *Store) Insert(ctx context.Context, rec *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.bucket.Exists(ctx, Key(rec.ID))
	if err != nil {
		return fmt.Errorf("blobstore: check %s: %w", rec.ID, err)
	}
	if ok {
		return store.ErrExists
	}
	if err := s.write(ctx, rec); err != nil {
		return err
	}
	s.feed.Publish()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	return s.read(ctx, Key(id))
}

func (s *Store) List(ctx context.Context) ([]*record.Record, error) {
	var recs []*record.Record
	iter := s.bucket.List(&blob.ListOptions{Prefix: Prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blobstore: list: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		rec, err := s.read(ctx, obj.Key)
		if errors.Is(err, store.ErrNotFound) {
			// Removed between listing and reading.
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

func (s *Store) Update(ctx context.Context, id string, fn func(*record.Record) error) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(ctx, Key(id))
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.ID = id
	if err := s.write(ctx, rec); err != nil {
		return nil, err
	}
	s.feed.Publish()
	return rec.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bucket.Delete(ctx, Key(id)); err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("blobstore: delete %s: %w", id, err)
	}
	s.feed.Publish()
	return nil
}

func (s *Store) Subscribe() (<-chan struct{}, func()) {
	return s.feed.Subscribe()
}

// Notify signals subscribers without a local mutation, e.g. when a watcher
// sees another process change the bucket.
func (s *Store) Notify() {
	s.feed.Publish()
}

// Feed exposes the change feed so external watchers can publish to it.
func (s *Store) Feed() *store.Feed {
	return &s.feed
}

func (s *Store) Close() error {
	return s.bucket.Close()
}

func (s *Store) read(ctx context.Context, key string) (*record.Record, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if isNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("blobstore: unmarshal %s: %w", key, err)
	}
	return &rec, nil
}

func (s *Store) write(ctx context.Context, rec *record.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("blobstore: marshal %s: %w", rec.ID, err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, Key(rec.ID), data, opts); err != nil {
		return fmt.Errorf("blobstore: write %s: %w", rec.ID, err)
	}
	return nil
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
