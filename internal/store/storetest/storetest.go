// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s against the store.Store contract. open must return a fresh,
// empty store for each call.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, open(t)) })
	t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, open(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("ListOrder", func(t *testing.T) { testListOrder(t, open(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, open(t)) })
	t.Run("UpdateAbort", func(t *testing.T) { testUpdateAbort(t, open(t)) })
	t.Run("UpdateConcurrent", func(t *testing.T) { testUpdateConcurrent(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, open(t)) })
}

func sample(id string, created time.Time) *record.Record {
	rec := record.New(id, "http://example.com/"+id, created)
	rec.Hint = id + ".bin"
	rec.Headers = map[string][]string{"X-Token": {"abc"}}
	rec.AllowedNetworks = record.NetworkWiFi
	return rec
}

func testInsertGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := sample("a", created)
	rec.RetryAt = created.Add(time.Minute)
	rec.RetryAfter = 90 * time.Second

	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rec.SourceURL, got.SourceURL)
	assert.Equal(t, rec.Hint, got.Hint)
	assert.Equal(t, int64(-1), got.TotalBytes)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Equal(t, record.NetworkWiFi, got.AllowedNetworks)
	assert.Equal(t, "abc", got.Headers.Get("X-Token"))
	assert.Equal(t, 90*time.Second, got.RetryAfter)
	assert.True(t, rec.RetryAt.Equal(got.RetryAt))
	assert.True(t, created.Equal(got.CreatedAt))
}

func testInsertDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sample("a", time.Now())))
	err := s.Insert(ctx, sample("a", time.Now()))
	assert.ErrorIs(t, err, store.ErrExists)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Update(context.Background(), "nope", func(*record.Record) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, sample("c", base.Add(2*time.Second))))
	require.NoError(t, s.Insert(ctx, sample("a", base)))
	require.NoError(t, s.Insert(ctx, sample("b", base.Add(time.Second))))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
	assert.Equal(t, "c", recs[2].ID)
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sample("a", time.Now())))

	got, err := s.Update(ctx, "a", func(r *record.Record) error {
		r.Status = record.StatusRunning
		r.BytesSoFar = 42
		r.ETag = `"v1"`
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, record.StatusRunning, got.Status)

	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.BytesSoFar)
	assert.Equal(t, `"v1"`, got.ETag)
}

func testUpdateAbort(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sample("a", time.Now())))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "a", func(r *record.Record) error {
		r.BytesSoFar = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.BytesSoFar)
}

func testUpdateConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sample("a", time.Now())))

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "a", func(r *record.Record) error {
				r.FailCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, n, got.FailCount)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sample("a", time.Now())))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testSubscribe(t *testing.T, s store.Store) {
	ctx := context.Background()
	ch, cancel := s.Subscribe()
	defer cancel()

	expect := func(what string) {
		t.Helper()
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("no change signal after %s", what)
		}
	}

	require.NoError(t, s.Insert(ctx, sample("a", time.Now())))
	expect("insert")

	_, err := s.Update(ctx, "a", func(r *record.Record) error { return nil })
	require.NoError(t, err)
	expect("update")

	require.NoError(t, s.Delete(ctx, "a"))
	expect(fmt.Sprintf("delete of %q", "a"))
}
