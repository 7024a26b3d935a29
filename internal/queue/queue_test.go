package queue

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
	"github.com/ligustah/gulp/internal/store/blobstore"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := blobstore.Open(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	n := 0
	m := New(st,
		WithClock(func() time.Time { return testNow }),
		WithIDs(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
	return m, st
}

func setStatus(t *testing.T, st store.Store, id string, status record.Status) {
	t.Helper()
	_, err := st.Update(context.Background(), id, func(cur *record.Record) error {
		cur.Status = status
		return nil
	})
	require.NoError(t, err)
}

func TestEnqueue(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, Request{
		URL:             "https://example.com/files/report.pdf",
		Hint:            "q1.pdf",
		Headers:         http.Header{"Authorization": {"Bearer x"}},
		AllowedNetworks: record.NetworkWiFi,
		DenyRoaming:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.Equal(t, record.ControlRun, rec.Control)
	assert.Equal(t, "https://example.com/files/report.pdf", rec.URL())
	assert.Equal(t, "q1.pdf", rec.Hint)
	assert.Equal(t, int64(-1), rec.TotalBytes)
	assert.Equal(t, record.NetworkWiFi, rec.AllowedNetworks)
	assert.False(t, rec.AllowRoaming)
	assert.Equal(t, "Bearer x", rec.Headers.Get("Authorization"))
	assert.True(t, rec.CreatedAt.Equal(testNow))
}

func TestEnqueueDefaultID(t *testing.T) {
	st, err := blobstore.Open(context.Background(), "mem://")
	require.NoError(t, err)
	defer st.Close()

	id, err := New(st).Enqueue(context.Background(), Request{URL: "http://example.com/a"})
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestEnqueuePaused(t *testing.T) {
	m, _ := newManager(t)
	id, err := m.Enqueue(context.Background(), Request{URL: "http://example.com/a", Paused: true})
	require.NoError(t, err)

	rec, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPausedUser, rec.Status)
	assert.True(t, rec.Paused())
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	m, _ := newManager(t)
	for _, req := range []Request{
		{URL: "ftp://example.com/a"},
		{URL: "file:///etc/passwd"},
		{URL: "http://"},
		{URL: "://bad"},
		{URL: "http://example.com/a", Headers: http.Header{"X-Bad:Name": {"v"}}},
	} {
		_, err := m.Enqueue(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, req.URL)
	}
}

func TestPauseResume(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	id, err := m.Enqueue(ctx, Request{URL: "http://example.com/a"})
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, id))
	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPausedUser, rec.Status)
	assert.True(t, rec.Paused())

	require.NoError(t, m.Resume(ctx, id))
	rec, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.False(t, rec.Paused())

	// A running download keeps its status; the engine pauses it.
	setStatus(t, st, id, record.StatusRunning)
	require.NoError(t, m.Pause(ctx, id))
	rec, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusRunning, rec.Status)
	assert.True(t, rec.Paused())
}

func TestPauseRejectsCompleted(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	a, err := m.Enqueue(ctx, Request{URL: "http://example.com/a"})
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, Request{URL: "http://example.com/b"})
	require.NoError(t, err)
	setStatus(t, st, b, record.StatusSuccess)

	assert.ErrorIs(t, m.Pause(ctx, a, b), ErrCompleted)
	assert.ErrorIs(t, m.Resume(ctx, b), ErrCompleted)

	rec, err := m.Get(ctx, a)
	require.NoError(t, err)
	assert.False(t, rec.Paused(), "a rejected request changes nothing")
}

func TestCancel(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	a, err := m.Enqueue(ctx, Request{URL: "http://example.com/a"})
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, Request{URL: "http://example.com/b"})
	require.NoError(t, err)
	setStatus(t, st, b, record.StatusSuccess)

	require.NoError(t, m.Cancel(ctx, a, b))

	rec, err := m.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCanceled, rec.Status)
	rec, err = m.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, rec.Status)
}

func TestRemove(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	id, err := m.Enqueue(ctx, Request{URL: "http://example.com/a"})
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, id))

	recs, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = m.List(ctx, Filter{Removed: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Deleted)
}

func TestMissingRecord(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	assert.ErrorIs(t, m.Pause(ctx, "nope"), store.ErrNotFound)
	assert.ErrorIs(t, m.Cancel(ctx, "nope"), store.ErrNotFound)
	assert.ErrorIs(t, m.Remove(ctx, "nope"), store.ErrNotFound)
}

func TestRestart(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	id, err := m.Enqueue(ctx, Request{URL: "http://example.com/a"})
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o644))
	_, err = st.Update(ctx, id, func(cur *record.Record) error {
		cur.Status = record.StatusFailed
		cur.Reason = record.ReasonHTTPStatus
		cur.HTTPCode = 404
		cur.FilePath = file
		cur.ETag = `"v1"`
		cur.BytesSoFar = 4
		cur.TotalBytes = 10
		cur.CurrentURL = "http://mirror.example.com/a"
		cur.RedirectCount = 1
		cur.FailCount = 3
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.Restart(ctx, id))

	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.Equal(t, record.ReasonNone, rec.Reason)
	assert.Zero(t, rec.HTTPCode)
	assert.Empty(t, rec.FilePath)
	assert.Empty(t, rec.ETag)
	assert.Zero(t, rec.BytesSoFar)
	assert.Equal(t, int64(-1), rec.TotalBytes)
	assert.Equal(t, "http://example.com/a", rec.URL())
	assert.Zero(t, rec.RedirectCount)
	assert.Zero(t, rec.FailCount)
	assert.NoFileExists(t, file)
}

func TestRestartRejectsInProgress(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	a, err := m.Enqueue(ctx, Request{URL: "http://example.com/a"})
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, Request{URL: "http://example.com/b"})
	require.NoError(t, err)
	setStatus(t, st, a, record.StatusSuccess)
	setStatus(t, st, b, record.StatusRunning)

	assert.ErrorIs(t, m.Restart(ctx, a, b), ErrNotRestartable)

	rec, err := m.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, rec.Status)

	require.NoError(t, m.Pause(ctx, b))
	setStatus(t, st, b, record.StatusPausedUser)
	assert.NoError(t, m.Restart(ctx, a, b))
}

func TestListFilter(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		id, err := m.Enqueue(ctx, Request{URL: "http://example.com/" + name})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	setStatus(t, st, ids[0], record.StatusSuccess)
	setStatus(t, st, ids[1], record.StatusFailed)

	recs, err := m.List(ctx, Filter{Unfinished: true})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = m.List(ctx, Filter{Statuses: []record.Status{record.StatusFailed, record.StatusPending}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[1], recs[0].ID)
	assert.Equal(t, ids[2], recs[1].ID)

	recs, err = m.List(ctx, Filter{IDs: []string{ids[2]}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids[2], recs[0].ID)
}
