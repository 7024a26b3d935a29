package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ligustah/gulp/internal/destination"
	gulphttp "github.com/ligustah/gulp/internal/http"
	"github.com/ligustah/gulp/internal/netpolicy"
	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
	"github.com/ligustah/gulp/internal/store/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	store   store.Store
	dir     string
	monitor *netpolicy.StaticMonitor
	opts    Options
	now     func() time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := blobstore.Open(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts := DefaultOptions()
	opts.MinRetryAfter = time.Second

	return &harness{
		t:       t,
		store:   st,
		dir:     t.TempDir(),
		monitor: netpolicy.NewStaticMonitor(netpolicy.Network{Type: record.NetworkWiFi}),
		opts:    opts,
		now:     func() time.Time { return testNow },
	}
}

func (h *harness) worker() *Worker {
	resolver := destination.NewResolver([]string{h.dir},
		destination.WithFreeSpace(func(string) (int64, error) { return 1 << 40, nil }),
		destination.WithRand(rand.New(rand.NewPCG(1, 2))),
	)
	return New(h.store, gulphttp.NewClient(gulphttp.DefaultOptions()), h.monitor, resolver, h.opts,
		WithClock(h.now),
		WithRand(rand.New(rand.NewPCG(3, 4))),
	)
}

func (h *harness) enqueue(url string, mutate ...func(*record.Record)) *record.Record {
	h.t.Helper()
	rec := record.New(fmt.Sprintf("dl-%d", time.Now().UnixNano()), url, testNow)
	rec.Status = record.StatusRunning
	for _, fn := range mutate {
		fn(rec)
	}
	require.NoError(h.t, h.store.Insert(context.Background(), rec))
	return rec
}

func (h *harness) run(id string) *record.Record {
	h.t.Helper()
	return h.runWith(context.Background(), id, nil)
}

func (h *harness) runWith(ctx context.Context, id string, tok *Token) *record.Record {
	h.t.Helper()
	if tok == nil {
		tok = NewToken(ctx)
	}
	defer tok.Release()
	rec, err := h.worker().Run(ctx, id, tok)
	require.NoError(h.t, err)
	require.NotNil(h.t, rec)
	return rec
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// rangeServer serves data with an ETag and honours "Range: bytes=N-".
func rangeServer(t *testing.T, data []byte, etag string, requests *[]*http.Request) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			*requests = append(*requests, r.Clone(context.Background()))
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/octet-stream")

		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Write(data)
			return
		}
		start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		if err != nil {
			t.Errorf("bad range %q", rng)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(data)-1, len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)-start))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:])
	}))
	t.Cleanup(server.Close)
	return server
}

// rawServer writes a literal response and closes the connection, for
// responses net/http would not produce on its own.
func rawServer(t *testing.T, response string) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		buf.WriteString(response)
		buf.Flush()
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t)
	data := testData(1000)
	server := rangeServer(t, data, `"v1"`, nil)

	rec := h.enqueue(server.URL + "/files/report.bin")
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, int64(1000), got.BytesSoFar)
	assert.Equal(t, int64(1000), got.TotalBytes)
	assert.Equal(t, `"v1"`, got.ETag)
	assert.Equal(t, "application/octet-stream", got.MimeType)
	assert.Equal(t, 0, got.FailCount)
	assert.Equal(t, filepath.Join(h.dir, "report.bin"), got.FilePath)

	content, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestRunUsesHintAndHeaders(t *testing.T) {
	h := newHarness(t)
	var seen http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Length", "5")
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	rec := h.enqueue(server.URL+"/x", func(r *record.Record) {
		r.Hint = "greeting.txt"
		r.Headers = http.Header{"X-Token": {"secret"}}
		r.UserAgent = "gulp-test/1.0"
	})
	got := h.run(rec.ID)

	require.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, "greeting.txt", filepath.Base(got.FilePath))
	assert.Equal(t, "secret", seen.Get("X-Token"))
	assert.Equal(t, "gulp-test/1.0", seen.Get("User-Agent"))
	assert.Empty(t, seen.Get("Range"))
}

func TestResumeSameETag(t *testing.T) {
	h := newHarness(t)
	data := testData(1000)
	var requests []*http.Request
	server := rangeServer(t, data, `"v1"`, &requests)

	path := filepath.Join(h.dir, "partial.bin")
	require.NoError(t, os.WriteFile(path, data[:400], 0o644))

	rec := h.enqueue(server.URL, func(r *record.Record) {
		r.FilePath = path
		r.ETag = `"v1"`
		r.BytesSoFar = 400
		r.TotalBytes = 1000
	})
	got := h.run(rec.ID)

	require.Len(t, requests, 1)
	assert.Equal(t, "bytes=400-", requests[0].Header.Get("Range"))
	assert.Equal(t, `"v1"`, requests[0].Header.Get("If-Match"))

	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, int64(1000), got.BytesSoFar)
	assert.Equal(t, path, got.FilePath)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestResumeETagChangedRestarts(t *testing.T) {
	h := newHarness(t)
	data := testData(1000)
	var requests []*http.Request
	server := rangeServer(t, data, `"v2"`, &requests)

	path := filepath.Join(h.dir, "partial.bin")
	require.NoError(t, os.WriteFile(path, []byte("stale stale stale"), 0o644))

	rec := h.enqueue(server.URL+"/fresh.bin", func(r *record.Record) {
		r.FilePath = path
		r.ETag = `"v1"`
		r.BytesSoFar = 17
		r.TotalBytes = 1000
	})
	got := h.run(rec.ID)

	require.Len(t, requests, 2)
	assert.NotEmpty(t, requests[0].Header.Get("Range"))
	assert.Empty(t, requests[1].Header.Get("Range"))
	assert.Empty(t, requests[1].Header.Get("If-Match"))

	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, `"v2"`, got.ETag)
	assert.Equal(t, int64(1000), got.BytesSoFar)
	assert.Equal(t, 0, got.FailCount)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "stale partial file should be deleted")

	content, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestResumePreconditionFailedRestarts(t *testing.T) {
	h := newHarness(t)
	data := testData(300)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-Match") != "" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	defer server.Close()

	path := filepath.Join(h.dir, "old.bin")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	rec := h.enqueue(server.URL, func(r *record.Record) {
		r.FilePath = path
		r.ETag = `"v1"`
		r.BytesSoFar = 3
	})
	got := h.run(rec.ID)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, int64(300), got.BytesSoFar)
}

func TestResumeWithoutETagCannotResume(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	path := filepath.Join(h.dir, "partial.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	rec := h.enqueue(server.URL, func(r *record.Record) {
		r.FilePath = path
		r.BytesSoFar = 3
	})
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonCannotResume, got.Reason)
	assert.Equal(t, int32(0), calls.Load())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestResumeEmptyFileStartsFresh(t *testing.T) {
	h := newHarness(t)
	data := testData(50)
	var requests []*http.Request
	server := rangeServer(t, data, `"v1"`, &requests)

	path := filepath.Join(h.dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	rec := h.enqueue(server.URL+"/empty.bin", func(r *record.Record) {
		r.FilePath = path
		r.ETag = `"v1"`
	})
	got := h.run(rec.ID)

	require.Len(t, requests, 1)
	assert.Empty(t, requests[0].Header.Get("Range"))
	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, int64(50), got.BytesSoFar)
}

func TestResumeContentRangeMismatch(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(testData(10))
	}))
	defer server.Close()

	path := filepath.Join(h.dir, "p.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcd"), 0o644))
	rec := h.enqueue(server.URL, func(r *record.Record) {
		r.FilePath = path
		r.ETag = `"v1"`
		r.BytesSoFar = 4
		r.TotalBytes = 10
	})
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonCannotResume, got.Reason)
}

func TestResumeGot200(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Write(testData(10))
	}))
	defer server.Close()

	path := filepath.Join(h.dir, "p.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcd"), 0o644))
	rec := h.enqueue(server.URL, func(r *record.Record) {
		r.FilePath = path
		r.ETag = `"v1"`
		r.BytesSoFar = 4
	})
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonCannotResume, got.Reason)
	assert.Equal(t, int64(4), got.BytesSoFar)
}

func TestRedirects(t *testing.T) {
	h := newHarness(t)
	data := testData(64)

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "final", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"x"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	rec := h.enqueue(server.URL + "/start")
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.RedirectCount)
	assert.Equal(t, server.URL+"/moved", got.CurrentURL, "only the permanent redirect is persisted")
	assert.Equal(t, server.URL+"/start", got.SourceURL)
}

func TestTooManyRedirects(t *testing.T) {
	h := newHarness(t)
	var hops atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hops.Add(1)
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n), http.StatusFound)
	}))
	defer server.Close()

	rec := h.enqueue(server.URL + "/hop/0")
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonTooManyRedirects, got.Reason)
	assert.Equal(t, h.opts.MaxRedirects, got.RedirectCount)
	assert.Equal(t, int64(0), got.BytesSoFar)
	assert.Equal(t, int32(h.opts.MaxRedirects+1), hops.Load())
}

func TestRedirectWithoutLocation(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonUnhandledRedirect, got.Reason)
	assert.Equal(t, http.StatusFound, got.HTTPCode)
}

func TestServiceUnavailableRetryAfter(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusPausedRetry, got.Status)
	assert.Equal(t, 1, got.FailCount)
	assert.GreaterOrEqual(t, got.RetryAfter, 2*time.Second)
	assert.LessOrEqual(t, got.RetryAfter, 2*time.Second+h.opts.MinRetryAfter)
	assert.True(t, !got.RetryAt.Before(testNow.Add(2*time.Second)), "retry_at %s too early", got.RetryAt)
	assert.True(t, !got.RetryAt.After(testNow.Add(2*time.Second+h.opts.MinRetryAfter)), "retry_at %s too late", got.RetryAt)
}

func TestServiceUnavailableClampsRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxRetryAfter = time.Minute
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "86400")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusPausedRetry, got.Status)
	assert.GreaterOrEqual(t, got.RetryAfter, time.Minute)
	assert.LessOrEqual(t, got.RetryAfter, time.Minute+h.opts.MinRetryAfter)
}

func TestServiceUnavailableBackoff(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rec := h.enqueue(server.URL, func(r *record.Record) { r.FailCount = 2 })
	got := h.run(rec.ID)

	// Third counted failure: FirstDelay × [1, 2) × 2^2.
	assert.Equal(t, record.StatusPausedRetry, got.Status)
	assert.Equal(t, 3, got.FailCount)
	assert.Zero(t, got.RetryAfter)
	delay := got.RetryAt.Sub(testNow)
	assert.GreaterOrEqual(t, delay, 4*h.opts.FirstDelay)
	assert.Less(t, delay, 8*h.opts.FirstDelay)
}

func TestServiceUnavailableRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rec := h.enqueue(server.URL, func(r *record.Record) { r.FailCount = h.opts.MaxRetries })
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonHTTPStatus, got.Reason)
	assert.Equal(t, http.StatusServiceUnavailable, got.HTTPCode)
	assert.Equal(t, 0, got.FailCount)
}

func TestHTTPErrorStatus(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonHTTPStatus, got.Reason)
	assert.Equal(t, http.StatusNotFound, got.HTTPCode)
	assert.Equal(t, "failed(http_status 404)", record.Describe(got))
}

func TestUnhandledHTTPCode(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonUnhandledHTTPCode, got.Reason)
}

func TestMissingSizeFails(t *testing.T) {
	h := newHarness(t)
	server := rawServer(t, "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nno length here")

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonHTTPDataError, got.Reason)
}

func TestMissingSizeWithoutIntegrity(t *testing.T) {
	h := newHarness(t)
	server := rawServer(t, "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nno length here")

	rec := h.enqueue(server.URL+"/body.txt", func(r *record.Record) { r.NoIntegrity = true })
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, int64(14), got.BytesSoFar)
	assert.Equal(t, int64(14), got.TotalBytes)
}

func TestChunkedResponse(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"c"`)
		for i := 0; i < 4; i++ {
			w.Write(testData(100))
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusSuccess, got.Status)
	assert.Equal(t, int64(400), got.BytesSoFar)
	assert.Equal(t, int64(400), got.TotalBytes)
}

func TestShortBodyRetries(t *testing.T) {
	h := newHarness(t)
	body := strings.Repeat("x", 500)
	server := rawServer(t, "HTTP/1.1 200 OK\r\nETag: \"s\"\r\nContent-Length: 1000\r\n\r\n"+body)

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusPausedRetry, got.Status)
	assert.Equal(t, 1, got.FailCount, "a run that received data counts as the first failure")
	assert.Equal(t, int64(500), got.BytesSoFar)
	assert.Equal(t, `"s"`, got.ETag)
	assert.False(t, got.RetryAt.IsZero())
}

func TestShortBodyWithoutETagCannotResume(t *testing.T) {
	h := newHarness(t)
	server := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\n"+strings.Repeat("x", 10))

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonCannotResume, got.Reason)
}

func TestNoNetwork(t *testing.T) {
	h := newHarness(t)
	h.monitor.Set(netpolicy.Network{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusPausedNoNetwork, got.Status)
	assert.Equal(t, record.ReasonNetworkUnavailable, got.Reason)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, got.FailCount)
}

func TestSizeOverMobileQueuesForWiFi(t *testing.T) {
	h := newHarness(t)
	h.monitor.Set(netpolicy.Network{Type: record.NetworkMobile})
	h.opts.Limits = netpolicy.Limits{MaxBytesOverMobile: 100}
	server := rangeServer(t, testData(1000), `"v1"`, nil)

	got := h.run(h.enqueue(server.URL).ID)

	assert.Equal(t, record.StatusPausedQueuedWiFi, got.Status)
	assert.Equal(t, record.ReasonSizeOverMobile, got.Reason)
	assert.Equal(t, int64(1000), got.TotalBytes)
	assert.Equal(t, int64(0), got.BytesSoFar)
}

func TestContentVerification(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", destination.MimeTypeAPK)
		w.Header().Set("Content-Length", "12")
		w.Write([]byte("not a zip!!!"))
	}))
	defer server.Close()

	got := h.run(h.enqueue(server.URL + "/app.apk").ID)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonFileError, got.Reason)
}

func TestInsufficientSpace(t *testing.T) {
	h := newHarness(t)
	server := rangeServer(t, testData(1000), `"v1"`, nil)
	rec := h.enqueue(server.URL)

	resolver := destination.NewResolver([]string{h.dir},
		destination.WithFreeSpace(func(string) (int64, error) { return 10, nil }))
	w := New(h.store, gulphttp.NewClient(gulphttp.DefaultOptions()), h.monitor, resolver, h.opts)

	tok := NewToken(context.Background())
	defer tok.Release()
	got, err := w.Run(context.Background(), rec.ID, tok)
	require.NoError(t, err)

	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, record.ReasonInsufficientSpace, got.Reason)
}

// stallingServer sends part of a body and then blocks until the client
// goes away.
func stallingServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"slow"`)
		w.Header().Set("Content-Length", "100000")
		w.Write(testData(100))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	return server
}

// waitForFile blocks until the worker has resolved and persisted the
// destination of id.
func waitForFile(t *testing.T, h *harness, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(context.Background(), id)
		return err == nil && rec.FilePath != ""
	}, 10*time.Second, 10*time.Millisecond)
}

func runAsync(h *harness, ctx context.Context, id string, tok *Token) <-chan *record.Record {
	done := make(chan *record.Record, 1)
	go func() {
		rec, err := h.worker().Run(ctx, id, tok)
		assert.NoError(h.t, err)
		done <- rec
	}()
	return done
}

func waitRecord(t *testing.T, done <-chan *record.Record) *record.Record {
	t.Helper()
	select {
	case rec := <-done:
		require.NotNil(t, rec)
		return rec
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestPauseKeepsPartialFile(t *testing.T) {
	h := newHarness(t)
	server := stallingServer(t)
	rec := h.enqueue(server.URL + "/slow.bin")

	tok := NewToken(context.Background())
	done := runAsync(h, context.Background(), rec.ID, tok)
	waitForFile(t, h, rec.ID)
	_, err := h.store.Update(context.Background(), rec.ID, func(cur *record.Record) error {
		cur.Control = record.ControlPaused
		return nil
	})
	require.NoError(t, err)
	tok.Pause()
	got := waitRecord(t, done)

	assert.Equal(t, record.StatusPausedUser, got.Status)
	assert.Equal(t, 0, got.FailCount)
	require.NotEmpty(t, got.FilePath)
	_, err = os.Stat(got.FilePath)
	assert.NoError(t, err)
}

func TestPauseUndoneBeforeFinishLeavesPending(t *testing.T) {
	h := newHarness(t)
	server := stallingServer(t)
	rec := h.enqueue(server.URL + "/slow.bin")

	tok := NewToken(context.Background())
	done := runAsync(h, context.Background(), rec.ID, tok)
	waitForFile(t, h, rec.ID)
	tok.Pause()
	got := waitRecord(t, done)

	assert.Equal(t, record.StatusPending, got.Status)
	assert.NotEmpty(t, got.FilePath)
}

func TestCancelDeletesPartialFile(t *testing.T) {
	h := newHarness(t)
	server := stallingServer(t)
	rec := h.enqueue(server.URL + "/slow.bin")

	tok := NewToken(context.Background())
	done := runAsync(h, context.Background(), rec.ID, tok)
	waitForFile(t, h, rec.ID)
	tok.Cancel()
	got := waitRecord(t, done)

	assert.Equal(t, record.StatusCanceled, got.Status)
	assert.Empty(t, got.FilePath)
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShutdownLeavesPending(t *testing.T) {
	h := newHarness(t)
	server := stallingServer(t)
	rec := h.enqueue(server.URL + "/slow.bin")

	ctx, cancel := context.WithCancel(context.Background())
	tok := NewToken(ctx)
	done := runAsync(h, ctx, rec.ID, tok)
	waitForFile(t, h, rec.ID)
	cancel()
	got := waitRecord(t, done)

	assert.Equal(t, record.StatusPending, got.Status)
	assert.Equal(t, 0, got.FailCount)
	assert.NotEmpty(t, got.FilePath)
}

func TestExternalPauseWinsOverRetry(t *testing.T) {
	h := newHarness(t)
	var rec *record.Record
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := h.store.Update(context.Background(), rec.ID, func(r *record.Record) error {
			r.Control = record.ControlPaused
			return nil
		})
		assert.NoError(t, err)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rec = h.enqueue(server.URL)
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusPausedUser, got.Status)
}

func TestExternalCancelIsKept(t *testing.T) {
	h := newHarness(t)
	var rec *record.Record
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := h.store.Update(context.Background(), rec.ID, func(r *record.Record) error {
			r.Status = record.StatusCanceled
			return nil
		})
		assert.NoError(t, err)
		w.Header().Set("Content-Length", "3")
		w.Write([]byte("abc"))
	}))
	defer server.Close()

	rec = h.enqueue(server.URL)
	got := h.run(rec.ID)

	assert.Equal(t, record.StatusCanceled, got.Status)
}

func TestRecordRemovedDuringTransfer(t *testing.T) {
	h := newHarness(t)
	var rec *record.Record
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, h.store.Delete(context.Background(), rec.ID))
		w.Header().Set("Content-Length", "3")
		w.Write([]byte("abc"))
	}))
	defer server.Close()

	rec = h.enqueue(server.URL)
	tok := NewToken(context.Background())
	defer tok.Release()
	got, err := h.worker().Run(context.Background(), rec.ID, tok)

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConnectionRefusedRetries(t *testing.T) {
	h := newHarness(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	got := h.run(h.enqueue("http://" + addr + "/x").ID)

	assert.Equal(t, record.StatusPausedRetry, got.Status)
	assert.Equal(t, 1, got.FailCount)
}

func TestTokenCancelOverridesPause(t *testing.T) {
	tok := NewToken(context.Background())
	assert.NoError(t, tok.Err())

	tok.Pause()
	assert.ErrorIs(t, tok.Err(), ErrPaused)
	assert.Error(t, tok.Context().Err())

	tok.Cancel()
	assert.ErrorIs(t, tok.Err(), ErrCanceled)

	tok.Pause()
	assert.ErrorIs(t, tok.Err(), ErrCanceled)
}

func TestTokenParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tok := NewToken(ctx)
	cancel()
	assert.ErrorIs(t, tok.Err(), context.Canceled)
}

// progressStore records the bytes of every stored update.
type progressStore struct {
	store.Store

	mu     sync.Mutex
	writes []int64
}

func (s *progressStore) Update(ctx context.Context, id string, fn func(*record.Record) error) (*record.Record, error) {
	rec, err := s.Store.Update(ctx, id, fn)
	if err == nil {
		s.mu.Lock()
		s.writes = append(s.writes, rec.BytesSoFar)
		s.mu.Unlock()
	}
	return rec, err
}

// midStream counts writes made while the transfer was under way.
func (s *progressStore) midStream(total int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.writes {
		if b > 0 && b < total {
			n++
		}
	}
	return n
}

// steppingClock advances by step on every reading.
func steppingClock(step time.Duration) func() time.Time {
	var calls atomic.Int64
	return func() time.Time {
		return testNow.Add(time.Duration(calls.Add(1)) * step)
	}
}

func TestProgressWritesAreCoalesced(t *testing.T) {
	const size = 10 * 1024

	tests := []struct {
		name     string
		minBytes int64
		interval time.Duration
		step     time.Duration
		want     int
	}{
		{"below byte threshold", 16 * 1024, time.Second, time.Hour, 0},
		{"below interval", 1024, time.Hour, time.Millisecond, 0},
		{"both exceeded once", 5 * 1024, time.Second, time.Hour, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			st := &progressStore{Store: h.store}
			h.store = st
			h.opts.ProgressMinBytes = tt.minBytes
			h.opts.ProgressMinInterval = tt.interval
			h.now = steppingClock(tt.step)
			server := rangeServer(t, testData(size), `"v1"`, nil)

			rec := h.enqueue(server.URL + "/progress.bin")
			got := h.run(rec.ID)

			require.Equal(t, record.StatusSuccess, got.Status, got.Message)
			assert.Equal(t, int64(size), got.BytesSoFar)
			assert.Equal(t, tt.want, st.midStream(size))
		})
	}
}
