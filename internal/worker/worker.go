package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ligustah/gulp/internal/destination"
	gulphttp "github.com/ligustah/gulp/internal/http"
	"github.com/ligustah/gulp/internal/logging"
	"github.com/ligustah/gulp/internal/netpolicy"
	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
)

// Transport sends a single GET request without following redirects.
type Transport interface {
	Get(ctx context.Context, url string, header http.Header) (*gulphttp.Response, error)
}

// Options configures transfers.
type Options struct {
	// MaxRetries is the number of counted failures after which transient
	// errors become terminal.
	// Default: 5
	MaxRetries int

	// MaxRedirects bounds the redirects followed for one record.
	// Default: 5
	MaxRedirects int

	// MinRetryAfter and MaxRetryAfter clamp a server's Retry-After.
	// MinRetryAfter also bounds the random jitter added to it.
	// Default: 30s and 24h
	MinRetryAfter time.Duration
	MaxRetryAfter time.Duration

	// FirstDelay is the base of the exponential retry schedule used when
	// the server gave no Retry-After.
	// Default: 30s
	FirstDelay time.Duration

	// BufferSize is the read buffer size.
	// Default: 4KiB
	BufferSize int

	// Progress is written to the store only once both thresholds have been
	// exceeded since the last write.
	// Default: 4KiB and 1.5s
	ProgressMinBytes    int64
	ProgressMinInterval time.Duration

	Limits netpolicy.Limits

	// UserAgent is sent when the record does not set its own.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:          5,
		MaxRedirects:        5,
		MinRetryAfter:       30 * time.Second,
		MaxRetryAfter:       24 * time.Hour,
		FirstDelay:          30 * time.Second,
		BufferSize:          4096,
		ProgressMinBytes:    4096,
		ProgressMinInterval: 1500 * time.Millisecond,
	}
}

// Worker executes transfers for records in a store.
type Worker struct {
	store    store.Store
	client   Transport
	monitor  netpolicy.Monitor
	resolver *destination.Resolver
	opts     Options

	now       func() time.Time
	freeSpace func(string) (int64, error)

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// WithRand sets the random source used for retry jitter.
func WithRand(r *rand.Rand) Option {
	return func(w *Worker) {
		w.rnd = r
	}
}

// WithFreeSpace replaces the free-space query used to classify write errors.
func WithFreeSpace(fn func(path string) (int64, error)) Option {
	return func(w *Worker) {
		w.freeSpace = fn
	}
}

// New creates a worker. Zero option fields take their defaults.
func New(st store.Store, client Transport, monitor netpolicy.Monitor, resolver *destination.Resolver, opts Options, options ...Option) *Worker {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = def.MaxRedirects
	}
	if opts.MinRetryAfter <= 0 {
		opts.MinRetryAfter = def.MinRetryAfter
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = def.MaxRetryAfter
	}
	if opts.FirstDelay <= 0 {
		opts.FirstDelay = def.FirstDelay
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.ProgressMinInterval < 0 {
		opts.ProgressMinInterval = def.ProgressMinInterval
	}

	w := &Worker{
		store:     st,
		client:    client,
		monitor:   monitor,
		resolver:  resolver,
		opts:      opts,
		now:       time.Now,
		freeSpace: destination.FreeSpace,
		rnd:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Run performs one transfer of the record with the given ID and writes the
// outcome back to the store in a single update. It returns the final record,
// or nil when the record was removed while the transfer ran. Pausing,
// cancelling and process shutdown are outcomes, not errors; an error means
// the store could not be read or written.
func (w *Worker) Run(ctx context.Context, id string, tok *Token) (*record.Record, error) {
	ctx = logging.WithDownload(ctx, id)
	log := logging.FromContext(ctx)

	// Store writes must land even after shutdown cancels the transfer.
	sctx := context.WithoutCancel(ctx)

	rec, err := w.store.Get(sctx, id)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}

	t := &transfer{
		w:          w,
		tok:        tok,
		rec:        rec,
		failCount:  rec.FailCount,
		requestURL: rec.URL(),
		redirects:  rec.RedirectCount,
	}
	log.Debug().Str("url", t.requestURL).Int64("bytes_so_far", rec.BytesSoFar).Msg("starting transfer")

	serr := t.execute(ctx, sctx)
	t.cleanup(serr)

	removed := serr != nil && errors.Is(serr.Err, errRemoved)
	var final *record.Record
	if !removed {
		final, err = w.finish(sctx, t, serr)
		removed = errors.Is(err, store.ErrNotFound)
	}
	if removed {
		log.Info().Str("file", t.rec.FilePath).Msg("record removed during transfer")
		if t.rec.FilePath != "" {
			_ = os.Remove(t.rec.FilePath)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store outcome: %w", err)
	}

	ev := log.Info()
	if final.Status.Paused() || final.Status == record.StatusPending {
		ev = log.Debug()
	}
	if serr != nil && serr.Err != nil {
		ev = ev.AnErr("cause", serr.Err)
	}
	ev.Str("status", record.Describe(final)).
		Int64("bytes_so_far", final.BytesSoFar).
		Int64("total_bytes", final.TotalBytes).
		Str("message", final.Message).
		Msg("transfer finished")
	return final, nil
}

// finish writes the outcome of t in one store update.
func (w *Worker) finish(ctx context.Context, t *transfer, serr *StopError) (*record.Record, error) {
	now := w.now()

	status := record.StatusSuccess
	var (
		reason     record.Reason
		code       int
		message    string
		countRetry bool
		retryAfter time.Duration
	)
	if serr != nil {
		status, reason, code, message = serr.Status, serr.Reason, serr.HTTPCode, serr.Message
		countRetry, retryAfter = serr.CountRetry, serr.RetryAfter
	}

	failCount := 0
	switch {
	case !countRetry:
	case t.gotData:
		failCount = 1
	default:
		failCount = t.failCount + 1
	}

	var retryAt time.Time
	if status == record.StatusPausedRetry {
		if retryAfter > 0 {
			retryAt = now.Add(retryAfter)
		} else {
			retryAt = now.Add(w.backoff(failCount))
		}
	}

	return w.store.Update(ctx, t.rec.ID, func(cur *record.Record) error {
		cur.FilePath = t.rec.FilePath
		cur.ETag = t.rec.ETag
		cur.MimeType = t.rec.MimeType
		cur.TotalBytes = t.rec.TotalBytes
		cur.BytesSoFar = t.rec.BytesSoFar
		if t.newURL != "" {
			cur.CurrentURL = t.newURL
		}
		cur.RedirectCount = t.redirects
		cur.FailCount = failCount
		cur.RetryAfter = retryAfter
		cur.RetryAt = retryAt
		cur.LastModified = now

		switch {
		case cur.Status.Completed():
			// A terminal state set while the transfer ran stays.
			return nil
		case status.Completed():
		case cur.Paused():
			status, reason, code, message = record.StatusPausedUser, record.ReasonNone, 0, "paused"
		case status == record.StatusPausedUser:
			// Resumed after the pause reached the token.
			status, reason, code, message = record.StatusPending, record.ReasonNone, 0, ""
		}
		cur.Status = status
		cur.Reason = reason
		cur.HTTPCode = code
		cur.Message = message
		return nil
	})
}

// backoff returns FirstDelay × (1 + fuzz/1000) × 2^(failCount−1), with fuzz
// drawn from [0, 1000), capped at MaxRetryAfter.
func (w *Worker) backoff(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	shift := min(failCount-1, 16)
	fuzz := w.randInt64N(1000)
	d := w.opts.FirstDelay * time.Duration(1000+fuzz) / 1000 << shift
	return min(d, w.opts.MaxRetryAfter)
}

func (w *Worker) randInt64N(n int64) int64 {
	if n <= 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rnd.Int64N(n)
}
