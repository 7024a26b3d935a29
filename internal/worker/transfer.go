package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ligustah/gulp/internal/destination"
	gulphttp "github.com/ligustah/gulp/internal/http"
	"github.com/ligustah/gulp/internal/logging"
	"github.com/ligustah/gulp/internal/netpolicy"
	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
)

// transfer is the state of one Run.
type transfer struct {
	w   *Worker
	tok *Token

	// rec is the worker's view of the record. Only fields the worker owns
	// are written back.
	rec       *record.Record
	failCount int

	requestURL string
	newURL     string
	redirects  int

	resuming bool
	gotData  bool
	file     *os.File

	persistedBytes int64
	persistedAt    time.Time
}

// execute runs attempts until one ends the transfer. A nil result means
// success.
func (t *transfer) execute(ctx, sctx context.Context) (serr *StopError) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error().Interface("panic", r).Msg("transfer panicked")
			serr = fail(record.ReasonUnknown, nil, "panic: %v", r)
		}
	}()

	for {
		err := t.attempt(ctx, sctx)
		t.closeFile()
		if errors.Is(err, errRetryNow) {
			continue
		}
		return t.classify(err)
	}
}

func (t *transfer) classify(err error) *StopError {
	if err == nil {
		return nil
	}
	var serr *StopError
	switch {
	case errors.As(err, &serr):
		return serr
	case errors.Is(err, errRemoved):
		return &StopError{Err: errRemoved}
	case errors.Is(err, ErrPaused):
		return stop(record.StatusPausedUser, record.ReasonNone, "paused")
	case errors.Is(err, ErrCanceled):
		return stop(record.StatusCanceled, record.ReasonNone, "canceled")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return stop(record.StatusPending, record.ReasonNone, "interrupted by shutdown")
	}
	return fail(record.ReasonUnknown, err, "unexpected error")
}

func (t *transfer) attempt(ctx, sctx context.Context) error {
	log := logging.FromContext(ctx)

	if err := t.tok.Err(); err != nil {
		return err
	}
	if err := t.setupDestination(); err != nil {
		return err
	}
	if err := t.checkConnectivity(); err != nil {
		return err
	}

	log.Debug().Str("url", t.requestURL).Bool("resuming", t.resuming).Msg("sending request")
	resp, err := t.w.client.Get(t.tok.Context(), t.requestURL, t.requestHeader())
	if err != nil {
		if terr := t.tok.Err(); terr != nil {
			return terr
		}
		return t.transientError(err, "while sending request")
	}
	defer resp.Close()

	if err := t.tok.Err(); err != nil {
		return err
	}
	if err := t.handleStatus(ctx, resp); err != nil {
		return err
	}
	if err := t.processHeaders(ctx, sctx, resp); err != nil {
		return err
	}
	return t.transferData(sctx, resp)
}

// setupDestination decides whether the attempt resumes an existing file.
func (t *transfer) setupDestination() error {
	t.resuming = false
	path := t.rec.FilePath
	if path == "" {
		return nil
	}

	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		t.rec.FilePath = ""
		t.rec.BytesSoFar = 0
		return nil
	}
	if err != nil {
		return fail(record.ReasonFileError, err, "stat destination")
	}

	switch {
	case fi.Size() == 0:
		// Nothing was written; start over.
		_ = os.Remove(path)
		t.rec.FilePath = ""
		t.rec.BytesSoFar = 0
		return nil
	case t.rec.ETag == "" && !t.rec.NoIntegrity:
		_ = os.Remove(path)
		t.rec.FilePath = ""
		t.rec.BytesSoFar = 0
		return fail(record.ReasonCannotResume, nil, "trying to resume a download that can't be resumed")
	}

	t.rec.BytesSoFar = fi.Size()
	t.resuming = true
	return nil
}

func (t *transfer) checkConnectivity() error {
	res := netpolicy.Check(t.w.monitor.Current(), t.rec, t.w.opts.Limits)
	if res == netpolicy.OK {
		return nil
	}
	return stop(res.Status(), res.Reason(), "network: %s", res)
}

func (t *transfer) requestHeader() http.Header {
	h := t.rec.Headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if h.Get("User-Agent") == "" {
		ua := t.rec.UserAgent
		if ua == "" {
			ua = t.w.opts.UserAgent
		}
		if ua != "" {
			h.Set("User-Agent", ua)
		}
	}
	if t.resuming {
		if t.rec.ETag != "" {
			h.Set("If-Match", t.rec.ETag)
		}
		h.Set("Range", fmt.Sprintf("bytes=%d-", t.rec.BytesSoFar))
	}
	return h
}

// transientError classifies a network failure: wait for the network when
// there is none, retry later while the budget lasts, fail otherwise.
func (t *transfer) transientError(err error, what string) *StopError {
	if !t.w.monitor.Current().Connected() {
		return &StopError{
			Status:  record.StatusPausedNoNetwork,
			Reason:  record.ReasonNetworkUnavailable,
			Message: what,
			Err:     err,
		}
	}
	if t.failCount < t.w.opts.MaxRetries {
		return &StopError{
			Status:     record.StatusPausedRetry,
			Message:    what,
			CountRetry: true,
			Err:        err,
		}
	}
	return fail(record.ReasonHTTPDataError, err, "%s: reached max retries", what)
}

func (t *transfer) handleStatus(ctx context.Context, resp *gulphttp.Response) error {
	code := resp.StatusCode

	if code == http.StatusServiceUnavailable && t.failCount < t.w.opts.MaxRetries {
		return t.serviceUnavailable(resp)
	}
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		if err := t.redirect(ctx, resp); err != nil {
			return err
		}
	}
	if t.resuming && code == http.StatusPreconditionFailed && t.rec.ETag != "" {
		return t.contentChanged(ctx, "server rejected If-Match")
	}

	expected := http.StatusOK
	if t.resuming {
		expected = http.StatusPartialContent
	}
	if code == expected {
		return nil
	}

	switch {
	case gulphttp.IsStatusError(code):
		return httpFailure(code)
	case gulphttp.IsRedirect(code):
		serr := fail(record.ReasonUnhandledRedirect, nil, "http error %d", code)
		serr.HTTPCode = code
		return serr
	case t.resuming && code == http.StatusOK:
		return fail(record.ReasonCannotResume, nil, "expected partial content, got %d", code)
	default:
		serr := fail(record.ReasonUnhandledHTTPCode, nil, "http error %d", code)
		serr.HTTPCode = code
		return serr
	}
}

func (t *transfer) serviceUnavailable(resp *gulphttp.Response) error {
	serr := &StopError{
		Status:     record.StatusPausedRetry,
		HTTPCode:   resp.StatusCode,
		Message:    "got 503 Service Unavailable, will retry later",
		CountRetry: true,
	}

	d, ok := gulphttp.ParseRetryAfter(resp.Header.Get("Retry-After"), t.w.now())
	if !ok || d < 0 {
		return serr
	}
	opts := t.w.opts
	d = min(max(d, opts.MinRetryAfter), opts.MaxRetryAfter)
	d += time.Duration(t.w.randInt64N(int64(opts.MinRetryAfter) + 1))

	serr.Reason = record.ReasonRetryAfter
	serr.RetryAfter = d
	return serr
}

func (t *transfer) redirect(ctx context.Context, resp *gulphttp.Response) error {
	if t.redirects >= t.w.opts.MaxRedirects {
		return fail(record.ReasonTooManyRedirects, nil, "too many redirects")
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil
	}

	base, err := url.Parse(t.requestURL)
	if err != nil {
		return fail(record.ReasonHTTPDataError, err, "couldn't resolve redirect URI")
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return fail(record.ReasonHTTPDataError, err, "couldn't resolve redirect URI %q", loc)
	}
	next := base.ResolveReference(ref).String()

	t.redirects++
	t.requestURL = next
	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusSeeOther {
		t.newURL = next
	}
	logging.FromContext(ctx).Debug().
		Int("code", resp.StatusCode).
		Int("redirects", t.redirects).
		Str("location", next).
		Msg("following redirect")
	return errRetryNow
}

// contentChanged discards the partial file and restarts from zero.
func (t *transfer) contentChanged(ctx context.Context, why string) error {
	logging.FromContext(ctx).Info().Str("etag", t.rec.ETag).Str("why", why).
		Msg("content changed on server, restarting download")

	t.closeFile()
	if t.rec.FilePath != "" {
		if err := os.Remove(t.rec.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fail(record.ReasonFileError, err, "delete stale partial file")
		}
	}
	t.rec.FilePath = ""
	t.rec.ETag = ""
	t.rec.BytesSoFar = 0
	t.rec.TotalBytes = 0
	t.resuming = false

	if err := t.persist(context.WithoutCancel(ctx), func(r *record.Record) {
		r.FilePath = ""
		r.ETag = ""
		r.BytesSoFar = 0
		r.TotalBytes = 0
	}); err != nil {
		return err
	}
	return errRetryNow
}

func (t *transfer) processHeaders(ctx, sctx context.Context, resp *gulphttp.Response) error {
	if t.resuming {
		if etag := resp.Header.Get("ETag"); etag != "" && t.rec.ETag != "" && etag != t.rec.ETag {
			return t.contentChanged(ctx, "etag "+etag)
		}
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			start, _, _, err := gulphttp.ParseContentRange(cr)
			if err != nil || start != t.rec.BytesSoFar {
				return fail(record.ReasonCannotResume, err, "content range %q does not continue at byte %d", cr, t.rec.BytesSoFar)
			}
		}
		return t.openFile()
	}

	rec := t.rec
	if rec.MimeType == "" {
		rec.MimeType = destination.NormalizeMimeType(resp.Header.Get("Content-Type"))
	}
	rec.ETag = resp.Header.Get("ETag")
	rec.BytesSoFar = 0
	rec.TotalBytes = -1
	if !resp.Chunked && resp.ContentLength >= 0 {
		rec.TotalBytes = resp.ContentLength
	}
	if rec.TotalBytes < 0 && !resp.Chunked && !rec.NoIntegrity {
		return fail(record.ReasonHTTPDataError, nil, "can't know size of download, giving up")
	}

	path, err := t.w.resolver.Resolve(destination.Request{
		URL:                rec.SourceURL,
		Hint:               rec.Hint,
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		ContentLocation:    resp.Header.Get("Content-Location"),
		MimeType:           rec.MimeType,
		ContentLength:      rec.TotalBytes,
		Path:               rec.DestinationPath,
	})
	if err != nil {
		return resolveError(err)
	}
	rec.FilePath = path
	logging.FromContext(ctx).Debug().Str("file", path).Int64("total_bytes", rec.TotalBytes).Msg("destination resolved")

	if err := t.persist(sctx, func(r *record.Record) {
		r.FilePath = rec.FilePath
		r.ETag = rec.ETag
		r.MimeType = rec.MimeType
		r.TotalBytes = rec.TotalBytes
		r.BytesSoFar = 0
	}); err != nil {
		return err
	}

	// The size is known now; a mobile size limit may apply.
	if err := t.checkConnectivity(); err != nil {
		return err
	}
	return t.openFile()
}

func resolveError(err error) *StopError {
	switch {
	case errors.Is(err, destination.ErrInsufficientSpace):
		return fail(record.ReasonInsufficientSpace, err, "resolve destination")
	case errors.Is(err, destination.ErrDeviceNotFound):
		return fail(record.ReasonDeviceNotFound, err, "resolve destination")
	case errors.Is(err, destination.ErrFileExists):
		return fail(record.ReasonFileAlreadyExists, err, "resolve destination")
	}
	return fail(record.ReasonFileError, err, "resolve destination")
}

func (t *transfer) openFile() error {
	f, err := os.OpenFile(t.rec.FilePath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, serr := os.Stat(filepath.Dir(t.rec.FilePath)); errors.Is(serr, fs.ErrNotExist) {
				return fail(record.ReasonDeviceNotFound, err, "open destination")
			}
		}
		return fail(record.ReasonFileError, err, "open destination")
	}
	t.file = f
	return nil
}

func (t *transfer) closeFile() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

func (t *transfer) transferData(sctx context.Context, resp *gulphttp.Response) error {
	buf := make([]byte, t.w.opts.BufferSize)
	t.persistedBytes = t.rec.BytesSoFar
	t.persistedAt = t.w.now()
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			t.gotData = true
			if t.rec.TotalBytes >= 0 && t.rec.BytesSoFar+int64(n) > t.rec.TotalBytes {
				return fail(record.ReasonHTTPDataError, nil, "received more data than the expected %d bytes", t.rec.TotalBytes)
			}
			if err := t.write(buf[:n]); err != nil {
				return err
			}
			t.rec.BytesSoFar += int64(n)
			if err := t.reportProgress(sctx); err != nil {
				return err
			}
			if err := t.tok.Err(); err != nil {
				return err
			}
		}

		if errors.Is(rerr, io.EOF) {
			return t.endOfStream(sctx)
		}
		if rerr != nil {
			if err := t.tok.Err(); err != nil {
				return err
			}
			if err := t.persistProgress(sctx); err != nil {
				return err
			}
			if t.cannotResume() {
				return fail(record.ReasonCannotResume, rerr, "while reading response, can't resume interrupted download with no ETag")
			}
			return t.transientError(rerr, "while reading response")
		}
	}
}

func (t *transfer) write(p []byte) error {
	_, err := t.file.Write(p)
	if err == nil {
		return nil
	}

	dir := filepath.Dir(t.rec.FilePath)
	if _, serr := os.Stat(dir); errors.Is(serr, fs.ErrNotExist) {
		return fail(record.ReasonDeviceNotFound, err, "destination directory missing while writing")
	}
	if free, ferr := t.w.freeSpace(dir); ferr == nil && free >= 0 && free < int64(len(p)) {
		return fail(record.ReasonInsufficientSpace, err, "insufficient space while writing destination file")
	}
	return fail(record.ReasonFileError, err, "while writing destination file")
}

func (t *transfer) endOfStream(sctx context.Context) error {
	if t.rec.TotalBytes < 0 {
		t.rec.TotalBytes = t.rec.BytesSoFar
	}
	if err := t.persistProgress(sctx); err != nil {
		return err
	}

	if t.rec.BytesSoFar != t.rec.TotalBytes {
		if t.cannotResume() {
			return fail(record.ReasonCannotResume, nil, "mismatched content length")
		}
		return t.transientError(io.ErrUnexpectedEOF, "closed socket before end of file")
	}

	if err := destination.VerifyContent(t.rec.FilePath, t.rec.MimeType); err != nil {
		return fail(record.ReasonFileError, err, "downloaded content does not match its type")
	}
	if err := t.file.Sync(); err != nil {
		logging.FromContext(sctx).Warn().Err(err).Str("file", t.rec.FilePath).Msg("sync failed")
	}
	return nil
}

func (t *transfer) cannotResume() bool {
	return t.rec.BytesSoFar > 0 && !t.rec.NoIntegrity && t.rec.ETag == ""
}

func (t *transfer) reportProgress(sctx context.Context) error {
	now := t.w.now()
	if t.rec.BytesSoFar-t.persistedBytes <= t.w.opts.ProgressMinBytes ||
		now.Sub(t.persistedAt) <= t.w.opts.ProgressMinInterval {
		return nil
	}
	if err := t.persistProgress(sctx); err != nil {
		return err
	}
	t.persistedAt = now
	return nil
}

func (t *transfer) persistProgress(sctx context.Context) error {
	bytes, total := t.rec.BytesSoFar, t.rec.TotalBytes
	if err := t.persist(sctx, func(r *record.Record) {
		r.BytesSoFar = bytes
		r.TotalBytes = total
	}); err != nil {
		return err
	}
	t.persistedBytes = bytes
	return nil
}

// persist applies fn to the stored record. Control changes seen in the
// stored record are forwarded to the token.
func (t *transfer) persist(sctx context.Context, fn func(*record.Record)) error {
	cur, err := t.w.store.Update(sctx, t.rec.ID, func(r *record.Record) error {
		fn(r)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return errRemoved
	}
	if err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}

	switch {
	case cur.Status == record.StatusCanceled, cur.Deleted:
		t.tok.Cancel()
	case cur.Paused():
		t.tok.Pause()
	}
	return nil
}

// cleanup closes the destination and removes it for cancelled transfers.
func (t *transfer) cleanup(serr *StopError) {
	t.closeFile()
	if serr == nil || serr.Status != record.StatusCanceled || t.rec.FilePath == "" {
		return
	}
	if err := os.Remove(t.rec.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return
	}
	t.rec.FilePath = ""
}
