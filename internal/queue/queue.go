// Package queue is the control surface for downloads: it creates records and
// applies pause, resume, cancel, remove and restart requests to them. The
// engine notices the changes through the store and acts on them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ligustah/gulp/internal/logging"
	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
)

// Common errors.
var (
	ErrInvalidRequest = errors.New("queue: invalid request")
	ErrCompleted      = errors.New("queue: download already completed")
	ErrNotRestartable = errors.New("queue: download is still in progress")
)

// Request describes a download to enqueue.
type Request struct {
	URL string

	// Hint is the preferred filename.
	Hint string

	// DestinationPath is used verbatim as the target file when set.
	DestinationPath string

	// MimeType overrides the type reported by the server.
	MimeType string

	Headers   http.Header
	UserAgent string

	// AllowedNetworks defaults to every network type.
	AllowedNetworks record.NetworkType
	DenyRoaming     bool

	// NoIntegrity allows finishing without an ETag or a known length.
	NoIntegrity bool

	// Paused enqueues the download without starting it.
	Paused bool
}

// Filter selects records in List. The zero Filter matches every record
// that has not been removed.
type Filter struct {
	IDs      []string
	Statuses []record.Status

	// Unfinished excludes successful downloads.
	Unfinished bool

	// Removed includes records whose removal is still pending.
	Removed bool
}

func (f Filter) match(rec *record.Record) bool {
	if rec.Deleted && !f.Removed {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, rec.ID) {
		return false
	}
	if f.Unfinished && rec.Status == record.StatusSuccess {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
		return false
	}
	return true
}

// Manager applies control requests to a store.
type Manager struct {
	store store.Store
	now   func() time.Time
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDs replaces the ID generator.
func WithIDs(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

// New creates a manager for st.
func New(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue validates req and stores a new pending record for it.
func (m *Manager) Enqueue(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	rec := record.New(m.newID(), req.URL, m.now())
	rec.Hint = req.Hint
	rec.DestinationPath = req.DestinationPath
	rec.MimeType = req.MimeType
	rec.UserAgent = req.UserAgent
	rec.NoIntegrity = req.NoIntegrity
	rec.AllowRoaming = !req.DenyRoaming
	if req.AllowedNetworks != 0 {
		rec.AllowedNetworks = req.AllowedNetworks
	}
	if len(req.Headers) > 0 {
		rec.Headers = req.Headers.Clone()
	}
	if req.Paused {
		rec.Control = record.ControlPaused
		rec.Status = record.StatusPausedUser
	}

	if err := m.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	logging.FromContext(ctx).Info().
		Str("download_id", rec.ID).
		Str("url", rec.SourceURL).
		Msg("download enqueued")
	return rec.ID, nil
}

func validate(req Request) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: can only download http and https URLs: %s", ErrInvalidRequest, req.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %s", ErrInvalidRequest, req.URL)
	}
	for name := range req.Headers {
		if name == "" || strings.ContainsAny(name, ":\r\n") {
			return fmt.Errorf("%w: invalid header name %q", ErrInvalidRequest, name)
		}
	}
	return nil
}

// Get returns the record with the given ID.
func (m *Manager) Get(ctx context.Context, id string) (*record.Record, error) {
	return m.store.Get(ctx, id)
}

// List returns the records matching f in creation order.
func (m *Manager) List(ctx context.Context, f Filter) ([]*record.Record, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if f.match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Pause stops the given downloads and keeps their partial files. Successful
// or otherwise completed downloads cannot be paused; if any of ids is
// completed nothing is changed.
func (m *Manager) Pause(ctx context.Context, ids ...string) error {
	if err := m.check(ctx, ids, notCompleted); err != nil {
		return err
	}
	return m.apply(ctx, ids, "paused", func(cur *record.Record) error {
		if err := notCompleted(cur); err != nil {
			return err
		}
		cur.Control = record.ControlPaused
		if cur.Status != record.StatusRunning {
			cur.Status = record.StatusPausedUser
			cur.Reason = record.ReasonNone
			cur.Message = "paused"
		}
		return nil
	})
}

// Resume lets paused downloads run again.
func (m *Manager) Resume(ctx context.Context, ids ...string) error {
	if err := m.check(ctx, ids, notCompleted); err != nil {
		return err
	}
	return m.apply(ctx, ids, "resumed", func(cur *record.Record) error {
		if err := notCompleted(cur); err != nil {
			return err
		}
		cur.Control = record.ControlRun
		if cur.Status != record.StatusRunning {
			cur.Status = record.StatusPending
			cur.Reason = record.ReasonNone
			cur.Message = ""
			cur.RetryAt = time.Time{}
		}
		return nil
	})
}

// Cancel stops the given downloads for good and discards their partial
// files. Completed downloads are left alone.
func (m *Manager) Cancel(ctx context.Context, ids ...string) error {
	return m.apply(ctx, ids, "canceled", func(cur *record.Record) error {
		if cur.Completed() {
			return nil
		}
		cur.Status = record.StatusCanceled
		cur.Reason = record.ReasonNone
		cur.Message = "canceled"
		return nil
	})
}

// Remove marks the given downloads for removal. The engine stops them and
// deletes their files and records.
func (m *Manager) Remove(ctx context.Context, ids ...string) error {
	return m.apply(ctx, ids, "removed", func(cur *record.Record) error {
		cur.Deleted = true
		return nil
	})
}

// Restart resets completed or paused downloads to pending and deletes what
// they downloaded so far. If any of ids is still in progress nothing is
// changed.
func (m *Manager) Restart(ctx context.Context, ids ...string) error {
	if err := m.check(ctx, ids, restartable); err != nil {
		return err
	}

	var files []string
	err := m.apply(ctx, ids, "restarted", func(cur *record.Record) error {
		if err := restartable(cur); err != nil {
			return err
		}
		if cur.FilePath != "" {
			files = append(files, cur.FilePath)
		}
		cur.Status = record.StatusPending
		cur.Control = record.ControlRun
		cur.Reason = record.ReasonNone
		cur.HTTPCode = 0
		cur.Message = ""
		cur.BytesSoFar = 0
		cur.TotalBytes = -1
		cur.ETag = ""
		cur.FilePath = ""
		cur.CurrentURL = cur.SourceURL
		cur.RedirectCount = 0
		cur.FailCount = 0
		cur.RetryAfter = 0
		cur.RetryAt = time.Time{}
		return nil
	})

	for _, path := range files {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			logging.FromContext(ctx).Warn().Err(rerr).Str("file", path).Msg("failed to delete previous download")
		}
	}
	return err
}

func notCompleted(rec *record.Record) error {
	if rec.Completed() {
		return fmt.Errorf("%w: %s is %s", ErrCompleted, rec.ID, rec.Status)
	}
	return nil
}

func restartable(rec *record.Record) error {
	if rec.Completed() || rec.Status.Paused() {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrNotRestartable, rec.ID, rec.Status)
}

// check loads every record first so a rejected request changes nothing.
func (m *Manager) check(ctx context.Context, ids []string, fn func(*record.Record) error) error {
	for _, id := range ids {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get %s: %w", id, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, ids []string, action string, fn func(*record.Record) error) error {
	log := logging.FromContext(ctx)
	now := m.now()

	var errs []error
	for _, id := range ids {
		_, err := m.store.Update(ctx, id, func(cur *record.Record) error {
			prev := cur.Status
			if err := fn(cur); err != nil {
				return err
			}
			if !prev.CanTransition(cur.Status, action == "restarted") {
				return fmt.Errorf("%w: %s cannot go from %s to %s", ErrCompleted, id, prev, cur.Status)
			}
			cur.LastModified = now
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", action, id, err))
			continue
		}
		log.Info().Str("download_id", id).Msg("download " + action)
	}
	return errors.Join(errs...)
}
