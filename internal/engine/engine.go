package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ligustah/gulp/internal/logging"
	"github.com/ligustah/gulp/internal/netpolicy"
	"github.com/ligustah/gulp/internal/notify"
	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
	"github.com/ligustah/gulp/internal/worker"
)

// Runner performs one transfer. *worker.Worker implements it.
type Runner interface {
	Run(ctx context.Context, id string, tok *worker.Token) (*record.Record, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, id string, tok *worker.Token) (*record.Record, error)

func (f RunnerFunc) Run(ctx context.Context, id string, tok *worker.Token) (*record.Record, error) {
	return f(ctx, id, tok)
}

// Options configures the engine.
type Options struct {
	// MaxConcurrent bounds the number of transfers running at once.
	// Default: 3
	MaxConcurrent int

	// MaxRetained is the number of completed records kept in the store.
	// Older ones are evicted by last modification time.
	// Default: 1000
	MaxRetained int

	Limits netpolicy.Limits

	// SweepDirs lists download directories whose unreferenced regular files
	// are removed when Run starts. Empty disables the sweep.
	SweepDirs []string

	// UntilIdle makes Run return after the first pass that leaves nothing
	// pending, running or live.
	UntilIdle bool
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 3,
		MaxRetained:   1000,
	}
}

type job struct {
	tok *worker.Token
	rec *record.Record
}

// Engine reconciles the records in a store against the transfers it runs.
type Engine struct {
	store    store.Store
	runner   Runner
	monitor  netpolicy.Monitor
	notifier notify.Notifier
	opts     Options
	now      func() time.Time
	sem      *semaphore.Weighted

	kick chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	known   map[string]bool
	runCtx  context.Context
	inPass  bool
	pending bool
	keep    bool
	wakeAt  time.Time
	timer   *time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the time source used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine. A nil notifier discards updates.
func New(st store.Store, runner Runner, monitor netpolicy.Monitor, notifier notify.Notifier, opts Options, options ...Option) *Engine {
	def := DefaultOptions()
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = def.MaxRetained
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	e := &Engine{
		store:    st,
		runner:   runner,
		monitor:  monitor,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		kick:     make(chan struct{}, 1),
		jobs:     make(map[string]*job),
		known:    make(map[string]bool),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Kick requests a pass.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// KeepRunning reports whether the last pass saw a pending or running record
// or a live transfer.
func (e *Engine) KeepRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keep
}

// NextWake returns the earliest retry time of a record waiting to retry, or
// the zero time.
func (e *Engine) NextWake() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wakeAt
}

// Active returns the number of live transfers.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Run reconciles until ctx is done, then waits for live transfers to stop.
// Transfers interrupted by shutdown are left pending.
func (e *Engine) Run(ctx context.Context) error {
	ctx = logging.WithComponent(ctx, "engine")
	log := logging.FromContext(ctx)

	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()
	defer e.shutdown(ctx)

	changes, unsubscribe := e.store.Subscribe()
	defer unsubscribe()
	var network <-chan struct{}
	if e.monitor != nil {
		network = e.monitor.Changes()
	}

	if len(e.opts.SweepDirs) > 0 {
		if err := e.Sweep(ctx); err != nil {
			log.Warn().Err(err).Msg("spurious file sweep failed")
		}
	}

	log.Info().Int("max_concurrent", e.opts.MaxConcurrent).Msg("engine started")
	for {
		e.Reconcile(ctx)
		if e.opts.UntilIdle && !e.KeepRunning() {
			log.Info().Msg("queue idle, stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		case <-network:
			log.Debug().Msg("network changed")
		case <-e.kick:
		}
	}
}

func (e *Engine) shutdown(ctx context.Context) {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	n := len(e.jobs)
	e.mu.Unlock()

	if n > 0 {
		logging.FromContext(ctx).Info().Int("jobs", n).Msg("waiting for transfers to stop")
	}
	e.wg.Wait()
}

// Reconcile runs one pass. A call made while a pass is in flight returns at
// once and makes the running pass go around again.
func (e *Engine) Reconcile(ctx context.Context) {
	e.mu.Lock()
	if e.inPass {
		e.pending = true
		e.mu.Unlock()
		return
	}
	e.inPass = true
	e.mu.Unlock()

	for {
		if err := e.pass(ctx); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Msg("reconcile pass failed")
		}

		e.mu.Lock()
		if !e.pending {
			e.inPass = false
			e.mu.Unlock()
			return
		}
		e.pending = false
		e.mu.Unlock()
	}
}

func (e *Engine) pass(ctx context.Context) error {
	log := logging.FromContext(ctx)

	recs, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	now := e.now()
	var network netpolicy.Network
	if e.monitor != nil {
		network = e.monitor.Current()
	}

	var (
		active    []*record.Record
		completed []*record.Record
		wake      time.Time
		keep      bool
	)
	seen := make(map[string]bool, len(recs))

	for _, rec := range recs {
		seen[rec.ID] = true
		j := e.job(rec.ID)
		if j != nil {
			e.mu.Lock()
			j.rec = rec
			e.mu.Unlock()
		}

		switch {
		case rec.Deleted:
			if j != nil {
				j.tok.Cancel()
				continue
			}
			if e.purge(ctx, rec) {
				delete(seen, rec.ID)
			}
			continue

		case rec.Status == record.StatusCanceled:
			if j != nil {
				j.tok.Cancel()
			} else if rec.FilePath != "" {
				rec = e.discardFile(ctx, rec)
			}

		case rec.Paused():
			if j != nil {
				j.tok.Pause()
			}

		case j == nil && isReadyToStart(rec, network, now, e.opts.Limits):
			if started := e.start(ctx, rec); started != nil {
				rec = started
			}
		}

		if rec.Completed() {
			completed = append(completed, rec)
		} else {
			active = append(active, rec)
		}
		if rec.Status == record.StatusPausedRetry && !rec.Paused() && rec.RetryAt.After(now) {
			if wake.IsZero() || rec.RetryAt.Before(wake) {
				wake = rec.RetryAt
			}
		}
		if rec.Status == record.StatusPending || rec.Status == record.StatusRunning {
			keep = true
		}
	}

	e.forgetMissing(ctx, seen)

	evicted := e.trim(ctx, completed)
	for _, id := range evicted {
		delete(seen, id)
	}

	e.mu.Lock()
	if len(e.jobs) > 0 {
		keep = true
	}
	e.keep = keep
	e.wakeAt = wake
	e.scheduleLocked(wake, now)
	var gone []string
	for id := range e.known {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	e.known = seen
	e.mu.Unlock()

	for _, id := range gone {
		e.notifier.Cancel(id)
	}
	e.notifier.Update(active)

	log.Trace().
		Int("records", len(recs)).
		Int("active", len(active)).
		Bool("keep_running", keep).
		Time("next_wake", wake).
		Msg("reconciled")
	return nil
}

// isReadyToStart reports whether rec should get a transfer now.
func isReadyToStart(rec *record.Record, n netpolicy.Network, now time.Time, limits netpolicy.Limits) bool {
	if rec.Deleted || rec.Paused() {
		return false
	}
	switch rec.Status {
	case record.StatusPending, record.StatusRunning:
		return true
	case record.StatusPausedNoNetwork, record.StatusPausedQueuedWiFi:
		return netpolicy.Check(n, rec, limits) == netpolicy.OK
	case record.StatusPausedRetry:
		return !now.Before(rec.RetryAt)
	}
	return false
}

var errNotReady = errors.New("engine: record no longer ready")

// start launches a transfer for rec if a slot is free and returns the record
// as marked running, or nil when nothing was started.
func (e *Engine) start(ctx context.Context, rec *record.Record) *record.Record {
	log := logging.FromContext(ctx).With().Str("download_id", rec.ID).Logger()

	if !e.sem.TryAcquire(1) {
		log.Trace().Msg("no free transfer slot")
		return nil
	}

	now := e.now()
	network := netpolicy.Network{}
	if e.monitor != nil {
		network = e.monitor.Current()
	}
	updated, err := e.store.Update(ctx, rec.ID, func(cur *record.Record) error {
		if !isReadyToStart(cur, network, now, e.opts.Limits) {
			return errNotReady
		}
		cur.Status = record.StatusRunning
		cur.Reason = record.ReasonNone
		cur.HTTPCode = 0
		cur.Message = ""
		cur.LastModified = now
		return nil
	})
	if err != nil {
		e.sem.Release(1)
		if !errors.Is(err, errNotReady) && !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("failed to mark record running")
		}
		return nil
	}

	e.mu.Lock()
	parent := e.runCtx
	if parent == nil {
		parent = ctx
	}
	j := &job{
		tok: worker.NewToken(parent),
		rec: updated,
	}
	e.jobs[rec.ID] = j
	e.wg.Add(1)
	e.mu.Unlock()

	log.Debug().Str("url", updated.URL()).Msg("starting transfer")
	go e.runJob(parent, rec.ID, j)
	return updated
}

func (e *Engine) runJob(ctx context.Context, id string, j *job) {
	defer e.wg.Done()
	defer e.sem.Release(1)
	defer j.tok.Release()

	final, err := e.runSafely(ctx, id, j.tok)

	e.mu.Lock()
	if e.jobs[id] == j {
		delete(e.jobs, id)
	}
	e.mu.Unlock()

	log := logging.FromContext(ctx)
	if err != nil {
		log.Error().Err(err).Str("download_id", id).Msg("transfer could not report its outcome")
	}
	if final != nil && final.Completed() {
		e.notifier.Cancel(id)
		if o, ok := e.notifier.(notify.CompletionObserver); ok {
			o.Completed(final)
		}
	}
	e.Kick()
}

func (e *Engine) runSafely(ctx context.Context, id string, tok *worker.Token) (final *record.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transfer panicked: %v", r)
		}
	}()
	return e.runner.Run(ctx, id, tok)
}

func (e *Engine) job(id string) *job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[id]
}

// forgetMissing stops transfers whose record is gone from the store and
// removes their partial files.
func (e *Engine) forgetMissing(ctx context.Context, seen map[string]bool) {
	e.mu.Lock()
	var missing []*job
	var ids []string
	for id, j := range e.jobs {
		if !seen[id] {
			missing = append(missing, j)
			ids = append(ids, id)
			delete(e.jobs, id)
		}
	}
	e.mu.Unlock()

	for i, j := range missing {
		logging.FromContext(ctx).Info().Str("download_id", ids[i]).Msg("record disappeared, stopping transfer")
		j.tok.Cancel()
		if j.rec != nil && j.rec.Status != record.StatusSuccess {
			removeFile(ctx, j.rec.FilePath)
		}
		e.notifier.Cancel(ids[i])
	}
}

// purge deletes a removed record together with its file.
func (e *Engine) purge(ctx context.Context, rec *record.Record) bool {
	log := logging.FromContext(ctx)
	removeFile(ctx, rec.FilePath)
	if err := e.store.Delete(ctx, rec.ID); err != nil {
		log.Warn().Err(err).Str("download_id", rec.ID).Msg("failed to delete record")
		return false
	}
	log.Debug().Str("download_id", rec.ID).Msg("record removed")
	e.notifier.Cancel(rec.ID)
	return true
}

func (e *Engine) discardFile(ctx context.Context, rec *record.Record) *record.Record {
	removeFile(ctx, rec.FilePath)
	updated, err := e.store.Update(ctx, rec.ID, func(cur *record.Record) error {
		cur.FilePath = ""
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("download_id", rec.ID).Msg("failed to clear file path")
		return rec
	}
	return updated
}

// trim evicts the oldest completed records beyond MaxRetained and returns
// their IDs.
func (e *Engine) trim(ctx context.Context, completed []*record.Record) []string {
	excess := len(completed) - e.opts.MaxRetained
	if excess <= 0 {
		return nil
	}

	slices.SortStableFunc(completed, func(a, b *record.Record) int {
		return a.LastModified.Compare(b.LastModified)
	})

	log := logging.FromContext(ctx)
	var evicted []string
	for _, rec := range completed[:excess] {
		if err := e.store.Delete(ctx, rec.ID); err != nil {
			log.Warn().Err(err).Str("download_id", rec.ID).Msg("failed to evict record")
			continue
		}
		e.notifier.Cancel(rec.ID)
		evicted = append(evicted, rec.ID)
	}
	log.Debug().Int("evicted", len(evicted)).Msg("trimmed completed records")
	return evicted
}

// scheduleLocked arms the retry timer for wake. e.mu must be held.
func (e *Engine) scheduleLocked(wake, now time.Time) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if wake.IsZero() {
		return
	}
	e.timer = time.AfterFunc(max(wake.Sub(now), 0), e.Kick)
}

// Sweep removes regular files in the sweep directories that no record
// references.
func (e *Engine) Sweep(ctx context.Context) error {
	recs, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	referenced := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.FilePath != "" {
			referenced[filepath.Clean(rec.FilePath)] = true
		}
	}

	log := logging.FromContext(ctx)
	for _, dir := range e.opts.SweepDirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			path := filepath.Clean(filepath.Join(dir, entry.Name()))
			if referenced[path] {
				continue
			}
			if err := os.Remove(path); err != nil {
				log.Warn().Err(err).Str("file", path).Msg("failed to remove spurious file")
				continue
			}
			log.Info().Str("file", path).Msg("removed spurious file")
		}
	}
	return nil
}

func removeFile(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn().Err(err).Str("file", path).Msg("failed to delete file")
	}
}
