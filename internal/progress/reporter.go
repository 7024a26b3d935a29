package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ligustah/gulp/internal/record"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Prefix starts every line.
	// Default: "[gulp]"
	Prefix string
}

type entry struct {
	rec        *record.Record
	lastBytes  int64
	lastUpdate time.Time
	speed      float64
}

// Reporter renders the active downloads as human-readable progress lines.
// It satisfies the engine's notifier contract.
type Reporter struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}
	if opts.Prefix == "" {
		opts.Prefix = "[gulp]"
	}

	return &Reporter{
		opts:    opts,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.updateLoop()
}

// Stop stops the progress reporter and waits for the last render.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// Update replaces the snapshot of active downloads.
func (r *Reporter) Update(records []*record.Record) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		e, ok := r.entries[rec.ID]
		if !ok {
			e = &entry{lastBytes: rec.BytesSoFar, lastUpdate: now}
			r.entries[rec.ID] = e
		}
		if elapsed := now.Sub(e.lastUpdate).Seconds(); elapsed >= 0.1 {
			e.speed = float64(rec.BytesSoFar-e.lastBytes) / elapsed
			if e.speed < 0 {
				e.speed = 0
			}
			e.lastBytes = rec.BytesSoFar
			e.lastUpdate = now
		}
		e.rec = rec.Clone()
	}
}

// Cancel drops the line for id.
func (r *Reporter) Cancel(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Completed prints a final line for a download that reached a terminal state.
func (r *Reporter) Completed(rec *record.Record) {
	fmt.Fprintf(r.opts.Output, "%s %s: %s | %s\n",
		r.opts.Prefix,
		displayName(rec),
		record.Describe(rec),
		FormatBytes(rec.BytesSoFar),
	)
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printProgress()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs one line per active download.
func (r *Reporter) printProgress() {
	r.mu.Lock()
	lines := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		lines = append(lines, r.formatLine(e))
	}
	r.mu.Unlock()

	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(r.opts.Output, line)
	}
}

func (r *Reporter) formatLine(e *entry) string {
	rec := e.rec

	var percent string
	eta := "unknown"
	if rec.TotalBytes > 0 {
		percent = fmt.Sprintf("%.1f%%", rec.Progress()*100)
		if e.speed > 0 {
			remaining := float64(rec.TotalBytes - rec.BytesSoFar)
			eta = formatDuration(time.Duration(remaining / e.speed * float64(time.Second)))
		}
	} else {
		percent = "--.-%"
	}

	return fmt.Sprintf("%s %s: %s %s | %s / %s | Speed: %s/s | ETA: %s",
		r.opts.Prefix,
		displayName(rec),
		record.Describe(rec),
		percent,
		FormatBytes(rec.BytesSoFar),
		FormatBytes(rec.TotalBytes),
		FormatBytes(int64(e.speed)),
		eta,
	)
}

func displayName(rec *record.Record) string {
	switch {
	case rec.FilePath != "":
		return filepath.Base(rec.FilePath)
	case rec.Hint != "":
		return rec.Hint
	default:
		return rec.ID
	}
}
