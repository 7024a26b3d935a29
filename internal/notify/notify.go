// Package notify defines how the engine reports the active download set.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ligustah/gulp/internal/record"
)

// Notifier renders the set of active downloads.
type Notifier interface {
	// Update is called after every engine pass with the records that are
	// not completed.
	Update(records []*record.Record)

	// Cancel removes the entry for a record that completed, lost its job or
	// was removed.
	Cancel(id string)
}

// CompletionObserver is implemented by notifiers that want to see records
// right after they reach a terminal status.
type CompletionObserver interface {
	Completed(rec *record.Record)
}

// Multi forwards to every notifier in order.
type Multi []Notifier

func (m Multi) Update(records []*record.Record) {
	for _, n := range m {
		n.Update(records)
	}
}

func (m Multi) Cancel(id string) {
	for _, n := range m {
		n.Cancel(id)
	}
}

func (m Multi) Completed(rec *record.Record) {
	for _, n := range m {
		if o, ok := n.(CompletionObserver); ok {
			o.Completed(rec)
		}
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Update([]*record.Record) {}
func (Nop) Cancel(string)           {}

// Log writes status transitions of active records to a logger.
type Log struct {
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]record.Status
}

// NewLog returns a notifier logging through logger.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{
		logger: logger.With().Str("component", "notify").Logger(),
		seen:   make(map[string]record.Status),
	}
}

// Update logs every record whose status differs from the last update.
func (l *Log) Update(records []*record.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range records {
		if prev, ok := l.seen[rec.ID]; ok && prev == rec.Status {
			continue
		}
		l.seen[rec.ID] = rec.Status
		l.logger.Info().
			Str("download_id", rec.ID).
			Str("status", record.Describe(rec)).
			Int64("bytes_so_far", rec.BytesSoFar).
			Int64("total_bytes", rec.TotalBytes).
			Msg("download status")
	}
}

// Cancel forgets id.
func (l *Log) Cancel(id string) {
	l.mu.Lock()
	delete(l.seen, id)
	l.mu.Unlock()
}

// Completed logs the terminal status of rec.
func (l *Log) Completed(rec *record.Record) {
	ev := l.logger.Info()
	if rec.Status != record.StatusSuccess {
		ev = l.logger.Warn()
	}
	ev.Str("download_id", rec.ID).
		Str("status", record.Describe(rec)).
		Str("file", rec.FilePath).
		Int64("bytes", rec.BytesSoFar).
		Msg("download completed")
}
