// Package journal keeps a bounded local record of settled requests for
// diagnostics, backed by an embedded store.
package journal

import (
	"fmt"
	"time"
)

const (
	sqliteJournalType  = "sqlite"
	leveldbJournalType = "leveldb"
)

// Entry describes one settled request.
type Entry struct {
	ID       string
	Time     time.Time
	Method   string
	URL      string
	Outcome  string // ok, failed, cancelled, expired
	Status   int
	Duration time.Duration
}

type Journal interface {
	Shutdown() error
	Record(e *Entry) error
	Tail(n int) ([]*Entry, error)
}

type Options struct {
	Path       string
	Type       string
	Retention  time.Duration
	MaxEntries int
}

func New(opts *Options) (Journal, error) {
	switch opts.Type {
	case leveldbJournalType:
		return NewLevelDBJournal(opts.Path, opts.MaxEntries)
	case sqliteJournalType:
		return NewSQLiteJournal(opts.Path, opts.Retention)

	default:
		return nil, fmt.Errorf("unknown journal type: %s", opts.Type)
	}
}
