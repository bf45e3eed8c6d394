package journal

import (
	"sync"

	"github.com/beeker1121/goque"
	"github.com/google/uuid"
)

// LevelDBJournal keeps entries in an embedded goque queue, dropping the
// oldest ones once maxEntries is reached.
type LevelDBJournal struct {
	sync.Mutex
	queue      *goque.Queue
	maxEntries int
}

func NewLevelDBJournal(dbName string, maxEntries int) (*LevelDBJournal, error) {
	q, err := goque.OpenQueue(dbName)
	if err != nil {
		return nil, err
	}

	return &LevelDBJournal{queue: q, maxEntries: maxEntries}, nil
}

func (j *LevelDBJournal) Shutdown() error {
	j.queue.Close()

	return nil
}

func (j *LevelDBJournal) Record(e *Entry) error {
	j.Lock()
	defer j.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if _, err := j.queue.EnqueueObject(*e); err != nil {
		return err
	}

	for j.maxEntries > 0 && j.queue.Length() > uint64(j.maxEntries) {
		if _, err := j.queue.Dequeue(); err != nil {
			return err
		}
	}

	return nil
}

func (j *LevelDBJournal) Tail(n int) ([]*Entry, error) {
	j.Lock()
	defer j.Unlock()

	length := j.queue.Length()
	if uint64(n) > length {
		n = int(length)
	}

	// newest first, matching the sqlite backend
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		item, err := j.queue.PeekByOffset(length - 1 - uint64(i))
		if err != nil {
			return nil, err
		}

		var e Entry
		if err = item.ToObject(&e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	return entries, nil
}
