package journal

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlCreateTable = `
    CREATE TABLE IF NOT EXISTS request_log (
      id TEXT,
      timestamp DATETIME,
      method TEXT,
      url TEXT,
      outcome TEXT,
      status INTEGER,
      duration_ms INTEGER
    );
  `
	sqlInsert = `
    INSERT INTO request_log (
      id,
      timestamp,
      method,
      url,
      outcome,
      status,
      duration_ms
    ) VALUES (?, ?, ?, ?, ?, ?, ?);
  `
	sqlTail = `
    SELECT id, timestamp, method, url, outcome, status, duration_ms
    FROM request_log
    ORDER BY datetime(timestamp) DESC, rowid DESC
    LIMIT ?;
  `
	sqlDeleteOld = `
    DELETE FROM request_log WHERE datetime(timestamp) < datetime(?);
  `
)

type SQLiteJournal struct {
	sync.RWMutex
	db        *sql.DB
	retention time.Duration
	shutdown  context.CancelFunc
}

func NewSQLiteJournal(dbName string, retention time.Duration) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1) // prevents locks on inserting

	_, err = db.Exec(sqlCreateTable)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &SQLiteJournal{db: db, retention: retention, shutdown: cancel}
	if retention > 0 {
		go j.deleteOld(ctx)
	}
	return j, nil
}

func (j *SQLiteJournal) deleteOld(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			time.Sleep(10 * time.Second)
			cutoff := time.Now().Add(-j.retention)
			j.db.Exec(sqlDeleteOld, cutoff.UTC().Format(time.RFC3339))
		}
	}
}

func (j *SQLiteJournal) Shutdown() error {
	j.shutdown()
	j.db.Close()

	return nil
}

func (j *SQLiteJournal) Record(e *Entry) error {
	statement, err := j.db.Prepare(sqlInsert)
	if err != nil {
		return err
	}
	defer statement.Close()

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err = statement.Exec(
		id,
		e.Time.UTC().Format(time.RFC3339),
		e.Method,
		e.URL,
		e.Outcome,
		e.Status,
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return err
	}

	return nil
}

func (j *SQLiteJournal) Tail(n int) ([]*Entry, error) {
	j.RLock()
	defer j.RUnlock()

	rows, err := j.db.Query(sqlTail, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e          Entry
			ts         string
			durationMs int64
		)
		err = rows.Scan(&e.ID, &ts, &e.Method, &e.URL, &e.Outcome, &e.Status, &durationMs)
		if err != nil {
			return nil, err
		}
		if e.Time, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}
