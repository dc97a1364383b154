// Package journal records line connect, disconnect and busy-reject events in
// a SQLite database without blocking the polling loop. Events are buffered on
// a bounded channel and written by one background goroutine; when the queue
// is full they are dropped and counted.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// Event kinds.
const (
	KindConnect    = "connect"
	KindDisconnect = "disconnect"
	KindBusy       = "busy"
)

const defaultQueue = 1024

// DefaultPath is used when no path is configured.
var DefaultPath = filepath.Join("data", "journal", "termmux.db")

// Event is one journal record.
type Event struct {
	Kind    string
	Session string
	Line    int
	Peer    string
	Reason  string
	RxBytes uint64
	TxBytes uint64
	At      time.Time
}

// Logger persists events asynchronously. A nil *Logger accepts and discards
// events, so callers do not need to check whether journaling is enabled.
type Logger struct {
	path  string
	queue chan Event

	// sendMu orders Enqueue against Close so nothing is sent on a closed queue.
	sendMu sync.RWMutex
	closed bool

	mu   sync.Mutex
	db   *sql.DB
	stmt *sql.Stmt

	wg        sync.WaitGroup
	closeOnce sync.Once

	dropped  atomic.Int64
	errCount atomic.Int64
}

// Open creates the database at path if needed and starts the writer.
func Open(path string, queueSize int) (*Logger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if queueSize <= 0 {
		queueSize = defaultQueue
	}
	l := &Logger{
		path:  path,
		queue: make(chan Event, queueSize),
	}
	if err := l.openDB(); err != nil {
		return nil, err
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Path returns the database file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Enqueue buffers ev without blocking. When the queue is full the event is
// dropped and the dropped counter increments.
func (l *Logger) Enqueue(ev Event) {
	if l == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.queue <- ev:
	default:
		d := l.dropped.Add(1)
		if d == 1 || d%1000 == 0 {
			log.Printf("journal: backpressure, dropped %d events", d)
		}
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (l *Logger) Dropped() int64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Close drains the queue and closes the database.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	var closeErr error
	l.closeOnce.Do(func() {
		l.sendMu.Lock()
		l.closed = true
		close(l.queue)
		l.sendMu.Unlock()
		l.wg.Wait()
		l.mu.Lock()
		defer l.mu.Unlock()
		closeErr = l.closeDBLocked()
	})
	return closeErr
}

func (l *Logger) run() {
	defer l.wg.Done()
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.reportError(err)
		}
	}
}

func (l *Logger) write(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stmt == nil {
		return errors.New("journal: database closed")
	}
	_, err := l.stmt.Exec(
		ev.At.UTC().UnixMilli(),
		ev.Kind,
		ev.Session,
		ev.Line,
		ev.Peer,
		ev.Reason,
		int64(ev.RxBytes),
		int64(ev.TxBytes),
	)
	if err != nil && isSQLiteCorrupted(err) {
		l.closeDBLocked()
		_ = os.Remove(l.path)
		if reopenErr := l.openDBLocked(); reopenErr != nil {
			return reopenErr
		}
		return fmt.Errorf("journal: database was corrupt and has been recreated: %w", err)
	}
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

func (l *Logger) openDB() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openDBLocked()
}

func (l *Logger) openDBLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir %s: %w", filepath.Dir(l.path), err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		db, err := sql.Open("sqlite", l.path)
		if err != nil {
			return fmt.Errorf("journal: open %s: %w", l.path, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
			db.Close()
			if attempt == 0 && isSQLiteCorrupted(err) {
				_ = os.Remove(l.path)
				continue
			}
			return fmt.Errorf("journal: pragmas: %w", err)
		}
		if err := initSchema(db); err != nil {
			db.Close()
			if attempt == 0 && isSQLiteCorrupted(err) {
				_ = os.Remove(l.path)
				continue
			}
			return err
		}
		stmt, err := db.Prepare(`INSERT INTO events (ts_ms, kind, session, line, peer, reason, rx_bytes, tx_bytes) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			db.Close()
			return fmt.Errorf("journal: prepare insert: %w", err)
		}
		l.db = db
		l.stmt = stmt
		return nil
	}
	return fmt.Errorf("journal: unable to open %s", l.path)
}

func (l *Logger) closeDBLocked() error {
	var firstErr error
	if l.stmt != nil {
		firstErr = l.stmt.Close()
		l.stmt = nil
	}
	if l.db != nil {
		if err := l.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.db = nil
	}
	return firstErr
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts_ms INTEGER NOT NULL,
    kind TEXT NOT NULL,
    session TEXT,
    line INTEGER,
    peer TEXT,
    reason TEXT,
    rx_bytes INTEGER,
    tx_bytes INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ms);
CREATE INDEX IF NOT EXISTS idx_events_line ON events(line);
`); err != nil {
		return fmt.Errorf("journal: init schema: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. Events still queued are
// not included.
func (l *Logger) Recent(limit int) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil, errors.New("journal: database closed")
	}
	rows, err := l.db.Query(`SELECT ts_ms, kind, session, line, peer, reason, rx_bytes, tx_bytes FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev       Event
			ts       int64
			rx, tx   int64
			sess     sql.NullString
			peer     sql.NullString
			reason   sql.NullString
			lineNull sql.NullInt64
		)
		if err := rows.Scan(&ts, &ev.Kind, &sess, &lineNull, &peer, &reason, &rx, &tx); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		ev.At = time.UnixMilli(ts)
		ev.Session = sess.String
		ev.Line = int(lineNull.Int64)
		ev.Peer = peer.String
		ev.Reason = reason.String
		ev.RxBytes = uint64(rx)
		ev.TxBytes = uint64(tx)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isSQLiteCorrupted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is encrypted or is not a database")
}

func (l *Logger) reportError(err error) {
	n := l.errCount.Add(1)
	if n == 1 || n%100 == 0 {
		log.Printf("journal: write error (%d): %v", n, err)
	}
}
