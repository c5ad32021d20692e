// Package eventstore is the durable half of the event store:
// a SQLite-backed sessions/events schema written by a single background
// writer goroutine that batches everything waiting on its channel into
// one transaction, plus the query surface the CLI reads back from.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawpot/clawpotd/internal/errx"
	"github.com/clawpot/clawpotd/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	started_at     TEXT NOT NULL,
	stopped_at     TEXT,
	server_version TEXT NOT NULL,
	config         TEXT
);

CREATE TABLE IF NOT EXISTS events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	timestamp       TEXT NOT NULL,
	category        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	vm_id           TEXT,
	correlation_id  TEXT,
	duration_ms     INTEGER,
	success         INTEGER,
	data            TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_vm ON events(vm_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_corr ON events(correlation_id);
`

type record struct {
	timestamp     string
	category      string
	eventType     string
	vmID          string
	correlationID string
	durationMS    *int64
	success       *bool
	data          string
}

type writerMsg struct {
	rec   *record
	close chan struct{}
}

// Store implements logging.Sink as its stdout/ambient-log fan-out role,
// while independently persisting to SQLite through its own background
// writer — the two halves of one logical component.
type Store struct {
	db        *sql.DB
	sessionID string
	mode      PersistMode
	log       *slog.Logger
	nextID    atomic.Int64

	writes chan writerMsg
	done   chan struct{}
}

var _ logging.Sink = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path, writes
// the schema, inserts a session row, and starts the background writer.
func Open(path, sessionID, serverVersion, config string, mode PersistMode, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errx.Wrap(ErrOpen, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, errx.Wrap(ErrOpen, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errx.Wrap(ErrSchema, err)
	}

	now := nowRFC3339Milli()
	if _, err := db.Exec(
		"INSERT INTO sessions (id, started_at, server_version, config) VALUES (?, ?, ?, ?)",
		sessionID, now, serverVersion, config,
	); err != nil {
		db.Close()
		return nil, errx.Wrap(ErrInsertSession, err)
	}

	// Events and request-log rows outlive the session: the id handed out by
	// Emit also names externalized body files on disk, so it must keep
	// advancing across restarts against the same db file rather than
	// restart at 1 and collide with (and overwrite) a prior session's
	// <id>_req.bin/<id>_resp.bin.
	var maxID int64
	if err := db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM events").Scan(&maxID); err != nil {
		db.Close()
		return nil, errx.Wrap(ErrOpen, err)
	}

	s := &Store{
		db:        db,
		sessionID: sessionID,
		mode:      mode,
		log:       log,
		writes:    make(chan writerMsg),
		done:      make(chan struct{}),
	}
	s.nextID.Store(maxID + 1)

	go s.backgroundWriter()
	log.Info("event store opened", "path", path, "session", sessionID)
	return s, nil
}

// Write implements logging.Sink, persisting the ambient event shape
// through the same emit path used by domain callers.
func (s *Store) Write(e *logging.Event) error {
	var success *bool
	if e.Success != nil {
		success = e.Success
	}
	var duration *int64
	if e.DurationMS != nil {
		duration = e.DurationMS
	}
	s.emit(e.EventType, e.Category, e.VmID, e.CorrelationID, duration, success, e.Data)
	return nil
}

// Emit records an event with no duration/outcome and returns its
// in-process sequence id (not the SQLite row id, which is assigned by
// the background writer asynchronously).
func (s *Store) Emit(eventType, category, vmID, correlationID string, data interface{}) int64 {
	return s.emitWithDuration(eventType, category, vmID, correlationID, nil, nil, data)
}

// EmitWithDuration records a completed operation's duration and outcome
// alongside its data.
func (s *Store) EmitWithDuration(eventType, category, vmID, correlationID string, durationMS int64, success bool, data interface{}) int64 {
	return s.emitWithDuration(eventType, category, vmID, correlationID, &durationMS, &success, data)
}

// Log records a plain message as an event_type="log" row.
func (s *Store) Log(category, vmID, message string) int64 {
	return s.Emit("log", category, vmID, "", map[string]string{"message": message})
}

func (s *Store) emitWithDuration(eventType, category, vmID, correlationID string, durationMS *int64, success *bool, data interface{}) int64 {
	raw, ok := data.(json.RawMessage)
	var dataJSON string
	if ok {
		dataJSON = string(raw)
	} else if b, err := json.Marshal(data); err == nil {
		dataJSON = string(b)
	} else {
		dataJSON = "{}"
	}

	localID := s.nextID.Add(1) - 1

	s.emit(eventType, category, vmID, correlationID, durationMS, success, json.RawMessage(dataJSON))
	return localID
}

func (s *Store) emit(eventType, category, vmID, correlationID string, durationMS *int64, success *bool, data json.RawMessage) {
	dataJSON := "{}"
	if len(data) > 0 {
		dataJSON = string(data)
	}

	if vmID != "" {
		s.log.Info(fmt.Sprintf("[%s]", eventType), "vm", vmID, "data", dataJSON)
	} else {
		s.log.Info(fmt.Sprintf("[%s]", eventType), "data", dataJSON)
	}

	if !s.mode.shouldPersist(eventType) {
		return
	}

	rec := &record{
		timestamp:     nowRFC3339Milli(),
		category:      category,
		eventType:     eventType,
		vmID:          vmID,
		correlationID: correlationID,
		durationMS:    durationMS,
		success:       success,
		data:          dataJSON,
	}

	select {
	case s.writes <- writerMsg{rec: rec}:
	case <-s.done:
	}
}

// Close flushes all pending writes, sets the session's stopped_at,
// checkpoints the WAL, and closes the database.
func (s *Store) Close() error {
	ack := make(chan struct{})
	select {
	case s.writes <- writerMsg{close: ack}:
		<-ack
	case <-s.done:
	}
	return s.db.Close()
}

// backgroundWriter batches everything waiting on the channel into a
// single transaction per wake-up, mirroring the recv-one-then-drain-
// available discipline of the original writer loop.
func (s *Store) backgroundWriter() {
	defer close(s.done)
	const insertSQL = `INSERT INTO events
		(session_id, timestamp, category, event_type, vm_id, correlation_id, duration_ms, success, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var batch []*record

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(insertSQL, batch); err != nil {
			s.log.Warn("event store: flush failed", "count", len(batch), "err", err)
		}
		batch = batch[:0]
	}

	for msg := range s.writes {
		if msg.close != nil {
			flush()
			s.closeSessionRow()
			s.checkpointWAL()
			close(msg.close)
			return
		}
		batch = append(batch, msg.rec)

	drain:
		for {
			select {
			case next := <-s.writes:
				if next.close != nil {
					flush()
					s.closeSessionRow()
					s.checkpointWAL()
					close(next.close)
					return
				}
				batch = append(batch, next.rec)
			default:
				break drain
			}
		}

		flush()
	}
}

func (s *Store) flushBatch(insertSQL string, batch []*record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		var successVal interface{}
		if rec.success != nil {
			if *rec.success {
				successVal = 1
			} else {
				successVal = 0
			}
		}
		var vmID, corrID interface{}
		if rec.vmID != "" {
			vmID = rec.vmID
		}
		if rec.correlationID != "" {
			corrID = rec.correlationID
		}
		var duration interface{}
		if rec.durationMS != nil {
			duration = *rec.durationMS
		}

		if _, err := stmt.Exec(s.sessionID, rec.timestamp, rec.category, rec.eventType,
			vmID, corrID, duration, successVal, rec.data); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) closeSessionRow() {
	now := nowRFC3339Milli()
	if _, err := s.db.Exec("UPDATE sessions SET stopped_at = ? WHERE id = ?", now, s.sessionID); err != nil {
		s.log.Warn("event store: failed to close session", "err", err)
	}
}

func (s *Store) checkpointWAL() {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		s.log.Warn("event store: WAL checkpoint failed", "err", err)
	}
}

// OpenReadOnly opens a read-only connection for the query surface, used
// by clawpotctl to list sessions/events without contending with the
// live writer.
func OpenReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}
	return db, nil
}

// ListSessions returns every session with its event count, most recent
// first.
func ListSessions(ctx context.Context, db *sql.DB) ([]SessionInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.stopped_at, s.server_version,
		       (SELECT COUNT(*) FROM events e WHERE e.session_id = s.id) AS event_count
		FROM sessions s
		ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, errx.Wrap(ErrQuery, err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		var stoppedAt sql.NullString
		if err := rows.Scan(&si.ID, &si.StartedAt, &stoppedAt, &si.ServerVersion, &si.EventCount); err != nil {
			return nil, errx.Wrap(ErrQuery, err)
		}
		if stoppedAt.Valid {
			si.StoppedAt = &stoppedAt.String
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// QueryEvents filters events, ordered by (timestamp, id) ascending.
func QueryEvents(ctx context.Context, db *sql.DB, f Filters) ([]Event, error) {
	sqlStr := strings.Builder{}
	sqlStr.WriteString(`SELECT id, session_id, timestamp, category, event_type, vm_id,
		correlation_id, duration_ms, success, data FROM events WHERE 1=1`)

	var args []interface{}
	if f.SessionID != "" {
		sqlStr.WriteString(" AND session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.VmID != "" {
		sqlStr.WriteString(" AND vm_id = ?")
		args = append(args, f.VmID)
	}
	if f.Category != "" {
		sqlStr.WriteString(" AND category = ?")
		args = append(args, f.Category)
	}
	if f.EventType != "" {
		sqlStr.WriteString(" AND event_type = ?")
		args = append(args, f.EventType)
	}
	sqlStr.WriteString(" ORDER BY timestamp ASC, id ASC")
	if f.Limit > 0 {
		sqlStr.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
	}

	rows, err := db.QueryContext(ctx, sqlStr.String(), args...)
	if err != nil {
		return nil, errx.Wrap(ErrQuery, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var vmID, corrID sql.NullString
		var duration sql.NullInt64
		var successInt sql.NullInt64
		var dataStr string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.Category, &e.EventType,
			&vmID, &corrID, &duration, &successInt, &dataStr); err != nil {
			return nil, errx.Wrap(ErrQuery, err)
		}
		if vmID.Valid {
			e.VmID = &vmID.String
		}
		if corrID.Valid {
			e.CorrelationID = &corrID.String
		}
		if duration.Valid {
			e.DurationMS = &duration.Int64
		}
		if successInt.Valid {
			b := successInt.Int64 != 0
			e.Success = &b
		}
		e.Data = json.RawMessage(dataStr)
		events = append(events, e)
	}
	return events, rows.Err()
}

func nowRFC3339Milli() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
