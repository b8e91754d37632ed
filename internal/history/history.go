// Package history persists an append-only audit trail of engine events to
// SQLite, independent of the Persistence Store's monitor snapshots.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tpslguard/internal/core"
)

// Recorder implements core.Notifier, writing one row per emitted event.
type Recorder struct {
	db     *sql.DB
	logger core.ILogger
}

// NewRecorder opens (or creates) the audit database at dbPath.
func NewRecorder(dbPath string, logger core.ILogger) (*Recorder, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	kind TEXT NOT NULL,
	monitor_key TEXT NOT NULL,
	account TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	tp_index INTEGER,
	net_pnl TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_monitor_key ON events(monitor_key);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Recorder{db: db, logger: logger.WithField("component", "history")}, nil
}

// Notify implements core.Notifier.
func (r *Recorder) Notify(ctx context.Context, event core.Event) {
	var netPnL *string
	if event.PnL != nil {
		s := event.PnL.NetPnL.String()
		netPnL = &s
	}

	const insert = `INSERT INTO events (ts, kind, monitor_key, account, symbol, side, tp_index, net_pnl)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, insert,
		event.TS.UnixMilli(), string(event.Kind), event.MonitorKey, string(event.Account),
		event.Symbol, string(event.Side), event.TPIndex, netPnL)
	if err != nil {
		r.logger.Warn("history: write event failed", "kind", event.Kind, "error", err)
	}
}

// ForMonitor returns the audit trail for one monitor key, newest first,
// capped at limit rows.
func (r *Recorder) ForMonitor(ctx context.Context, key string, limit int) ([]Entry, error) {
	const query = `SELECT ts, kind, tp_index, net_pnl FROM events
WHERE monitor_key = ? ORDER BY ts DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var netPnL sql.NullString
		if err := rows.Scan(&ts, &e.Kind, &e.TPIndex, &netPnL); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.TS = time.UnixMilli(ts)
		if netPnL.Valid {
			e.NetPnL = netPnL.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Entry is one row of a monitor's audit trail.
type Entry struct {
	TS      time.Time
	Kind    string
	TPIndex int
	NetPnL  string
}

var _ core.Notifier = (*Recorder)(nil)
