// Package transcript keeps a write-only SQLite log of committed turns.
// It is an audit trail: the relay never reads it back into session history.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/comigor/voice-relay/internal/logger"
	"github.com/comigor/voice-relay/internal/session"
)

// Archive appends committed turns to a SQLite database.
type Archive struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "open transcript db")
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS turns (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        batch_id TEXT NOT NULL,
        session_id TEXT NOT NULL,
        turn_id TEXT NOT NULL,
        role TEXT NOT NULL,
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS turns_session_idx ON turns (session_id, id);`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create transcript table")
	}
	logger.L.Info("sqlite transcript DB initialized", "path", path)
	return &Archive{db: db, now: time.Now}, nil
}

// Record stores turns, produced by one inbound event, atomically.
func (a *Archive) Record(ctx context.Context, sessionID, turnID string, turns []session.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transcript tx")
	}
	defer tx.Rollback()

	batch := uuid.NewString()
	at := a.now().UTC()
	for _, t := range turns {
		content, err := json.Marshal(t.Content)
		if err != nil {
			return errors.Wrap(err, "encode turn content")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (batch_id, session_id, turn_id, role, content, created_at) VALUES (?,?,?,?,?,?);`,
			batch, sessionID, turnID, string(t.Role), string(content), at); err != nil {
			return errors.Wrap(err, "insert turn")
		}
	}
	return errors.Wrap(tx.Commit(), "commit transcript tx")
}

// List returns all archived turns of a session in chronological order.
func (a *Archive) List(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, batch_id, session_id, turn_id, role, content, created_at FROM turns WHERE session_id = ? ORDER BY id ASC;`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "query transcript")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.BatchID, &e.SessionID, &e.TurnID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan transcript row")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *Archive) Close() error {
	return a.db.Close()
}
