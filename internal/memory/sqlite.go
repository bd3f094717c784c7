package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"promptrelay/internal/llm"
)

// ErrUnknownSession is returned when a session ID has no row.
var ErrUnknownSession = errors.New("unknown session")

// SQLiteMemory implements Memory using SQLite.
type SQLiteMemory struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteMemory opens (or creates) a SQLite database at the given path.
func NewSQLiteMemory(dbPath string) (*SQLiteMemory, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	m := &SQLiteMemory{db: db, now: time.Now}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

// migrate applies every step above the recorded schema version.
func (m *SQLiteMemory) migrate() error {
	if _, err := m.db.Exec(schemaVersionTable); err != nil {
		return err
	}
	var version int
	if err := m.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := m.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// NewSession creates a session row and returns its ID.
func (m *SQLiteMemory) NewSession(ctx context.Context, provider, model string) (string, error) {
	id := uuid.NewString()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO sessions (id, provider, model, created_at) VALUES (?, ?, ?, ?)`,
		id, provider, model, m.now().Unix(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *SQLiteMemory) SaveMessage(ctx context.Context, sessionID string, msg llm.Message) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, msg.Role, msg.Content, m.now().Unix(),
	)
	if err != nil {
		var exists int
		if qerr := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); qerr == nil && exists == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
	}
	return err
}

// GetHistory returns the newest limit messages of a session, oldest first.
// A non-positive limit returns the whole session.
func (m *SQLiteMemory) GetHistory(ctx context.Context, sessionID string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT role, content FROM (
			SELECT role, content, id
			FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) sub ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []llm.Message
	for rows.Next() {
		var msg llm.Message
		if err := rows.Scan(&msg.Role, &msg.Content); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// Sessions lists the most recent sessions first.
func (m *SQLiteMemory) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT s.id, s.provider, s.model, s.created_at,
			(SELECT COUNT(*) FROM messages WHERE session_id = s.id)
		FROM sessions s ORDER BY s.created_at DESC, s.rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var created int64
		if err := rows.Scan(&s.ID, &s.Provider, &s.Model, &created, &s.Messages); err != nil {
			return nil, err
		}
		s.CreatedAt = time.Unix(created, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Clear deletes a session and its messages.
func (m *SQLiteMemory) Clear(ctx context.Context, sessionID string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return tx.Commit()
}

func (m *SQLiteMemory) Close() error {
	return m.db.Close()
}
