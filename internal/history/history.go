// Package history is the chat history store: every room message the bot
// sees or sends, plus a log of LLM calls for cost accounting. Backed by a
// single-connection sqlite database so writes serialise in the driver.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one stored chat message.
type Message struct {
	ID         int64
	ServerTag  string
	Channel    string
	Nick       string
	Role       string // "user" or "assistant"
	Content    string
	Mode       string // trigger that produced an assistant message
	ThreadID   string // empty for channel-level messages
	PlatformID string // transport message id, for later edits
	Chronicled bool
	CreatedAt  time.Time
}

// Store wraps the sqlite chat history database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_tag TEXT NOT NULL,
	channel TEXT NOT NULL,
	nick TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL DEFAULT '',
	platform_id TEXT NOT NULL DEFAULT '',
	chronicled INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_arc ON messages(server_tag, channel, id);
CREATE INDEX IF NOT EXISTS idx_messages_platform ON messages(server_tag, channel, platform_id);

CREATE TABLE IF NOT EXISTS llm_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_tag TEXT NOT NULL,
	channel TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL DEFAULT '',
	cost REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_llm_calls_arc ON llm_calls(server_tag, channel, created_at);
`

// Open opens (creating if necessary) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// One connection: sqlite writes serialise in-process instead of
	// returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AddMessage persists a message and returns its row id.
func (s *Store) AddMessage(ctx context.Context, m *Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (server_tag, channel, nick, role, content, mode, thread_id, platform_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ServerTag, m.Channel, m.Nick, m.Role, m.Content, m.Mode, m.ThreadID, m.PlatformID, m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("history: add message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: last insert id: %w", err)
	}
	m.ID = id
	return id, nil
}

// GetContext returns the last limit messages of an arc in chronological
// order. With a threadID, it returns messages of that thread plus the
// thread starter (located by its platform id); channel-level traffic is
// excluded. Without one, thread traffic is excluded.
func (s *Store) GetContext(ctx context.Context, serverTag, channel string, limit int, threadID, threadStarterID string) ([]Message, error) {
	var rows *sql.Rows
	var err error
	if threadID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, server_tag, channel, nick, role, content, mode, thread_id, platform_id, chronicled, created_at
			FROM messages
			WHERE server_tag = ? AND channel = ?
			  AND (thread_id = ? OR (? != '' AND platform_id = ?))
			ORDER BY id DESC LIMIT ?`,
			serverTag, channel, threadID, threadStarterID, threadStarterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, server_tag, channel, nick, role, content, mode, thread_id, platform_id, chronicled, created_at
			FROM messages
			WHERE server_tag = ? AND channel = ? AND thread_id = ''
			ORDER BY id DESC LIMIT ?`,
			serverTag, channel, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("history: get context: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// GetFullHistory returns every message of an arc in chronological order.
func (s *Store) GetFullHistory(ctx context.Context, serverTag, channel string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_tag, channel, nick, role, content, mode, thread_id, platform_id, chronicled, created_at
		FROM messages WHERE server_tag = ? AND channel = ? ORDER BY id`,
		serverTag, channel)
	if err != nil {
		return nil, fmt.Errorf("history: full history: %w", err)
	}
	return scanMessages(rows)
}

// GetRecentMessagesSince returns the arc's messages created after since,
// oldest first.
func (s *Store) GetRecentMessagesSince(ctx context.Context, serverTag, channel string, since time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_tag, channel, nick, role, content, mode, thread_id, platform_id, chronicled, created_at
		FROM messages WHERE server_tag = ? AND channel = ? AND created_at > ? ORDER BY id`,
		serverTag, channel, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("history: recent since: %w", err)
	}
	return scanMessages(rows)
}

// MarkChronicled marks the given message ids as recorded in the chronicle.
// Idempotent.
func (s *Store) MarkChronicled(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: mark chronicled: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET chronicled = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("history: mark chronicled %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountRecentUnchronicled counts the arc's messages newer than since that
// have not yet been chronicled.
func (s *Store) CountRecentUnchronicled(ctx context.Context, serverTag, channel string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE server_tag = ? AND channel = ? AND created_at > ? AND chronicled = 0`,
		serverTag, channel, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count unchronicled: %w", err)
	}
	return n, nil
}

// CountMessagesSince counts the arc's messages created after since.
func (s *Store) CountMessagesSince(ctx context.Context, serverTag, channel string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE server_tag = ? AND channel = ? AND created_at > ?`,
		serverTag, channel, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count since: %w", err)
	}
	return n, nil
}

// GetArcCostToday sums the LLM cost the arc has incurred since UTC midnight.
func (s *Store) GetArcCostToday(ctx context.Context, serverTag, channel string) (float64, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	var cost sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost) FROM llm_calls WHERE server_tag = ? AND channel = ? AND created_at > ?`,
		serverTag, channel, midnight).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("history: arc cost today: %w", err)
	}
	return cost.Float64, nil
}

// LogLlmCall records an outgoing LLM call and returns its row id so the
// response can be linked in later.
func (s *Store) LogLlmCall(ctx context.Context, serverTag, channel, model, prompt string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_calls (server_tag, channel, model, prompt, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		serverTag, channel, model, prompt, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("history: log llm call: %w", err)
	}
	return res.LastInsertId()
}

// UpdateLlmCallResponse fills in the response text and cost of a logged call.
func (s *Store) UpdateLlmCallResponse(ctx context.Context, callID int64, response string, cost float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE llm_calls SET response = ?, cost = ? WHERE id = ?`,
		response, cost, callID)
	if err != nil {
		return fmt.Errorf("history: update llm call %d: %w", callID, err)
	}
	return nil
}

// UpdateMessageByPlatformID rewrites the content of a message located by
// its transport id (message edits).
func (s *Store) UpdateMessageByPlatformID(ctx context.Context, serverTag, channel, platformID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?
		WHERE server_tag = ? AND channel = ? AND platform_id = ?`,
		content, serverTag, channel, platformID)
	if err != nil {
		return fmt.Errorf("history: update by platform id: %w", err)
	}
	return nil
}

// GetMessageIDByPlatformID resolves a transport message id to the stored
// row id. Returns 0 when unknown.
func (s *Store) GetMessageIDByPlatformID(ctx context.Context, serverTag, channel, platformID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages WHERE server_tag = ? AND channel = ? AND platform_id = ?
		ORDER BY id DESC LIMIT 1`,
		serverTag, channel, platformID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("history: id by platform id: %w", err)
	}
	return id, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var m Message
		var chronicled int
		if err := rows.Scan(&m.ID, &m.ServerTag, &m.Channel, &m.Nick, &m.Role, &m.Content,
			&m.Mode, &m.ThreadID, &m.PlatformID, &chronicled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		m.Chronicled = chronicled != 0
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return msgs, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
