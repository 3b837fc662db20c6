// Package chronicle is the long-term per-arc memory: chapters of prose
// paragraphs summarising past activity. Chapters roll over when they grow
// past a paragraph budget; the roll is guarded per arc so concurrent
// appends open exactly one new chapter.
package chronicle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Chapter is one chapter of an arc's chronicle.
type Chapter struct {
	ID       int64
	Arc      string
	Number   int // 1-based within the arc
	OpenedAt time.Time
	ClosedAt time.Time // zero while open
}

// Paragraph is one entry in a chapter.
type Paragraph struct {
	ID        int64
	ChapterID int64
	Text      string
	Kind      string // "note", "plan", "summary"
	CreatedAt time.Time
}

// Store wraps the sqlite chronicle database.
type Store struct {
	db *sql.DB

	// Per-arc rollover guard.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// MaxParagraphs is the rollover threshold per chapter.
	MaxParagraphs int
}

const schema = `
CREATE TABLE IF NOT EXISTS chapters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	arc TEXT NOT NULL,
	number INTEGER NOT NULL,
	opened_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP,
	UNIQUE(arc, number)
);
CREATE TABLE IF NOT EXISTS paragraphs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chapter_id INTEGER NOT NULL REFERENCES chapters(id),
	text TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'note',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_paragraphs_chapter ON paragraphs(chapter_id, id);
`

// Open opens (creating if necessary) the chronicle database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chronicle: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chronicle: init schema: %w", err)
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex), MaxParagraphs: 50}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) arcLock(arc string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[arc]
	if !ok {
		l = &sync.Mutex{}
		s.locks[arc] = l
	}
	return l
}

// GetOrOpenCurrentChapter returns the arc's open chapter, creating chapter 1
// on first use.
func (s *Store) GetOrOpenCurrentChapter(ctx context.Context, arc string) (*Chapter, error) {
	lock := s.arcLock(arc)
	lock.Lock()
	defer lock.Unlock()
	return s.currentChapterLocked(ctx, arc)
}

func (s *Store) currentChapterLocked(ctx context.Context, arc string) (*Chapter, error) {
	ch, err := s.scanChapter(s.db.QueryRowContext(ctx, `
		SELECT id, arc, number, opened_at, closed_at FROM chapters
		WHERE arc = ? AND closed_at IS NULL ORDER BY number DESC LIMIT 1`, arc))
	if err == nil {
		return ch, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("chronicle: current chapter: %w", err)
	}

	var maxNumber sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(number) FROM chapters WHERE arc = ?`, arc).Scan(&maxNumber); err != nil {
		return nil, fmt.Errorf("chronicle: max chapter: %w", err)
	}
	number := int(maxNumber.Int64) + 1
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters (arc, number, opened_at) VALUES (?, ?, ?)`, arc, number, now)
	if err != nil {
		return nil, fmt.Errorf("chronicle: open chapter: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Chapter{ID: id, Arc: arc, Number: number, OpenedAt: now}, nil
}

// AppendParagraph adds a paragraph to the arc's current chapter, rolling
// over to a new chapter first when the current one is full.
func (s *Store) AppendParagraph(ctx context.Context, arc, text, kind string) (*Paragraph, error) {
	if kind == "" {
		kind = "note"
	}
	lock := s.arcLock(arc)
	lock.Lock()
	defer lock.Unlock()

	ch, err := s.currentChapterLocked(ctx, arc)
	if err != nil {
		return nil, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paragraphs WHERE chapter_id = ?`, ch.ID).Scan(&count); err != nil {
		return nil, fmt.Errorf("chronicle: paragraph count: %w", err)
	}
	if s.MaxParagraphs > 0 && count >= s.MaxParagraphs {
		now := time.Now().UTC()
		if _, err := s.db.ExecContext(ctx,
			`UPDATE chapters SET closed_at = ? WHERE id = ?`, now, ch.ID); err != nil {
			return nil, fmt.Errorf("chronicle: close chapter: %w", err)
		}
		if ch, err = s.currentChapterLocked(ctx, arc); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO paragraphs (chapter_id, text, kind, created_at) VALUES (?, ?, ?, ?)`,
		ch.ID, text, kind, now)
	if err != nil {
		return nil, fmt.Errorf("chronicle: append paragraph: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Paragraph{ID: id, ChapterID: ch.ID, Text: text, Kind: kind, CreatedAt: now}, nil
}

// RenderChapter renders an arc's chapter by absolute number as plain text.
func (s *Store) RenderChapter(ctx context.Context, arc string, number int) (string, error) {
	ch, err := s.scanChapter(s.db.QueryRowContext(ctx, `
		SELECT id, arc, number, opened_at, closed_at FROM chapters
		WHERE arc = ? AND number = ?`, arc, number))
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("chronicle: no chapter %d for %s", number, arc)
	}
	if err != nil {
		return "", fmt.Errorf("chronicle: render chapter: %w", err)
	}
	return s.renderChapterByID(ctx, ch)
}

// RenderChapterRelative renders a chapter addressed relative to the current
// one: 0 is current, -1 the previous, and so on.
func (s *Store) RenderChapterRelative(ctx context.Context, arc string, offset int) (string, error) {
	if offset > 0 {
		return "", fmt.Errorf("chronicle: relative chapter offset must be <= 0, got %d", offset)
	}
	cur, err := s.GetOrOpenCurrentChapter(ctx, arc)
	if err != nil {
		return "", err
	}
	number := cur.Number + offset
	if number < 1 {
		return "", fmt.Errorf("chronicle: chapter %d does not exist (current is %d)", number, cur.Number)
	}
	return s.RenderChapter(ctx, arc, number)
}

// GetChapterContextMessages returns the current chapter rendered as
// conversation context, empty when the chapter has no paragraphs yet.
func (s *Store) GetChapterContextMessages(ctx context.Context, arc string) ([]string, error) {
	cur, err := s.GetOrOpenCurrentChapter(ctx, arc)
	if err != nil {
		return nil, err
	}
	text, err := s.renderChapterByID(ctx, cur)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []string{fmt.Sprintf("Chronicle of this conversation so far (chapter %d):\n%s", cur.Number, text)}, nil
}

func (s *Store) renderChapterByID(ctx context.Context, ch *Chapter) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, kind FROM paragraphs WHERE chapter_id = ? ORDER BY id`, ch.ID)
	if err != nil {
		return "", fmt.Errorf("chronicle: render: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var text, kind string
		if err := rows.Scan(&text, &kind); err != nil {
			return "", fmt.Errorf("chronicle: scan paragraph: %w", err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if kind == "plan" {
			b.WriteString("[plan] ")
		}
		b.WriteString(text)
	}
	return b.String(), rows.Err()
}

func (s *Store) scanChapter(row *sql.Row) (*Chapter, error) {
	var ch Chapter
	var closed sql.NullTime
	if err := row.Scan(&ch.ID, &ch.Arc, &ch.Number, &ch.OpenedAt, &closed); err != nil {
		return nil, err
	}
	if closed.Valid {
		ch.ClosedAt = closed.Time
	}
	return &ch, nil
}
