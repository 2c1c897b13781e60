package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_chunks_category ON memory_chunks(category);

CREATE TABLE IF NOT EXISTS transcripts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	prompt TEXT NOT NULL,
	response TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id);
`

// SQLiteStore implements Store and TranscriptStore on a local sqlite file.
// Similarity is term-overlap scoring; a vector implementation can be swapped
// in behind the same interface.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the memory database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func terms(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

// SearchMemory scores chunks of a category by query-term overlap and returns
// the top k.
func (s *SQLiteStore) SearchMemory(ctx context.Context, category, query string, k int) ([]Chunk, error) {
	if k <= 0 {
		k = 3
	}
	queryTerms := terms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM memory_chunks WHERE category = ? ORDER BY created_at DESC LIMIT 500`, category)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		lower := strings.ToLower(content)
		matched := 0
		for _, term := range queryTerms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		chunks = append(chunks, Chunk{
			Category: category,
			Content:  content,
			Score:    float64(matched) / float64(len(queryTerms)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > k {
		chunks = chunks[:k]
	}
	return chunks, nil
}

// Memorize appends content under a category.
func (s *SQLiteStore) Memorize(ctx context.Context, category, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_chunks (category, content, created_at) VALUES (?, ?, ?)`,
		category, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("memorize: %w", err)
	}
	return nil
}

// GetCognitiveMap lists distinct categories.
func (s *SQLiteStore) GetCognitiveMap(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM memory_chunks ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("cognitive map: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// ForgetMemory deletes chunks of a category containing contentMatch.
func (s *SQLiteStore) ForgetMemory(ctx context.Context, category, contentMatch string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_chunks WHERE category = ? AND content LIKE ?`,
		category, "%"+contentMatch+"%")
	if err != nil {
		return 0, fmt.Errorf("forget memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveExchange persists one completed chat turn.
func (s *SQLiteStore) SaveExchange(ctx context.Context, sessionID, prompt, response string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, prompt, response, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, prompt, response, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save exchange: %w", err)
	}
	return nil
}
