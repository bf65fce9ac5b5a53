package notify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// PushToken is one registered phone.
type PushToken struct {
	Token         string
	Active        bool
	AddedAt       time.Time
	DeactivatedAt *time.Time
}

// RecipientStore keeps the push tokens notifications are sent to.
type RecipientStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenRecipientStore opens (creating if needed) the SQLite database at dbPath.
// Use ":memory:" for a throwaway store.
func OpenRecipientStore(dbPath string) (*RecipientStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared between calls.
	db.SetMaxOpenConns(1)

	s := &RecipientStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *RecipientStore) initialize() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS push_tokens (
		token TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 1,
		added_at INTEGER NOT NULL,
		deactivated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_push_tokens_active ON push_tokens(active);
	`)
	return err
}

// Add registers a token, reactivating it if it was already known.
func (s *RecipientStore) Add(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_tokens (token, active, added_at) VALUES (?, 1, ?)
		ON CONFLICT(token) DO UPDATE SET active = 1, deactivated_at = NULL`,
		token, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// Remove deletes a token. Removing an unknown token is not an error.
func (s *RecipientStore) Remove(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM push_tokens WHERE token = ?", token); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Deactivate stops sending to a token without forgetting it.
func (s *RecipientStore) Deactivate(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE push_tokens SET active = 0, deactivated_at = ? WHERE token = ? AND active = 1",
		time.Now().Unix(), token,
	)
	if err != nil {
		return fmt.Errorf("deactivate token: %w", err)
	}
	return nil
}

// ActiveTokens returns the tokens notifications should go to, oldest first.
func (s *RecipientStore) ActiveTokens(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, "SELECT token FROM push_tokens WHERE active = 1 ORDER BY added_at, token")
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// List returns every token, active or not.
func (s *RecipientStore) List(ctx context.Context) ([]PushToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, "SELECT token, active, added_at, deactivated_at FROM push_tokens ORDER BY added_at, token")
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []PushToken
	for rows.Next() {
		var (
			t           PushToken
			addedAt     int64
			deactivated sql.NullInt64
		)
		if err := rows.Scan(&t.Token, &t.Active, &addedAt, &deactivated); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		t.AddedAt = time.Unix(addedAt, 0)
		if deactivated.Valid {
			d := time.Unix(deactivated.Int64, 0)
			t.DeactivatedAt = &d
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *RecipientStore) Close() error {
	return s.db.Close()
}
