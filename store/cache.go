package store

import (
	"context"
	"database/sql"
	"errors"
)

// LLMCache persists completions in the llm_cache table. It satisfies
// llm.Cache.
type LLMCache struct {
	s *Store
}

// LLMCache returns the completion cache backed by this store.
func (s *Store) LLMCache() *LLMCache {
	return &LLMCache{s: s}
}

func (c *LLMCache) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := c.s.db.QueryRowContext(ctx, "SELECT value FROM llm_cache WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *LLMCache) Set(ctx context.Context, key, value string) error {
	_, err := c.s.db.ExecContext(ctx, `
		INSERT INTO llm_cache (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// Clear removes every cached completion.
func (c *LLMCache) Clear(ctx context.Context) error {
	_, err := c.s.db.ExecContext(ctx, "DELETE FROM llm_cache")
	return err
}
