package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MemoryEntry is one remembered group translation.
type MemoryEntry struct {
	ID          string
	SourceText  string
	SourceLang  string
	TargetLang  string
	FinalText   string
	ServiceUsed string
	// UsageCount is the number of times the entry was served from memory.
	UsageCount  int
	Invalidated bool
	LastUsed    time.Time
	CreatedAt   time.Time
}

type CacheStats struct {
	TotalEntries   int
	ActiveEntries  int
	InvalidEntries int
	TotalUsage     int
}

// GetCachedTranslation returns the remembered translation of a rendered
// group and counts the hit. Invalidated entries are misses.
func (s *Store) GetCachedTranslation(ctx context.Context, sourceText, sourceLang, targetLang string) (string, bool, error) {
	var translation string
	err := s.db.QueryRowContext(ctx, `
		UPDATE translation_memory
		SET hits = hits + 1, last_used = ?
		WHERE group_text = ? AND source_lang = ? AND target_lang = ? AND NOT invalidated
		RETURNING translation`,
		time.Now().UTC(), normalizeText(sourceText), sourceLang, targetLang,
	).Scan(&translation)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return translation, true, nil
}

// SaveToMemory remembers a verified translation. An existing entry for the
// same group and language pair keeps its id and hit count; its text is
// replaced and it becomes valid again.
func (s *Store) SaveToMemory(ctx context.Context, sourceText, sourceLang, targetLang, finalText, serviceUsed string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translation_memory
			(id, group_text, source_lang, target_lang, translation, engine, last_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_text, source_lang, target_lang) DO UPDATE SET
			translation = excluded.translation,
			engine      = excluded.engine,
			invalidated = FALSE,
			last_used   = excluded.last_used`,
		newID("mem_"), normalizeText(sourceText), sourceLang, targetLang, finalText, serviceUsed, now, now)
	return err
}

// InvalidateMemory stops serving an entry while keeping it listed.
func (s *Store) InvalidateMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE translation_memory SET invalidated = TRUE WHERE id = ?`, id)
	return requireRow(res, err, id)
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM translation_memory WHERE id = ?`, id)
	return requireRow(res, err, id)
}

// ClearMemory removes every entry and reports how many were dropped.
func (s *Store) ClearMemory(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM translation_memory`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMemory returns every entry, most recently used first.
func (s *Store) ListMemory(ctx context.Context) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_text, source_lang, target_lang, translation, engine, hits, invalidated, last_used, created_at
		FROM translation_memory
		ORDER BY last_used DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		if err := rows.Scan(&e.ID, &e.SourceText, &e.SourceLang, &e.TargetLang, &e.FinalText,
			&e.ServiceUsed, &e.UsageCount, &e.Invalidated, &e.LastUsed, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (*CacheStats, error) {
	var st CacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(NOT invalidated), 0),
		       COALESCE(SUM(invalidated), 0),
		       COALESCE(SUM(hits), 0)
		FROM translation_memory`,
	).Scan(&st.TotalEntries, &st.ActiveEntries, &st.InvalidEntries, &st.TotalUsage)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
