package store

import (
	"context"
	"strings"
	"time"
)

// GlossaryEntry is one fixed source-term to target-term mapping.
type GlossaryEntry struct {
	ID         string
	SourceLang string
	TargetLang string
	SourceTerm string
	TargetTerm string
	CreatedAt  time.Time
}

// AddGlossaryTerm stores a term for a language pair and returns its id.
// Adding a term that already exists updates its translation and keeps the id.
func (s *Store) AddGlossaryTerm(ctx context.Context, sourceLang, targetLang, sourceTerm, targetTerm string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO glossary (id, source_lang, target_lang, source_term, target_term, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_lang, target_lang, source_term) DO UPDATE SET target_term = excluded.target_term
		RETURNING id`,
		newID("gl_"), sourceLang, targetLang, sourceTerm, targetTerm, time.Now().UTC(),
	).Scan(&id)
	return id, err
}

// GetGlossaryTerms returns the glossary of one language pair keyed by
// source term, ready for the system instruction.
func (s *Store) GetGlossaryTerms(ctx context.Context, sourceLang, targetLang string) (map[string]string, error) {
	entries, err := s.ListGlossaryTerms(ctx, sourceLang, targetLang)
	if err != nil {
		return nil, err
	}
	terms := make(map[string]string, len(entries))
	for _, e := range entries {
		terms[e.SourceTerm] = e.TargetTerm
	}
	return terms, nil
}

// ListGlossaryTerms returns entries filtered by whichever languages are
// non-empty.
func (s *Store) ListGlossaryTerms(ctx context.Context, sourceLang, targetLang string) ([]GlossaryEntry, error) {
	var (
		where []string
		args  []any
	)
	if sourceLang != "" {
		where = append(where, "source_lang = ?")
		args = append(args, sourceLang)
	}
	if targetLang != "" {
		where = append(where, "target_lang = ?")
		args = append(args, targetLang)
	}

	query := `SELECT id, source_lang, target_lang, source_term, target_term, created_at FROM glossary`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY source_lang, target_lang, source_term"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []GlossaryEntry
	for rows.Next() {
		var e GlossaryEntry
		if err := rows.Scan(&e.ID, &e.SourceLang, &e.TargetLang, &e.SourceTerm, &e.TargetTerm, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteGlossaryTerm(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM glossary WHERE id = ?`, id)
	return requireRow(res, err, id)
}
