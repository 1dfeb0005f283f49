// Package store keeps verified group translations and glossary terms in a
// local SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "subtran.db"

// ErrNotFound is returned when an entry addressed by id does not exist.
var ErrNotFound = errors.New("entry not found")

// schema is applied in order on every open; each statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS translation_memory (
		id           TEXT PRIMARY KEY,
		group_text   TEXT NOT NULL,
		source_lang  TEXT NOT NULL,
		target_lang  TEXT NOT NULL,
		translation  TEXT NOT NULL,
		engine       TEXT NOT NULL DEFAULT '',
		hits         INTEGER NOT NULL DEFAULT 0,
		invalidated  BOOLEAN NOT NULL DEFAULT FALSE,
		last_used    TIMESTAMP NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		UNIQUE(group_text, source_lang, target_lang)
	)`,
	// glossary terms are injected into the system instruction
	`CREATE TABLE IF NOT EXISTS glossary (
		id           TEXT PRIMARY KEY,
		source_lang  TEXT NOT NULL,
		target_lang  TEXT NOT NULL,
		source_term  TEXT NOT NULL,
		target_term  TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		UNIQUE(source_lang, target_lang, source_term)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_glossary_pair ON glossary(source_lang, target_lang)`,
}

type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and applies the schema. The parent
// directory must exist.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// concurrent groups would otherwise hit SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for i, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate (statement %d): %w", i+1, err)
		}
	}
	return &Store{db: db}, nil
}

// Open is New on FileName after making sure dataDir exists.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return New(filepath.Join(dataDir, FileName))
}

func (s *Store) Close() error {
	return s.db.Close()
}

// normalizeText trims whitespace and applies Unicode NFC normalization so
// that equal groups produce equal keys.
func normalizeText(text string) string {
	return norm.NFC.String(strings.TrimSpace(text))
}

// requireRow turns a statement that touched no row into ErrNotFound.
func requireRow(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func newID(prefix string) string {
	return prefix + uuid.NewString()[:8]
}
