package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"capforge/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists capability descriptors to SQLite.
//
// Storage location: .capforge/registry.db
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore opens (creating if necessary) the descriptor database.
func NewStore(dbPath string) (*Store, error) {
	logging.RegistryDebug("Opening registry store at %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS capabilities (
		name TEXT PRIMARY KEY,
		signatures TEXT,
		tags TEXT,
		source_path TEXT NOT NULL,
		source_hash TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_capabilities_hash ON capabilities(source_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or replaces a descriptor row.
func (s *Store) Save(d *Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO capabilities
		(name, signatures, tags, source_path, source_hash, revision, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Name,
		strings.Join(d.Signatures, "\n"),
		strings.Join(d.Tags, ","),
		d.SourcePath,
		d.SourceHash,
		d.Revision,
		d.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// Delete removes a descriptor row.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM capabilities WHERE name = ?`, name)
	return err
}

// LoadAll returns every stored descriptor.
func (s *Store) LoadAll() ([]*Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, signatures, tags, source_path, source_hash, revision, created_at
		FROM capabilities ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var descs []*Descriptor
	for rows.Next() {
		var d Descriptor
		var sigs, tags, createdAt string
		if err := rows.Scan(&d.Name, &sigs, &tags, &d.SourcePath, &d.SourceHash, &d.Revision, &createdAt); err != nil {
			return nil, err
		}
		if sigs != "" {
			d.Signatures = strings.Split(sigs, "\n")
		}
		if tags != "" {
			d.Tags = strings.Split(tags, ",")
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		descs = append(descs, &d)
	}
	return descs, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		logging.RegistryDebug("Closing registry store at %s", s.dbPath)
		return s.db.Close()
	}
	return nil
}
