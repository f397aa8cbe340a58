// Package store implements the durable SQLite-backed memory of the
// advisory engine: cognitive insights, EIDOS distillations and the
// semantic vector index. Each entity has exactly one writer (this
// package); every other component references rows by their stable IDs.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"spark/internal/embedding"
	"spark/internal/logging"
)

// Store wraps the shared SQLite database.
type Store struct {
	db              *sql.DB
	mu              sync.RWMutex
	dbPath          string
	embeddingEngine embedding.Engine // optional, for semantic recall
	vectorExt       bool             // sqlite-vec available
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; falling back to in-process cosine")
	}
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	insightsTable := `
	CREATE TABLE IF NOT EXISTS cognitive_insights (
		insight_key TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		text TEXT NOT NULL,
		triggers TEXT NOT NULL,
		reliability REAL NOT NULL DEFAULT 0,
		validation_count INTEGER NOT NULL DEFAULT 0,
		promoted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_insights_category ON cognitive_insights(category);
	CREATE INDEX IF NOT EXISTS idx_insights_promoted ON cognitive_insights(promoted);
	`

	validationsTable := `
	CREATE TABLE IF NOT EXISTS insight_validations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		insight_key TEXT NOT NULL,
		outcome TEXT NOT NULL,
		trace_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_validations_key ON insight_validations(insight_key);
	`

	distillationsTable := `
	CREATE TABLE IF NOT EXISTS eidos_distillations (
		distillation_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		statement TEXT NOT NULL,
		triggers TEXT NOT NULL,
		anti_triggers TEXT,
		domains TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		effectiveness REAL NOT NULL DEFAULT 0,
		validation_count INTEGER NOT NULL DEFAULT 0,
		retired BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_eidos_type ON eidos_distillations(type);
	CREATE INDEX IF NOT EXISTS idx_eidos_retired ON eidos_distillations(retired);
	`

	vectorsTable := `
	CREATE TABLE IF NOT EXISTS semantic_vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ref_key TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_source ON semantic_vectors(source);
	`

	for _, table := range []string{insightsTable, validationsTable, distillationsTable, vectorsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// SetEmbeddingEngine configures the engine used for semantic storage and
// recall. Must be called before StoreVector / RecallSemantic.
func (s *Store) SetEmbeddingEngine(engine embedding.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddingEngine = engine
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available in this build.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store")
	return s.db.Close()
}

// Stats returns row counts per table for status reporting.
func (s *Store) Stats() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"cognitive_insights", "eidos_distillations", "semantic_vectors", "insight_validations"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats
}
