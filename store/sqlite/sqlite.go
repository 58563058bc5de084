/*
Package sqlite provides a SQLite-backed implementation of docstore.Store.

PURPOSE:
  Single-node deployments and integration tests get a real, durable
  document store without running a database server. Every document is one
  row; the body is JSON queried with SQLite's json1 functions.

KEY TABLE:
  documents:
    path        full document path (primary key)
    parent      collection path, for collection queries
    collection  collection id, for collection-group scans (branches)
    version     optimistic-concurrency counter, +1 per write
    data        JSON body
    updated_at  RFC 3339

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so ":memory:"
  databases are shared by every caller. Version preconditions are still
  checked inside the SQL transaction (UPDATE ... WHERE version = ?), so the
  same code is correct on a multi-writer database.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/academy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - docstore/store.go: Interface definitions
  - docstore/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/academy-ledger/docstore"
)

// Store implements docstore.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		parent TEXT NOT NULL,
		collection TEXT NOT NULL,
		version INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Collection queries (sessions of a branch, enrollments of a branch)
	CREATE INDEX IF NOT EXISTS idx_documents_parent
		ON documents(parent);

	-- Collection-group scans (every branch of every tenant)
	CREATE INDEX IF NOT EXISTS idx_documents_collection
		ON documents(collection);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

// Get returns one document.
func (s *Store) Get(ctx context.Context, path docstore.Path) (docstore.Document, error) {
	if err := path.Validate(); err != nil {
		return docstore.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT path, version, data, updated_at FROM documents WHERE path = ?",
		string(path),
	)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return docstore.Document{}, fmt.Errorf("get %s: %w", path, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	return doc, nil
}

// Query runs q. Filters are pushed into SQL with a JSON type guard and then
// re-checked in process, so comparison semantics match the memory store.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if q.Parent != "" {
		where = append(where, "parent = ?")
		args = append(args, string(q.Parent))
	} else {
		where = append(where, "collection = ?")
		args = append(args, q.Group)
	}
	for _, f := range q.Filters {
		clause, fargs, ok := filterClause(f)
		if !ok {
			continue
		}
		where = append(where, clause)
		args = append(args, fargs...)
	}

	query := "SELECT path, version, data, updated_at FROM documents WHERE " +
		strings.Join(where, " AND ") + " ORDER BY path ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		if docstore.Matches(doc.Data, q.Filters) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.OrderBy != "" {
		docstore.SortDocuments(docs, q.OrderBy)
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func filterClause(f docstore.Filter) (string, []any, bool) {
	jsonPath := "$." + f.Field
	var typeGuard string
	switch f.Value.(type) {
	case string:
		typeGuard = "json_type(data, ?) = 'text'"
	case float64:
		typeGuard = "json_type(data, ?) IN ('integer', 'real')"
	case bool:
		typeGuard = "json_type(data, ?) IN ('true', 'false')"
	case nil:
		if f.Op == docstore.OpEq {
			return "json_type(data, ?) = 'null'", []any{jsonPath}, true
		}
		return "", nil, false
	default:
		return "", nil, false
	}
	clause := fmt.Sprintf("(%s AND json_extract(data, ?) %s ?)", typeGuard, sqlOperator(f.Op))
	return clause, []any{jsonPath, jsonPath, f.Value}, true
}

func sqlOperator(op docstore.Operator) string {
	if op == docstore.OpEq {
		return "="
	}
	return string(op)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (docstore.Document, error) {
	var (
		doc       docstore.Document
		path      string
		dataJSON  string
		updatedAt string
	)
	if err := row.Scan(&path, &doc.Version, &dataJSON, &updatedAt); err != nil {
		return doc, err
	}
	doc.Path = docstore.Path(path)
	if err := json.Unmarshal([]byte(dataJSON), &doc.Data); err != nil {
		return doc, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return doc, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Commit applies writes in one SQL transaction.
func (s *Store) Commit(ctx context.Context, writes ...docstore.Write) error {
	if err := docstore.ValidateWrites(writes); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, w := range writes {
		if err := s.applyWrite(ctx, sqlTx, w, now); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func (s *Store) applyWrite(ctx context.Context, tx *sql.Tx, w docstore.Write, now string) error {
	var (
		currentJSON string
		version     int64
		current     docstore.Data
	)
	err := tx.QueryRowContext(ctx,
		"SELECT version, data FROM documents WHERE path = ?", string(w.Path),
	).Scan(&version, &currentJSON)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read %s: %w", w.Path, err)
	}
	if exists {
		if err := json.Unmarshal([]byte(currentJSON), &current); err != nil {
			return fmt.Errorf("failed to decode %s: %w", w.Path, err)
		}
	}

	switch w.Op {
	case docstore.OpCreate:
		if exists {
			return fmt.Errorf("create %s: %w", w.Path, docstore.ErrAlreadyExists)
		}
	case docstore.OpUpdate:
		if !exists {
			return fmt.Errorf("update %s: %w", w.Path, docstore.ErrNotFound)
		}
		if version != w.Version {
			return fmt.Errorf("update %s (have v%d, want v%d): %w", w.Path, version, w.Version, docstore.ErrConflict)
		}
	}

	body, err := json.Marshal(docstore.Apply(w, current))
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", w.Path, err)
	}

	if !exists {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (path, parent, collection, version, data, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
		`, string(w.Path), string(w.Path.Parent()), w.Path.CollectionID(), string(body), now)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("create %s: %w", w.Path, docstore.ErrAlreadyExists)
			}
			return fmt.Errorf("failed to insert %s: %w", w.Path, err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET data = ?, version = version + 1, updated_at = ?
		WHERE path = ? AND version = ?
	`, string(body), now, string(w.Path), version)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", w.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", w.Path, docstore.ErrConflict)
	}
	return nil
}

// Reset deletes every document (dev only).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	return err
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
