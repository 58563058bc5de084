// Package memory provides an in-process docstore.Store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/academy-ledger/docstore"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	docs   map[docstore.Path]*entry
	writes map[docstore.Path]int
	now    func() time.Time
}

type entry struct {
	data      docstore.Data
	version   int64
	updatedAt time.Time
}

func New() *Memory {
	return &Memory{
		docs:   make(map[docstore.Path]*entry),
		writes: make(map[docstore.Path]int),
		now:    time.Now,
	}
}

func (m *Memory) Get(_ context.Context, path docstore.Path) (docstore.Document, error) {
	if err := path.Validate(); err != nil {
		return docstore.Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.docs[path]
	if !ok {
		return docstore.Document{}, fmt.Errorf("get %s: %w", path, docstore.ErrNotFound)
	}
	return e.document(path), nil
}

func (m *Memory) Query(_ context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []docstore.Document
	for path, e := range m.docs {
		if q.Parent != "" && path.Parent() != q.Parent {
			continue
		}
		if q.Group != "" && path.CollectionID() != q.Group {
			continue
		}
		if !docstore.Matches(e.data, q.Filters) {
			continue
		}
		result = append(result, e.document(path))
	}

	// Map iteration is random; always establish path order first so that
	// OrderBy ties are deterministic.
	docstore.SortDocuments(result, "")
	if q.OrderBy != "" {
		docstore.SortDocuments(result, q.OrderBy)
	}
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// Commit checks every precondition first, then applies all writes.
func (m *Memory) Commit(_ context.Context, writes ...docstore.Write) error {
	if err := docstore.ValidateWrites(writes); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range writes {
		e, exists := m.docs[w.Path]
		switch w.Op {
		case docstore.OpCreate:
			if exists {
				return fmt.Errorf("create %s: %w", w.Path, docstore.ErrAlreadyExists)
			}
		case docstore.OpUpdate:
			if !exists {
				return fmt.Errorf("update %s: %w", w.Path, docstore.ErrNotFound)
			}
			if e.version != w.Version {
				return fmt.Errorf("update %s (have v%d, want v%d): %w", w.Path, e.version, w.Version, docstore.ErrConflict)
			}
		}
	}

	now := m.now().UTC()
	for _, w := range writes {
		var current docstore.Data
		var version int64
		if e, ok := m.docs[w.Path]; ok {
			current, version = e.data, e.version
		}
		m.docs[w.Path] = &entry{
			data:      docstore.Apply(w, current),
			version:   version + 1,
			updatedAt: now,
		}
		m.writes[w.Path]++
	}
	return nil
}

// WriteCount returns how many committed writes touched path. Tests use it to
// prove a pass performed no writes.
func (m *Memory) WriteCount(path docstore.Path) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[path]
}

// Reset drops every document.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[docstore.Path]*entry)
	m.writes = make(map[docstore.Path]int)
}

func (e *entry) document(path docstore.Path) docstore.Document {
	// Callers get their own copy; the stored body is never aliased.
	data, _ := docstore.Normalize(e.data)
	return docstore.Document{Path: path, Data: data, Version: e.version, UpdatedAt: e.updatedAt}
}
