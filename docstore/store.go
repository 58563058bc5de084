/*
Package docstore defines the hierarchical document store the ledger and the
scheduled jobs run on.

PURPOSE:
  Records live at paths like tenants/{t}/branches/{b}/sessions/{id}. Each
  document is a JSON-shaped map plus a version number that increases on every
  write. The version is what makes optimistic concurrency possible: a writer
  reads a document, computes a change, and commits it only if nobody else
  wrote in between.

KEY INTERFACES:
  Store: Get, Query, Commit. Nothing else.

WRITE OPERATIONS (Commit):
  OpSet     full overwrite, creates if absent (operational summaries)
  OpMerge   field merge, creates if absent (attendance records)
  OpCreate  fails with ErrAlreadyExists if the document exists
  OpUpdate  field merge guarded by Version; ErrConflict on mismatch,
            ErrNotFound if absent

  All writes passed to one Commit call are applied atomically: either every
  precondition holds and all are written, or none are.

IMPLEMENTATIONS:
  - docstore/memory: in-process, for tests and dev
  - store/sqlite:    single-node SQLite (json1)
  - store/mongo:     MongoDB documents collection

SEE ALSO:
  - sequence/counter.go: CAS loop on OpCreate/OpUpdate
  - ledger/payment.go: multi-document atomic payment application
*/
package docstore

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// DOCUMENT
// =============================================================================

// Data is a JSON-shaped document body: string, float64, bool, nil,
// []any and map[string]any values only. Use Encode to build one.
type Data map[string]any

// Document is a stored document.
type Document struct {
	Path      Path
	Data      Data
	Version   int64
	UpdatedAt time.Time
}

// Exists is false for the zero Document.
func (d Document) Exists() bool { return d.Version > 0 }

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path Path) (Document, error)

	// Query returns documents matching q, ordered by path unless q.OrderBy is set.
	Query(ctx context.Context, q Query) ([]Document, error)

	// Commit applies writes atomically.
	Commit(ctx context.Context, writes ...Write) error
}

// =============================================================================
// WRITES
// =============================================================================

type Op int

const (
	OpSet Op = iota
	OpMerge
	OpCreate
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpMerge:
		return "merge"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Write is one mutation inside a Commit.
type Write struct {
	Op      Op
	Path    Path
	Data    Data
	Version int64 // OpUpdate precondition
}

func Set(path Path, data Data) Write    { return Write{Op: OpSet, Path: path, Data: data} }
func Merge(path Path, data Data) Write  { return Write{Op: OpMerge, Path: path, Data: data} }
func Create(path Path, data Data) Write { return Write{Op: OpCreate, Path: path, Data: data} }

func Update(path Path, version int64, data Data) Write {
	return Write{Op: OpUpdate, Path: path, Data: data, Version: version}
}

// ValidateWrites checks paths and normalizes data in place. Backends call it
// before touching storage.
func ValidateWrites(writes []Write) error {
	seen := make(map[Path]bool, len(writes))
	for i := range writes {
		w := &writes[i]
		if err := w.Path.Validate(); err != nil {
			return err
		}
		if seen[w.Path] {
			return fmt.Errorf("%w: %s written twice in one commit", ErrInvalidPath, w.Path)
		}
		seen[w.Path] = true
		if w.Op == OpUpdate && w.Version <= 0 {
			return fmt.Errorf("update %s: %w (no version)", w.Path, ErrConflict)
		}
		data, err := Normalize(w.Data)
		if err != nil {
			return fmt.Errorf("%s %s: %w", w.Op, w.Path, err)
		}
		w.Data = data
	}
	return nil
}

// Apply computes the new body of a document for w, given the current body
// (nil when absent). Backends that cannot express a write natively use it.
func Apply(w Write, current Data) Data {
	switch w.Op {
	case OpMerge, OpUpdate:
		out := make(Data, len(current)+len(w.Data))
		for k, v := range current {
			out[k] = v
		}
		for k, v := range w.Data {
			out[k] = v
		}
		return out
	default:
		out := make(Data, len(w.Data))
		for k, v := range w.Data {
			out[k] = v
		}
		return out
	}
}

// =============================================================================
// QUERIES
// =============================================================================

type Operator string

const (
	OpEq  Operator = "=="
	OpNe  Operator = "!="
	OpLt  Operator = "<"
	OpLte Operator = "<="
	OpGt  Operator = ">"
	OpGte Operator = ">="
)

type Filter struct {
	Field string
	Op    Operator
	Value any
}

func Where(field string, op Operator, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects documents either directly under Parent (a collection path)
// or, when Group is set, in every collection with that id anywhere in the
// hierarchy (a collection-group scan).
type Query struct {
	Parent  Path
	Group   string
	Filters []Filter
	OrderBy string // optional top-level field, ascending
	Limit   int
}

// In returns a query over one collection.
func In(collection Path, filters ...Filter) Query {
	return Query{Parent: collection, Filters: filters}
}

// Group returns a collection-group query.
func Group(collectionID string, filters ...Filter) Query {
	return Query{Group: collectionID, Filters: filters}
}

// Validate normalizes filter values and checks the query shape.
func (q *Query) Validate() error {
	if (q.Parent == "") == (q.Group == "") {
		return fmt.Errorf("%w: query needs exactly one of parent or group", ErrInvalidPath)
	}
	if q.Parent != "" && q.Parent.IsDocument() {
		return fmt.Errorf("%w: %q is not a collection", ErrInvalidPath, string(q.Parent))
	}
	for i := range q.Filters {
		f := &q.Filters[i]
		switch f.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		default:
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidPath, f.Op)
		}
		v, err := NormalizeValue(f.Value)
		if err != nil {
			return fmt.Errorf("filter %s: %w", f.Field, err)
		}
		f.Value = v
	}
	return nil
}
