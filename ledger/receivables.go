package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/logger"
)

// StoredReceivable is a receivable with the document it was read from.
type StoredReceivable struct {
	Receivable
	Path    docstore.Path
	Version int64
}

// Receivables reads receivable documents of a branch.
type Receivables struct {
	Store   docstore.Store
	Builder Builder
	Logger  logrus.FieldLogger
}

// Get returns one receivable.
func (r *Receivables) Get(ctx context.Context, p docstore.Partition, id string) (StoredReceivable, error) {
	doc, err := r.Store.Get(ctx, p.Doc("receivables", id))
	if errors.Is(err, docstore.ErrNotFound) {
		return StoredReceivable{}, apperr.New(apperr.CodeNotFound, "receivable %s not found", id)
	}
	if err != nil {
		return StoredReceivable{}, err
	}
	return r.fromDocument(doc), nil
}

// OpenForClient returns the client's receivables that still accept
// payments, in document order. Documents whose stored pending value is not
// a number are skipped and logged.
func (r *Receivables) OpenForClient(ctx context.Context, p docstore.Partition, clientID string) ([]StoredReceivable, error) {
	docs, err := r.Store.Query(ctx, docstore.In(
		p.Collection("receivables"),
		docstore.Where("clientId", docstore.OpEq, clientID),
	))
	if err != nil {
		return nil, fmt.Errorf("query receivables of %s: %w", clientID, err)
	}

	var open []StoredReceivable
	for _, doc := range docs {
		if raw, present := doc.Data["pending"]; present {
			if _, ok := decimalOf(raw); !ok {
				logger.Or(r.Logger).WithFields(logrus.Fields{
					"tenant":     p.TenantID,
					"branch":     p.BranchID,
					"receivable": doc.Path.ID(),
					"pending":    raw,
				}).Warn("skipping receivable with non-numeric pending")
				continue
			}
		}
		sr := r.fromDocument(doc)
		if sr.IsOpen() {
			open = append(open, sr)
		}
	}
	return open, nil
}

func (r *Receivables) fromDocument(doc docstore.Document) StoredReceivable {
	rec := r.Builder.Receivable(doc.Data)
	if rec.ID == nil {
		id := doc.Path.ID()
		rec.ID = &id
	}
	return StoredReceivable{Receivable: rec, Path: doc.Path, Version: doc.Version}
}

// receivablesOf drops the document metadata.
func receivablesOf(stored []StoredReceivable) []Receivable {
	out := make([]Receivable, len(stored))
	for i, s := range stored {
		out[i] = s.Receivable
	}
	return out
}
