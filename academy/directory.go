package academy

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/calendar"
	"github.com/warp/academy-ledger/docstore"
)

// Directory reads the academy collections of a branch.
type Directory struct {
	Store docstore.Store
}

// =============================================================================
// SESSIONS
// =============================================================================

// Session returns one session or a not-found error.
func (d *Directory) Session(ctx context.Context, p docstore.Partition, id string) (Session, error) {
	doc, err := d.Store.Get(ctx, p.Doc("sessions", id))
	if errors.Is(err, docstore.ErrNotFound) {
		return Session{}, apperr.New(apperr.CodeNotFound, "session %s not found", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return SessionOf(doc), nil
}

// SessionsOn returns every session of the branch dated date, recorded or
// not. Callers decide on RecordingState; older documents lack the flag, so
// it cannot be a store-side filter.
func (d *Directory) SessionsOn(ctx context.Context, p docstore.Partition, date calendar.Date) ([]Session, error) {
	docs, err := d.Store.Query(ctx, docstore.In(
		p.Collection("sessions"),
		docstore.Where("sessionDate", docstore.OpEq, date.String()),
	))
	if err != nil {
		return nil, fmt.Errorf("query sessions on %s: %w", date, err)
	}
	sessions := make([]Session, 0, len(docs))
	for _, doc := range docs {
		sessions = append(sessions, SessionOf(doc))
	}
	return sessions, nil
}

// =============================================================================
// ENROLLMENTS / CLIENTS
// =============================================================================

// ActiveEnrollments returns the active enrollments of a class.
func (d *Directory) ActiveEnrollments(ctx context.Context, p docstore.Partition, classID string) ([]Enrollment, error) {
	docs, err := d.Store.Query(ctx, docstore.In(
		p.Collection("enrollments"),
		docstore.Where("classId", docstore.OpEq, classID),
		docstore.Where("status", docstore.OpEq, StatusActive),
	))
	if err != nil {
		return nil, fmt.Errorf("query enrollments of class %s: %w", classID, err)
	}
	enrollments := make([]Enrollment, 0, len(docs))
	for _, doc := range docs {
		enrollments = append(enrollments, EnrollmentOf(doc))
	}
	return enrollments, nil
}

// Client returns a client's display fields. found is false when the client
// document does not exist.
func (d *Directory) Client(ctx context.Context, p docstore.Partition, id string) (c Client, found bool, err error) {
	if id == "" {
		return Client{}, false, nil
	}
	doc, err := d.Store.Get(ctx, p.Doc("clients", id))
	if errors.Is(err, docstore.ErrNotFound) {
		return Client{ID: id}, false, nil
	}
	if err != nil {
		return Client{}, false, fmt.Errorf("get client %s: %w", id, err)
	}
	return ClientOf(doc), true, nil
}

// =============================================================================
// CONTRACTS
// =============================================================================

// ActiveContractsEnding returns active client contracts whose endDate is date.
func (d *Directory) ActiveContractsEnding(ctx context.Context, p docstore.Partition, date calendar.Date) ([]ClientContract, error) {
	docs, err := d.Store.Query(ctx, docstore.In(
		p.Collection("clientContracts"),
		docstore.Where("status", docstore.OpEq, StatusActive),
		docstore.Where("endDate", docstore.OpEq, date.String()),
	))
	if err != nil {
		return nil, fmt.Errorf("query contracts ending %s: %w", date, err)
	}
	contracts := make([]ClientContract, 0, len(docs))
	for _, doc := range docs {
		contracts = append(contracts, ClientContractOf(doc))
	}
	return contracts, nil
}

// ContractTitle returns the title of a contract template, "" when the
// template is missing.
func (d *Directory) ContractTitle(ctx context.Context, p docstore.Partition, contractID string) (string, error) {
	if contractID == "" {
		return "", nil
	}
	doc, err := d.Store.Get(ctx, p.Doc("contracts", contractID))
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get contract %s: %w", contractID, err)
	}
	return firstNonEmpty(doc.Data.Text("title"), doc.Data.Text("name")), nil
}
