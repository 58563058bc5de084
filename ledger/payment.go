package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/logger"
	"github.com/warp/academy-ledger/sequence"
)

const defaultPaymentAttempts = 5

// =============================================================================
// PAYMENT SERVICE - the write path around Distribute
// =============================================================================

// PaymentService creates receivables and applies payments to them.
//
// Apply commits every receivable update and the settling transaction in a
// single docstore.Commit. Each receivable update is guarded by the version
// it was read at, so a concurrent writer makes the whole batch fail and the
// apply is recomputed from fresh data.
type PaymentService struct {
	Store       docstore.Store
	Builder     Builder
	Numbers     sequence.Generator // optional, numbers new receivables
	Logger      logrus.FieldLogger
	MaxAttempts int
	NewID       func() string
}

// PaymentInput is one incoming payment from a client.
type PaymentInput struct {
	ClientID    string
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	Method      string
	Date        string // YYYY-MM-DD, today when empty
	Description string
	CreatedBy   string
}

// PaymentResult is what Apply wrote.
type PaymentResult struct {
	Transaction  Transaction  `json:"transaction"`
	Distribution Distribution `json:"distribution"`
}

func (s *PaymentService) receivables() *Receivables {
	return &Receivables{Store: s.Store, Builder: s.Builder, Logger: s.Logger}
}

func (s *PaymentService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Preview returns how amount would be distributed over the client's open
// receivables. Nothing is written.
func (s *PaymentService) Preview(ctx context.Context, p docstore.Partition, clientID string, amount decimal.Decimal) (Distribution, error) {
	if clientID == "" {
		return Distribution{}, apperr.InvalidField("clientId", "is required")
	}
	open, err := s.receivables().OpenForClient(ctx, p, clientID)
	if err != nil {
		return Distribution{}, err
	}
	return Distribute(receivablesOf(open), amount), nil
}

// Apply distributes a payment over the client's open receivables and
// persists the result.
func (s *PaymentService) Apply(ctx context.Context, p docstore.Partition, in PaymentInput) (PaymentResult, error) {
	if in.ClientID == "" {
		return PaymentResult{}, apperr.InvalidField("clientId", "is required")
	}
	if !in.Amount.IsPositive() {
		return PaymentResult{}, apperr.InvalidField("amount", "must be greater than zero")
	}

	log := logger.Or(s.Logger).WithFields(logrus.Fields{
		"component": "payments",
		"tenant":    p.TenantID,
		"branch":    p.BranchID,
		"client":    in.ClientID,
	})

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultPaymentAttempts
	}
	txID := s.newID()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		open, err := s.receivables().OpenForClient(ctx, p, in.ClientID)
		if err != nil {
			return PaymentResult{}, err
		}

		dist := Distribute(receivablesOf(open), in.Amount)
		if len(dist.Allocations) == 0 {
			return PaymentResult{}, apperr.New(apperr.CodeFailedPrecondition, "client %s has no open receivables", in.ClientID)
		}

		tx, writes, err := s.plan(p, txID, in, open, dist)
		if err != nil {
			return PaymentResult{}, err
		}

		err = s.Store.Commit(ctx, writes...)
		if err == nil {
			log.WithFields(logrus.Fields{
				"transaction": txID,
				"amount":      in.Amount.String(),
				"receivables": len(dist.Allocations),
				"unapplied":   dist.RemainingAmount.String(),
			}).Info("payment applied")
			return PaymentResult{Transaction: tx, Distribution: dist}, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return PaymentResult{}, fmt.Errorf("commit payment: %w", err)
		}
		lastErr = err
		log.WithField("attempt", attempt).Debug("receivable changed during payment, retrying")
	}

	return PaymentResult{}, apperr.Wrap(apperr.CodeUnavailable, lastErr,
		"payment for client %s could not be applied after %d attempts", in.ClientID, attempts)
}

// plan turns a distribution into the writes of one payment.
func (s *PaymentService) plan(p docstore.Partition, txID string, in PaymentInput, open []StoredReceivable, dist Distribution) (Transaction, []docstore.Write, error) {
	now := s.Builder.Calendar.Instant()
	tx := s.Builder.Transaction(map[string]any{
		"id":              txID,
		"type":            string(Income),
		"clientId":        in.ClientID,
		"amount":          in.Amount,
		"fee":             in.Fee,
		"date":            in.Date,
		"method":          in.Method,
		"description":     in.Description,
		"receivableIds":   dist.ReceivableIDs(),
		"unappliedAmount": dist.RemainingAmount,
		"createdBy":       in.CreatedBy,
		"createdAt":       now,
	})

	byID := make(map[string]StoredReceivable, len(open))
	for _, sr := range open {
		byID[sr.Key()] = sr
	}

	writes := make([]docstore.Write, 0, len(dist.Allocations)+1)
	for _, a := range dist.Allocations {
		sr, ok := byID[a.ReceivableID]
		if !ok {
			return Transaction{}, nil, fmt.Errorf("allocation for unknown receivable %q", a.ReceivableID)
		}
		writes = append(writes, docstore.Update(sr.Path, sr.Version, docstore.Data{
			"paid":              a.NewPaid.String(),
			"pending":           a.NewPending.String(),
			"status":            string(deriveStatus(sr.Amount, a.NewPaid, a.NewPending)),
			"lastPaymentDate":   tx.Date.String(),
			"lastTransactionId": txID,
			"updatedAt":         now.UTC().Format(time.RFC3339Nano),
		}))
	}

	data, err := docstore.Encode(tx)
	if err != nil {
		return Transaction{}, nil, err
	}
	writes = append(writes, docstore.Create(p.Doc("transactions", txID), data))
	return tx, writes, nil
}

// CreateReceivable normalizes raw with the Builder and stores it under a
// new id. clientId and a positive amount are required.
func (s *PaymentService) CreateReceivable(ctx context.Context, p docstore.Partition, raw map[string]any) (Receivable, error) {
	rec := s.Builder.Receivable(raw)
	if rec.ClientID == nil {
		return Receivable{}, apperr.InvalidField("clientId", "is required")
	}
	if !rec.Amount.IsPositive() {
		return Receivable{}, apperr.InvalidField("amount", "must be greater than zero")
	}

	id := s.newID()
	rec.ID = &id
	now := s.Builder.Calendar.Instant()
	rec.CreatedAt = &now

	if s.Numbers != nil && rec.Number == nil {
		number, err := s.Numbers.Next(ctx, p, "receivableNumber")
		if err != nil {
			return Receivable{}, err
		}
		rec.Number = &number
	}

	data, err := docstore.Encode(rec)
	if err != nil {
		return Receivable{}, err
	}
	if err := s.Store.Commit(ctx, docstore.Create(p.Doc("receivables", id), data)); err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return Receivable{}, apperr.Wrap(apperr.CodeAlreadyExists, err, "receivable %s already exists", id)
		}
		return Receivable{}, fmt.Errorf("create receivable: %w", err)
	}

	logger.Or(s.Logger).WithFields(logrus.Fields{
		"component":  "payments",
		"tenant":     p.TenantID,
		"branch":     p.BranchID,
		"receivable": id,
		"amount":     rec.Amount.String(),
	}).Info("receivable created")
	return rec, nil
}
