/*
Package ledger holds the academy's money records and the payment allocation
engine.

PURPOSE:
  A client owes money through receivables (one per installment of a sale or
  contract). A payment settles one or more receivables and is recorded as a
  transaction listing the receivables it paid.

KEY CONCEPTS:
  Receivable:
    amount  fixed at creation
    paid    only grows
    pending always amount - paid, never negative, never absent

  Builder:
    Turns loosely-typed input (RPC bodies, stored documents) into a
    Receivable or Transaction that satisfies the invariants above.

  Distribute:
    Pure oldest-due-first allocation of a payment over receivables.

  PaymentService:
    Loads a client's open receivables, runs Distribute, and commits the
    receivable updates plus the settling transaction in one atomic batch.

MONEY:
  All amounts are shopspring/decimal values and are stored as decimal
  strings, so conservation holds exactly.

SEE ALSO:
  - allocation.go: Distribute
  - builder.go: payload normalization
  - payment.go: the write path
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/academy-ledger/calendar"
)

// =============================================================================
// RECEIVABLE
// =============================================================================

type ReceivableStatus string

const (
	ReceivableOpen     ReceivableStatus = "open"
	ReceivablePartial  ReceivableStatus = "partial"
	ReceivablePaid     ReceivableStatus = "paid"
	ReceivableOverdue  ReceivableStatus = "overdue"
	ReceivableCanceled ReceivableStatus = "canceled"
)

// Receivable is an amount a client owes.
type Receivable struct {
	ID               *string          `json:"id"`
	ClientID         *string          `json:"clientId"`
	SaleID           *string          `json:"saleId"`
	ContractID       *string          `json:"contractId"`
	ClientContractID *string          `json:"clientContractId"`
	Number           *string          `json:"number"`
	Amount           decimal.Decimal  `json:"amount"`
	Paid             decimal.Decimal  `json:"paid"`
	Pending          decimal.Decimal  `json:"pending"`
	DueDate          calendar.Date    `json:"dueDate"`
	Status           ReceivableStatus `json:"status"`
	Description      string           `json:"description"`
	PaymentMethod    *string          `json:"paymentMethod"`
	LastPaymentDate  calendar.Date    `json:"lastPaymentDate"`
	CreatedAt        *time.Time       `json:"createdAt,omitempty"`
}

// Key is the receivable id, "" when it has none.
func (r Receivable) Key() string { return deref(r.ID) }

// IsOpen reports whether a payment may be allocated to r.
func (r Receivable) IsOpen() bool {
	return r.Status != ReceivableCanceled && r.Pending.IsPositive()
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

const (
	TransactionCompleted = "completed"
	TransactionPending   = "pending"
	TransactionCanceled  = "canceled"
)

// Transaction records money moving in or out. Immutable after creation
// except for Status.
type Transaction struct {
	ID              *string         `json:"id"`
	Type            TransactionType `json:"type"`
	ClientID        *string         `json:"clientId"`
	Amount          decimal.Decimal `json:"amount"`
	Gross           decimal.Decimal `json:"gross"`
	Fee             decimal.Decimal `json:"fee"`
	Net             decimal.Decimal `json:"net"`
	UnappliedAmount decimal.Decimal `json:"unappliedAmount"`
	Date            calendar.Date   `json:"date"`
	Method          *string         `json:"method"`
	Status          string          `json:"status"`
	Description     string          `json:"description"`
	ReceivableIDs   []string        `json:"receivableIds"`
	CreatedBy       *string         `json:"createdBy"`
	CreatedAt       *time.Time      `json:"createdAt,omitempty"`
}

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocation is the part of a payment assigned to one receivable.
type Allocation struct {
	ReceivableID    string          `json:"receivableId"`
	AmountToPay     decimal.Decimal `json:"amountToPay"`
	OriginalPending decimal.Decimal `json:"originalPending"`
	NewPending      decimal.Decimal `json:"newPending"`
	NewPaid         decimal.Decimal `json:"newPaid"`
	WillBeFullyPaid bool            `json:"willBeFullyPaid"`
}

// Distribution is the result of Distribute.
type Distribution struct {
	Allocations      []Allocation    `json:"distribution"`
	RemainingAmount  decimal.Decimal `json:"remainingAmount"`
	TotalDistributed decimal.Decimal `json:"totalDistributed"`
}

// ReceivableIDs lists the receivables touched, in allocation order.
func (d Distribution) ReceivableIDs() []string {
	ids := make([]string, 0, len(d.Allocations))
	for _, a := range d.Allocations {
		ids = append(ids, a.ReceivableID)
	}
	return ids
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
