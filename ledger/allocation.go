package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT DISTRIBUTION - Splits a payment across receivables
// =============================================================================

// Distribute allocates totalPayment across receivables, oldest due date
// first. Ties keep input order.
//
// Greedy single pass:
//
//	for each receivable (sorted):
//	    skip if pending <= 0
//	    pay min(pending, remaining)
//	    stop once remaining <= 0
//
// Guarantees, exact in decimal:
//   - TotalDistributed + RemainingAmount == totalPayment
//   - sum(AmountToPay) == TotalDistributed
//   - NewPending >= 0 for every allocation
//
// A non-positive payment or an empty list allocates nothing and leaves
// RemainingAmount == totalPayment. Nothing is persisted.
func Distribute(receivables []Receivable, totalPayment decimal.Decimal) Distribution {
	result := Distribution{
		Allocations:      []Allocation{},
		RemainingAmount:  totalPayment,
		TotalDistributed: decimal.Zero,
	}
	if !totalPayment.IsPositive() || len(receivables) == 0 {
		return result
	}

	sorted := make([]Receivable, len(receivables))
	copy(sorted, receivables)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DueDate.Before(sorted[j].DueDate)
	})

	remaining := totalPayment
	for _, r := range sorted {
		if !remaining.IsPositive() {
			break
		}
		if !r.Pending.IsPositive() {
			continue
		}

		// Take min(pending, remaining)
		toPay := decimal.Min(r.Pending, remaining)
		newPending := r.Pending.Sub(toPay)

		result.Allocations = append(result.Allocations, Allocation{
			ReceivableID:    r.Key(),
			AmountToPay:     toPay,
			OriginalPending: r.Pending,
			NewPending:      newPending,
			NewPaid:         r.Paid.Add(toPay),
			WillBeFullyPaid: !newPending.IsPositive(),
		})

		remaining = remaining.Sub(toPay)
		result.TotalDistributed = result.TotalDistributed.Add(toPay)
	}

	result.RemainingAmount = remaining
	return result
}
