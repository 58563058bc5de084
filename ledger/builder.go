package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/academy-ledger/calendar"
)

// =============================================================================
// BUILDER - raw input to canonical records
// =============================================================================

// Builder normalizes raw financial input. It does no I/O; given the same
// input and the same calendar clock it returns the same record.
type Builder struct {
	Calendar calendar.Calendar
}

// Receivable builds a receivable from raw input.
//
// Rules:
//   - amount, paid: 0 when absent or not a number; amount < 0 becomes 0
//   - paid is clamped into [0, amount]
//   - pending: an explicit value in [0, amount] wins and fixes paid to
//     amount - pending; otherwise pending = amount - paid
//   - dueDate: parsed, or today in the reference calendar
//   - status: canceled/overdue are kept, everything else is derived
func (b Builder) Receivable(raw map[string]any) Receivable {
	amount := moneyOf(raw["amount"])
	if amount.IsNegative() {
		amount = decimal.Zero
	}

	paid := clamp(moneyOf(raw["paid"]), decimal.Zero, amount)
	pending := amount.Sub(paid)
	if p, ok := decimalOf(raw["pending"]); ok && !p.IsNegative() && p.LessThanOrEqual(amount) {
		pending = p
		paid = amount.Sub(p)
	}

	r := Receivable{
		ID:               idOf(raw["id"]),
		ClientID:         idOf(raw["clientId"]),
		SaleID:           idOf(raw["saleId"]),
		ContractID:       idOf(raw["contractId"]),
		ClientContractID: idOf(raw["clientContractId"]),
		Number:           idOf(raw["number"]),
		Amount:           amount,
		Paid:             paid,
		Pending:          pending,
		DueDate:          b.dateOr(raw["dueDate"], b.Calendar.Today()),
		Description:      textOf(raw["description"]),
		PaymentMethod:    idOf(raw["paymentMethod"]),
		LastPaymentDate:  b.dateOr(raw["lastPaymentDate"], calendar.Date{}),
	}
	r.Status = receivableStatus(textOf(raw["status"]), amount, paid, pending)
	r.CreatedAt = timeOf(raw["createdAt"])
	return r
}

func receivableStatus(given string, amount, paid, pending decimal.Decimal) ReceivableStatus {
	switch ReceivableStatus(strings.ToLower(given)) {
	case ReceivableCanceled:
		return ReceivableCanceled
	case ReceivableOverdue:
		if pending.IsPositive() {
			return ReceivableOverdue
		}
	}
	return deriveStatus(amount, paid, pending)
}

func deriveStatus(amount, paid, pending decimal.Decimal) ReceivableStatus {
	switch {
	case pending.IsZero() && amount.IsPositive():
		return ReceivablePaid
	case paid.IsPositive() && pending.IsPositive():
		return ReceivablePartial
	}
	return ReceivableOpen
}

// Transaction builds a transaction from raw input.
//
// Defaults: type income, gross = amount, fee = 0, net = gross - fee,
// date today, status completed. receivableIds drops empties and repeats.
func (b Builder) Transaction(raw map[string]any) Transaction {
	amount := moneyOf(raw["amount"])
	gross, ok := decimalOf(raw["gross"])
	if !ok {
		gross = amount
	}
	fee := moneyOf(raw["fee"])
	net, ok := decimalOf(raw["net"])
	if !ok {
		net = gross.Sub(fee)
	}

	txType := Income
	if TransactionType(strings.ToLower(textOf(raw["type"]))) == Expense {
		txType = Expense
	}

	status := strings.ToLower(textOf(raw["status"]))
	switch status {
	case TransactionCompleted, TransactionPending, TransactionCanceled:
	default:
		status = TransactionCompleted
	}

	tx := Transaction{
		ID:              idOf(raw["id"]),
		Type:            txType,
		ClientID:        idOf(raw["clientId"]),
		Amount:          amount,
		Gross:           gross,
		Fee:             fee,
		Net:             net,
		UnappliedAmount: moneyOf(raw["unappliedAmount"]),
		Date:            b.dateOr(raw["date"], b.Calendar.Today()),
		Method:          idOf(raw["method"]),
		Status:          status,
		Description:     textOf(raw["description"]),
		ReceivableIDs:   idsOf(raw["receivableIds"]),
		CreatedBy:       idOf(raw["createdBy"]),
		CreatedAt:       timeOf(raw["createdAt"]),
	}
	return tx
}

func (b Builder) dateOr(v any, fallback calendar.Date) calendar.Date {
	switch x := v.(type) {
	case calendar.Date:
		if !x.IsZero() {
			return x
		}
	case time.Time:
		if !x.IsZero() {
			return b.Calendar.DateOf(x)
		}
	case string:
		if d, err := b.Calendar.Parse(strings.TrimSpace(x)); err == nil && !d.IsZero() {
			return d
		}
	}
	return fallback
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
