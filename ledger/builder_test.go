package ledger_test

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/calendar"
	"github.com/warp/academy-ledger/ledger"
)

var bogota = func() *time.Location {
	loc, err := time.LoadLocation("America/Bogota")
	if err != nil {
		panic(err)
	}
	return loc
}()

// 2024-03-10 02:00 UTC is still 2024-03-09 in Bogotá.
var builder = ledger.Builder{Calendar: calendar.Fixed(time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC), bogota)}

// =============================================================================
// RECEIVABLE
// =============================================================================

func TestBuilder_ReceivableDefaults(t *testing.T) {
	// GIVEN: Nothing but an amount
	r := builder.Receivable(map[string]any{"amount": 150})

	// THEN: paid 0, pending = amount, due today in the reference zone, open
	assertDecEqual(t, "150", r.Amount)
	assertDecEqual(t, "0", r.Paid)
	assertDecEqual(t, "150", r.Pending)
	assert.Equal(t, "2024-03-09", r.DueDate.String())
	assert.Equal(t, ledger.ReceivableOpen, r.Status)
	assert.Nil(t, r.ID)
	assert.Nil(t, r.SaleID)
}

func TestBuilder_PendingIsAlwaysANumber(t *testing.T) {
	cases := []struct {
		name                  string
		raw                   map[string]any
		amount, paid, pending string
	}{
		{"all absent", map[string]any{}, "0", "0", "0"},
		{"non-numeric amount", map[string]any{"amount": "abc", "paid": 5}, "0", "0", "0"},
		{"numeric strings", map[string]any{"amount": "100.50", "paid": "20.25"}, "100.5", "20.25", "80.25"},
		{"json number", map[string]any{"amount": json.Number("80"), "paid": json.Number("30")}, "80", "30", "50"},
		{"explicit pending wins", map[string]any{"amount": 100, "paid": 10, "pending": 60}, "100", "40", "60"},
		{"pending above amount ignored", map[string]any{"amount": 100, "paid": 10, "pending": 500}, "100", "10", "90"},
		{"negative pending ignored", map[string]any{"amount": 100, "paid": 10, "pending": -5}, "100", "10", "90"},
		{"non-numeric pending ignored", map[string]any{"amount": 100, "pending": "n/a"}, "100", "0", "100"},
		{"overpaid clamps", map[string]any{"amount": 100, "paid": 130}, "100", "100", "0"},
		{"negative paid clamps", map[string]any{"amount": 100, "paid": -30}, "100", "0", "100"},
		{"negative amount clamps", map[string]any{"amount": -100}, "0", "0", "0"},
		{"NaN amount", map[string]any{"amount": math.NaN()}, "0", "0", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := builder.Receivable(tc.raw)
			assertDecEqual(t, tc.amount, r.Amount, "amount")
			assertDecEqual(t, tc.paid, r.Paid, "paid")
			assertDecEqual(t, tc.pending, r.Pending, "pending")
			assert.True(t, r.Paid.Add(r.Pending).Equal(r.Amount))
			assert.False(t, r.Pending.IsNegative())
		})
	}
}

func TestBuilder_ReceivableIdentifiers(t *testing.T) {
	r := builder.Receivable(map[string]any{
		"id":         "  r-1 ",
		"clientId":   float64(1001),
		"saleId":     "",
		"contractId": nil,
		"number":     json.Number("42"),
	})

	require.NotNil(t, r.ID)
	assert.Equal(t, "r-1", *r.ID)
	require.NotNil(t, r.ClientID)
	assert.Equal(t, "1001", *r.ClientID)
	assert.Nil(t, r.SaleID)
	assert.Nil(t, r.ContractID)
	assert.Equal(t, "42", *r.Number)
}

func TestBuilder_ReceivableStatus(t *testing.T) {
	assert.Equal(t, ledger.ReceivablePaid, builder.Receivable(map[string]any{"amount": 10, "paid": 10}).Status)
	assert.Equal(t, ledger.ReceivablePartial, builder.Receivable(map[string]any{"amount": 10, "paid": 4}).Status)
	assert.Equal(t, ledger.ReceivableOpen, builder.Receivable(map[string]any{"amount": 0}).Status)
	assert.Equal(t, ledger.ReceivableCanceled, builder.Receivable(map[string]any{"amount": 10, "status": "Canceled"}).Status)
	assert.Equal(t, ledger.ReceivableOverdue, builder.Receivable(map[string]any{"amount": 10, "status": "overdue"}).Status)
	// A stale "open" label on a settled receivable is corrected.
	assert.Equal(t, ledger.ReceivablePaid, builder.Receivable(map[string]any{"amount": 10, "pending": 0, "status": "open"}).Status)
}

func TestBuilder_DueDate(t *testing.T) {
	r := builder.Receivable(map[string]any{"dueDate": "2024-01-31"})
	assert.Equal(t, "2024-01-31", r.DueDate.String())

	// Timestamps are read in the reference zone.
	r = builder.Receivable(map[string]any{"dueDate": "2024-02-01T03:00:00Z"})
	assert.Equal(t, "2024-01-31", r.DueDate.String())

	r = builder.Receivable(map[string]any{"dueDate": "not a date"})
	assert.Equal(t, "2024-03-09", r.DueDate.String())
}

func TestBuilder_IsDeterministic(t *testing.T) {
	raw := map[string]any{"amount": "99.99", "paid": 9, "clientId": "c1"}
	assert.Equal(t, builder.Receivable(raw), builder.Receivable(raw))
}

// =============================================================================
// TRANSACTION
// =============================================================================

func TestBuilder_TransactionDefaults(t *testing.T) {
	tx := builder.Transaction(map[string]any{"amount": "200", "fee": "5"})

	assert.Equal(t, ledger.Income, tx.Type)
	assertDecEqual(t, "200", tx.Gross)
	assertDecEqual(t, "195", tx.Net)
	assert.Equal(t, ledger.TransactionCompleted, tx.Status)
	assert.Equal(t, "2024-03-09", tx.Date.String())
	assert.Equal(t, []string{}, tx.ReceivableIDs)
}

func TestBuilder_TransactionFields(t *testing.T) {
	tx := builder.Transaction(map[string]any{
		"type":          "EXPENSE",
		"amount":        50,
		"gross":         60,
		"net":           48,
		"status":        "weird",
		"date":          "2024-02-29",
		"method":        "cash",
		"receivableIds": []any{"r1", "", "r2", "r1", 7.0, nil},
	})

	assert.Equal(t, ledger.Expense, tx.Type)
	assertDecEqual(t, "60", tx.Gross)
	assertDecEqual(t, "48", tx.Net)
	assert.Equal(t, ledger.TransactionCompleted, tx.Status)
	assert.Equal(t, "2024-02-29", tx.Date.String())
	assert.Equal(t, "cash", *tx.Method)
	assert.Equal(t, []string{"r1", "r2", "7"}, tx.ReceivableIDs)
}
