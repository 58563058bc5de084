package ledger_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/docstore/memory"
	"github.com/warp/academy-ledger/ledger"
	"github.com/warp/academy-ledger/sequence"
)

var branch = docstore.Partition{TenantID: "t1", BranchID: "b1"}

func newPaymentService(store docstore.Store) *ledger.PaymentService {
	var n atomic.Int64
	return &ledger.PaymentService{
		Store:   store,
		Builder: builder,
		NewID:   func() string { return fmt.Sprintf("id-%d", n.Add(1)) },
	}
}

func seedReceivable(t *testing.T, store docstore.Store, id string, data docstore.Data) {
	t.Helper()
	require.NoError(t, store.Commit(context.Background(), docstore.Set(branch.Doc("receivables", id), data)))
}

func TestPaymentService_ApplyWritesReceivablesAndTransaction(t *testing.T) {
	// GIVEN: Two open receivables for c1 and one for another client
	ctx := context.Background()
	store := memory.New()
	seedReceivable(t, store, "march", docstore.Data{"clientId": "c1", "amount": "100", "paid": "0", "pending": "100", "dueDate": "2024-03-01"})
	seedReceivable(t, store, "january", docstore.Data{"clientId": "c1", "amount": "50", "paid": "0", "pending": "50", "dueDate": "2024-01-01"})
	seedReceivable(t, store, "other", docstore.Data{"clientId": "c2", "amount": "10", "pending": "10", "dueDate": "2023-01-01"})
	svc := newPaymentService(store)

	// WHEN: c1 pays 120
	res, err := svc.Apply(ctx, branch, ledger.PaymentInput{ClientID: "c1", Amount: dec("120"), Method: "cash", CreatedBy: "u1"})
	require.NoError(t, err)

	// THEN: January settled, March partial, one transaction listing both
	assert.Equal(t, []string{"january", "march"}, res.Distribution.ReceivableIDs())

	jan, err := store.Get(ctx, branch.Doc("receivables", "january"))
	require.NoError(t, err)
	assert.Equal(t, "0", jan.Data["pending"])
	assert.Equal(t, "50", jan.Data["paid"])
	assert.Equal(t, "paid", jan.Data["status"])
	assert.Equal(t, "2024-03-09", jan.Data["lastPaymentDate"])

	mar, err := store.Get(ctx, branch.Doc("receivables", "march"))
	require.NoError(t, err)
	assert.Equal(t, "30", mar.Data["pending"])
	assert.Equal(t, "70", mar.Data["paid"])
	assert.Equal(t, "partial", mar.Data["status"])
	assert.Equal(t, "2024-03-01", mar.Data["dueDate"], "untouched fields survive")

	txDoc, err := store.Get(ctx, branch.Doc("transactions", *res.Transaction.ID))
	require.NoError(t, err)
	assert.Equal(t, "income", txDoc.Data["type"])
	assert.Equal(t, "120", txDoc.Data["amount"])
	assert.Equal(t, []any{"january", "march"}, txDoc.Data["receivableIds"])
	assert.Equal(t, "u1", txDoc.Data["createdBy"])

	other, err := store.Get(ctx, branch.Doc("receivables", "other"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)
}

func TestPaymentService_Overpayment(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedReceivable(t, store, "r1", docstore.Data{"clientId": "c1", "amount": "40", "pending": "40", "dueDate": "2024-01-01"})
	svc := newPaymentService(store)

	res, err := svc.Apply(ctx, branch, ledger.PaymentInput{ClientID: "c1", Amount: dec("55")})
	require.NoError(t, err)

	assertDecEqual(t, "15", res.Distribution.RemainingAmount)
	assertDecEqual(t, "15", res.Transaction.UnappliedAmount)
	assertDecEqual(t, "55", res.Transaction.Amount)
}

func TestPaymentService_Validation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newPaymentService(store)

	_, err := svc.Apply(ctx, branch, ledger.PaymentInput{Amount: dec("10")})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = svc.Apply(ctx, branch, ledger.PaymentInput{ClientID: "c1", Amount: dec("0")})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = svc.Apply(ctx, branch, ledger.PaymentInput{ClientID: "c1", Amount: dec("10")})
	assert.ErrorIs(t, err, apperr.ErrFailedPrecondition)
}

func TestPaymentService_SkipsCorruptAndSettledReceivables(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedReceivable(t, store, "corrupt", docstore.Data{"clientId": "c1", "amount": "100", "pending": "abc", "dueDate": "2023-01-01"})
	seedReceivable(t, store, "settled", docstore.Data{"clientId": "c1", "amount": "100", "pending": "0", "dueDate": "2023-06-01"})
	seedReceivable(t, store, "canceled", docstore.Data{"clientId": "c1", "amount": "100", "status": "canceled", "dueDate": "2023-07-01"})
	seedReceivable(t, store, "good", docstore.Data{"clientId": "c1", "amount": "100", "pending": "100", "dueDate": "2024-01-01"})
	svc := newPaymentService(store)

	d, err := svc.Preview(ctx, branch, "c1", dec("30"))
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, d.ReceivableIDs())

	// Preview writes nothing.
	doc, err := store.Get(ctx, branch.Doc("receivables", "good"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
}

// racingStore lets another writer touch a receivable right before the
// first commit of a payment.
type racingStore struct {
	*memory.Memory
	raced atomic.Bool
}

func (s *racingStore) Commit(ctx context.Context, writes ...docstore.Write) error {
	if len(writes) > 1 && s.raced.CompareAndSwap(false, true) {
		path := branch.Doc("receivables", "r1")
		doc, _ := s.Memory.Get(ctx, path)
		// A concurrent payment of 10 lands first.
		if err := s.Memory.Commit(ctx, docstore.Update(path, doc.Version, docstore.Data{"paid": "10", "pending": "90"})); err != nil {
			return err
		}
	}
	return s.Memory.Commit(ctx, writes...)
}

func TestPaymentService_RetriesOnConcurrentChange(t *testing.T) {
	// GIVEN: A receivable that changes between read and commit
	ctx := context.Background()
	store := &racingStore{Memory: memory.New()}
	seedReceivable(t, store, "r1", docstore.Data{"clientId": "c1", "amount": "100", "pending": "100", "dueDate": "2024-01-01"})
	svc := newPaymentService(store)

	// WHEN: Paying 50
	_, err := svc.Apply(ctx, branch, ledger.PaymentInput{ClientID: "c1", Amount: dec("50")})
	require.NoError(t, err)

	// THEN: The retry saw the concurrent payment, nothing was lost
	doc, err := store.Get(ctx, branch.Doc("receivables", "r1"))
	require.NoError(t, err)
	assert.Equal(t, "60", doc.Data["paid"])
	assert.Equal(t, "40", doc.Data["pending"])

	txs, err := store.Query(ctx, docstore.In(branch.Collection("transactions")))
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// alwaysConflicting rejects every multi-write commit.
type alwaysConflicting struct{ *memory.Memory }

func (s alwaysConflicting) Commit(ctx context.Context, writes ...docstore.Write) error {
	if len(writes) > 1 {
		return docstore.ErrConflict
	}
	return s.Memory.Commit(ctx, writes...)
}

func TestPaymentService_GivesUpWithRetryableError(t *testing.T) {
	ctx := context.Background()
	store := alwaysConflicting{memory.New()}
	seedReceivable(t, store, "r1", docstore.Data{"clientId": "c1", "amount": "100", "pending": "100", "dueDate": "2024-01-01"})
	svc := newPaymentService(store)
	svc.MaxAttempts = 2

	_, err := svc.Apply(ctx, branch, ledger.PaymentInput{ClientID: "c1", Amount: dec("50")})
	assert.True(t, apperr.IsRetryable(err))
}

func TestPaymentService_CreateReceivable(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newPaymentService(store)
	svc.Numbers = &sequence.Counter{Store: store}

	rec, err := svc.CreateReceivable(ctx, branch, map[string]any{
		"clientId": "c1",
		"amount":   "250.00",
		"paid":     "50",
		"dueDate":  "2024-04-05",
	})
	require.NoError(t, err)
	require.NotNil(t, rec.ID)
	assert.Equal(t, "0001", *rec.Number)

	doc, err := store.Get(ctx, branch.Doc("receivables", *rec.ID))
	require.NoError(t, err)
	assert.Equal(t, "200", doc.Data["pending"])
	assert.Equal(t, "2024-04-05", doc.Data["dueDate"])
	assert.Equal(t, "partial", doc.Data["status"])

	_, err = svc.CreateReceivable(ctx, branch, map[string]any{"amount": 10})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = svc.CreateReceivable(ctx, branch, map[string]any{"clientId": "c1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
