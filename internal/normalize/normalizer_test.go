package normalize

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/operations-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type stubResolver struct {
	table map[string]Instrument
	calls int
}

func (r *stubResolver) Resolve(_ context.Context, id string) (Instrument, error) {
	r.calls++
	inst, ok := r.table[id]
	if !ok {
		return Instrument{}, errors.New("not found")
	}
	return inst, nil
}

func raw(id string, opType string, payment string) model.RawOperation {
	return model.RawOperation{
		ID:            id,
		Date:          time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		OperationType: opType,
		Quantity:      d("3.9"),
		Price:         d("101.5"),
		Payment:       d(payment),
		Currency:      "usd",
		State:         "OPERATION_STATE_EXECUTED",
	}
}

func newTestNormalizer(chunk int, resolver InstrumentResolver) *Normalizer {
	return New(Options{ChunkSize: chunk, ChunkYield: -1, Resolver: resolver})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.ClassBuy, Classify("OPERATION_TYPE_BUY"))
	assert.Equal(t, model.ClassWithdrawal, Classify("OPERATION_TYPE_OUTPUT"))
	assert.Equal(t, model.ClassUnknown, Classify("FOO"))
	assert.Equal(t, model.ClassUnknown, Classify("operation_type_buy"), "matching is exact")
	assert.Equal(t, model.ClassUnknown, Classify(""))
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "Buy", TypeLabel("OPERATION_TYPE_BUY"))
	assert.Equal(t, "MARGIN_FEE", TypeLabel("OPERATION_TYPE_MARGIN_FEE"))
	assert.Equal(t, "Operation", TypeLabel(""))

	assert.Equal(t, "Executed", StatusLabel("OPERATION_STATE_EXECUTED"))
	assert.Equal(t, "PARTIAL", StatusLabel("OPERATION_STATE_PARTIAL"))
	assert.Equal(t, "Unknown", StatusLabel(""))

	assert.Equal(t, "Share", InstrumentTypeLabel("STOCK"))
	assert.Equal(t, "Instrument", InstrumentTypeLabel(""))
	assert.Equal(t, "option", InstrumentTypeLabel("option"))

	assert.Equal(t, "$", CurrencySymbol("usd"))
	assert.Equal(t, "CHF", CurrencySymbol("CHF"))

	assert.Equal(t, "Brokerage", AccountTypeLabel("ACCOUNT_TYPE_TINKOFF"))
	assert.Equal(t, "ACCOUNT_TYPE_OTHER", AccountTypeLabel("ACCOUNT_TYPE_OTHER"))
	assert.Equal(t, "Open", AccountStatusLabel("ACCOUNT_STATUS_OPEN"))
}

func TestCommission(t *testing.T) {
	assert.True(t, Commission(model.ClassFee, d("-12.5")).Equal(d("12.5")))
	assert.True(t, Commission(model.ClassBuy, d("-1000")).Equal(d("3")))
	assert.True(t, Commission(model.ClassSell, d("2000")).Equal(d("6")))
	assert.True(t, Commission(model.ClassDividend, d("50")).IsZero())
}

func TestTransform_Trade(t *testing.T) {
	res := &stubResolver{table: map[string]Instrument{
		"FIGI1": {Symbol: "AAPL", Name: "Apple", Type: "share"},
	}}
	n := newTestNormalizer(10, res)

	r := raw("op-1", "OPERATION_TYPE_BUY", "-304.5")
	r.InstrumentID = "FIGI1"

	op, err := n.Transform(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, "op-1", op.ID)
	assert.Equal(t, model.ClassBuy, op.Class)
	assert.Equal(t, "Buy", op.TypeLabel)
	assert.Equal(t, int64(3), op.Quantity, "quantity is truncated")
	assert.True(t, op.Amount.Equal(d("-304.5")))
	assert.True(t, op.Commission.Equal(d("0.9135")))
	assert.Equal(t, "AAPL", op.InstrumentSymbol)
	assert.Equal(t, "Apple", op.InstrumentName)
	assert.Equal(t, "Share", op.InstrumentType)
	assert.Equal(t, "Executed", op.Status)
	assert.Equal(t, "USD", op.Currency)
	assert.Equal(t, "red", op.Color)
	assert.Equal(t, "cart", op.Icon)
}

func TestTransform_CashMovement(t *testing.T) {
	n := newTestNormalizer(10, nil)
	r := raw("op-2", "OPERATION_TYPE_INPUT", "500")
	r.Currency = ""

	op, err := n.Transform(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, "RUB", op.Currency, "fallback currency")
	assert.Equal(t, "₽", op.InstrumentSymbol)
	assert.Equal(t, "Deposit (RUB)", op.InstrumentName)
	assert.Equal(t, "Cash movement", op.InstrumentType)
	assert.Equal(t, "green", op.Color)
	assert.True(t, op.Commission.IsZero())
}

func TestTransform_ResolverFailureKeepsRecord(t *testing.T) {
	n := newTestNormalizer(10, &stubResolver{})
	r := raw("op-3", "OPERATION_TYPE_SELL", "10")
	r.InstrumentID = "MISSING"
	r.InstrumentType = "bond"

	op, err := n.Transform(context.Background(), r)
	require.NoError(t, err)
	assert.Empty(t, op.InstrumentSymbol)
	assert.Equal(t, "Bond", op.InstrumentType)
}

func TestTransform_UnknownTypeDoesNotFail(t *testing.T) {
	n := newTestNormalizer(10, nil)
	op, err := n.Transform(context.Background(), raw("op-4", "FOO", "1"))
	require.NoError(t, err)
	assert.Equal(t, model.ClassUnknown, op.Class)
	assert.Equal(t, "FOO", op.TypeLabel)
}

func TestTransform_Malformed(t *testing.T) {
	n := newTestNormalizer(10, nil)

	_, err := n.Transform(context.Background(), raw("", "OPERATION_TYPE_BUY", "1"))
	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrMissingID)

	noDate := raw("op-5", "OPERATION_TYPE_BUY", "1")
	noDate.Date = time.Time{}
	_, err = n.Transform(context.Background(), noDate)
	assert.ErrorIs(t, err, ErrMissingTimestamp)
}

func TestTransform_Idempotent(t *testing.T) {
	res := &stubResolver{table: map[string]Instrument{"FIGI1": {Symbol: "SBER", Name: "Sberbank", Type: "share"}}}
	n := newTestNormalizer(10, res)
	r := raw("op-6", "OPERATION_TYPE_DIVIDEND", "42.17")
	r.InstrumentID = "FIGI1"

	a, err := n.Transform(context.Background(), r)
	require.NoError(t, err)
	b, err := n.Transform(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func batch(n int) []model.RawOperation {
	out := make([]model.RawOperation, n)
	for i := range out {
		out[i] = raw(fmt.Sprintf("op-%d", i), "OPERATION_TYPE_BUY", "-1")
	}
	return out
}

func TestNormalize_ChunksAndProgress(t *testing.T) {
	n := newTestNormalizer(50, nil)
	var progress []model.Progress
	var commits []int

	res, err := n.Normalize(context.Background(), batch(120),
		func(p model.Progress) { progress = append(progress, p) },
		func(ops []model.Operation) { commits = append(commits, len(ops)) },
	)
	require.NoError(t, err)

	assert.Equal(t, 120, res.Committed)
	assert.Equal(t, 0, res.Dropped)
	assert.Equal(t, []int{50, 50, 20}, commits)
	assert.Equal(t, []model.Progress{{Processed: 50, Total: 120}, {Processed: 100, Total: 120}, {Processed: 120, Total: 120}}, progress)
}

func TestNormalize_DropsMalformedAndContinues(t *testing.T) {
	n := newTestNormalizer(2, nil)
	raws := batch(5)
	raws[1].ID = ""
	raws[3].Date = time.Time{}

	var committed []model.Operation
	res, err := n.Normalize(context.Background(), raws, nil, func(ops []model.Operation) {
		committed = append(committed, ops...)
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Committed)
	assert.Equal(t, 2, res.Dropped)
	require.Len(t, committed, 3)
	assert.Equal(t, "op-0", committed[0].ID)
	assert.Equal(t, "op-2", committed[1].ID)
	assert.Equal(t, "op-4", committed[2].ID)
}

func TestNormalize_CancelKeepsCommittedChunksOnly(t *testing.T) {
	n := newTestNormalizer(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var committed int
	res, err := n.Normalize(ctx, batch(35), nil, func(ops []model.Operation) {
		committed += len(ops)
		if committed == 20 {
			cancel()
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 20, committed)
	assert.Equal(t, 20, res.Committed)
}

func TestNormalize_CancelledBeforeStart(t *testing.T) {
	n := newTestNormalizer(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := n.Normalize(ctx, batch(5), nil, func([]model.Operation) { called = true })

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestNormalize_YieldObservesCancellation(t *testing.T) {
	n := New(Options{ChunkSize: 1, ChunkYield: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := n.Normalize(ctx, batch(3), nil, func([]model.Operation) {})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Committed)
}
