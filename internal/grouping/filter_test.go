package grouping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/operations-engine/internal/model"
)

func sample() []model.Operation {
	return []model.Operation{
		{ID: "buy", Class: model.ClassBuy, Amount: d(-100)},
		{ID: "buy-refund", Class: model.ClassBuy, Amount: d(5)},
		{ID: "sell", Class: model.ClassSell, Amount: d(120)},
		{ID: "sell-adj", Class: model.ClassSell, Amount: d(-2)},
		{ID: "div", Class: model.ClassDividend, Amount: d(7)},
		{ID: "fee", Class: model.ClassFee, Amount: d(-1)},
		{ID: "zero", Class: model.ClassUnknown, Amount: d(0)},
	}
}

func ids(ops []model.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func TestApply(t *testing.T) {
	tests := []struct {
		filter Filter
		want   []string
	}{
		{FilterAll, []string{"buy", "buy-refund", "sell", "sell-adj", "div", "fee", "zero"}},
		{FilterBuy, []string{"buy", "buy-refund"}},
		{FilterSell, []string{"sell", "sell-adj"}},
		{FilterIncome, []string{"sell", "div"}},
		{FilterExpense, []string{"buy", "fee"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Apply(sample(), tt.filter)))
		})
	}
}

func TestApply_DoesNotMutate(t *testing.T) {
	list := sample()
	before := ids(list)

	_ = Apply(list, FilterIncome)

	assert.Equal(t, before, ids(list))
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, f)

	f, err = ParseFilter(" Income ")
	require.NoError(t, err)
	assert.Equal(t, FilterIncome, f)

	_, err = ParseFilter("dividends")
	assert.ErrorIs(t, err, ErrUnknownFilter)
}
