package grouping

import (
	"errors"
	"strings"

	"github.com/atmx/operations-engine/internal/model"
)

// Filter selects a subset of operations for the grouped view.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterBuy     Filter = "buy"
	FilterSell    Filter = "sell"
	FilterIncome  Filter = "income"  // inflows that are not purchases
	FilterExpense Filter = "expense" // outflows that are not sales
)

var ErrUnknownFilter = errors.New("grouping: unknown filter")

// ParseFilter maps a user-supplied name to a Filter. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterBuy, FilterSell, FilterIncome, FilterExpense:
		return f, nil
	default:
		return "", ErrUnknownFilter
	}
}

// Match reports whether op passes the filter.
func (f Filter) Match(op model.Operation) bool {
	switch f {
	case FilterBuy:
		return op.Class == model.ClassBuy
	case FilterSell:
		return op.Class == model.ClassSell
	case FilterIncome:
		return op.Amount.IsPositive() && op.Class != model.ClassBuy
	case FilterExpense:
		return op.Amount.IsNegative() && op.Class != model.ClassSell
	default:
		return true
	}
}

// Apply returns a new slice with the operations matching f.
func Apply(ops []model.Operation, f Filter) []model.Operation {
	out := make([]model.Operation, 0, len(ops))
	for _, op := range ops {
		if f.Match(op) {
			out = append(out, op)
		}
	}
	return out
}
