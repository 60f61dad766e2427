// Package aggregate computes income/expense statistics over operations.
//
// Statistics are always recomputed from the full list rather than patched
// incrementally, so partial loads, cancellations and re-filtering can never
// leave the totals drifting from the data they describe.
package aggregate

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/operations-engine/internal/model"
)

// Compute returns the statistics for ops. The sign of Amount is the only
// input that decides income versus expense; the operation class is ignored.
func Compute(ops []model.Operation) model.Statistics {
	income := decimal.Zero
	expense := decimal.Zero

	for _, op := range ops {
		switch op.Amount.Sign() {
		case 1:
			income = income.Add(op.Amount)
		case -1:
			expense = expense.Add(op.Amount)
		}
	}

	return model.Statistics{
		TotalIncome:  income,
		TotalExpense: expense,
		NetResult:    income.Add(expense),
		Count:        len(ops),
	}
}

// Sum returns the plain sum of all amounts.
func Sum(ops []model.Operation) decimal.Decimal {
	total := decimal.Zero
	for _, op := range ops {
		total = total.Add(op.Amount)
	}
	return total
}
