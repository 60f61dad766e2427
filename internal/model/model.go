// Package model defines the core domain types shared across the operations engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawOperation is one record as returned by an external data source.
// Immutable once received.
type RawOperation struct {
	ID             string          `json:"id"`
	Date           time.Time       `json:"date"`
	OperationType  string          `json:"operation_type"`  // free text, e.g. "OPERATION_TYPE_BUY"
	InstrumentID   string          `json:"instrument_id"`   // empty for cash movements
	InstrumentType string          `json:"instrument_type"` // hint used when metadata lookup has none
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Payment        decimal.Decimal `json:"payment"` // signed: +inflow, -outflow
	Currency       string          `json:"currency"`
	State          string          `json:"state"`
}

// OperationClass is the closed classification of an operation's nature.
// It is display-only and never decides the sign of an amount.
type OperationClass string

const (
	ClassBuy        OperationClass = "buy"
	ClassSell       OperationClass = "sell"
	ClassDividend   OperationClass = "dividend"
	ClassCoupon     OperationClass = "coupon"
	ClassFee        OperationClass = "fee"
	ClassDeposit    OperationClass = "deposit"
	ClassWithdrawal OperationClass = "withdrawal"
	ClassTax        OperationClass = "tax"
	ClassUnknown    OperationClass = "unknown"
)

// Operation is a canonical ledger entry derived 1:1 from a RawOperation.
// IDs are unique within a load cycle only; duplicates across pages are kept.
type Operation struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	InstrumentSymbol string          `json:"instrument_symbol"`
	InstrumentName   string          `json:"instrument_name"`
	InstrumentType   string          `json:"instrument_type"`
	Class            OperationClass  `json:"class"`
	TypeLabel        string          `json:"type_label"`
	Quantity         int64           `json:"quantity"` // truncated from the raw quantity
	Price            decimal.Decimal `json:"price"`
	Amount           decimal.Decimal `json:"amount"`     // ground truth for aggregation
	Commission       decimal.Decimal `json:"commission"` // display estimate, not sourced
	Status           string          `json:"status"`
	Currency         string          `json:"currency"`
	Color            string          `json:"color"`
	Icon             string          `json:"icon"`
}

// OperationGroup is a day bucket of operations.
type OperationGroup struct {
	Date       time.Time       `json:"date"` // day granularity
	Operations []Operation     `json:"operations"`
	DayTotal   decimal.Decimal `json:"day_total"`
}

// Statistics are the running totals over a list of operations.
type Statistics struct {
	TotalIncome  decimal.Decimal `json:"total_income"`  // Σ amount > 0
	TotalExpense decimal.Decimal `json:"total_expense"` // Σ amount < 0, always ≤ 0
	NetResult    decimal.Decimal `json:"net_result"`    // income + expense
	Count        int             `json:"count"`
}

// Progress reports normalization progress within one page.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// Snapshot records the result of a finished load cycle.
// Snapshots are written for history and never fed back into the engine.
type Snapshot struct {
	ID         string      `json:"id"` // cycle ID
	From       time.Time   `json:"from"`
	To         time.Time   `json:"to"`
	Outcome    string      `json:"outcome"`
	Error      string      `json:"error,omitempty"`
	Statistics Statistics  `json:"statistics"`
	Operations []Operation `json:"operations,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Account is a brokerage account operations can be loaded from.
type Account struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"` // display label, e.g. "Brokerage"
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Position is one holding of a portfolio.
type Position struct {
	InstrumentID   string          `json:"instrument_id"`
	Symbol         string          `json:"symbol"`
	Name           string          `json:"name"`
	InstrumentType string          `json:"instrument_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	Value          decimal.Decimal `json:"value"` // quantity * current price
	ExpectedYield  decimal.Decimal `json:"expected_yield"`
	Currency       string          `json:"currency"`
}

// Portfolio is the current holdings of one account.
type Portfolio struct {
	AccountID     string          `json:"account_id"`
	Positions     []Position      `json:"positions"`
	TotalValue    decimal.Decimal `json:"total_value"`
	ExpectedYield decimal.Decimal `json:"expected_yield"`
	Currency      string          `json:"currency"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
