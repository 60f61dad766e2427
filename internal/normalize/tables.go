package normalize

import (
	"fmt"
	"strings"

	"github.com/atmx/operations-engine/internal/model"
)

// classTable is the single place free-text operation types are interpreted.
// Matching is exact; anything absent maps to model.ClassUnknown.
var classTable = map[string]model.OperationClass{
	"OPERATION_TYPE_BUY":        model.ClassBuy,
	"OPERATION_TYPE_SELL":       model.ClassSell,
	"OPERATION_TYPE_DIVIDEND":   model.ClassDividend,
	"OPERATION_TYPE_COUPON":     model.ClassCoupon,
	"OPERATION_TYPE_BROKER_FEE": model.ClassFee,
	"OPERATION_TYPE_INPUT":      model.ClassDeposit,
	"OPERATION_TYPE_OUTPUT":     model.ClassWithdrawal,
	"OPERATION_TYPE_TAX":        model.ClassTax,
}

var classLabels = map[model.OperationClass]string{
	model.ClassBuy:        "Buy",
	model.ClassSell:       "Sell",
	model.ClassDividend:   "Dividend",
	model.ClassCoupon:     "Coupon",
	model.ClassFee:        "Commission",
	model.ClassDeposit:    "Deposit",
	model.ClassWithdrawal: "Withdrawal",
	model.ClassTax:        "Tax",
}

var classIcons = map[model.OperationClass]string{
	model.ClassBuy:        "cart",
	model.ClassSell:       "cash",
	model.ClassDividend:   "percent",
	model.ClassCoupon:     "ticket",
	model.ClassFee:        "receipt",
	model.ClassDeposit:    "arrow-down",
	model.ClassWithdrawal: "arrow-up",
	model.ClassTax:        "bank",
	model.ClassUnknown:    "dot",
}

var statusLabels = map[string]string{
	"OPERATION_STATE_EXECUTED": "Executed",
	"OPERATION_STATE_CANCELED": "Cancelled",
	"OPERATION_STATE_PROGRESS": "In progress",
}

var instrumentTypeLabels = map[string]string{
	"share":    "Share",
	"stock":    "Share",
	"bond":     "Bond",
	"etf":      "Fund",
	"currency": "Currency",
	"future":   "Future",
}

var accountTypeLabels = map[string]string{
	"ACCOUNT_TYPE_TINKOFF":     "Brokerage",
	"ACCOUNT_TYPE_TINKOFF_IIS": "Individual investment account",
	"ACCOUNT_TYPE_INVEST_BOX":  "Invest box",
}

var accountStatusLabels = map[string]string{
	"ACCOUNT_STATUS_NEW":    "New",
	"ACCOUNT_STATUS_OPEN":   "Open",
	"ACCOUNT_STATUS_CLOSED": "Closed",
}

var currencySymbols = map[string]string{
	"RUB": "₽",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// Classify maps a raw operation type to its class. It never fails.
func Classify(operationType string) model.OperationClass {
	if c, ok := classTable[operationType]; ok {
		return c
	}
	return model.ClassUnknown
}

// TypeLabel is the display label for a raw operation type.
func TypeLabel(operationType string) string {
	if label, ok := classLabels[Classify(operationType)]; ok {
		return label
	}
	if operationType == "" {
		return "Operation"
	}
	return strings.TrimPrefix(operationType, "OPERATION_TYPE_")
}

// StatusLabel is the display label for a raw state code.
func StatusLabel(state string) string {
	if label, ok := statusLabels[state]; ok {
		return label
	}
	if state == "" {
		return "Unknown"
	}
	return strings.TrimPrefix(state, "OPERATION_STATE_")
}

// InstrumentTypeLabel is the display label for an instrument type.
func InstrumentTypeLabel(kind string) string {
	if label, ok := instrumentTypeLabels[strings.ToLower(kind)]; ok {
		return label
	}
	if kind == "" {
		return "Instrument"
	}
	return kind
}

// AccountTypeLabel is the display label for an account type code; unknown
// codes are returned as is.
func AccountTypeLabel(code string) string {
	if label, ok := accountTypeLabels[code]; ok {
		return label
	}
	return code
}

func AccountStatusLabel(code string) string {
	if label, ok := accountStatusLabels[code]; ok {
		return label
	}
	return code
}

// CurrencySymbol returns the symbol for an ISO code, or the code itself.
func CurrencySymbol(currency string) string {
	if sym, ok := currencySymbols[strings.ToUpper(currency)]; ok {
		return sym
	}
	return currency
}

// cashDescription names a cash movement that has no instrument attached.
func cashDescription(class model.OperationClass, currency string) string {
	switch class {
	case model.ClassDeposit:
		return fmt.Sprintf("Deposit (%s)", currency)
	case model.ClassWithdrawal:
		return fmt.Sprintf("Withdrawal (%s)", currency)
	case model.ClassFee:
		return fmt.Sprintf("Broker commission (%s)", currency)
	case model.ClassTax:
		return fmt.Sprintf("Tax (%s)", currency)
	default:
		return fmt.Sprintf("Operation (%s)", currency)
	}
}
