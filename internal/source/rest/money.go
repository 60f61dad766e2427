package rest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money accepts either a plain decimal (JSON string or number) or a
// quotation object {"units": ..., "nano": ..., "currency": ...} where the
// value is units + nano * 1e-9.
type Money struct {
	decimal.Decimal
	Currency string
}

type quotation struct {
	Units    json.Number `json:"units"`
	Nano     int64       `json:"nano"`
	Currency string      `json:"currency"`
}

func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		m.Decimal = decimal.Zero
		return nil
	}

	if b[0] != '{' {
		return m.Decimal.UnmarshalJSON(b)
	}

	var q quotation
	if err := json.Unmarshal(b, &q); err != nil {
		return fmt.Errorf("rest: decode quotation: %w", err)
	}
	units := decimal.Zero
	if q.Units != "" {
		u, err := decimal.NewFromString(q.Units.String())
		if err != nil {
			return fmt.Errorf("rest: quotation units %q: %w", q.Units, err)
		}
		units = u
	}
	m.Decimal = units.Add(decimal.New(q.Nano, -9))
	m.Currency = q.Currency
	return nil
}
