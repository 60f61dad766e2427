// Package source holds what the concrete data sources share: account
// selection and the portfolio read.
package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/operations-engine/internal/model"
)

var (
	ErrNoAccounts     = errors.New("source: no brokerage accounts")
	ErrUnknownAccount = errors.New("source: unknown account")
)

// Accounts is implemented by sources that serve more than one account.
type Accounts interface {
	Accounts(ctx context.Context) ([]model.Account, error)
	// SelectAccount makes id the account of the next load cycle.
	SelectAccount(ctx context.Context, id string) error
	SelectedAccount() string
	Portfolio(ctx context.Context) (model.Portfolio, error)
}

// AccountPin tracks the selected account. The account selected when page 1
// of a cycle is fetched stays pinned for the later pages of that cycle.
type AccountPin struct {
	mu       sync.Mutex
	selected string
	pinned   string
}

func (p *AccountPin) Select(id string) {
	p.mu.Lock()
	p.selected = id
	p.mu.Unlock()
}

func (p *AccountPin) Selected() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}

// ForPage returns the account to request page from.
func (p *AccountPin) ForPage(page int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if page <= 1 {
		p.pinned = p.selected
	}
	return p.pinned
}

// Clear forgets both the selection and the pinned account.
func (p *AccountPin) Clear() {
	p.mu.Lock()
	p.selected, p.pinned = "", ""
	p.mu.Unlock()
}

// ContainsAccount reports whether id is one of accounts.
func ContainsAccount(accounts []model.Account, id string) bool {
	for _, a := range accounts {
		if a.ID == id {
			return true
		}
	}
	return false
}

// NewPortfolio fills in position values and the portfolio totals.
func NewPortfolio(accountID, currency string, positions []model.Position, at time.Time) model.Portfolio {
	total, yield := decimal.Zero, decimal.Zero
	for i := range positions {
		p := &positions[i]
		if p.Value.IsZero() {
			p.Value = p.Quantity.Mul(p.CurrentPrice)
		}
		total = total.Add(p.Value)
		yield = yield.Add(p.ExpectedYield)
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return model.Portfolio{
		AccountID:     accountID,
		Positions:     positions,
		TotalValue:    total,
		ExpectedYield: yield,
		Currency:      currency,
		UpdatedAt:     at,
	}
}
