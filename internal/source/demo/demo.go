// Package demo is a synthetic data source used when no broker is configured.
//
// Output is deterministic: the same range and page always yield the same
// records, so repeated loads are comparable.
package demo

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/operations-engine/internal/connection"
	"github.com/atmx/operations-engine/internal/model"
	"github.com/atmx/operations-engine/internal/normalize"
	"github.com/atmx/operations-engine/internal/source"
)

// MaxRange bounds the span a single demo load may cover.
const MaxRange = 5 * 366 * 24 * time.Hour

var ErrRangeTooLarge = errors.New("demo: range too large")

type instrument struct {
	id, ticker, name, kind, currency string
	basePrice                        float64
}

var instruments = []instrument{
	{"DEMO-AAPL", "AAPL", "Apple Inc.", "share", "USD", 180},
	{"DEMO-SBER", "SBER", "Sberbank", "share", "RUB", 270},
	{"DEMO-OFZ", "SU26238", "OFZ 26238", "bond", "RUB", 600},
	{"DEMO-TMOS", "TMOS", "Tinkoff iMOEX", "etf", "RUB", 6.5},
}

var accounts = []model.Account{
	{ID: "demo-broker", Type: normalize.AccountTypeLabel("ACCOUNT_TYPE_TINKOFF"), Name: "Demo brokerage", Status: "Open"},
	{ID: "demo-iis", Type: normalize.AccountTypeLabel("ACCOUNT_TYPE_TINKOFF_IIS"), Name: "Demo IIS", Status: "Open"},
}

// Source generates operations on the fly. Each account has its own data set.
type Source struct {
	seed    int64
	latency time.Duration
	state   *connection.State
	account source.AccountPin
}

// Option configures a Source.
type Option func(*Source)

// WithSeed changes the generated data set.
func WithSeed(seed int64) Option {
	return func(s *Source) { s.seed = seed }
}

// WithLatency delays every page, honoring cancellation.
func WithLatency(d time.Duration) Option {
	return func(s *Source) { s.latency = d }
}

// WithState ties availability to a shared connection state. Without it
// the source is always available.
func WithState(st *connection.State) Option {
	return func(s *Source) { s.state = st }
}

func New(opts ...Option) *Source {
	s := &Source{seed: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) IsAvailable() bool {
	return s.state == nil || s.state.Connected()
}

// Connect selects the first account and marks the source connected.
// There are no credentials to check.
func (s *Source) Connect(context.Context) error {
	if s.account.Selected() == "" {
		s.account.Select(accounts[0].ID)
	}
	if s.state != nil {
		s.state.Set(true)
	}
	return nil
}

func (s *Source) Disconnect() {
	s.account.Clear()
	if s.state != nil {
		s.state.Set(false)
	}
}

func (s *Source) Accounts(context.Context) ([]model.Account, error) {
	out := make([]model.Account, len(accounts))
	copy(out, accounts)
	return out, nil
}

func (s *Source) SelectAccount(_ context.Context, id string) error {
	if !source.ContainsAccount(accounts, id) {
		return fmt.Errorf("%w: %s", source.ErrUnknownAccount, id)
	}
	s.account.Select(id)
	return nil
}

func (s *Source) SelectedAccount() string {
	return s.account.Selected()
}

// Portfolio holds every demo instrument, with quantities and prices derived
// from the seed and the selected account.
func (s *Source) Portfolio(context.Context) (model.Portfolio, error) {
	account := s.account.Selected()
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s/portfolio", s.seed, account)
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	positions := make([]model.Position, 0, len(instruments))
	for _, in := range instruments {
		qty := decimal.NewFromInt(int64(1 + rng.Intn(50)))
		avg := decimal.NewFromFloat(in.basePrice * (0.9 + rng.Float64()*0.2)).Round(2)
		cur := decimal.NewFromFloat(in.basePrice * (0.9 + rng.Float64()*0.2)).Round(2)
		positions = append(positions, model.Position{
			InstrumentID:   in.id,
			Symbol:         in.ticker,
			Name:           in.name,
			InstrumentType: in.kind,
			Quantity:       qty,
			AveragePrice:   avg,
			CurrentPrice:   cur,
			ExpectedYield:  cur.Sub(avg).Mul(qty),
			Currency:       in.currency,
		})
	}
	return source.NewPortfolio(account, "RUB", positions, time.Now().UTC()), nil
}

// FetchPage returns the requested page of the operations in [from, to],
// newest first.
func (s *Source) FetchPage(ctx context.Context, from, to time.Time, page, pageSize int) ([]model.RawOperation, error) {
	if to.Sub(from) > MaxRange {
		return nil, ErrRangeTooLarge
	}
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("demo: invalid page %d/%d", page, pageSize)
	}

	all := s.generate(s.account.ForPage(page), from, to)
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []model.RawOperation{}, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// Resolve returns metadata for the demo instruments.
func (s *Source) Resolve(_ context.Context, instrumentID string) (normalize.Instrument, error) {
	for _, in := range instruments {
		if in.id == instrumentID {
			return normalize.Instrument{Symbol: in.ticker, Name: in.name, Type: in.kind}, nil
		}
	}
	return normalize.Instrument{}, fmt.Errorf("demo: unknown instrument %q", instrumentID)
}

// generate walks the range a day at a time from the newest day backwards.
// Each day's records depend only on the seed and the date.
func (s *Source) generate(account string, from, to time.Time) []model.RawOperation {
	from, to = from.UTC(), to.UTC()
	var out []model.RawOperation

	day := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	for !day.Before(time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)) {
		for _, op := range s.day(account, day) {
			if !op.Date.Before(from) && !op.Date.After(to) {
				out = append(out, op)
			}
		}
		day = day.AddDate(0, 0, -1)
	}
	return out
}

func (s *Source) day(account string, day time.Time) []model.RawOperation {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s/%s", s.seed, account, day.Format("2006-01-02"))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	n := rng.Intn(4)
	ops := make([]model.RawOperation, 0, n)
	// later hours first so each day is newest first
	hour := 20
	for i := 0; i < n; i++ {
		hour -= 1 + rng.Intn(3)
		at := day.Add(time.Duration(hour)*time.Hour + time.Duration(rng.Intn(60))*time.Minute)
		ops = append(ops, s.operation(rng, at, fmt.Sprintf("demo-%s-%d", day.Format("20060102"), i)))
	}
	return ops
}

func (s *Source) operation(rng *rand.Rand, at time.Time, id string) model.RawOperation {
	in := instruments[rng.Intn(len(instruments))]
	// random walk around the base price
	price := decimal.NewFromFloat(in.basePrice * (1 + (rng.Float64()-0.5)*0.2)).Round(2)
	qty := decimal.NewFromInt(int64(1 + rng.Intn(20)))

	op := model.RawOperation{
		ID:       id,
		Date:     at,
		Currency: in.currency,
		State:    "OPERATION_STATE_EXECUTED",
	}

	switch r := rng.Intn(100); {
	case r < 35:
		op.OperationType = "OPERATION_TYPE_BUY"
		op.Payment = price.Mul(qty).Neg()
	case r < 60:
		op.OperationType = "OPERATION_TYPE_SELL"
		op.Payment = price.Mul(qty)
	case r < 70:
		op.OperationType = "OPERATION_TYPE_DIVIDEND"
		op.Payment = price.Mul(decimal.NewFromFloat(0.02)).Mul(qty).Round(2)
		qty = decimal.Zero
	case r < 75:
		op.OperationType = "OPERATION_TYPE_COUPON"
		in = instruments[2]
		op.Currency = in.currency
		op.Payment = decimal.NewFromInt(int64(20 + rng.Intn(30)))
		qty = decimal.Zero
	case r < 85:
		op.OperationType = "OPERATION_TYPE_BROKER_FEE"
		op.Payment = decimal.NewFromFloat(0.5 + rng.Float64()*5).Round(2).Neg()
		qty = decimal.Zero
	case r < 93:
		op.OperationType = "OPERATION_TYPE_INPUT"
		op.Payment = decimal.NewFromInt(int64(1000 * (1 + rng.Intn(10))))
		op.Currency = "RUB"
		return op
	case r < 97:
		op.OperationType = "OPERATION_TYPE_OUTPUT"
		op.Payment = decimal.NewFromInt(int64(500 * (1 + rng.Intn(4)))).Neg()
		op.Currency = "RUB"
		return op
	default:
		op.OperationType = "OPERATION_TYPE_TAX"
		op.Payment = decimal.NewFromFloat(rng.Float64() * 50).Round(2).Neg()
		op.Currency = "RUB"
		return op
	}

	op.InstrumentID = in.id
	op.InstrumentType = in.kind
	op.Quantity = qty
	if !qty.IsZero() {
		op.Price = price
	}
	return op
}
