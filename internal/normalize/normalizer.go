// Package normalize converts raw source records into canonical operations.
//
// The transform is pure: the same raw record (and the same instrument
// metadata) always yields the same Operation. Batches are processed in
// fixed-size chunks so progress can be reported and cancellation observed
// between chunks.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/operations-engine/internal/metrics"
	"github.com/atmx/operations-engine/internal/model"
)

const (
	DefaultChunkSize        = 50
	DefaultChunkYield       = 10 * time.Millisecond
	DefaultFallbackCurrency = "RUB"
)

var (
	ErrMissingID        = errors.New("normalize: record has no id")
	ErrMissingTimestamp = errors.New("normalize: record has no timestamp")
)

// tradeCommissionRate is a flat estimate applied to buy/sell amounts.
// It is not taken from the source data and is not guaranteed accurate.
var tradeCommissionRate = decimal.RequireFromString("0.003")

// TransformError reports a record that could not be normalized.
// It is recovered locally: the record is dropped and the batch continues.
type TransformError struct {
	RecordID string
	Err      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("normalize: record %q: %v", e.RecordID, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Result summarizes one Normalize call.
type Result struct {
	Committed int // operations handed to commit
	Dropped   int // records rejected by the transform
}

// Options configures a Normalizer. Zero values select the defaults,
// except ChunkYield where a negative value disables the pause.
type Options struct {
	ChunkSize        int
	ChunkYield       time.Duration
	FallbackCurrency string
	Resolver         InstrumentResolver
	Logger           *slog.Logger
}

// Normalizer maps RawOperation batches into canonical Operations.
type Normalizer struct {
	chunkSize int
	yield     time.Duration
	currency  string
	resolver  InstrumentResolver
	logger    *slog.Logger
}

// New creates a Normalizer.
func New(opts Options) *Normalizer {
	n := &Normalizer{
		chunkSize: opts.ChunkSize,
		yield:     opts.ChunkYield,
		currency:  strings.ToUpper(opts.FallbackCurrency),
		resolver:  opts.Resolver,
		logger:    opts.Logger,
	}
	if n.chunkSize <= 0 {
		n.chunkSize = DefaultChunkSize
	}
	if n.yield == 0 {
		n.yield = DefaultChunkYield
	}
	if n.currency == "" {
		n.currency = DefaultFallbackCurrency
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	return n
}

// Normalize transforms raws chunk by chunk. After each chunk it calls commit
// with the chunk's operations and then progress. If ctx is cancelled the
// chunk being transformed is discarded and ctx's error is returned; chunks
// already committed stay committed.
func (n *Normalizer) Normalize(
	ctx context.Context,
	raws []model.RawOperation,
	progress func(model.Progress),
	commit func([]model.Operation),
) (Result, error) {
	var res Result
	total := len(raws)

	for start := 0; start < total; start += n.chunkSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		end := start + n.chunkSize
		if end > total {
			end = total
		}

		batch := make([]model.Operation, 0, end-start)
		for _, raw := range raws[start:end] {
			op, err := n.Transform(ctx, raw)
			if err != nil {
				res.Dropped++
				metrics.RecordsDropped.Inc()
				n.logger.Warn("dropping malformed operation", "id", raw.ID, "err", err)
				continue
			}
			batch = append(batch, op)
		}

		if err := ctx.Err(); err != nil {
			return res, err
		}
		commit(batch)
		res.Committed += len(batch)
		if progress != nil {
			progress(model.Progress{Processed: end, Total: total})
		}

		if end < total && n.yield > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(n.yield):
			}
		}
	}
	return res, nil
}

// Transform converts a single record.
func (n *Normalizer) Transform(ctx context.Context, raw model.RawOperation) (model.Operation, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return model.Operation{}, &TransformError{RecordID: raw.ID, Err: ErrMissingID}
	}
	if raw.Date.IsZero() {
		return model.Operation{}, &TransformError{RecordID: raw.ID, Err: ErrMissingTimestamp}
	}

	class := Classify(raw.OperationType)
	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		currency = n.currency
	}

	op := model.Operation{
		ID:         raw.ID,
		Timestamp:  raw.Date,
		Class:      class,
		TypeLabel:  TypeLabel(raw.OperationType),
		Quantity:   raw.Quantity.IntPart(),
		Price:      raw.Price,
		Amount:     raw.Payment,
		Commission: Commission(class, raw.Payment),
		Status:     StatusLabel(raw.State),
		Currency:   currency,
		Color:      colorFor(raw.Payment),
		Icon:       classIcons[class],
	}

	if raw.InstrumentID != "" {
		inst := n.lookup(ctx, raw.InstrumentID)
		op.InstrumentSymbol = inst.Symbol
		op.InstrumentName = inst.Name
		kind := inst.Type
		if kind == "" {
			kind = raw.InstrumentType
		}
		op.InstrumentType = InstrumentTypeLabel(kind)
	} else {
		op.InstrumentSymbol = CurrencySymbol(currency)
		op.InstrumentName = cashDescription(class, currency)
		op.InstrumentType = "Cash movement"
	}

	return op, nil
}

// lookup never fails: missing metadata leaves the display fields empty.
func (n *Normalizer) lookup(ctx context.Context, instrumentID string) Instrument {
	if n.resolver == nil {
		return Instrument{}
	}
	inst, err := n.resolver.Resolve(ctx, instrumentID)
	if err != nil {
		n.logger.Debug("instrument lookup failed", "instrument_id", instrumentID, "err", err)
		return Instrument{}
	}
	return inst
}

// Commission estimates the commission of an operation for display.
// Fees are their own commission; trades are charged a flat rate.
func Commission(class model.OperationClass, amount decimal.Decimal) decimal.Decimal {
	switch class {
	case model.ClassFee:
		return amount.Abs()
	case model.ClassBuy, model.ClassSell:
		return amount.Abs().Mul(tradeCommissionRate)
	default:
		return decimal.Zero
	}
}

func colorFor(amount decimal.Decimal) string {
	switch amount.Sign() {
	case 1:
		return "green"
	case -1:
		return "red"
	default:
		return "gray"
	}
}
