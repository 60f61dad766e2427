package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/operations-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Statistics are stored as NUMERIC for exact decimal precision; the
// operation list is stored as JSONB. Schema: migrations/001_snapshots.sql.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	ops := snap.Operations
	if ops == nil {
		ops = []model.Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (id, range_from, range_to, outcome, error,
		                        total_income, total_expense, net_result, op_count,
		                        operations, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10::JSONB, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     range_from = EXCLUDED.range_from, range_to = EXCLUDED.range_to,
		     outcome = EXCLUDED.outcome, error = EXCLUDED.error,
		     total_income = EXCLUDED.total_income, total_expense = EXCLUDED.total_expense,
		     net_result = EXCLUDED.net_result, op_count = EXCLUDED.op_count,
		     operations = EXCLUDED.operations, created_at = EXCLUDED.created_at`,
		snap.ID, snap.From, snap.To, snap.Outcome, snap.Error,
		snap.Statistics.TotalIncome.String(), snap.Statistics.TotalExpense.String(),
		snap.Statistics.NetResult.String(), snap.Statistics.Count,
		string(data), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

const snapshotColumns = `id, range_from, range_to, outcome, error,
        total_income::TEXT, total_expense::TEXT, net_result::TEXT, op_count, created_at`

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	return s.getOne(ctx,
		`SELECT `+snapshotColumns+`, operations::TEXT FROM snapshots WHERE id = $1`, id)
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	return s.getOne(ctx,
		`SELECT `+snapshotColumns+`, operations::TEXT FROM snapshots ORDER BY created_at DESC LIMIT 1`)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, args ...any) (*model.Snapshot, error) {
	row := s.pool.QueryRow(ctx, query, args...)

	var ops string
	snap, err := scanSnapshot(row, &ops)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(ops), &snap.Operations); err != nil {
		return nil, fmt.Errorf("decode operations of %s: %w", snap.ID, err)
	}
	return snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// scanSnapshot reads the snapshotColumns followed by any extra destinations.
func scanSnapshot(row pgx.Row, extra ...any) (*model.Snapshot, error) {
	var snap model.Snapshot
	var income, expense, net string

	dest := []any{
		&snap.ID, &snap.From, &snap.To, &snap.Outcome, &snap.Error,
		&income, &expense, &net, &snap.Statistics.Count, &snap.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	snap.Statistics.TotalIncome, _ = decimal.NewFromString(income)
	snap.Statistics.TotalExpense, _ = decimal.NewFromString(expense)
	snap.Statistics.NetResult, _ = decimal.NewFromString(net)
	return &snap, nil
}
