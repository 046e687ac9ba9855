package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	crdbpgx "github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgxv5"
	"github.com/jackc/pgx/v5"

	"github.com/emojirelay/backend/internal/db"
	"github.com/emojirelay/backend/internal/ledger"
	"github.com/emojirelay/backend/internal/models"
)

// PostgresPartitionStore persists share partitions in the share_partitions
// table, one row per day.
type PostgresPartitionStore struct {
	pool db.Pool
}

// NewPostgresPartitionStore constructs a partition store backed by PostgreSQL.
func NewPostgresPartitionStore(pool db.Pool) *PostgresPartitionStore {
	return &PostgresPartitionStore{pool: pool}
}

// Load fetches the entries stored for date.
func (r *PostgresPartitionStore) Load(ctx context.Context, date string) ([]models.ShareEntry, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var raw []byte
	err = conn.QueryRow(ctx, `
        SELECT entries
        FROM share_partitions
        WHERE date_key = $1
    `, date).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select share partition: %w", err)
	}

	var entries []models.ShareEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrCorruptPartition, date, err)
	}
	return entries, nil
}

// Save upserts the entries for date inside a transaction that is retried on
// serialization failures.
func (r *PostgresPartitionStore) Save(ctx context.Context, date string, entries []models.ShareEntry) error {
	if entries == nil {
		entries = []models.ShareEntry{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode share partition: %w", err)
	}

	err = crdbpgx.ExecuteTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO share_partitions (date_key, entries, updated_at)
            VALUES ($1, $2, NOW())
            ON CONFLICT (date_key)
            DO UPDATE SET entries = EXCLUDED.entries, updated_at = EXCLUDED.updated_at
        `, date, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert share partition: %w", err)
	}
	return nil
}

// Dates lists every stored day key in ascending order.
func (r *PostgresPartitionStore) Dates(ctx context.Context) ([]string, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT date_key FROM share_partitions ORDER BY date_key`)
	if err != nil {
		return nil, fmt.Errorf("query share partitions: %w", err)
	}
	dates, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan share partitions: %w", err)
	}
	return dates, nil
}

// Delete removes the partition for date. Deleting a missing day is a no-op.
func (r *PostgresPartitionStore) Delete(ctx context.Context, date string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `DELETE FROM share_partitions WHERE date_key = $1`, date); err != nil {
		return fmt.Errorf("delete share partition: %w", err)
	}
	return nil
}

var _ ledger.PartitionStore = (*PostgresPartitionStore)(nil)
