package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"storefront-payments/internal/domain"
)

type CursorRepo interface {
	// LoadCursor returns "" when no cursor has been saved yet.
	LoadCursor(ctx context.Context, name string) (string, error)
	SaveCursor(ctx context.Context, name, cursor string, now time.Time) error
}

type OrphanRepo interface {
	// RecordOrphan is idempotent on TxHash.
	RecordOrphan(ctx context.Context, orphan domain.OrphanTransfer) error
	ListOrphans(ctx context.Context, limit int) ([]domain.OrphanTransfer, error)
}

type cursorRepo struct {
	db *sql.DB
}

func NewCursorRepo(db *sql.DB) CursorRepo {
	return &cursorRepo{db: db}
}

func (r *cursorRepo) LoadCursor(ctx context.Context, name string) (string, error) {
	var cursor string
	err := r.db.QueryRowContext(ctx, "SELECT cursor FROM ledger_cursors WHERE name = $1", name).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

func (r *cursorRepo) SaveCursor(ctx context.Context, name, cursor string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger_cursors (name, cursor, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`,
		name, cursor, now,
	)
	return err
}

type orphanRepo struct {
	db *sql.DB
}

func NewOrphanRepo(db *sql.DB) OrphanRepo {
	return &orphanRepo{db: db}
}

func (r *orphanRepo) RecordOrphan(ctx context.Context, o domain.OrphanTransfer) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orphan_transfers (tx_hash, amount, currency, memo, reason, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO NOTHING`,
		o.TxHash, o.Amount, o.Currency, o.Memo, o.Reason, o.ObservedAt,
	)
	return err
}

func (r *orphanRepo) ListOrphans(ctx context.Context, limit int) ([]domain.OrphanTransfer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tx_hash, amount, currency, memo, reason, observed_at
		FROM orphan_transfers ORDER BY observed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orphans []domain.OrphanTransfer
	for rows.Next() {
		var o domain.OrphanTransfer
		if err := rows.Scan(&o.TxHash, &o.Amount, &o.Currency, &o.Memo, &o.Reason, &o.ObservedAt); err != nil {
			return nil, err
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}
