package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type IntentRepo interface {
	CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error
	FindById(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	FindByTxHash(ctx context.Context, txHash string) (*domain.PaymentIntent, error)
	// FindByMemo returns every intent carrying memo, oldest first.
	FindByMemo(ctx context.Context, memo string) ([]domain.PaymentIntent, error)
	// MemoInUse reports whether a non-expired intent already carries memo.
	MemoInUse(ctx context.Context, memo string) (bool, error)
	ListPending(ctx context.Context, now time.Time) ([]domain.PaymentIntent, error)
	ListByStatus(ctx context.Context, status domain.IntentStatus, limit int) ([]domain.PaymentIntent, error)
	ListFlagged(ctx context.Context) ([]domain.PaymentIntent, error)
	// ExpireOverdue moves every overdue pending intent to expired in one
	// statement and returns the intents it moved.
	ExpireOverdue(ctx context.Context, now time.Time) ([]domain.PaymentIntent, error)
	// MarkMatched is pending -> matched, only while the intent is not overdue.
	MarkMatched(ctx context.Context, id uuid.UUID, txHash string, paid decimal.Decimal, now time.Time) error
	// Transition is a compare-and-set on status used for failure paths.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.IntentStatus, reason domain.FailureReason, now time.Time) error
	Flag(ctx context.Context, id uuid.UUID, reason domain.ReviewReason, note string, now time.Time) error
	Resolve(ctx context.Context, id uuid.UUID, note string, now time.Time) error
}

type intentRepo struct {
	db *sql.DB
}

func NewIntentRepo(db *sql.DB) IntentRepo {
	return &intentRepo{db: db}
}

const intentColumns = `id, memo, user_id, cart, expected_amount, currency, status, matched_tx_hash, paid_amount,
	failure_reason, review_reason, review_note, reviewed_at, created_at, expires_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*domain.PaymentIntent, error) {
	var (
		p             domain.PaymentIntent
		cart          []byte
		txHash        sql.NullString
		paid          decimal.NullDecimal
		failureReason sql.NullString
		reviewReason  sql.NullString
		reviewNote    sql.NullString
		reviewedAt    sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.Memo,
		&p.UserID,
		&cart,
		&p.ExpectedAmount,
		&p.Currency,
		&p.Status,
		&txHash,
		&paid,
		&failureReason,
		&reviewReason,
		&reviewNote,
		&reviewedAt,
		&p.CreatedAt,
		&p.ExpiresAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cart, &p.Cart); err != nil {
		return nil, fmt.Errorf("decode cart of intent %s: %w", p.ID, err)
	}
	p.MatchedTxHash = txHash.String
	if paid.Valid {
		p.PaidAmount = paid.Decimal
	}
	p.FailureReason = domain.FailureReason(failureReason.String)
	p.ReviewReason = domain.ReviewReason(reviewReason.String)
	p.ReviewNote = reviewNote.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		p.ReviewedAt = &t
	}
	return &p, nil
}

func scanIntents(rows *sql.Rows) ([]domain.PaymentIntent, error) {
	defer rows.Close()

	var intents []domain.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *p)
	}
	return intents, rows.Err()
}

func (r *intentRepo) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	cart, err := json.Marshal(intent.Cart)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}

	query := `INSERT INTO payment_intents (id, memo, user_id, cart, expected_amount, currency, status, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.ExecContext(
		ctx, query,
		intent.ID, intent.Memo, intent.UserID, cart, intent.ExpectedAmount, intent.Currency,
		intent.Status, intent.CreatedAt, intent.ExpiresAt, intent.UpdatedAt,
	)
	return err
}

func (r *intentRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+intentColumns+" FROM payment_intents WHERE id = $1", id)
	p, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

func (r *intentRepo) FindByTxHash(ctx context.Context, txHash string) (*domain.PaymentIntent, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+intentColumns+" FROM payment_intents WHERE matched_tx_hash = $1", txHash)
	p, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

func (r *intentRepo) FindByMemo(ctx context.Context, memo string) ([]domain.PaymentIntent, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE memo = $1 ORDER BY created_at, id", memo)
	if err != nil {
		return nil, err
	}
	return scanIntents(rows)
}

func (r *intentRepo) MemoInUse(ctx context.Context, memo string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM payment_intents WHERE memo = $1 AND status <> $2)",
		memo, domain.IntentExpired,
	).Scan(&exists)
	return exists, err
}

func (r *intentRepo) ListPending(ctx context.Context, now time.Time) ([]domain.PaymentIntent, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE status = $1 AND expires_at > $2 ORDER BY created_at, id",
		domain.IntentPending, now,
	)
	if err != nil {
		return nil, err
	}
	return scanIntents(rows)
}

func (r *intentRepo) ListByStatus(ctx context.Context, status domain.IntentStatus, limit int) ([]domain.PaymentIntent, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE status = $1 ORDER BY created_at, id LIMIT $2",
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanIntents(rows)
}

func (r *intentRepo) ListFlagged(ctx context.Context) ([]domain.PaymentIntent, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE review_reason IS NOT NULL AND reviewed_at IS NULL ORDER BY created_at, id",
	)
	if err != nil {
		return nil, err
	}
	return scanIntents(rows)
}

func (r *intentRepo) ExpireOverdue(ctx context.Context, now time.Time) ([]domain.PaymentIntent, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE payment_intents
		SET status = $1, updated_at = $3
		WHERE status = $2 AND expires_at <= $3
		RETURNING `+intentColumns,
		domain.IntentExpired, domain.IntentPending, now,
	)
	if err != nil {
		return nil, err
	}
	return scanIntents(rows)
}

func (r *intentRepo) MarkMatched(ctx context.Context, id uuid.UUID, txHash string, paid decimal.Decimal, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_intents
		SET status = $2, matched_tx_hash = $3, paid_amount = $4, updated_at = $5
		WHERE id = $1 AND status = $6 AND expires_at > $5`,
		id, domain.IntentMatched, txHash, paid, now, domain.IntentPending,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrTxHashClaimed, txHash)
		}
		return err
	}
	return expectOneRow(res, id, domain.IntentPending)
}

func (r *intentRepo) Transition(ctx context.Context, id uuid.UUID, from, to domain.IntentStatus, reason domain.FailureReason, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_intents
		SET status = $3, failure_reason = COALESCE(NULLIF($4, ''), failure_reason), updated_at = $5
		WHERE id = $1 AND status = $2`,
		id, from, to, string(reason), now,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, id, from)
}

func (r *intentRepo) Flag(ctx context.Context, id uuid.UUID, reason domain.ReviewReason, note string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_intents
		SET review_reason = $2, review_note = $3, reviewed_at = NULL, updated_at = $4
		WHERE id = $1`,
		id, string(reason), note, now,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *intentRepo) Resolve(ctx context.Context, id uuid.UUID, note string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_intents
		SET reviewed_at = $3, review_note = CASE WHEN $2 = '' THEN review_note ELSE $2 END, updated_at = $3
		WHERE id = $1 AND review_reason IS NOT NULL AND reviewed_at IS NULL`,
		id, note, now,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s has no open review: %w", id, domain.ErrNotFound)
	}
	return nil
}

func expectOneRow(res sql.Result, id uuid.UUID, from domain.IntentStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("intent %s is no longer %s: %w", id, from, domain.ErrStaleTransition)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
