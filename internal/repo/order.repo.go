package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"storefront-payments/internal/domain"

	"github.com/google/uuid"
)

type OrderRepo interface {
	// Settle deducts stock, inserts the order and moves its intent from
	// matched to settled as one unit. On a stock shortage nothing is written
	// and a *domain.StockError is returned.
	Settle(ctx context.Context, order *domain.Order, now time.Time) error
	FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindByIntentId(ctx context.Context, intentID uuid.UUID) (*domain.Order, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Order, error)
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `id, intent_id, user_id, items, total, currency, tx_hash, stock_deductions, status, created_at`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order      domain.Order
		items      []byte
		deductions []byte
	)
	err := row.Scan(
		&order.ID,
		&order.IntentID,
		&order.UserID,
		&items,
		&order.Total,
		&order.Currency,
		&order.TxHash,
		&deductions,
		&order.Status,
		&order.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", order.ID, err)
	}
	if err := json.Unmarshal(deductions, &order.StockDeductions); err != nil {
		return nil, fmt.Errorf("decode deductions of order %s: %w", order.ID, err)
	}
	return &order, nil
}

func (r *orderRepo) Settle(ctx context.Context, order *domain.Order, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		status domain.IntentStatus
		txHash sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		"SELECT status, matched_tx_hash FROM payment_intents WHERE id = $1 FOR UPDATE",
		order.IntentID,
	).Scan(&status, &txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != domain.IntentMatched || txHash.String != order.TxHash {
		return fmt.Errorf("intent %s is %s: %w", order.IntentID, status, domain.ErrStaleTransition)
	}

	deductions, err := deductStock(ctx, tx, order.Items, now)
	if err != nil {
		return err
	}
	order.StockDeductions = deductions

	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	encodedDeductions, err := json.Marshal(order.StockDeductions)
	if err != nil {
		return fmt.Errorf("encode deductions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO orders ("+orderColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		order.ID, order.IntentID, order.UserID, items, order.Total, order.Currency,
		order.TxHash, encodedDeductions, order.Status, order.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order for intent %s exists: %w", order.IntentID, domain.ErrStaleTransition)
		}
		return err
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE payment_intents SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4",
		order.IntentID, domain.IntentSettled, now, domain.IntentMatched,
	)
	if err != nil {
		return err
	}
	if err := expectOneRow(res, order.IntentID, domain.IntentMatched); err != nil {
		return err
	}

	return tx.Commit()
}

// deductStock decrements in product id order so concurrent settlements lock
// rows in the same sequence.
func deductStock(ctx context.Context, tx *sql.Tx, items []domain.LineItem, now time.Time) ([]domain.StockDeduction, error) {
	sorted := append([]domain.LineItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	var (
		deductions []domain.StockDeduction
		shortages  []domain.StockShortage
	)
	for _, item := range sorted {
		var remaining int
		err := tx.QueryRowContext(ctx,
			`UPDATE products SET stock_quantity = stock_quantity - $2, updated_at = $3
			WHERE id = $1 AND stock_quantity >= $2
			RETURNING stock_quantity`,
			item.ProductID, item.Quantity, now,
		).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			var available int
			err = tx.QueryRowContext(ctx, "SELECT stock_quantity FROM products WHERE id = $1", item.ProductID).Scan(&available)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
			shortages = append(shortages, domain.StockShortage{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: available,
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		deductions = append(deductions, domain.StockDeduction{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Remaining: remaining,
		})
	}
	if len(shortages) > 0 {
		return nil, &domain.StockError{Shortages: shortages}
	}
	return deductions, nil
}

func (r *orderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return order, err
}

func (r *orderRepo) FindByIntentId(ctx context.Context, intentID uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE intent_id = $1", intentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return order, err
}

func (r *orderRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}
