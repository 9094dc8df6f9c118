package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"storefront-payments/internal/domain"
)

type StockRepo interface {
	SetStock(ctx context.Context, productID int64, name string, quantity int) error
	GetStock(ctx context.Context, productID int64) (int, error)
	// CheckStock returns the shortages for the requested quantities. Unknown
	// products count as zero stock.
	CheckStock(ctx context.Context, quantities map[int64]int) ([]domain.StockShortage, error)
}

type stockRepo struct {
	db *sql.DB
}

func NewStockRepo(db *sql.DB) StockRepo {
	return &stockRepo{db: db}
}

func (r *stockRepo) SetStock(ctx context.Context, productID int64, name string, quantity int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, name, stock_quantity, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, stock_quantity = EXCLUDED.stock_quantity, updated_at = EXCLUDED.updated_at`,
		productID, name, quantity, time.Now().UTC(),
	)
	return err
}

func (r *stockRepo) GetStock(ctx context.Context, productID int64) (int, error) {
	var quantity int
	err := r.db.QueryRowContext(ctx, "SELECT stock_quantity FROM products WHERE id = $1", productID).Scan(&quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return quantity, err
}

func (r *stockRepo) CheckStock(ctx context.Context, quantities map[int64]int) ([]domain.StockShortage, error) {
	ids := make([]int64, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var shortages []domain.StockShortage
	for _, id := range ids {
		available, err := r.GetStock(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if available < quantities[id] {
			shortages = append(shortages, domain.StockShortage{
				ProductID: id,
				Requested: quantities[id],
				Available: available,
			})
		}
	}
	return shortages, nil
}
