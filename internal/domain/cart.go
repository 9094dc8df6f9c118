package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type LineItem struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CartSnapshot is the immutable copy of a cart taken at checkout, with the
// discount already resolved by the discount collaborator.
type CartSnapshot struct {
	Items          []LineItem      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountCode   string          `json:"discount_code,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
}

// Validate checks the snapshot shape. Stock is checked by the registry.
func (c CartSnapshot) Validate() error {
	if len(c.Items) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrInvalidCart)
	}
	seen := make(map[int64]struct{}, len(c.Items))
	for _, item := range c.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: product %d has quantity %d", ErrInvalidCart, item.ProductID, item.Quantity)
		}
		if _, dup := seen[item.ProductID]; dup {
			return fmt.Errorf("%w: product %d listed twice", ErrInvalidCart, item.ProductID)
		}
		seen[item.ProductID] = struct{}{}
	}
	if c.Total.IsNegative() {
		return fmt.Errorf("%w: negative total", ErrInvalidCart)
	}
	return nil
}

// Quantities returns the requested quantity per product.
func (c CartSnapshot) Quantities() map[int64]int {
	out := make(map[int64]int, len(c.Items))
	for _, item := range c.Items {
		out[item.ProductID] += item.Quantity
	}
	return out
}

// StockShortage describes one line item that cannot be served.
type StockShortage struct {
	ProductID int64
	Requested int
	Available int
}

func (s StockShortage) String() string {
	return fmt.Sprintf("product=%d requested=%d available=%d", s.ProductID, s.Requested, s.Available)
}

// StockError lists every shortage found while checking or deducting stock.
type StockError struct {
	Shortages []StockShortage
}

func (e *StockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, s.String())
	}
	return fmt.Sprintf("%v: %s", ErrInsufficientStock, strings.Join(parts, ", "))
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}
