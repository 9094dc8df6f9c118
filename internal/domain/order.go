package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderDelivered OrderStatus = "delivered"
)

type StockDeduction struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	Remaining int   `json:"remaining"`
}

// Order is created only by finalization of a matched intent and never
// mutated afterwards except for Status.
type Order struct {
	ID              uuid.UUID
	IntentID        uuid.UUID
	UserID          int64
	Items           []LineItem
	Total           decimal.Decimal
	Currency        string
	TxHash          string
	StockDeductions []StockDeduction
	Status          OrderStatus
	CreatedAt       time.Time
}
