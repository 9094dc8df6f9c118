package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartValidate(t *testing.T) {
	one := decimal.NewFromInt(1)
	tests := []struct {
		name string
		cart CartSnapshot
		ok   bool
	}{
		{"valid", CartSnapshot{Items: []LineItem{{ProductID: 1, Quantity: 2, UnitPrice: one}}, Total: one}, true},
		{"empty", CartSnapshot{}, false},
		{"zero quantity", CartSnapshot{Items: []LineItem{{ProductID: 1, Quantity: 0}}}, false},
		{"negative quantity", CartSnapshot{Items: []LineItem{{ProductID: 1, Quantity: -1}}}, false},
		{"duplicate product", CartSnapshot{Items: []LineItem{{ProductID: 1, Quantity: 1}, {ProductID: 1, Quantity: 1}}}, false},
		{"negative total", CartSnapshot{Items: []LineItem{{ProductID: 1, Quantity: 1}}, Total: one.Neg()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cart.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidCart)
		})
	}
}

func TestCartQuantities(t *testing.T) {
	cart := CartSnapshot{Items: []LineItem{{ProductID: 1, Quantity: 2}, {ProductID: 7, Quantity: 1}}}
	assert.Equal(t, map[int64]int{1: 2, 7: 1}, cart.Quantities())
}

func TestIntentCoveredBy(t *testing.T) {
	p := PaymentIntent{ExpectedAmount: decimal.RequireFromString("1.5"), Currency: "TON"}

	assert.True(t, p.CoveredBy(decimal.RequireFromString("1.5"), "TON"))
	assert.True(t, p.CoveredBy(decimal.RequireFromString("1.500000001"), "TON"))
	assert.False(t, p.CoveredBy(decimal.RequireFromString("1.499999999"), "TON"))
	assert.False(t, p.CoveredBy(decimal.RequireFromString("2"), "USDT"))
}

func TestIntentOverdueAndFlagged(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := PaymentIntent{ExpiresAt: now}
	assert.True(t, p.Overdue(now))
	assert.False(t, p.Overdue(now.Add(-time.Nanosecond)))

	assert.False(t, p.Flagged())
	p.ReviewReason = ReviewMemoCollision
	assert.True(t, p.Flagged())
	p.ReviewedAt = &now
	assert.False(t, p.Flagged())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, IntentPending.Terminal())
	assert.False(t, IntentMatched.Terminal())
	assert.True(t, IntentSettled.Terminal())
	assert.True(t, IntentExpired.Terminal())
	assert.True(t, IntentFailed.Terminal())
}

func TestStockError(t *testing.T) {
	err := fmt.Errorf("settle: %w", &StockError{Shortages: []StockShortage{
		{ProductID: 3, Requested: 2, Available: 1},
	}})

	require.ErrorIs(t, err, ErrInsufficientStock)
	var stockErr *StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Len(t, stockErr.Shortages, 1)
	assert.Contains(t, err.Error(), "product=3 requested=2 available=1")
}

func TestTransferConfirmed(t *testing.T) {
	tr := Transfer{Confirmations: 2}
	assert.True(t, tr.Confirmed(1))
	assert.True(t, tr.Confirmed(2))
	assert.False(t, tr.Confirmed(3))
}
