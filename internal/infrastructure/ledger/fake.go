package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"storefront-payments/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fake is an in-memory ledger. Transfers are delivered in the order they were
// sent; cursors are their 1-based positions.
type Fake struct {
	mu        sync.RWMutex
	transfers []domain.Transfer
	failNext  int
	calls     int
	currency  string
}

func NewFake(currency string) *Fake {
	if currency == "" {
		currency = "TON"
	}
	return &Fake{currency: currency}
}

// Send records an incoming transfer with zero confirmations and returns its
// hash.
func (f *Fake) Send(amount decimal.Decimal, memo string) string {
	return f.SendTransfer(domain.Transfer{
		TxHash: uuid.NewString(),
		Amount: amount,
		Memo:   memo,
	})
}

// SendTransfer records t as is, filling the cursor, currency and timestamp.
// Sending the same hash twice simulates at-least-once delivery.
func (f *Fake) SendTransfer(t domain.Transfer) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.Currency == "" {
		t.Currency = f.currency
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	t.Cursor = strconv.Itoa(len(f.transfers) + 1)
	f.transfers = append(f.transfers, t)
	return t.TxHash
}

// Confirm sets the confirmation count of every transfer with txHash.
func (f *Fake) Confirm(txHash string, confirmations int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.transfers {
		if f.transfers[i].TxHash == txHash {
			f.transfers[i].Confirmations = confirmations
		}
	}
}

// Mine adds n confirmations to every transfer.
func (f *Fake) Mine(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.transfers {
		f.transfers[i].Confirmations += n
	}
}

// FailNext makes the next n fetches fail as unavailable.
func (f *Fake) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failNext = n
}

func (f *Fake) Calls() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.calls
}

func (f *Fake) FetchIncomingTransfers(ctx context.Context, sinceCursor string) ([]domain.Transfer, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, sinceCursor, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}

	f.mu.Lock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return nil, sinceCursor, fmt.Errorf("%w: injected failure", domain.ErrLedgerUnavailable)
	}
	f.mu.Unlock()

	start := 0
	if sinceCursor != "" {
		n, err := strconv.Atoi(sinceCursor)
		if err != nil {
			return nil, sinceCursor, fmt.Errorf("bad cursor %q: %w", sinceCursor, err)
		}
		start = n
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if start >= len(f.transfers) {
		return nil, sinceCursor, nil
	}
	out := append([]domain.Transfer(nil), f.transfers[start:]...)
	return out, out[len(out)-1].Cursor, nil
}
