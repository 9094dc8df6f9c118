package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront-payments/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memory struct {
	mu       sync.Mutex
	intents  map[uuid.UUID]*domain.PaymentIntent
	txHashes map[string]uuid.UUID
	orders   map[uuid.UUID]*domain.Order
	byIntent map[uuid.UUID]uuid.UUID
	stock    map[int64]int
	cursors  map[string]string
	orphans  map[string]domain.OrphanTransfer
}

func newMemory() *memory {
	return &memory{
		intents:  make(map[uuid.UUID]*domain.PaymentIntent),
		txHashes: make(map[string]uuid.UUID),
		orders:   make(map[uuid.UUID]*domain.Order),
		byIntent: make(map[uuid.UUID]uuid.UUID),
		stock:    make(map[int64]int),
		cursors:  make(map[string]string),
		orphans:  make(map[string]domain.OrphanTransfer),
	}
}

// copyIntent detaches a stored intent from the map so callers cannot mutate
// shared state.
func copyIntent(p *domain.PaymentIntent) domain.PaymentIntent {
	c := *p
	c.Cart.Items = append([]domain.LineItem(nil), p.Cart.Items...)
	if p.ReviewedAt != nil {
		t := *p.ReviewedAt
		c.ReviewedAt = &t
	}
	return c
}

func (m *memory) sortedIntents(keep func(*domain.PaymentIntent) bool) []domain.PaymentIntent {
	var out []domain.PaymentIntent
	for _, p := range m.intents {
		if keep(p) {
			out = append(out, copyIntent(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *memory) cas(id uuid.UUID, from domain.IntentStatus) (*domain.PaymentIntent, error) {
	p, ok := m.intents[id]
	if !ok || p.Status != from {
		return nil, fmt.Errorf("intent %s is no longer %s: %w", id, from, domain.ErrStaleTransition)
	}
	return p, nil
}

type memoryIntents struct{ m *memory }

func (r memoryIntents) CreateIntent(_ context.Context, intent *domain.PaymentIntent) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, exists := r.m.intents[intent.ID]; exists {
		return fmt.Errorf("intent %s already exists", intent.ID)
	}
	c := copyIntent(intent)
	r.m.intents[intent.ID] = &c
	return nil
}

func (r memoryIntents) FindById(_ context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, ok := r.m.intents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := copyIntent(p)
	return &c, nil
}

func (r memoryIntents) FindByTxHash(ctx context.Context, txHash string) (*domain.PaymentIntent, error) {
	r.m.mu.Lock()
	id, ok := r.m.txHashes[txHash]
	r.m.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.FindById(ctx, id)
}

func (r memoryIntents) FindByMemo(_ context.Context, memo string) ([]domain.PaymentIntent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.m.sortedIntents(func(p *domain.PaymentIntent) bool { return p.Memo == memo }), nil
}

func (r memoryIntents) MemoInUse(_ context.Context, memo string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	for _, p := range r.m.intents {
		if p.Memo == memo && p.Status != domain.IntentExpired {
			return true, nil
		}
	}
	return false, nil
}

func (r memoryIntents) ListPending(_ context.Context, now time.Time) ([]domain.PaymentIntent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.m.sortedIntents(func(p *domain.PaymentIntent) bool {
		return p.Status == domain.IntentPending && p.ExpiresAt.After(now)
	}), nil
}

func (r memoryIntents) ListByStatus(_ context.Context, status domain.IntentStatus, limit int) ([]domain.PaymentIntent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	out := r.m.sortedIntents(func(p *domain.PaymentIntent) bool { return p.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memoryIntents) ListFlagged(_ context.Context) ([]domain.PaymentIntent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.m.sortedIntents(func(p *domain.PaymentIntent) bool { return p.Flagged() }), nil
}

func (r memoryIntents) ExpireOverdue(_ context.Context, now time.Time) ([]domain.PaymentIntent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	overdue := r.m.sortedIntents(func(p *domain.PaymentIntent) bool {
		return p.Status == domain.IntentPending && p.Overdue(now)
	})
	for i := range overdue {
		p := r.m.intents[overdue[i].ID]
		p.Status = domain.IntentExpired
		p.UpdatedAt = now
		overdue[i] = copyIntent(p)
	}
	return overdue, nil
}

func (r memoryIntents) MarkMatched(_ context.Context, id uuid.UUID, txHash string, paid decimal.Decimal, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if owner, claimed := r.m.txHashes[txHash]; claimed && owner != id {
		return fmt.Errorf("%w: %s", domain.ErrTxHashClaimed, txHash)
	}
	p, err := r.m.cas(id, domain.IntentPending)
	if err != nil {
		return err
	}
	if p.Overdue(now) {
		return fmt.Errorf("intent %s is overdue: %w", id, domain.ErrStaleTransition)
	}
	p.Status = domain.IntentMatched
	p.MatchedTxHash = txHash
	p.PaidAmount = paid
	p.UpdatedAt = now
	r.m.txHashes[txHash] = id
	return nil
}

func (r memoryIntents) Transition(_ context.Context, id uuid.UUID, from, to domain.IntentStatus, reason domain.FailureReason, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, err := r.m.cas(id, from)
	if err != nil {
		return err
	}
	p.Status = to
	if reason != "" {
		p.FailureReason = reason
	}
	p.UpdatedAt = now
	return nil
}

func (r memoryIntents) Flag(_ context.Context, id uuid.UUID, reason domain.ReviewReason, note string, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, ok := r.m.intents[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.ReviewReason = reason
	p.ReviewNote = note
	p.ReviewedAt = nil
	p.UpdatedAt = now
	return nil
}

func (r memoryIntents) Resolve(_ context.Context, id uuid.UUID, note string, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, ok := r.m.intents[id]
	if !ok || !p.Flagged() {
		return fmt.Errorf("intent %s has no open review: %w", id, domain.ErrNotFound)
	}
	if note != "" {
		p.ReviewNote = note
	}
	t := now
	p.ReviewedAt = &t
	p.UpdatedAt = now
	return nil
}

type memoryOrders struct{ m *memory }

func (r memoryOrders) Settle(_ context.Context, order *domain.Order, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, ok := r.m.intents[order.IntentID]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.IntentMatched || p.MatchedTxHash != order.TxHash {
		return fmt.Errorf("intent %s is %s: %w", order.IntentID, p.Status, domain.ErrStaleTransition)
	}
	if _, exists := r.m.byIntent[order.IntentID]; exists {
		return fmt.Errorf("order for intent %s exists: %w", order.IntentID, domain.ErrStaleTransition)
	}

	items := append([]domain.LineItem(nil), order.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	var shortages []domain.StockShortage
	for _, item := range items {
		if available := r.m.stock[item.ProductID]; available < item.Quantity {
			shortages = append(shortages, domain.StockShortage{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: available,
			})
		}
	}
	if len(shortages) > 0 {
		return &domain.StockError{Shortages: shortages}
	}

	deductions := make([]domain.StockDeduction, 0, len(items))
	for _, item := range items {
		r.m.stock[item.ProductID] -= item.Quantity
		deductions = append(deductions, domain.StockDeduction{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Remaining: r.m.stock[item.ProductID],
		})
	}
	order.StockDeductions = deductions

	stored := *order
	stored.Items = append([]domain.LineItem(nil), order.Items...)
	stored.StockDeductions = append([]domain.StockDeduction(nil), deductions...)
	r.m.orders[order.ID] = &stored
	r.m.byIntent[order.IntentID] = order.ID

	p.Status = domain.IntentSettled
	p.UpdatedAt = now
	return nil
}

func (r memoryOrders) FindById(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	o, ok := r.m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *o
	return &c, nil
}

func (r memoryOrders) FindByIntentId(ctx context.Context, intentID uuid.UUID) (*domain.Order, error) {
	r.m.mu.Lock()
	id, ok := r.m.byIntent[intentID]
	r.m.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.FindById(ctx, id)
}

func (r memoryOrders) ListByUser(_ context.Context, userID int64) ([]domain.Order, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var out []domain.Order
	for _, o := range r.m.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memoryStock struct{ m *memory }

func (r memoryStock) SetStock(_ context.Context, productID int64, _ string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("negative stock for product %d", productID)
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	r.m.stock[productID] = quantity
	return nil
}

func (r memoryStock) GetStock(_ context.Context, productID int64) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	quantity, ok := r.m.stock[productID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return quantity, nil
}

func (r memoryStock) CheckStock(_ context.Context, quantities map[int64]int) ([]domain.StockShortage, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var shortages []domain.StockShortage
	for id, requested := range quantities {
		if available := r.m.stock[id]; available < requested {
			shortages = append(shortages, domain.StockShortage{ProductID: id, Requested: requested, Available: available})
		}
	}
	sort.Slice(shortages, func(i, j int) bool { return shortages[i].ProductID < shortages[j].ProductID })
	return shortages, nil
}

type memoryCursors struct{ m *memory }

func (r memoryCursors) LoadCursor(_ context.Context, name string) (string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.m.cursors[name], nil
}

func (r memoryCursors) SaveCursor(_ context.Context, name, cursor string, _ time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	r.m.cursors[name] = cursor
	return nil
}

type memoryOrphans struct{ m *memory }

func (r memoryOrphans) RecordOrphan(_ context.Context, o domain.OrphanTransfer) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, exists := r.m.orphans[o.TxHash]; !exists {
		r.m.orphans[o.TxHash] = o
	}
	return nil
}

func (r memoryOrphans) ListOrphans(_ context.Context, limit int) ([]domain.OrphanTransfer, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	out := make([]domain.OrphanTransfer, 0, len(r.m.orphans))
	for _, o := range r.m.orphans {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
