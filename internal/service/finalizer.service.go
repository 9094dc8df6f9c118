package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/domain"
	"storefront-payments/internal/infrastructure/notify"
	"storefront-payments/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type FinalizerService interface {
	// Finalize turns a matched intent into an order. Calling it again for a
	// settled intent returns the existing order.
	Finalize(ctx context.Context, intent *domain.PaymentIntent, txHash string) (*domain.Order, error)
}

type finalizerService struct {
	store    repo.Store
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewFinalizerService(store repo.Store, notifier notify.Notifier, logger *zap.Logger, now func() time.Time) FinalizerService {
	if now == nil {
		now = time.Now
	}
	return &finalizerService{store: store, notifier: notifier, logger: logger, now: now}
}

func (s *finalizerService) Finalize(ctx context.Context, intent *domain.PaymentIntent, txHash string) (*domain.Order, error) {
	current, err := s.store.Intents.FindById(ctx, intent.ID)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case domain.IntentSettled:
		if current.MatchedTxHash != txHash {
			return nil, fmt.Errorf("intent %s settled by %s: %w", current.ID, current.MatchedTxHash, domain.ErrStaleTransition)
		}
		return s.store.Orders.FindByIntentId(ctx, current.ID)
	case domain.IntentMatched:
		if current.MatchedTxHash != txHash {
			return nil, fmt.Errorf("intent %s matched to %s: %w", current.ID, current.MatchedTxHash, domain.ErrStaleTransition)
		}
	default:
		return nil, fmt.Errorf("intent %s is %s: %w", current.ID, current.Status, domain.ErrStaleTransition)
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:        uuid.New(),
		IntentID:  current.ID,
		UserID:    current.UserID,
		Items:     current.Cart.Items,
		Total:     current.ExpectedAmount,
		Currency:  current.Currency,
		TxHash:    txHash,
		Status:    domain.OrderPaid,
		CreatedAt: now,
	}

	err = s.store.Orders.Settle(ctx, order, now)
	var stockErr *domain.StockError
	switch {
	case err == nil:
	case errors.As(err, &stockErr):
		return nil, s.failForStock(ctx, current, stockErr, now)
	case errors.Is(err, domain.ErrStaleTransition):
		// a concurrent finalize may have won
		if existing, findErr := s.store.Orders.FindByIntentId(ctx, current.ID); findErr == nil && existing.TxHash == txHash {
			return existing, nil
		}
		return nil, err
	default:
		return nil, fmt.Errorf("settle intent %s: %w", current.ID, err)
	}

	s.logger.Info("order finalized",
		zap.String("order_id", order.ID.String()),
		zap.String("intent_id", current.ID.String()),
		zap.Int64("user_id", current.UserID),
		zap.String("tx_hash", txHash),
		zap.String("total", order.Total.String()),
	)
	s.notify(ctx, current.UserID, notify.Outcome{Kind: notify.KindSettled, IntentID: current.ID, Order: order})
	return order, nil
}

// failForStock records a paid intent that cannot be fulfilled. Funds were
// received, so the intent is flagged for a refund decision.
func (s *finalizerService) failForStock(ctx context.Context, intent *domain.PaymentIntent, stockErr *domain.StockError, now time.Time) error {
	err := s.store.Intents.Transition(ctx, intent.ID, domain.IntentMatched, domain.IntentFailed, domain.FailureInsufficientStock, now)
	if err != nil {
		return fmt.Errorf("fail intent %s: %w", intent.ID, err)
	}
	if err := s.store.Intents.Flag(ctx, intent.ID, domain.ReviewInsufficientStock, stockErr.Error(), now); err != nil {
		s.logger.Error("failed to flag intent for review", zap.String("intent_id", intent.ID.String()), zap.Error(err))
	}

	s.logger.Warn("paid intent failed on stock",
		zap.String("intent_id", intent.ID.String()),
		zap.String("tx_hash", intent.MatchedTxHash),
		zap.Error(stockErr),
	)
	s.notify(ctx, intent.UserID, notify.Outcome{
		Kind:     notify.KindFailed,
		IntentID: intent.ID,
		Reason:   string(domain.FailureInsufficientStock),
	})
	return stockErr
}

func (s *finalizerService) notify(ctx context.Context, userID int64, o notify.Outcome) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, o); err != nil {
		s.logger.Error("notify failed", zap.Int64("user_id", userID), zap.String("kind", string(o.Kind)), zap.Error(err))
	}
}
