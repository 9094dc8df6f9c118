package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"storefront-payments/internal/domain"
	"storefront-payments/internal/infrastructure/ledger"
	"storefront-payments/internal/infrastructure/notify"
	"storefront-payments/internal/repo"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RegistryService interface {
	CreateIntent(ctx context.Context, userID int64, cart domain.CartSnapshot, expectedAmount decimal.Decimal, currency string, ttl time.Duration) (*domain.PaymentIntent, *domain.PaymentTarget, error)
	// Quote converts a cart total into the settlement currency.
	Quote(total decimal.Decimal) decimal.Decimal
	ListPending(ctx context.Context, now time.Time) ([]domain.PaymentIntent, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]domain.PaymentIntent, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	ListForReview(ctx context.Context) ([]domain.PaymentIntent, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	// CancelForUser cancels on behalf of the buyer. Another user's intent
	// reports domain.ErrNotFound.
	CancelForUser(ctx context.Context, id uuid.UUID, userID int64) (*domain.PaymentIntent, error)
	Resolve(ctx context.Context, id uuid.UUID, note string) (*domain.PaymentIntent, error)
}

type RegistryOptions struct {
	ReceivingAddress string
	Currency         string
	ConversionRate   decimal.Decimal
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	DefaultTTL       time.Duration
	MemoAttempts     int
	Now              func() time.Time
	NewMemo          func(userID int64) string
	// Notifier receives the failed outcome of a cancellation. Optional.
	Notifier         notify.Notifier
}

type registryService struct {
	store  repo.Store
	opts   RegistryOptions
	logger *zap.Logger
}

func NewRegistryService(store repo.Store, opts RegistryOptions, logger *zap.Logger) RegistryService {
	if opts.Currency == "" {
		opts.Currency = "TON"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	if opts.MemoAttempts <= 0 {
		opts.MemoAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewMemo == nil {
		opts.NewMemo = newMemo
	}
	return &registryService{store: store, opts: opts, logger: logger}
}

// newMemo follows the ORDER_<user>_<token> shape buyers already know from
// the chat flow.
func newMemo(userID int64) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("ORDER_%d_%s", userID, strings.ToUpper(token))
}

func (s *registryService) CreateIntent(
	ctx context.Context,
	userID int64,
	cart domain.CartSnapshot,
	expectedAmount decimal.Decimal,
	currency string,
	ttl time.Duration,
) (*domain.PaymentIntent, *domain.PaymentTarget, error) {
	if err := cart.Validate(); err != nil {
		return nil, nil, err
	}
	if currency == "" {
		currency = s.opts.Currency
	}
	if err := s.validateAmount(expectedAmount); err != nil {
		return nil, nil, err
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}

	shortages, err := s.store.Stock.CheckStock(ctx, cart.Quantities())
	if err != nil {
		return nil, nil, err
	}
	if len(shortages) > 0 {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrInvalidCart, &domain.StockError{Shortages: shortages})
	}

	memo, err := s.uniqueMemo(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	now := s.opts.Now().UTC()
	intent := &domain.PaymentIntent{
		ID:             uuid.New(),
		Memo:           memo,
		UserID:         userID,
		Cart:           cart,
		ExpectedAmount: expectedAmount,
		Currency:       currency,
		Status:         domain.IntentPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		UpdatedAt:      now,
	}
	if err := s.store.Intents.CreateIntent(ctx, intent); err != nil {
		return nil, nil, err
	}

	s.logger.Info("payment intent created",
		zap.String("intent_id", intent.ID.String()),
		zap.Int64("user_id", userID),
		zap.String("amount", expectedAmount.String()),
		zap.String("currency", currency),
		zap.Time("expires_at", intent.ExpiresAt),
	)
	return intent, s.target(intent), nil
}

func (s *registryService) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	if !s.opts.MinAmount.IsZero() && amount.LessThan(s.opts.MinAmount) {
		return fmt.Errorf("%w: minimum payment amount is %s", domain.ErrInvalidAmount, s.opts.MinAmount)
	}
	if !s.opts.MaxAmount.IsZero() && amount.GreaterThan(s.opts.MaxAmount) {
		return fmt.Errorf("%w: payment amount too large", domain.ErrInvalidAmount)
	}
	return nil
}

func (s *registryService) uniqueMemo(ctx context.Context, userID int64) (string, error) {
	for i := 0; i < s.opts.MemoAttempts; i++ {
		memo := s.opts.NewMemo(userID)
		inUse, err := s.store.Intents.MemoInUse(ctx, memo)
		if err != nil {
			return "", err
		}
		if !inUse {
			return memo, nil
		}
		s.logger.Warn("memo already in use, regenerating", zap.String("memo", memo), zap.Int("attempt", i+1))
	}
	return "", fmt.Errorf("%w: no free memo after %d attempts", domain.ErrMemoCollision, s.opts.MemoAttempts)
}

func (s *registryService) target(intent *domain.PaymentIntent) *domain.PaymentTarget {
	query := url.Values{}
	query.Set("amount", ledger.ToNano(intent.ExpectedAmount))
	query.Set("text", intent.Memo)
	link := fmt.Sprintf("ton://transfer/%s?%s", s.opts.ReceivingAddress, query.Encode())

	display := fmt.Sprintf(
		"Send %s %s to %s with comment %s before %s",
		intent.ExpectedAmount.String(), intent.Currency, s.opts.ReceivingAddress,
		intent.Memo, intent.ExpiresAt.Format(time.RFC3339),
	)
	return &domain.PaymentTarget{
		Address:   s.opts.ReceivingAddress,
		Amount:    intent.ExpectedAmount,
		Currency:  intent.Currency,
		Memo:      intent.Memo,
		Link:      link,
		ExpiresAt: intent.ExpiresAt,
		Display:   display,
	}
}

func (s *registryService) Quote(total decimal.Decimal) decimal.Decimal {
	if s.opts.ConversionRate.IsZero() {
		return total.Round(9)
	}
	return total.Mul(s.opts.ConversionRate).Round(9)
}

func (s *registryService) ListPending(ctx context.Context, now time.Time) ([]domain.PaymentIntent, error) {
	return s.store.Intents.ListPending(ctx, now)
}

func (s *registryService) ExpireOverdue(ctx context.Context, now time.Time) ([]domain.PaymentIntent, error) {
	expired, err := s.store.Intents.ExpireOverdue(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		s.logger.Info("payment intents expired", zap.Int("count", len(expired)))
	}
	return expired, nil
}

func (s *registryService) Get(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	return s.store.Intents.FindById(ctx, id)
}

func (s *registryService) ListForReview(ctx context.Context) ([]domain.PaymentIntent, error) {
	return s.store.Intents.ListFlagged(ctx)
}

// Cancel is the admin path out of pending. Matched intents already own a
// transfer and cannot be cancelled.
func (s *registryService) Cancel(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	intent, err := s.store.Intents.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, intent, domain.FailureAdminCancelled)
}

func (s *registryService) CancelForUser(ctx context.Context, id uuid.UUID, userID int64) (*domain.PaymentIntent, error) {
	intent, err := s.store.Intents.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.UserID != userID {
		return nil, fmt.Errorf("intent %s for user %d: %w", id, userID, domain.ErrNotFound)
	}
	return s.cancel(ctx, intent, domain.FailureUserCancelled)
}

func (s *registryService) cancel(ctx context.Context, intent *domain.PaymentIntent, reason domain.FailureReason) (*domain.PaymentIntent, error) {
	now := s.opts.Now().UTC()
	if err := s.store.Intents.Transition(ctx, intent.ID, domain.IntentPending, domain.IntentFailed, reason, now); err != nil {
		return nil, err
	}
	s.logger.Info("payment intent cancelled",
		zap.String("intent_id", intent.ID.String()),
		zap.String("reason", string(reason)),
	)

	if s.opts.Notifier != nil {
		err := s.opts.Notifier.Notify(ctx, intent.UserID, notify.Outcome{
			Kind:     notify.KindFailed,
			IntentID: intent.ID,
			Reason:   string(reason),
		})
		if err != nil {
			s.logger.Error("notify failed", zap.Int64("user_id", intent.UserID), zap.Error(err))
		}
	}
	return s.store.Intents.FindById(ctx, intent.ID)
}

func (s *registryService) Resolve(ctx context.Context, id uuid.UUID, note string) (*domain.PaymentIntent, error) {
	if err := s.store.Intents.Resolve(ctx, id, note, s.opts.Now().UTC()); err != nil {
		return nil, err
	}
	s.logger.Info("review resolved", zap.String("intent_id", id.String()))
	return s.store.Intents.FindById(ctx, id)
}
