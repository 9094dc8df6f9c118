package notify

import (
	"context"
	"errors"
	"time"

	"storefront-payments/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Kind string

const (
	KindSettled Kind = "settled"
	KindExpired Kind = "expired"
	KindFailed  Kind = "failed"
)

// Outcome is the result of a checkout attempt as seen by the buyer.
type Outcome struct {
	Kind     Kind
	IntentID uuid.UUID
	Order    *domain.Order
	Reason   string
}

// Notifier delivers outcomes to the chat layer. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, userID int64, outcome Outcome) error
}

// event is the wire shape published to brokers.
type event struct {
	Kind      Kind            `json:"kind"`
	UserID    int64           `json:"user_id"`
	IntentID  string          `json:"intent_id"`
	OrderID   string          `json:"order_id,omitempty"`
	Total     decimal.Decimal `json:"total"`
	Currency  string          `json:"currency,omitempty"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func newEvent(userID int64, o Outcome) event {
	e := event{
		Kind:      o.Kind,
		UserID:    userID,
		IntentID:  o.IntentID.String(),
		Reason:    o.Reason,
		Timestamp: time.Now().UTC(),
	}
	if o.Order != nil {
		e.OrderID = o.Order.ID.String()
		e.IntentID = o.Order.IntentID.String()
		e.Total = o.Order.Total
		e.Currency = o.Order.Currency
		e.TxHash = o.Order.TxHash
	}
	return e
}

type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, userID int64, o Outcome) error {
	fields := []zap.Field{
		zap.String("kind", string(o.Kind)),
		zap.Int64("user_id", userID),
		zap.String("intent_id", o.IntentID.String()),
	}
	if o.Order != nil {
		fields = append(fields,
			zap.String("order_id", o.Order.ID.String()),
			zap.String("total", o.Order.Total.String()),
			zap.String("tx_hash", o.Order.TxHash),
		)
	}
	if o.Reason != "" {
		fields = append(fields, zap.String("reason", o.Reason))
	}
	n.logger.Info("buyer notified", fields...)
	return nil
}

// Multi fans an outcome out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID int64, o Outcome) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
