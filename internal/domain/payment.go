package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentMatched IntentStatus = "matched"
	IntentSettled IntentStatus = "settled"
	IntentExpired IntentStatus = "expired"
	IntentFailed  IntentStatus = "failed"
)

// Terminal reports whether no further automated transition is allowed.
func (s IntentStatus) Terminal() bool {
	return s == IntentSettled || s == IntentExpired || s == IntentFailed
}

type FailureReason string

const (
	FailureInsufficientStock FailureReason = "insufficient_stock"
	FailureAdminCancelled    FailureReason = "admin_cancelled"
	FailureUserCancelled     FailureReason = "user_cancelled"
)

type ReviewReason string

const (
	ReviewMemoCollision     ReviewReason = "memo_collision"
	ReviewInsufficientStock ReviewReason = "insufficient_stock"
)

// PaymentIntent is a request to receive one specific transfer. Memo is the
// reference a payer must attach to the transfer.
type PaymentIntent struct {
	ID             uuid.UUID
	Memo           string
	UserID         int64
	Cart           CartSnapshot
	ExpectedAmount decimal.Decimal
	Currency       string
	Status         IntentStatus
	MatchedTxHash  string
	PaidAmount     decimal.Decimal
	FailureReason  FailureReason
	ReviewReason   ReviewReason
	ReviewNote     string
	ReviewedAt     *time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

// Overdue reports whether the intent deadline has passed at now.
func (p *PaymentIntent) Overdue(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// Flagged reports whether the intent is waiting on an admin decision.
func (p *PaymentIntent) Flagged() bool {
	return p.ReviewReason != "" && p.ReviewedAt == nil
}

// CoveredBy reports whether a transfer of amount in currency pays this intent
// in full. Overpayment is accepted.
func (p *PaymentIntent) CoveredBy(amount decimal.Decimal, currency string) bool {
	return p.Currency == currency && amount.GreaterThanOrEqual(p.ExpectedAmount)
}

// PaymentTarget is what the chat layer shows the user after checkout.
type PaymentTarget struct {
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Memo      string          `json:"memo"`
	Link      string          `json:"link"`
	ExpiresAt time.Time       `json:"expires_at"`
	Display   string          `json:"display"`
}
