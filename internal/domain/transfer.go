package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is an incoming ledger transfer to the receiving address.
type Transfer struct {
	TxHash        string
	Amount        decimal.Decimal
	Currency      string
	Memo          string
	Confirmations int
	Timestamp     time.Time
	Cursor        string
}

func (t Transfer) Confirmed(minConfirmations int) bool {
	return t.Confirmations >= minConfirmations
}

type OrphanReason string

const (
	OrphanNoIntent         OrphanReason = "no_intent"
	OrphanUnderpaid        OrphanReason = "underpaid"
	OrphanCurrencyMismatch OrphanReason = "currency_mismatch"
	OrphanIntentExpired    OrphanReason = "intent_expired"
	OrphanFlaggedIntent    OrphanReason = "flagged_intent"
	OrphanAlreadyPaid      OrphanReason = "already_paid"
	OrphanIntentFailed     OrphanReason = "intent_failed"
)

// OrphanTransfer is a confirmed transfer no pending intent could absorb.
// Kept so admins can refund it.
type OrphanTransfer struct {
	TxHash     string
	Amount     decimal.Decimal
	Currency   string
	Memo       string
	Reason     OrphanReason
	ObservedAt time.Time
}
