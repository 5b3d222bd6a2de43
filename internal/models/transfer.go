package models

import (
	"database/sql"
	"time"
)

const (
	TransferInitiated  = "initiated"
	TransferOTPPending = "otp_pending"
	TransferConfirmed  = "confirmed"
	TransferCompleted  = "completed"
	TransferFailed     = "failed"
	TransferReversed   = "reversed"
)

type Transfer struct {
	ID             string         `json:"id" db:"id"`
	SenderID       string         `json:"sender_id" db:"sender_id"`
	RecipientID    string         `json:"recipient_id" db:"recipient_id"`
	Amount         int64          `json:"amount" db:"amount"`
	CoinCategory   string         `json:"coin_category" db:"coin_category"`
	MerchantID     string         `json:"merchant_id,omitempty" db:"merchant_id"`
	Status         string         `json:"status" db:"status"`
	Note           string         `json:"note,omitempty" db:"note"`
	OTPHash        string         `json:"-" db:"otp_hash"`
	OTPExpiresAt   sql.NullTime   `json:"-" db:"otp_expires_at"`
	OTPAttempts    int            `json:"-" db:"otp_attempts"`
	LedgerPairID   string         `json:"ledger_pair_id,omitempty" db:"ledger_pair_id"`
	SenderTxRef    string         `json:"sender_tx_ref,omitempty" db:"sender_tx_ref"`
	RecipientTxRef string         `json:"recipient_tx_ref,omitempty" db:"recipient_tx_ref"`
	IdempotencyKey sql.NullString `json:"-" db:"idempotency_key"`
	FailureReason  string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}
