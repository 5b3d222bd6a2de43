package models

import (
	"database/sql"
	"time"
)

const (
	GiftPending   = "pending" // scheduled, not yet delivered
	GiftDelivered = "delivered"
	GiftClaimed   = "claimed"
	GiftExpired   = "expired"
	GiftCancelled = "cancelled"

	DeliveryInstant   = "instant"
	DeliveryScheduled = "scheduled"
)

type CoinGift struct {
	ID             string         `json:"id" db:"id"`
	SenderID       string         `json:"sender_id" db:"sender_id"`
	RecipientID    string         `json:"recipient_id" db:"recipient_id"`
	Amount         int64          `json:"amount" db:"amount"`
	CoinCategory   string         `json:"coin_category" db:"coin_category"`
	Theme          string         `json:"theme" db:"theme"`
	Message        string         `json:"message,omitempty" db:"message"`
	DeliveryMode   string         `json:"delivery_mode" db:"delivery_mode"`
	ScheduledAt    sql.NullTime   `json:"scheduled_at,omitempty" db:"scheduled_at"`
	Status         string         `json:"status" db:"status"`
	ClaimedAt      sql.NullTime   `json:"claimed_at,omitempty" db:"claimed_at"`
	ExpiresAt      time.Time      `json:"expires_at" db:"expires_at"`
	SenderTxRef    string         `json:"sender_tx_ref,omitempty" db:"sender_tx_ref"`
	RecipientTxRef string         `json:"recipient_tx_ref,omitempty" db:"recipient_tx_ref"`
	IdempotencyKey sql.NullString `json:"-" db:"idempotency_key"`
	CancelReason   string         `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}
