package models

import "time"

// Coin categories. Branded coins are tracked per merchant in a separate
// table and are excluded from the wallet total.
const (
	CoinUniversal = "universal"
	CoinPremium   = "premium"
	CoinBranded   = "branded"
	CoinPromo     = "promo"
)

type Wallet struct {
	UserID          string    `json:"user_id" db:"user_id"`
	Available       int64     `json:"available" db:"available"` // smallest unit
	Pending         int64     `json:"pending" db:"pending"`
	CashbackBonus   int64     `json:"cashback_bonus" db:"cashback_bonus"`
	Total           int64     `json:"total" db:"total"`
	PremiumBalance  int64     `json:"premium_balance" db:"premium_balance"`
	PromoBalance    int64     `json:"promo_balance" db:"promo_balance"`
	DailySpent      int64     `json:"daily_spent" db:"daily_spent"`
	DailyResetDate  time.Time `json:"daily_reset_date" db:"daily_reset_date"`
	IsFrozen        bool      `json:"is_frozen" db:"is_frozen"`
	FreezeReason    string    `json:"freeze_reason,omitempty" db:"freeze_reason"`
	TotalEarned     int64     `json:"total_earned" db:"total_earned"`
	TotalSpent      int64     `json:"total_spent" db:"total_spent"`
	TotalCashback   int64     `json:"total_cashback" db:"total_cashback"`
	TotalRefunded   int64     `json:"total_refunded" db:"total_refunded"`
	TotalTopup      int64     `json:"total_topup" db:"total_topup"`
	TotalWithdrawal int64     `json:"total_withdrawal" db:"total_withdrawal"`
	LastMutationAt  time.Time `json:"last_mutation_at" db:"last_mutation_at"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

type BrandedCoin struct {
	UserID       string    `json:"user_id" db:"user_id"`
	MerchantID   string    `json:"merchant_id" db:"merchant_id"`
	MerchantName string    `json:"merchant_name" db:"merchant_name"`
	Amount       int64     `json:"amount" db:"amount"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// CoinTransaction is a per-user history row written atomically with every
// balance mutation. Transfers and gifts back-link to these rows by ID.
type CoinTransaction struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	TxType       string    `json:"tx_type" db:"tx_type"` // earned, spent, refund
	Amount       int64     `json:"amount" db:"amount"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Source       string    `json:"source" db:"source"`
	Description  string    `json:"description" db:"description"`
	ReferenceID  string    `json:"reference_id,omitempty" db:"reference_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
