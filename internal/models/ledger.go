package models

import "time"

const (
	EntryDebit  = "DEBIT"
	EntryCredit = "CREDIT"

	AccountUserWallet = "user_wallet"
	AccountPlatform   = "platform"
)

// LedgerEntry is an immutable double-entry row. Exactly one DEBIT and one
// CREDIT row share a pair_id with equal amount and coin category.
// Corrections are new compensating rows, never updates.
type LedgerEntry struct {
	ID             int64     `json:"id" db:"id"`
	PairID         string    `json:"pair_id" db:"pair_id"`
	AccountType    string    `json:"account_type" db:"account_type"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Direction      string    `json:"direction" db:"direction"`
	Amount         int64     `json:"amount" db:"amount"` // always > 0
	CoinCategory   string    `json:"coin_category" db:"coin_category"`
	RunningBalance int64     `json:"running_balance" db:"running_balance"`
	OperationType  string    `json:"operation_type" db:"operation_type"`
	ReferenceID    string    `json:"reference_id,omitempty" db:"reference_id"`
	ReferenceType  string    `json:"reference_type,omitempty" db:"reference_type"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	ActorID        string    `json:"actor_id,omitempty" db:"actor_id"`
	Description    string    `json:"description,omitempty" db:"description"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ReconciliationResult compares the ledger-derived balance with the
// cached wallet balance for one user. Balances reconcile per coin
// category; the reported figures are those of the category with the
// largest drift.
type ReconciliationResult struct {
	UserID         string `json:"user_id"`
	CoinCategory   string `json:"coin_category"`
	Expected       int64  `json:"expected"` // ledger-derived
	Actual         int64  `json:"actual"`   // wallet-stored sub-balance
	Drift          int64  `json:"drift"`    // actual - expected
	Classification string `json:"classification"` // ok, minor, critical
}

type ReconciliationSummary struct {
	Scanned   int           `json:"scanned"`
	OK        int           `json:"ok"`
	Minor     int           `json:"minor"`
	Critical  int           `json:"critical"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}
