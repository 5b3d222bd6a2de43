package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/loopcoin/wallet-backend/internal/models"
)

// LedgerService is the append-only double-entry bookkeeping engine and
// the canonical source of truth for balances. Every money movement is a
// pair of rows sharing a pair_id: one DEBIT, one CREDIT, equal amount and
// coin category. Rows are never updated; corrections are new rows.
//
// Platform pseudo-accounts absorb the timing asymmetries of user-facing
// movements: gifts route sender -> float -> recipient so coins can stay
// in flight for days without a live two-party transaction.
type LedgerService struct {
	db *sql.DB

	FeesAccount    string
	FloatAccount   string
	ExpiredAccount string
}

type EntryInput struct {
	DebitType  string
	DebitID    string
	CreditType string
	CreditID   string

	Amount       int64
	CoinCategory string

	OperationType  string
	ReferenceID    string
	ReferenceType  string
	IdempotencyKey string
	ActorID        string
	Description    string
}

func NewLedgerService(db *sql.DB) *LedgerService {
	viper.SetDefault("ledger.fees_account", "platform_fees")
	viper.SetDefault("ledger.float_account", "platform_float")
	viper.SetDefault("ledger.expired_account", "platform_expired")

	return &LedgerService{
		db:             db,
		FeesAccount:    viper.GetString("ledger.fees_account"),
		FloatAccount:   viper.GetString("ledger.float_account"),
		ExpiredAccount: viper.GetString("ledger.expired_account"),
	}
}

// RecordEntry writes the debit and credit rows as one SQL transaction and
// returns the shared pair ID.
func (s *LedgerService) RecordEntry(ctx context.Context, in EntryInput) (string, error) {
	if in.Amount <= 0 {
		return "", Validationf("ledger amount must be positive")
	}
	if in.DebitID == in.CreditID && in.DebitType == in.CreditType {
		return "", Validationf("debit and credit accounts must differ")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	pairID := uuid.NewString()

	debitBalance, err := s.accountBalanceTx(tx, in.DebitID, in.CoinCategory)
	if err != nil {
		return "", err
	}
	creditBalance, err := s.accountBalanceTx(tx, in.CreditID, in.CoinCategory)
	if err != nil {
		return "", err
	}

	if err := s.insertRow(tx, pairID, in, in.DebitType, in.DebitID, models.EntryDebit, debitBalance-in.Amount); err != nil {
		return "", err
	}
	if err := s.insertRow(tx, pairID, in, in.CreditType, in.CreditID, models.EntryCredit, creditBalance+in.Amount); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return pairID, nil
}

func (s *LedgerService) insertRow(tx *sql.Tx, pairID string, in EntryInput, accountType, accountID, direction string, runningBalance int64) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_entries
		(pair_id, account_type, account_id, direction, amount, coin_category, running_balance,
		 operation_type, reference_id, reference_type, idempotency_key, actor_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		pairID, accountType, accountID, direction, in.Amount, in.CoinCategory, runningBalance,
		in.OperationType, in.ReferenceID, in.ReferenceType, in.IdempotencyKey, in.ActorID, in.Description, time.Now())
	return err
}

// GetAccountBalance derives the canonical balance from the entries:
// credits minus debits, independent of any cached projection. An empty
// coinCategory sums across all categories.
func (s *LedgerService) GetAccountBalance(ctx context.Context, accountID, coinCategory string) (int64, error) {
	var balance int64
	var err error
	if coinCategory == "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
			FROM ledger_entries
			WHERE account_id = $1`, accountID).Scan(&balance)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
			FROM ledger_entries
			WHERE account_id = $1 AND coin_category = $2`, accountID, coinCategory).Scan(&balance)
	}
	return balance, err
}

func (s *LedgerService) accountBalanceTx(tx *sql.Tx, accountID, coinCategory string) (int64, error) {
	var balance int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE account_id = $1 AND coin_category = $2`, accountID, coinCategory).Scan(&balance)
	return balance, err
}

// GetAccountHistory returns entries for an account, newest first.
func (s *LedgerService) GetAccountHistory(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pair_id, account_type, account_id, direction, amount, coin_category,
		       running_balance, operation_type, reference_id, reference_type,
		       COALESCE(idempotency_key, ''), COALESCE(actor_id, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.PairID, &e.AccountType, &e.AccountID, &e.Direction, &e.Amount, &e.CoinCategory,
			&e.RunningBalance, &e.OperationType, &e.ReferenceID, &e.ReferenceType,
			&e.IdempotencyKey, &e.ActorID, &e.Description, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
