package services

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopcoin/wallet-backend/internal/config"
	"github.com/loopcoin/wallet-backend/internal/models"
)

// WalletService owns the per-user balance aggregate. The wallet row is
// the only mutable shared resource per user and is touched exclusively
// through guarded conditional updates: a debit is a single
// "decrement only if available >= amount" statement, so there is no
// read-then-write race window to lose.
type WalletService struct {
	db  *sql.DB
	cfg *config.Service
}

func NewWalletService(db *sql.DB, cfg *config.Service) *WalletService {
	return &WalletService{db: db, cfg: cfg}
}

// CreateWallet provisions an empty wallet row at user onboarding.
func (s *WalletService) CreateWallet(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, daily_reset_date, last_mutation_at, created_at, updated_at)
		VALUES ($1, CURRENT_DATE, NOW(), NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

func (s *WalletService) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	w := &models.Wallet{}
	var freezeReason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, available, pending, cashback_bonus, total, premium_balance, promo_balance,
		       daily_spent, daily_reset_date, is_frozen, freeze_reason,
		       total_earned, total_spent, total_cashback, total_refunded, total_topup, total_withdrawal,
		       last_mutation_at, created_at, updated_at
		FROM wallets
		WHERE user_id = $1`, userID).Scan(
		&w.UserID, &w.Available, &w.Pending, &w.CashbackBonus, &w.Total, &w.PremiumBalance, &w.PromoBalance,
		&w.DailySpent, &w.DailyResetDate, &w.IsFrozen, &freezeReason,
		&w.TotalEarned, &w.TotalSpent, &w.TotalCashback, &w.TotalRefunded, &w.TotalTopup, &w.TotalWithdrawal,
		&w.LastMutationAt, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.FreezeReason = freezeReason.String
	return w, nil
}

// CanSpend reports whether a debit of amount would currently succeed:
// wallet exists, not frozen, sufficient balance, under the daily cap.
func (s *WalletService) CanSpend(ctx context.Context, userID string, amount int64, category string) error {
	if amount <= 0 {
		return Validationf("amount must be positive")
	}

	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	if w.IsFrozen {
		return ErrWalletFrozen
	}

	available := w.Available
	switch category {
	case models.CoinPremium:
		available = w.PremiumBalance
	case models.CoinPromo:
		available = w.PromoBalance
	}
	if available < amount {
		return ErrInsufficientBalance
	}

	spentToday := w.DailySpent
	if w.DailyResetDate.Before(todayStart()) {
		spentToday = 0
	}
	if spentToday+amount > s.cfg.Limits().DailySpendLimit {
		return Validationf("daily spend limit exceeded")
	}
	return nil
}

// RecipientInfo is what a sender may learn about a recipient before
// sending: existence is never confirmed directly and names are masked.
type RecipientInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	CanReceive  bool   `json:"canReceive"`
}

// ValidateRecipient checks whether a user can receive coins. An unknown
// user is reported the same way as an ineligible one so the endpoint
// cannot be used to enumerate accounts.
func (s *WalletService) ValidateRecipient(ctx context.Context, recipientID string) (*RecipientInfo, error) {
	var displayName sql.NullString
	var isFrozen bool
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT u.display_name, w.is_frozen, w.total
		FROM wallets w
		JOIN users u ON u.id = w.user_id
		WHERE w.user_id = $1`, recipientID).Scan(&displayName, &isFrozen, &total)
	if err == sql.ErrNoRows {
		return &RecipientInfo{UserID: recipientID, CanReceive: false}, nil
	}
	if err != nil {
		return nil, err
	}
	if isFrozen || total >= s.cfg.Limits().MaxBalance {
		return &RecipientInfo{UserID: recipientID, CanReceive: false}, nil
	}
	return &RecipientInfo{
		UserID:      recipientID,
		DisplayName: maskDisplayName(displayName.String),
		CanReceive:  true,
	}, nil
}

// maskDisplayName keeps the first and last rune of each word, e.g.
// "Muhammed Rahel" becomes "M***d R***l".
func maskDisplayName(name string) string {
	words := strings.Fields(name)
	for i, word := range words {
		runes := []rune(word)
		if len(runes) <= 2 {
			words[i] = string(runes[0]) + "***"
			continue
		}
		words[i] = string(runes[0]) + "***" + string(runes[len(runes)-1])
	}
	return strings.Join(words, " ")
}

// Debit runs the guarded decrement in its own transaction.
func (s *WalletService) Debit(ctx context.Context, userID string, amount int64, category string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.DebitTx(tx, userID, amount, category); err != nil {
		return err
	}
	return tx.Commit()
}

// DebitTx performs the atomic conditional decrement inside the caller's
// transaction. On a failed guard it re-reads the row to classify the
// refusal; that read is authoritative, so callers need no retry loop.
func (s *WalletService) DebitTx(tx *sql.Tx, userID string, amount int64, category string) error {
	if amount <= 0 {
		return Validationf("amount must be positive")
	}

	// Roll the daily counter over on date change before applying the cap.
	if _, err := tx.Exec(`
		UPDATE wallets
		SET daily_spent = 0, daily_reset_date = CURRENT_DATE
		WHERE user_id = $1 AND daily_reset_date < CURRENT_DATE`, userID); err != nil {
		return err
	}

	var result sql.Result
	var err error
	switch category {
	case models.CoinUniversal, "":
		result, err = tx.Exec(`
			UPDATE wallets
			SET available = available - $1, total = total - $1,
			    total_spent = total_spent + $1, daily_spent = daily_spent + $1,
			    last_mutation_at = NOW(), updated_at = NOW()
			WHERE user_id = $2 AND is_frozen = FALSE AND available >= $1
			  AND daily_spent + $1 <= $3`,
			amount, userID, s.cfg.Limits().DailySpendLimit)
	case models.CoinPremium:
		result, err = tx.Exec(`
			UPDATE wallets
			SET premium_balance = premium_balance - $1, total = total - $1,
			    total_spent = total_spent + $1, daily_spent = daily_spent + $1,
			    last_mutation_at = NOW(), updated_at = NOW()
			WHERE user_id = $2 AND is_frozen = FALSE AND premium_balance >= $1
			  AND daily_spent + $1 <= $3`,
			amount, userID, s.cfg.Limits().DailySpendLimit)
	case models.CoinPromo:
		result, err = tx.Exec(`
			UPDATE wallets
			SET promo_balance = promo_balance - $1, total = total - $1,
			    total_spent = total_spent + $1, daily_spent = daily_spent + $1,
			    last_mutation_at = NOW(), updated_at = NOW()
			WHERE user_id = $2 AND is_frozen = FALSE AND promo_balance >= $1
			  AND daily_spent + $1 <= $3`,
			amount, userID, s.cfg.Limits().DailySpendLimit)
	default:
		return Validationf("unknown coin category %q", category)
	}
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return s.classifyDebitRefusalTx(tx, userID, amount, category)
	}
	return nil
}

func (s *WalletService) classifyDebitRefusalTx(tx *sql.Tx, userID string, amount int64, category string) error {
	var isFrozen bool
	var available, premium, promo, dailySpent int64
	err := tx.QueryRow(`
		SELECT is_frozen, available, premium_balance, promo_balance, daily_spent
		FROM wallets WHERE user_id = $1`, userID).Scan(&isFrozen, &available, &premium, &promo, &dailySpent)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if isFrozen {
		return ErrWalletFrozen
	}

	balance := available
	switch category {
	case models.CoinPremium:
		balance = premium
	case models.CoinPromo:
		balance = promo
	}
	if balance < amount {
		return ErrInsufficientBalance
	}
	return Validationf("daily spend limit exceeded")
}

// Credit runs the bounded increment in its own transaction.
func (s *WalletService) Credit(ctx context.Context, userID string, amount int64, category, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.CreditTx(tx, userID, amount, category, reason); err != nil {
		return err
	}
	return tx.Commit()
}

// CreditTx performs the atomic increment bounded by the balance ceiling.
// The reason selects which lifetime statistic the credit counts toward.
func (s *WalletService) CreditTx(tx *sql.Tx, userID string, amount int64, category, reason string) error {
	if amount <= 0 {
		return Validationf("amount must be positive")
	}

	var statColumn string
	switch reason {
	case "refund":
		statColumn = "total_refunded"
	case "cashback":
		statColumn = "total_cashback"
	case "topup":
		statColumn = "total_topup"
	default:
		statColumn = "total_earned"
	}

	var balanceColumn string
	switch category {
	case models.CoinUniversal, "":
		balanceColumn = "available"
	case models.CoinPremium:
		balanceColumn = "premium_balance"
	case models.CoinPromo:
		balanceColumn = "promo_balance"
	default:
		return Validationf("unknown coin category %q", category)
	}

	// Column names come from the fixed switches above, never from input.
	result, err := tx.Exec(`
		UPDATE wallets
		SET `+balanceColumn+` = `+balanceColumn+` + $1, total = total + $1,
		    `+statColumn+` = `+statColumn+` + $1,
		    last_mutation_at = NOW(), updated_at = NOW()
		WHERE user_id = $2 AND is_frozen = FALSE AND total + $1 <= $3`,
		amount, userID, s.cfg.Limits().MaxBalance)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		var isFrozen bool
		err := tx.QueryRow(`SELECT is_frozen FROM wallets WHERE user_id = $1`, userID).Scan(&isFrozen)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if isFrozen {
			return ErrWalletFrozen
		}
		return ErrCeilingExceeded
	}
	return nil
}

// Freeze blocks all mutation except Unfreeze.
func (s *WalletService) Freeze(ctx context.Context, userID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET is_frozen = TRUE, freeze_reason = $1, updated_at = NOW()
		WHERE user_id = $2`, reason, userID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *WalletService) Unfreeze(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET is_frozen = FALSE, freeze_reason = NULL, updated_at = NOW()
		WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// AddBrandedCoins upserts a merchant-branded sub-balance. Branded coins
// are tracked outside the wallet total.
func (s *WalletService) AddBrandedCoins(ctx context.Context, userID, merchantID, merchantName string, amount int64) error {
	if amount <= 0 {
		return Validationf("amount must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.AddBrandedCoinsTx(tx, userID, merchantID, merchantName, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *WalletService) AddBrandedCoinsTx(tx *sql.Tx, userID, merchantID, merchantName string, amount int64) error {
	_, err := tx.Exec(`
		INSERT INTO branded_coins (user_id, merchant_id, merchant_name, amount, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, merchant_id)
		DO UPDATE SET amount = branded_coins.amount + $4, updated_at = NOW()`,
		userID, merchantID, merchantName, amount)
	return err
}

func (s *WalletService) DeductBrandedCoins(ctx context.Context, userID, merchantID string, amount int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.DeductBrandedCoinsTx(tx, userID, merchantID, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *WalletService) DeductBrandedCoinsTx(tx *sql.Tx, userID, merchantID string, amount int64) error {
	if amount <= 0 {
		return Validationf("amount must be positive")
	}
	result, err := tx.Exec(`
		UPDATE branded_coins
		SET amount = amount - $1, updated_at = NOW()
		WHERE user_id = $2 AND merchant_id = $3 AND amount >= $1`,
		amount, userID, merchantID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// RecordHistoryTx appends a coin_transactions row inside the caller's
// transaction and returns its ID for back-linking.
func (s *WalletService) RecordHistoryTx(tx *sql.Tx, userID, txType string, amount int64, source, description, referenceID string) (string, error) {
	id := uuid.NewString()

	var balanceAfter int64
	if err := tx.QueryRow(`SELECT available FROM wallets WHERE user_id = $1`, userID).Scan(&balanceAfter); err != nil {
		return "", err
	}

	_, err := tx.Exec(`
		INSERT INTO coin_transactions (id, user_id, tx_type, amount, balance_after, source, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, userID, txType, amount, balanceAfter, source, description, referenceID, time.Now())
	if err != nil {
		return "", err
	}
	return id, nil
}

// AdjustBalance nudges a stored sub-balance directly. This is reserved
// for the reconciliation engine; every other mutation goes through the
// guarded debit/credit paths. The guard on the previous value makes the
// nudge a compare-and-swap so a concurrent mutation fails the fix.
func (s *WalletService) AdjustBalance(ctx context.Context, userID, category string, delta, expectedBalance int64) error {
	var column string
	switch category {
	case models.CoinUniversal, "":
		column = "available"
	case models.CoinPremium:
		column = "premium_balance"
	case models.CoinPromo:
		column = "promo_balance"
	default:
		return Validationf("unknown coin category %q", category)
	}

	// Column names come from the fixed switch above, never from input.
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET `+column+` = `+column+` + $1, total = total + $1,
		    last_mutation_at = NOW(), updated_at = NOW()
		WHERE user_id = $2 AND `+column+` = $3 AND `+column+` + $1 >= 0`,
		delta, userID, expectedBalance)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		log.Printf("[WALLET] Balance adjustment skipped for %s, wallet moved concurrently", userID)
		return ErrAlreadyProcessed
	}
	return nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func todayStart() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
