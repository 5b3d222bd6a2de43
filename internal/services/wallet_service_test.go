package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/loopcoin/wallet-backend/internal/config"
)

func newWalletServiceForTest(t *testing.T) (*WalletService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	service := NewWalletService(db, config.NewService())
	return service, mock, func() { db.Close() }
}

func TestWalletService_Debit(t *testing.T) {
	service, mock, closeDB := newWalletServiceForTest(t)
	defer closeDB()

	userID := "user1"

	t.Run("successful debit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 0)) // daily rollover, no date change
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(500), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Debit(context.Background(), userID, 500, "universal")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(6000), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0)) // guard refused
		mock.ExpectQuery("SELECT is_frozen, available").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"is_frozen", "available", "premium_balance", "promo_balance", "daily_spent"}).
				AddRow(false, 5000, 0, 0, 0))
		mock.ExpectRollback()

		err := service.Debit(context.Background(), userID, 6000, "universal")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("frozen wallet", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(100), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT is_frozen, available").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"is_frozen", "available", "premium_balance", "promo_balance", "daily_spent"}).
				AddRow(true, 5000, 0, 0, 0))
		mock.ExpectRollback()

		err := service.Debit(context.Background(), userID, 100, "universal")
		assert.ErrorIs(t, err, ErrWalletFrozen)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("daily limit exceeded", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(1000), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT is_frozen, available").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"is_frozen", "available", "premium_balance", "promo_balance", "daily_spent"}).
				AddRow(false, 100000, 0, 0, 499500))
		mock.ExpectRollback()

		err := service.Debit(context.Background(), userID, 1000, "universal")
		assert.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wallet not found", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(100), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT is_frozen, available").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"is_frozen", "available", "premium_balance", "promo_balance", "daily_spent"}))
		mock.ExpectRollback()

		err := service.Debit(context.Background(), userID, 100, "universal")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := service.Debit(context.Background(), userID, 0, "universal")
		assert.True(t, IsValidation(err))
	})

	t.Run("rejects unknown category", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := service.Debit(context.Background(), userID, 100, "doubloons")
		assert.True(t, IsValidation(err))
	})
}

func TestWalletService_Credit(t *testing.T) {
	service, mock, closeDB := newWalletServiceForTest(t)
	defer closeDB()

	userID := "user1"

	t.Run("successful credit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(500), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Credit(context.Background(), userID, 500, "universal", "earned")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ceiling exceeded", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(500), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT is_frozen FROM wallets").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"is_frozen"}).AddRow(false))
		mock.ExpectRollback()

		err := service.Credit(context.Background(), userID, 500, "universal", "earned")
		assert.ErrorIs(t, err, ErrCeilingExceeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("frozen wallet", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(500), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT is_frozen FROM wallets").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"is_frozen"}).AddRow(true))
		mock.ExpectRollback()

		err := service.Credit(context.Background(), userID, 500, "universal", "refund")
		assert.ErrorIs(t, err, ErrWalletFrozen)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_CanSpend(t *testing.T) {
	service, mock, closeDB := newWalletServiceForTest(t)
	defer closeDB()

	userID := "user1"
	walletColumns := []string{
		"user_id", "available", "pending", "cashback_bonus", "total", "premium_balance", "promo_balance",
		"daily_spent", "daily_reset_date", "is_frozen", "freeze_reason",
		"total_earned", "total_spent", "total_cashback", "total_refunded", "total_topup", "total_withdrawal",
		"last_mutation_at", "created_at", "updated_at",
	}
	now := time.Now()

	walletRow := func(available, premium, dailySpent int64, frozen bool) *sqlmock.Rows {
		return sqlmock.NewRows(walletColumns).
			AddRow(userID, available, 0, 0, available+premium, premium, 0,
				dailySpent, now, frozen, nil,
				0, 0, 0, 0, 0, 0, now, now, now)
	}

	t.Run("sufficient balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, available").
			WithArgs(userID).
			WillReturnRows(walletRow(5000, 0, 0, false))

		assert.NoError(t, service.CanSpend(context.Background(), userID, 500, "universal"))
	})

	t.Run("premium category checks premium balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, available").
			WithArgs(userID).
			WillReturnRows(walletRow(5000, 100, 0, false))

		err := service.CanSpend(context.Background(), userID, 500, "premium")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("frozen", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, available").
			WithArgs(userID).
			WillReturnRows(walletRow(5000, 0, 0, true))

		err := service.CanSpend(context.Background(), userID, 500, "universal")
		assert.ErrorIs(t, err, ErrWalletFrozen)
	})

	t.Run("daily cap", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, available").
			WithArgs(userID).
			WillReturnRows(walletRow(700000, 0, 499900, false))

		err := service.CanSpend(context.Background(), userID, 500, "universal")
		assert.True(t, IsValidation(err))
	})
}

func TestWalletService_BrandedCoins(t *testing.T) {
	service, mock, closeDB := newWalletServiceForTest(t)
	defer closeDB()

	t.Run("deduct refused on insufficient branded balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE branded_coins").
			WithArgs(int64(300), "user1", "merchant1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := service.DeductBrandedCoins(context.Background(), "user1", "merchant1", 300)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("add upserts", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO branded_coins").
			WithArgs("user1", "merchant1", "Coffee Co", int64(300)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := service.AddBrandedCoins(context.Background(), "user1", "merchant1", "Coffee Co", 300)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_AdjustBalance(t *testing.T) {
	service, mock, closeDB := newWalletServiceForTest(t)
	defer closeDB()

	t.Run("applies nudge when balance unchanged", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(-10), "user1", int64(5010)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.AdjustBalance(context.Background(), "user1", "universal", -10, 5010)
		assert.NoError(t, err)
	})

	t.Run("adjusts premium sub-balance", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets SET premium_balance").
			WithArgs(int64(100), "user1", int64(500)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.AdjustBalance(context.Background(), "user1", "premium", 100, 500)
		assert.NoError(t, err)
	})

	t.Run("refuses when wallet moved concurrently", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(-10), "user1", int64(5010)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.AdjustBalance(context.Background(), "user1", "universal", -10, 5010)
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
	})

	t.Run("rejects unknown category", func(t *testing.T) {
		err := service.AdjustBalance(context.Background(), "user1", "shells", 0, 0)
		assert.True(t, IsValidation(err))
	})
}

func TestWalletService_Freeze(t *testing.T) {
	service, mock, closeDB := newWalletServiceForTest(t)
	defer closeDB()

	t.Run("freeze", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets").
			WithArgs("fraud review", "user1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.Freeze(context.Background(), "user1", "fraud review"))
	})

	t.Run("freeze unknown wallet", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets").
			WithArgs("fraud review", "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.Freeze(context.Background(), "ghost", "fraud review")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWalletService_ValidateRecipient(t *testing.T) {
	service, mock, closeDB := newWalletServiceForTest(t)
	defer closeDB()

	columns := []string{"display_name", "is_frozen", "total"}

	t.Run("eligible recipient with masked name", func(t *testing.T) {
		mock.ExpectQuery("SELECT u.display_name, w.is_frozen, w.total").
			WithArgs("user2").
			WillReturnRows(sqlmock.NewRows(columns).AddRow("Muhammed Rahel", false, int64(5000)))

		info, err := service.ValidateRecipient(context.Background(), "user2")
		assert.NoError(t, err)
		assert.True(t, info.CanReceive)
		assert.Equal(t, "M***d R***l", info.DisplayName)
	})

	t.Run("unknown user looks ineligible", func(t *testing.T) {
		mock.ExpectQuery("SELECT u.display_name, w.is_frozen, w.total").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(columns))

		info, err := service.ValidateRecipient(context.Background(), "ghost")
		assert.NoError(t, err)
		assert.False(t, info.CanReceive)
		assert.Empty(t, info.DisplayName)
	})

	t.Run("frozen recipient cannot receive", func(t *testing.T) {
		mock.ExpectQuery("SELECT u.display_name, w.is_frozen, w.total").
			WithArgs("user3").
			WillReturnRows(sqlmock.NewRows(columns).AddRow("Ada Obi", true, int64(100)))

		info, err := service.ValidateRecipient(context.Background(), "user3")
		assert.NoError(t, err)
		assert.False(t, info.CanReceive)
	})

	t.Run("recipient at balance ceiling cannot receive", func(t *testing.T) {
		mock.ExpectQuery("SELECT u.display_name, w.is_frozen, w.total").
			WithArgs("user4").
			WillReturnRows(sqlmock.NewRows(columns).AddRow("Bola A", false, int64(10_000_000)))

		info, err := service.ValidateRecipient(context.Background(), "user4")
		assert.NoError(t, err)
		assert.False(t, info.CanReceive)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaskDisplayName(t *testing.T) {
	assert.Equal(t, "M***d R***l", maskDisplayName("Muhammed Rahel"))
	assert.Equal(t, "A***", maskDisplayName("Al"))
	assert.Equal(t, "", maskDisplayName(""))
}
