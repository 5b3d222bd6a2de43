package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/loopcoin/wallet-backend/internal/audit"
	"github.com/loopcoin/wallet-backend/internal/config"
)

type reconFixture struct {
	service   *ReconciliationService
	sqlMock   sqlmock.Sqlmock
	redisMock redismock.ClientMock
	close     func()
}

func newReconFixture(t *testing.T) *reconFixture {
	db, sqlMock, err := sqlmock.New()
	assert.NoError(t, err)

	redisClient, redisMock := redismock.NewClientMock()

	cfg := config.NewService()
	wallets := NewWalletService(db, cfg)
	ledger := NewLedgerService(db)
	locks := NewLockService(redisClient)

	service := NewReconciliationService(db, wallets, ledger, locks, audit.NewLogger(), cfg)
	return &reconFixture{
		service:   service,
		sqlMock:   sqlMock,
		redisMock: redisMock,
		close:     func() { db.Close() },
	}
}

func (f *reconFixture) expectWalletRow(userID string, available, premium, promo int64) {
	now := time.Now()
	f.sqlMock.ExpectQuery("SELECT user_id, available").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "available", "pending", "cashback_bonus", "total", "premium_balance", "promo_balance",
			"daily_spent", "daily_reset_date", "is_frozen", "freeze_reason",
			"total_earned", "total_spent", "total_cashback", "total_refunded", "total_topup", "total_withdrawal",
			"last_mutation_at", "created_at", "updated_at",
		}).AddRow(userID, available, 0, 0, available, premium, promo,
			0, now, false, nil, 0, 0, 0, 0, 0, 0, now, now, now))
}

// One ledger balance query per coin category, in recompute order.
func (f *reconFixture) expectLedgerBalances(userID string, universal, premium, promo int64) {
	for _, c := range []struct {
		category string
		balance  int64
	}{
		{"universal", universal},
		{"premium", premium},
		{"promo", promo},
	} {
		f.sqlMock.ExpectQuery("SELECT COALESCE").
			WithArgs(userID, c.category).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(c.balance))
	}
}

func (f *reconFixture) expectWalletAndLedger(userID string, available, ledgerBalance int64) {
	f.expectWalletRow(userID, available, 0, 0)
	f.expectLedgerBalances(userID, ledgerBalance, 0, 0)
}

func TestReconciliationService_RecomputeWalletBalance(t *testing.T) {
	t.Run("matching balances classify ok", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletAndLedger("user1", 5000, 5000)

		result, err := f.service.RecomputeWalletBalance(context.Background(), "user1")
		assert.NoError(t, err)
		assert.Zero(t, result.Drift)
		assert.Equal(t, "ok", result.Classification)
	})

	t.Run("premium activity does not skew the universal balance", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		// 1000 universal and 500 premium, each matching its own ledger
		// category. A cross-category sum would report drift here.
		f.expectWalletRow("user1", 1000, 500, 0)
		f.expectLedgerBalances("user1", 1000, 500, 0)

		result, err := f.service.RecomputeWalletBalance(context.Background(), "user1")
		assert.NoError(t, err)
		assert.Zero(t, result.Drift)
		assert.Equal(t, "ok", result.Classification)
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})

	t.Run("premium drift is reported under its category", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletRow("user1", 1000, 500, 0)
		f.expectLedgerBalances("user1", 1000, 600, 0)

		result, err := f.service.RecomputeWalletBalance(context.Background(), "user1")
		assert.NoError(t, err)
		assert.Equal(t, "premium", result.CoinCategory)
		assert.Equal(t, int64(-100), result.Drift)
		assert.Equal(t, "minor", result.Classification)
	})

	t.Run("small skew classifies minor", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletAndLedger("user1", 5010, 5000)

		result, err := f.service.RecomputeWalletBalance(context.Background(), "user1")
		assert.NoError(t, err)
		assert.Equal(t, int64(10), result.Drift)
		assert.Equal(t, "minor", result.Classification)
	})

	t.Run("large skew classifies critical", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletAndLedger("user1", 4000, 5000)

		result, err := f.service.RecomputeWalletBalance(context.Background(), "user1")
		assert.NoError(t, err)
		assert.Equal(t, int64(-1000), result.Drift)
		assert.Equal(t, "critical", result.Classification)
	})

	t.Run("unknown wallet", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.sqlMock.ExpectQuery("SELECT user_id, available").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

		_, err := f.service.RecomputeWalletBalance(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReconciliationService_BulkReconciliation(t *testing.T) {
	f := newReconFixture(t)
	defer f.close()

	f.redisMock.Regexp().ExpectSetNX("lock:jobs:reconciliation", `.+`, 10*time.Minute).SetVal(true)

	f.sqlMock.ExpectQuery("SELECT user_id FROM wallets").
		WithArgs("", 2).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user1").AddRow("user2"))

	f.expectWalletAndLedger("user1", 5000, 5000) // ok
	f.expectWalletAndLedger("user2", 6000, 5000) // critical

	f.sqlMock.ExpectExec("INSERT INTO reconciliation_findings").
		WithArgs("user2", "universal", int64(5000), int64(6000), int64(1000), "critical").
		WillReturnResult(sqlmock.NewResult(1, 1))

	f.sqlMock.ExpectQuery("SELECT user_id FROM wallets").
		WithArgs("user2", 2).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	summary, err := f.service.BulkReconciliation(context.Background(), 2)
	assert.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.OK)
	assert.Equal(t, 1, summary.Critical)
	assert.NoError(t, f.sqlMock.ExpectationsWereMet())
}

func TestReconciliationService_BulkReconciliationLockHeld(t *testing.T) {
	f := newReconFixture(t)
	defer f.close()

	f.redisMock.Regexp().ExpectSetNX("lock:jobs:reconciliation", `.+`, 10*time.Minute).SetVal(false)

	_, err := f.service.BulkReconciliation(context.Background(), 2)
	assert.ErrorIs(t, err, ErrLockContention)
}

func TestReconciliationService_AutoFix(t *testing.T) {
	t.Run("dry run reports without writing", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletAndLedger("user1", 5010, 5000)

		result, err := f.service.AutoFix(context.Background(), "user1", "operator1", true)
		assert.NoError(t, err)
		assert.True(t, result.DryRun)
		assert.False(t, result.Corrected)
		assert.Equal(t, int64(10), result.Drift)
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})

	t.Run("zero drift needs no correction", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletAndLedger("user1", 5000, 5000)

		result, err := f.service.AutoFix(context.Background(), "user1", "operator1", false)
		assert.NoError(t, err)
		assert.False(t, result.Corrected)
	})

	t.Run("positive drift posts a fees-to-wallet pair", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletAndLedger("user1", 5010, 5000)

		f.sqlMock.ExpectBegin()
		f.sqlMock.ExpectQuery("SELECT COALESCE").
			WithArgs(f.service.ledger.FeesAccount, "universal").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0))
		f.sqlMock.ExpectQuery("SELECT COALESCE").
			WithArgs("user1", "universal").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(5000))
		f.sqlMock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		f.sqlMock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(2, 1))
		f.sqlMock.ExpectCommit()

		f.sqlMock.ExpectExec("UPDATE wallets").
			WithArgs(int64(0), "user1", int64(5010)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := f.service.AutoFix(context.Background(), "user1", "operator1", false)
		assert.NoError(t, err)
		assert.True(t, result.Corrected)
		assert.NotEmpty(t, result.LedgerPairID)
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})

	t.Run("negative drift posts a wallet-to-fees pair", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletAndLedger("user1", 4990, 5000)

		f.sqlMock.ExpectBegin()
		f.sqlMock.ExpectQuery("SELECT COALESCE").
			WithArgs("user1", "universal").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(5000))
		f.sqlMock.ExpectQuery("SELECT COALESCE").
			WithArgs(f.service.ledger.FeesAccount, "universal").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0))
		f.sqlMock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		f.sqlMock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(2, 1))
		f.sqlMock.ExpectCommit()

		f.sqlMock.ExpectExec("UPDATE wallets").
			WithArgs(int64(0), "user1", int64(4990)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := f.service.AutoFix(context.Background(), "user1", "operator1", false)
		assert.NoError(t, err)
		assert.True(t, result.Corrected)
	})

	t.Run("premium drift corrects in its own category", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletRow("user1", 1000, 600, 0)
		f.expectLedgerBalances("user1", 1000, 500, 0)

		f.sqlMock.ExpectBegin()
		f.sqlMock.ExpectQuery("SELECT COALESCE").
			WithArgs(f.service.ledger.FeesAccount, "premium").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0))
		f.sqlMock.ExpectQuery("SELECT COALESCE").
			WithArgs("user1", "premium").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(500))
		f.sqlMock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		f.sqlMock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(2, 1))
		f.sqlMock.ExpectCommit()

		f.sqlMock.ExpectExec("UPDATE wallets SET premium_balance").
			WithArgs(int64(0), "user1", int64(600)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := f.service.AutoFix(context.Background(), "user1", "operator1", false)
		assert.NoError(t, err)
		assert.True(t, result.Corrected)
		assert.Equal(t, "premium", result.CoinCategory)
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})

	t.Run("real run requires an operator", func(t *testing.T) {
		f := newReconFixture(t)
		defer f.close()

		f.expectWalletAndLedger("user1", 5010, 5000)

		_, err := f.service.AutoFix(context.Background(), "user1", "", false)
		assert.True(t, IsValidation(err))
	})
}
