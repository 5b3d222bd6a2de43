package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/loopcoin/wallet-backend/internal/audit"
	"github.com/loopcoin/wallet-backend/internal/config"
	"github.com/loopcoin/wallet-backend/internal/metrics"
	"github.com/loopcoin/wallet-backend/internal/models"
)

// ReconciliationService recomputes expected balances from the ledger
// and compares them against the cached wallet projections. The ledger
// is the source of truth; the wallet row is a projection that can drift
// when a post-mutation ledger write is lost.
type ReconciliationService struct {
	db      *sql.DB
	wallets *WalletService
	ledger  *LedgerService
	locks   *LockService
	audit   *audit.Logger
	cfg     *config.Service
}

func NewReconciliationService(db *sql.DB, wallets *WalletService, ledger *LedgerService, locks *LockService, auditLogger *audit.Logger, cfg *config.Service) *ReconciliationService {
	return &ReconciliationService{
		db:      db,
		wallets: wallets,
		ledger:  ledger,
		locks:   locks,
		audit:   auditLogger,
		cfg:     cfg,
	}
}

// RecomputeWalletBalance derives one user's expected balances from the
// ledger and classifies the drift against the cached wallet. Each coin
// category reconciles against its own sub-balance; summing the ledger
// across categories would report phantom drift for any wallet with
// premium or promotional activity. The result carries the category with
// the largest drift, universal when everything matches.
func (s *ReconciliationService) RecomputeWalletBalance(ctx context.Context, userID string) (*models.ReconciliationResult, error) {
	wallet, err := s.wallets.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	checks := []struct {
		category string
		actual   int64
	}{
		{models.CoinUniversal, wallet.Available},
		{models.CoinPremium, wallet.PremiumBalance},
		{models.CoinPromo, wallet.PromoBalance},
	}

	result := &models.ReconciliationResult{UserID: userID}
	for i, c := range checks {
		expected, err := s.ledger.GetAccountBalance(ctx, userID, c.category)
		if err != nil {
			return nil, err
		}
		drift := c.actual - expected
		if i == 0 || absDrift(drift) > absDrift(result.Drift) {
			result.CoinCategory = c.category
			result.Expected = expected
			result.Actual = c.actual
			result.Drift = drift
		}
	}
	result.Classification = s.classify(result.Drift)
	return result, nil
}

func absDrift(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}

func (s *ReconciliationService) classify(drift int64) string {
	limits := s.cfg.Limits()
	abs := absDrift(drift)
	switch {
	case abs <= limits.DriftMinorThreshold:
		return "ok"
	case abs <= limits.DriftCriticalThreshold:
		return "minor"
	default:
		return "critical"
	}
}

// BulkReconciliation scans all wallets in pages, tallies drift by
// classification, and persists critical findings for operator review.
func (s *ReconciliationService) BulkReconciliation(ctx context.Context, batchSize int) (*models.ReconciliationSummary, error) {
	token, err := s.locks.Acquire(ctx, "jobs:reconciliation", 10*time.Minute)
	if err != nil {
		metrics.JobRuns.WithLabelValues("reconciliation", "skipped").Inc()
		return nil, err
	}
	defer s.locks.Release(ctx, "jobs:reconciliation", token)

	if batchSize <= 0 || batchSize > 1000 {
		batchSize = 200
	}

	summary := &models.ReconciliationSummary{StartedAt: time.Now()}
	lastID := ""
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT user_id FROM wallets
			WHERE user_id > $1
			ORDER BY user_id
			LIMIT $2`, lastID, batchSize)
		if err != nil {
			metrics.JobRuns.WithLabelValues("reconciliation", "error").Inc()
			return nil, err
		}

		userIDs := []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			userIDs = append(userIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		if len(userIDs) == 0 {
			break
		}
		lastID = userIDs[len(userIDs)-1]

		for _, userID := range userIDs {
			result, err := s.RecomputeWalletBalance(ctx, userID)
			if err != nil {
				log.Printf("[RECON] Skipping %s: %v", userID, err)
				continue
			}
			summary.Scanned++
			switch result.Classification {
			case "ok":
				summary.OK++
			case "minor":
				summary.Minor++
			case "critical":
				summary.Critical++
				metrics.CriticalDriftTotal.Inc()
				s.persistFinding(ctx, result)
			}
		}
	}

	summary.Elapsed = time.Since(summary.StartedAt)
	metrics.JobRuns.WithLabelValues("reconciliation", "ok").Inc()
	log.Printf("[RECON] Scanned %d wallets: %d ok, %d minor, %d critical (%s)",
		summary.Scanned, summary.OK, summary.Minor, summary.Critical, summary.Elapsed)
	return summary, nil
}

func (s *ReconciliationService) persistFinding(ctx context.Context, r *models.ReconciliationResult) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_findings
		(user_id, coin_category, expected_balance, actual_balance, drift, classification, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		r.UserID, r.CoinCategory, r.Expected, r.Actual, r.Drift, r.Classification)
	if err != nil {
		log.Printf("[RECON] Failed to persist finding for %s: %v", r.UserID, err)
	}
	s.audit.LogError("RECONCILIATION_DRIFT", r.UserID, r.UserID,
		fmt.Errorf("%s drift %d (expected %d, actual %d)", r.CoinCategory, r.Drift, r.Expected, r.Actual))
}

type AutoFixResult struct {
	models.ReconciliationResult
	DryRun       bool   `json:"dry_run"`
	Corrected    bool   `json:"corrected"`
	LedgerPairID string `json:"ledger_pair_id,omitempty"`
}

// AutoFix posts a corrective ledger pair between the wallet and the
// platform fees account that brings the ledger-derived balance to the
// cached wallet value. Positive drift means the wallet shows more than
// the ledger: fees absorbs the surplus as a platform expense. Negative
// drift credits fees with the excess. The wallet row is touched only
// through a compare-and-swap so a concurrent mutation aborts the fix.
// Dry-run is the default and the only path without an operator check.
func (s *ReconciliationService) AutoFix(ctx context.Context, userID, operatorID string, dryRun bool) (*AutoFixResult, error) {
	result, err := s.RecomputeWalletBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &AutoFixResult{ReconciliationResult: *result, DryRun: dryRun}
	if result.Drift == 0 {
		return out, nil
	}
	if dryRun {
		return out, nil
	}
	if operatorID == "" {
		return nil, Validationf("auto-fix requires an operator identity")
	}

	abs := result.Drift
	in := EntryInput{
		Amount:        abs,
		CoinCategory:  result.CoinCategory,
		OperationType: "reconciliation_fix",
		ReferenceID:   userID,
		ReferenceType: "Reconciliation",
		ActorID:       operatorID,
		Description:   fmt.Sprintf("%s drift correction of %d by %s", result.CoinCategory, result.Drift, operatorID),
	}
	if result.Drift > 0 {
		in.DebitType = models.AccountPlatform
		in.DebitID = s.ledger.FeesAccount
		in.CreditType = models.AccountUserWallet
		in.CreditID = userID
	} else {
		abs = -abs
		in.Amount = abs
		in.DebitType = models.AccountUserWallet
		in.DebitID = userID
		in.CreditType = models.AccountPlatform
		in.CreditID = s.ledger.FeesAccount
	}

	pairID, err := s.ledger.RecordEntry(ctx, in)
	if err != nil {
		return nil, err
	}

	// Verify the wallet has not moved since the drift was measured. The
	// balance itself is already correct; the CAS with a zero delta is
	// the concurrency check.
	if err := s.wallets.AdjustBalance(ctx, userID, result.CoinCategory, 0, result.Actual); err != nil {
		log.Printf("[RECON] Wallet moved during auto-fix for %s, correction %s stands against the new ledger state: %v",
			userID, pairID, err)
	}

	s.audit.LogAdmin("RECONCILIATION_AUTOFIX", pairID, userID, operatorID,
		fmt.Sprintf("corrected drift %d", result.Drift))
	log.Printf("[RECON] Auto-fix for %s corrected drift %d (pair %s)", userID, result.Drift, pairID)

	out.Corrected = true
	out.LedgerPairID = pairID
	return out, nil
}
