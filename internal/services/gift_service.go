package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"regexp"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/loopcoin/wallet-backend/internal/audit"
	"github.com/loopcoin/wallet-backend/internal/config"
	"github.com/loopcoin/wallet-backend/internal/metrics"
	"github.com/loopcoin/wallet-backend/internal/models"
)

// GiftService drives the coin gift state machine. Sent coins are held on
// the platform float account until claimed or expired, so a gift can be
// in flight for up to the claim window without a live two-party
// transaction. Terminal states: claimed, expired, cancelled.
type GiftService struct {
	db       *sql.DB
	redis    *redis.Client
	wallets  *WalletService
	ledger   *LedgerService
	velocity *VelocityService
	locks    *LockService
	notifier *Notifier
	audit    *audit.Logger
	cfg      *config.Service

	blockedPatterns []*regexp.Regexp
}

type SendGiftInput struct {
	SenderID       string `validate:"required"`
	RecipientID    string `validate:"required"`
	Amount         int64  `validate:"required,gt=0"`
	CoinCategory   string
	Theme          string `validate:"required"`
	Message        string
	DeliveryMode   string
	ScheduledAt    time.Time
	IdempotencyKey string
}

type GiftResult struct {
	GiftID    string    `json:"gift_id"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	Theme     string    `json:"theme"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

func NewGiftService(db *sql.DB, redisClient *redis.Client, wallets *WalletService, ledger *LedgerService, velocity *VelocityService, locks *LockService, notifier *Notifier, auditLogger *audit.Logger, cfg *config.Service) *GiftService {
	s := &GiftService{
		db:       db,
		redis:    redisClient,
		wallets:  wallets,
		ledger:   ledger,
		velocity: velocity,
		locks:    locks,
		notifier: notifier,
		audit:    auditLogger,
		cfg:      cfg,
	}
	for _, p := range cfg.Limits().BlockedMessagePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Printf("[GIFT] Skipping invalid moderation pattern %q: %v", p, err)
			continue
		}
		s.blockedPatterns = append(s.blockedPatterns, re)
	}
	return s
}

// Send validates, debits the sender atomically, and creates the gift in
// one SQL transaction. Instant gifts start delivered; scheduled gifts
// start pending until the delivery job flips them.
func (s *GiftService) Send(ctx context.Context, in SendGiftInput) (*GiftResult, error) {
	timer := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues("gift_send").Observe(time.Since(timer).Seconds())
	}()

	limits := s.cfg.Limits()

	if in.Theme == "" {
		return nil, Validationf("gift theme is required")
	}
	if in.CoinCategory == "" {
		in.CoinCategory = models.CoinUniversal
	}
	if in.Amount < limits.GiftMin {
		return nil, Validationf("minimum gift amount is %d", limits.GiftMin)
	}
	if in.Amount > limits.GiftMax {
		return nil, Validationf("maximum gift amount is %d", limits.GiftMax)
	}
	if len(limits.GiftThemes) > 0 && !containsString(limits.GiftThemes, in.Theme) {
		return nil, Validationf("unknown gift theme %q", in.Theme)
	}
	if len(in.Message) > limits.GiftMessageMaxLen {
		return nil, Validationf("gift message exceeds %d characters", limits.GiftMessageMaxLen)
	}
	for _, re := range s.blockedPatterns {
		if re.MatchString(in.Message) {
			return nil, Validationf("gift message contains inappropriate content")
		}
	}
	if in.SenderID == in.RecipientID {
		return nil, Validationf("cannot gift to yourself")
	}

	if in.IdempotencyKey != "" {
		if result, handled, err := s.replayIdempotent(ctx, in.SenderID, in.IdempotencyKey); handled || err != nil {
			return result, err
		}
	}

	scheduled := in.DeliveryMode == models.DeliveryScheduled
	if scheduled {
		if in.ScheduledAt.IsZero() || !in.ScheduledAt.After(time.Now()) {
			return nil, Validationf("scheduled date must be in the future")
		}
		if in.ScheduledAt.After(time.Now().Add(30 * 24 * time.Hour)) {
			return nil, Validationf("scheduled date cannot be more than 30 days ahead")
		}
	}

	if _, err := s.wallets.GetWallet(ctx, in.RecipientID); err != nil {
		if err == ErrNotFound {
			return nil, Validationf("recipient not found")
		}
		return nil, err
	}

	if check := s.velocity.CheckVelocity(ctx, in.SenderID, OpGift); !check.Allowed {
		return nil, &RateLimitedError{Operation: "gift", RetryAfter: check.RetryAfter}
	}

	// Daily gift count, excluding failed and cancelled attempts.
	var todayCount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM coin_gifts
		WHERE sender_id = $1 AND created_at >= $2 AND status NOT IN ('cancelled')`,
		in.SenderID, todayStart()).Scan(&todayCount)
	if err != nil {
		return nil, err
	}
	if todayCount >= limits.GiftsPerDay {
		return nil, Validationf("daily gift limit of %d reached", limits.GiftsPerDay)
	}

	giftID := uuid.NewString()
	status := models.GiftDelivered
	deliveryMode := models.DeliveryInstant
	if scheduled {
		status = models.GiftPending
		deliveryMode = models.DeliveryScheduled
	}
	expiresAt := time.Now().Add(limits.GiftClaimWindow)

	var idempotencyKey any
	if in.IdempotencyKey != "" {
		idempotencyKey = in.IdempotencyKey
	}
	var scheduledAt any
	if scheduled {
		scheduledAt = in.ScheduledAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.wallets.DebitTx(tx, in.SenderID, in.Amount, in.CoinCategory); err != nil {
		return nil, err
	}

	senderTxRef, err := s.wallets.RecordHistoryTx(tx, in.SenderID, "spent", in.Amount, "gift",
		fmt.Sprintf("Gift sent to %s", in.RecipientID), giftID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO coin_gifts
		(id, sender_id, recipient_id, amount, coin_category, theme, message, delivery_mode,
		 scheduled_at, status, expires_at, sender_tx_ref, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())`,
		giftID, in.SenderID, in.RecipientID, in.Amount, in.CoinCategory, in.Theme, in.Message,
		deliveryMode, scheduledAt, status, expiresAt, senderTxRef, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// Coins sit on the float account until claimed or expired.
	if _, err := s.ledger.RecordEntry(ctx, EntryInput{
		DebitType:      models.AccountUserWallet,
		DebitID:        in.SenderID,
		CreditType:     models.AccountPlatform,
		CreditID:       s.ledger.FloatAccount,
		Amount:         in.Amount,
		CoinCategory:   in.CoinCategory,
		OperationType:  "gift",
		ReferenceID:    giftID,
		ReferenceType:  "CoinGift",
		IdempotencyKey: in.IdempotencyKey,
		Description:    fmt.Sprintf("Gift sent to %s", in.RecipientID),
	}); err != nil {
		log.Printf("[GIFT] Ledger entry failed for %s, reconciliation will repair: %v", giftID, err)
	}

	s.audit.LogMutation("GIFT_SEND", giftID, in.SenderID, in.Amount, 0, 0, in.CoinCategory)

	if !scheduled {
		go s.notifier.Push(in.RecipientID, "You received a gift",
			fmt.Sprintf("Someone sent you %d coins", in.Amount),
			map[string]string{"gift_id": giftID, "theme": in.Theme})
	}

	metrics.GiftSendTotal.WithLabelValues("success", in.Theme).Inc()
	metrics.MovementAmount.WithLabelValues("gift", in.CoinCategory).Observe(float64(in.Amount))

	log.Printf("[GIFT] Gift %s sent (%s)", giftID, deliveryMode)
	return &GiftResult{GiftID: giftID, Status: status, Amount: in.Amount, Theme: in.Theme, ExpiresAt: expiresAt}, nil
}

func containsString(set []string, v string) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func (s *GiftService) replayIdempotent(ctx context.Context, senderID, key string) (*GiftResult, bool, error) {
	var id, status, theme string
	var amount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, amount, theme FROM coin_gifts
		WHERE sender_id = $1 AND idempotency_key = $2`, senderID, key).Scan(&id, &status, &amount, &theme)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	switch status {
	case models.GiftDelivered, models.GiftClaimed, models.GiftPending:
		return &GiftResult{GiftID: id, Status: status, Amount: amount, Theme: theme, Duplicate: true}, true, nil
	default:
		// Terminal failure states release the key so a retry can proceed.
		if _, err := s.db.ExecContext(ctx, `
			UPDATE coin_gifts SET idempotency_key = NULL, updated_at = NOW()
			WHERE id = $1`, id); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
}

type ClaimResult struct {
	GiftID string `json:"gift_id"`
	Amount int64  `json:"amount"`
	Theme  string `json:"theme"`
}

// Claim transitions delivered -> claimed with a single guarded update,
// so exactly one of two concurrent claims can win. On success the
// recipient is credited and the float releases the coins.
func (s *GiftService) Claim(ctx context.Context, recipientID, giftID string) (*ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var amount int64
	var category, theme, senderID string
	err = tx.QueryRow(`
		UPDATE coin_gifts
		SET status = 'claimed', claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND status = 'delivered' AND expires_at >= NOW()
		RETURNING amount, coin_category, theme, sender_id`,
		giftID, recipientID).Scan(&amount, &category, &theme, &senderID)
	if err == sql.ErrNoRows {
		return nil, s.classifyClaimRefusal(ctx, recipientID, giftID)
	}
	if err != nil {
		return nil, err
	}

	if err := s.wallets.CreditTx(tx, recipientID, amount, category, "earned"); err != nil {
		return nil, err
	}
	recipientTxRef, err := s.wallets.RecordHistoryTx(tx, recipientID, "earned", amount, "gift",
		fmt.Sprintf("Gift claimed from %s", senderID), giftID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		UPDATE coin_gifts SET recipient_tx_ref = $1 WHERE id = $2`, recipientTxRef, giftID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if _, err := s.ledger.RecordEntry(ctx, EntryInput{
		DebitType:     models.AccountPlatform,
		DebitID:       s.ledger.FloatAccount,
		CreditType:    models.AccountUserWallet,
		CreditID:      recipientID,
		Amount:        amount,
		CoinCategory:  category,
		OperationType: "gift_claim",
		ReferenceID:   giftID,
		ReferenceType: "CoinGift",
		Description:   fmt.Sprintf("Gift claimed by %s", recipientID),
	}); err != nil {
		log.Printf("[GIFT] Claim ledger entry failed for %s, reconciliation will repair: %v", giftID, err)
	}

	s.audit.LogMutation("GIFT_CLAIM", giftID, recipientID, amount, 0, 0, category)
	go s.notifier.Push(senderID, "Gift claimed",
		fmt.Sprintf("Your gift of %d coins was claimed", amount), map[string]string{"gift_id": giftID})

	metrics.GiftClaimTotal.WithLabelValues("success").Inc()
	log.Printf("[GIFT] Gift %s claimed by %s", giftID, recipientID)
	return &ClaimResult{GiftID: giftID, Amount: amount, Theme: theme}, nil
}

// classifyClaimRefusal distinguishes not-found, already-claimed,
// not-yet-delivered and expired for the caller. A delivered gift found
// past its expiry is lazily flipped to expired here.
func (s *GiftService) classifyClaimRefusal(ctx context.Context, recipientID, giftID string) error {
	var status string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT status, expires_at FROM coin_gifts
		WHERE id = $1 AND recipient_id = $2`, giftID, recipientID).Scan(&status, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	switch {
	case status == models.GiftClaimed:
		metrics.GiftClaimTotal.WithLabelValues("already_claimed").Inc()
		return ErrAlreadyProcessed
	case status == models.GiftPending:
		return Validationf("gift has not been delivered yet")
	case status == models.GiftDelivered && expiresAt.Before(time.Now()):
		if _, err := s.db.ExecContext(ctx, `
			UPDATE coin_gifts SET status = 'expired', updated_at = NOW()
			WHERE id = $1 AND status = 'delivered'`, giftID); err != nil {
			log.Printf("[GIFT] Lazy expiry flip failed for %s: %v", giftID, err)
		}
		metrics.GiftClaimTotal.WithLabelValues("expired").Inc()
		return Validationf("gift has expired")
	default:
		return ErrAlreadyProcessed
	}
}

// ReceivedGifts lists claimed gifts plus unclaimed ones that have not
// expired yet.
func (s *GiftService) ReceivedGifts(ctx context.Context, recipientID string, limit int) ([]models.CoinGift, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, amount, coin_category, theme, COALESCE(message, ''),
		       delivery_mode, status, claimed_at, expires_at, created_at
		FROM coin_gifts
		WHERE recipient_id = $1
		  AND (status = 'claimed' OR (status = 'delivered' AND expires_at >= NOW()))
		ORDER BY created_at DESC
		LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gifts := []models.CoinGift{}
	for rows.Next() {
		var g models.CoinGift
		if err := rows.Scan(&g.ID, &g.SenderID, &g.RecipientID, &g.Amount, &g.CoinCategory, &g.Theme,
			&g.Message, &g.DeliveryMode, &g.Status, &g.ClaimedAt, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		gifts = append(gifts, g)
	}
	return gifts, rows.Err()
}

// ClaimQR renders the claim deep-link as a QR PNG and caches the payload
// for five minutes.
func (s *GiftService) ClaimQR(ctx context.Context, recipientID, giftID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM coin_gifts WHERE id = $1 AND recipient_id = $2`,
		giftID, recipientID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if status != models.GiftDelivered {
		return "", ErrAlreadyProcessed
	}

	payload := map[string]any{
		"giftId":    giftID,
		"nonce":     uuid.NewString(),
		"timestamp": time.Now().Unix(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	code := base64.URLEncoding.EncodeToString(jsonData)

	if s.redis != nil {
		if err := s.redis.Set(ctx, fmt.Sprintf("gift:qr:%s", code), jsonData, 5*time.Minute).Err(); err != nil {
			log.Printf("[GIFT] Failed to cache claim QR payload: %v", err)
		}
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// AdminCancel refunds and cancels a pending or delivered gift with an
// operator-supplied reason. Terminal gifts are rejected.
func (s *GiftService) AdminCancel(ctx context.Context, giftID, operatorID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var senderID, category string
	var amount int64
	err = tx.QueryRow(`
		UPDATE coin_gifts
		SET status = 'cancelled', cancel_reason = $1, idempotency_key = NULL, updated_at = NOW()
		WHERE id = $2 AND status IN ('pending', 'delivered')
		RETURNING sender_id, amount, coin_category`,
		reason, giftID).Scan(&senderID, &amount, &category)
	if err == sql.ErrNoRows {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM coin_gifts WHERE id = $1)`, giftID).Scan(&exists); err == nil && !exists {
			return ErrNotFound
		}
		return ErrAlreadyProcessed
	}
	if err != nil {
		return err
	}

	if err := s.refundSenderTx(tx, senderID, amount, category, giftID, "cancelled by support"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.postRefundLedger(ctx, giftID, senderID, amount, category, "gift_cancel", operatorID)
	s.audit.LogAdmin("GIFT_CANCEL", giftID, senderID, operatorID, reason)
	go s.notifier.Push(senderID, "Gift cancelled",
		fmt.Sprintf("Your gift of %d coins was cancelled and refunded", amount), nil)

	log.Printf("[GIFT] Gift %s cancelled by %s", giftID, operatorID)
	return nil
}

func (s *GiftService) refundSenderTx(tx *sql.Tx, senderID string, amount int64, category, giftID, description string) error {
	if err := s.wallets.CreditTx(tx, senderID, amount, category, "refund"); err != nil {
		return err
	}
	_, err := s.wallets.RecordHistoryTx(tx, senderID, "refund", amount, "gift",
		fmt.Sprintf("Gift %s: %s", giftID, description), giftID)
	return err
}

func (s *GiftService) postRefundLedger(ctx context.Context, giftID, senderID string, amount int64, category, operationType, actorID string) {
	refundFrom := s.ledger.FloatAccount

	// Expired gifts sweep through the expired pool so the pool's history
	// is an audit trail of every unclaimed gift.
	if operationType == "gift_expire" {
		refundFrom = s.ledger.ExpiredAccount
		if _, err := s.ledger.RecordEntry(ctx, EntryInput{
			DebitType:     models.AccountPlatform,
			DebitID:       s.ledger.FloatAccount,
			CreditType:    models.AccountPlatform,
			CreditID:      s.ledger.ExpiredAccount,
			Amount:        amount,
			CoinCategory:  category,
			OperationType: operationType,
			ReferenceID:   giftID,
			ReferenceType: "CoinGift",
			ActorID:       actorID,
			Description:   "Unclaimed gift swept to expired pool",
		}); err != nil {
			log.Printf("[GIFT] Expiry sweep ledger entry failed for %s, reconciliation will repair: %v", giftID, err)
		}
	}

	if _, err := s.ledger.RecordEntry(ctx, EntryInput{
		DebitType:     models.AccountPlatform,
		DebitID:       refundFrom,
		CreditType:    models.AccountUserWallet,
		CreditID:      senderID,
		Amount:        amount,
		CoinCategory:  category,
		OperationType: operationType,
		ReferenceID:   giftID,
		ReferenceType: "CoinGift",
		ActorID:       actorID,
		Description:   "Gift refund to sender",
	}); err != nil {
		log.Printf("[GIFT] Refund ledger entry failed for %s, reconciliation will repair: %v", giftID, err)
	}
}

// DeliverDueGifts is the periodic delivery job body: flips due scheduled
// gifts to delivered one at a time and notifies recipients best-effort.
func (s *GiftService) DeliverDueGifts(ctx context.Context) (int, error) {
	token, err := s.locks.Acquire(ctx, "jobs:gift-delivery", time.Minute)
	if err != nil {
		metrics.JobRuns.WithLabelValues("gift_delivery", "skipped").Inc()
		return 0, err
	}
	defer s.locks.Release(ctx, "jobs:gift-delivery", token)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, amount, theme
		FROM coin_gifts
		WHERE status = 'pending' AND delivery_mode = 'scheduled' AND scheduled_at <= NOW()
		ORDER BY scheduled_at
		LIMIT 200`)
	if err != nil {
		metrics.JobRuns.WithLabelValues("gift_delivery", "error").Inc()
		return 0, err
	}
	defer rows.Close()

	type due struct {
		id, recipientID, theme string
		amount                 int64
	}
	var dueGifts []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.id, &d.recipientID, &d.amount, &d.theme); err != nil {
			return 0, err
		}
		dueGifts = append(dueGifts, d)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	delivered := 0
	for _, d := range dueGifts {
		result, err := s.db.ExecContext(ctx, `
			UPDATE coin_gifts SET status = 'delivered', updated_at = NOW()
			WHERE id = $1 AND status = 'pending'`, d.id)
		if err != nil {
			log.Printf("[GIFT] Delivery flip failed for %s: %v", d.id, err)
			continue
		}
		if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
			continue
		}

		s.notifier.Push(d.recipientID, "You received a gift",
			fmt.Sprintf("Someone sent you %d coins", d.amount),
			map[string]string{"gift_id": d.id, "theme": d.theme})
		delivered++
	}

	metrics.JobRuns.WithLabelValues("gift_delivery", "ok").Inc()
	log.Printf("[GIFT] Delivered %d scheduled gifts", delivered)
	return delivered, nil
}

// ExpireGifts is the periodic expiry job body: delivered gifts past
// their expiry are flipped to expired and the sender is refunded with a
// reversing float entry. Claimed and pending gifts are never touched.
func (s *GiftService) ExpireGifts(ctx context.Context) (int, error) {
	token, err := s.locks.Acquire(ctx, "jobs:gift-expiry", 5*time.Minute)
	if err != nil {
		metrics.JobRuns.WithLabelValues("gift_expiry", "skipped").Inc()
		return 0, err
	}
	defer s.locks.Release(ctx, "jobs:gift-expiry", token)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, amount, coin_category
		FROM coin_gifts
		WHERE status = 'delivered' AND expires_at < NOW()
		ORDER BY expires_at
		LIMIT 500`)
	if err != nil {
		metrics.JobRuns.WithLabelValues("gift_expiry", "error").Inc()
		return 0, err
	}
	defer rows.Close()

	type expGift struct {
		id, senderID, category string
		amount                 int64
	}
	var expired []expGift
	for rows.Next() {
		var e expGift
		if err := rows.Scan(&e.id, &e.senderID, &e.amount, &e.category); err != nil {
			return 0, err
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, e := range expired {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return count, err
		}

		result, err := tx.Exec(`
			UPDATE coin_gifts
			SET status = 'expired', idempotency_key = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'delivered'`, e.id)
		if err != nil {
			tx.Rollback()
			log.Printf("[GIFT] Expiry claim failed for %s: %v", e.id, err)
			continue
		}
		if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
			tx.Rollback()
			continue
		}

		if err := s.refundSenderTx(tx, e.senderID, e.amount, e.category, e.id, "expired unclaimed"); err != nil {
			tx.Rollback()
			log.Printf("[GIFT] Expiry refund failed for %s: %v", e.id, err)
			s.audit.LogError("GIFT_EXPIRE", e.id, e.senderID, err)
			continue
		}
		if err := tx.Commit(); err != nil {
			log.Printf("[GIFT] Expiry commit failed for %s: %v", e.id, err)
			continue
		}

		s.postRefundLedger(ctx, e.id, e.senderID, e.amount, e.category, "gift_expire", "system")
		s.notifier.Push(e.senderID, "Gift expired",
			fmt.Sprintf("Your gift of %d coins expired unclaimed and was refunded", e.amount),
			map[string]string{"gift_id": e.id})
		count++
	}

	metrics.JobRuns.WithLabelValues("gift_expiry", "ok").Inc()
	log.Printf("[GIFT] Expired %d gifts", count)
	return count, nil
}
