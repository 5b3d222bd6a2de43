package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loopcoin/wallet-backend/internal/config"
	"github.com/loopcoin/wallet-backend/internal/metrics"
)

const (
	OpTransfer = "transfer"
	OpGift     = "gift"
	OpSpend    = "spend"
)

type VelocityResult struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// VelocityService applies fixed-window rate counters as a fraud control.
// If Redis is unavailable it fails open: money movement stays available
// and the miss is logged.
type VelocityService struct {
	redis *redis.Client
	cfg   *config.Service
}

func NewVelocityService(redisClient *redis.Client, cfg *config.Service) *VelocityService {
	return &VelocityService{redis: redisClient, cfg: cfg}
}

func (s *VelocityService) window(operation string) (time.Duration, int64) {
	limits := s.cfg.Limits()
	switch operation {
	case OpTransfer:
		return time.Hour, limits.TransferHourlyCount
	case OpGift:
		return 24 * time.Hour, limits.GiftDailyCount
	default:
		return 24 * time.Hour, limits.SpendDailyCount
	}
}

// CheckVelocity atomically increments the user+operation window counter
// and compares it against the configured threshold.
func (s *VelocityService) CheckVelocity(ctx context.Context, userID, operation string) VelocityResult {
	window, limit := s.window(operation)

	if s.redis == nil {
		log.Printf("[VELOCITY] Redis unavailable, failing open for %s/%s", operation, userID)
		return VelocityResult{Allowed: true, Remaining: limit}
	}

	// Increment and expiry travel in one pipeline so a crash between the
	// two cannot strand a counter without a TTL.
	key := fmt.Sprintf("velocity:%s:%s", operation, userID)
	pipe := s.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[VELOCITY] Counter increment failed, failing open: %v", err)
		return VelocityResult{Allowed: true, Remaining: limit}
	}
	count := incr.Val()

	if count > limit {
		retryAfter := window
		if ttl, err := s.redis.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		metrics.VelocityRejections.WithLabelValues(operation).Inc()
		return VelocityResult{Allowed: false, RetryAfter: retryAfter}
	}

	return VelocityResult{Allowed: true, Remaining: limit - count}
}

// CheckUniqueRecipients tracks distinct counterparties per day. Too many
// unique recipients in one day is a fraud signal.
func (s *VelocityService) CheckUniqueRecipients(ctx context.Context, userID, recipientID string) VelocityResult {
	limit := s.cfg.Limits().UniqueRecipientsPerDay

	if s.redis == nil {
		log.Printf("[VELOCITY] Redis unavailable, failing open for recipients/%s", userID)
		return VelocityResult{Allowed: true, Remaining: limit}
	}

	key := fmt.Sprintf("velocity:recipients:%s", userID)
	if err := s.redis.SAdd(ctx, key, recipientID).Err(); err != nil {
		log.Printf("[VELOCITY] Recipient set update failed, failing open: %v", err)
		return VelocityResult{Allowed: true, Remaining: limit}
	}
	if ttl, err := s.redis.TTL(ctx, key).Result(); err == nil && ttl < 0 {
		s.redis.Expire(ctx, key, 24*time.Hour)
	}

	count, err := s.redis.SCard(ctx, key).Result()
	if err != nil {
		log.Printf("[VELOCITY] Recipient count failed, failing open: %v", err)
		return VelocityResult{Allowed: true, Remaining: limit}
	}

	if count > limit {
		retryAfter := 24 * time.Hour
		if ttl, err := s.redis.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		metrics.VelocityRejections.WithLabelValues("unique_recipients").Inc()
		return VelocityResult{Allowed: false, RetryAfter: retryAfter}
	}

	return VelocityResult{Allowed: true, Remaining: limit - count}
}
