package config

import (
	"log"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Limits is an immutable snapshot of the wallet configuration. Components
// hold a *Service and read the current snapshot per operation; admin
// updates replace the snapshot via Reload instead of mutating it.
type Limits struct {
	MaxBalance      int64
	DailySpendLimit int64

	TransferMin         int64
	TransferMax         int64
	TransferDailyMax    int64
	TransferOTPAbove    int64
	TransferHourlyCount int64

	GiftMin           int64
	GiftMax           int64
	GiftsPerDay       int64
	GiftDailyCount    int64
	GiftDenominations []int64
	GiftThemes        []string
	GiftMessageMaxLen int
	GiftClaimWindow   time.Duration

	UniqueRecipientsPerDay int64
	SpendDailyCount        int64

	BlockedMessagePatterns []string

	DriftMinorThreshold    int64
	DriftCriticalThreshold int64

	OTPTTL         time.Duration
	OTPMaxAttempts int
	StuckAfter     time.Duration
}

type Service struct {
	mu     sync.RWMutex
	limits *Limits
}

func setDefaults() {
	viper.SetDefault("wallet.max_balance", int64(10_000_000))
	viper.SetDefault("wallet.daily_spend_limit", int64(500_000))

	viper.SetDefault("transfer.min_amount", int64(100))
	viper.SetDefault("transfer.max_amount", int64(100_000))
	viper.SetDefault("transfer.daily_max", int64(250_000))
	viper.SetDefault("transfer.require_otp_above", int64(50_000))
	viper.SetDefault("transfer.hourly_count", int64(10))
	viper.SetDefault("transfer.otp_ttl", 5*time.Minute)
	viper.SetDefault("transfer.otp_max_attempts", 3)
	viper.SetDefault("transfer.stuck_after", 10*time.Minute)

	viper.SetDefault("gift.min_amount", int64(50))
	viper.SetDefault("gift.max_amount", int64(200_000))
	viper.SetDefault("gift.max_per_day", int64(10))
	viper.SetDefault("gift.daily_count", int64(20))
	viper.SetDefault("gift.denominations", []int64{50, 100, 250, 500, 1000, 2000})
	viper.SetDefault("gift.themes", []string{"birthday", "love", "thanks", "congrats", "festive"})
	viper.SetDefault("gift.message_max_length", 150)
	viper.SetDefault("gift.claim_window", 7*24*time.Hour)

	viper.SetDefault("velocity.unique_recipients_per_day", int64(15))
	viper.SetDefault("velocity.spend_daily_count", int64(100))

	viper.SetDefault("moderation.blocked_patterns", []string{
		`(?i)\b(fuck|shit|bitch|bastard|cunt|whore|slut)\b`,
		`(?i)\b(kill|murder|die|threat|bomb|attack)\b`,
	})

	viper.SetDefault("reconciliation.minor_threshold", int64(1))
	viper.SetDefault("reconciliation.critical_threshold", int64(100))
}

func load() *Limits {
	setDefaults()

	denoms := []int64{}
	for _, d := range viper.GetIntSlice("gift.denominations") {
		denoms = append(denoms, int64(d))
	}

	return &Limits{
		MaxBalance:      viper.GetInt64("wallet.max_balance"),
		DailySpendLimit: viper.GetInt64("wallet.daily_spend_limit"),

		TransferMin:         viper.GetInt64("transfer.min_amount"),
		TransferMax:         viper.GetInt64("transfer.max_amount"),
		TransferDailyMax:    viper.GetInt64("transfer.daily_max"),
		TransferOTPAbove:    viper.GetInt64("transfer.require_otp_above"),
		TransferHourlyCount: viper.GetInt64("transfer.hourly_count"),
		OTPTTL:              viper.GetDuration("transfer.otp_ttl"),
		OTPMaxAttempts:      viper.GetInt("transfer.otp_max_attempts"),
		StuckAfter:          viper.GetDuration("transfer.stuck_after"),

		GiftMin:           viper.GetInt64("gift.min_amount"),
		GiftMax:           viper.GetInt64("gift.max_amount"),
		GiftsPerDay:       viper.GetInt64("gift.max_per_day"),
		GiftDailyCount:    viper.GetInt64("gift.daily_count"),
		GiftDenominations: denoms,
		GiftThemes:        viper.GetStringSlice("gift.themes"),
		GiftMessageMaxLen: viper.GetInt("gift.message_max_length"),
		GiftClaimWindow:   viper.GetDuration("gift.claim_window"),

		UniqueRecipientsPerDay: viper.GetInt64("velocity.unique_recipients_per_day"),
		SpendDailyCount:        viper.GetInt64("velocity.spend_daily_count"),

		BlockedMessagePatterns: viper.GetStringSlice("moderation.blocked_patterns"),

		DriftMinorThreshold:    viper.GetInt64("reconciliation.minor_threshold"),
		DriftCriticalThreshold: viper.GetInt64("reconciliation.critical_threshold"),
	}
}

// NewService loads the configuration once. Call Reload after admin updates.
func NewService() *Service {
	return &Service{limits: load()}
}

func (s *Service) Limits() *Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

func (s *Service) Reload() {
	fresh := load()
	s.mu.Lock()
	s.limits = fresh
	s.mu.Unlock()
	log.Println("[CONFIG] Wallet limits reloaded")
}
