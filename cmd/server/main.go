package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/loopcoin/wallet-backend/docs"
	"github.com/loopcoin/wallet-backend/internal/audit"
	"github.com/loopcoin/wallet-backend/internal/config"
	"github.com/loopcoin/wallet-backend/internal/database"
	"github.com/loopcoin/wallet-backend/internal/handlers"
	mW "github.com/loopcoin/wallet-backend/internal/middleware"
	"github.com/loopcoin/wallet-backend/internal/services"
)

// @title Coin Wallet Backend API
// @version 1.0
// @description Transactional engine for coin wallets: transfers, gifts, ledger, reconciliation
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("wallet.max_balance", "WALLET_MAX_BALANCE")
	viper.BindEnv("transfer.require_otp_above", "TRANSFER_REQUIRE_OTP_ABOVE")
	viper.BindEnv("gift.claim_window", "GIFT_CLAIM_WINDOW")

	docs.SwaggerInfo.Title = "Coin Wallet Backend API"
	docs.SwaggerInfo.Description = "Transactional engine for coin wallets"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	cfg := config.NewService()
	auditLogger := audit.NewLogger()
	notifier := services.NewNotifier(redisClient)
	locks := services.NewLockService(redisClient)
	velocity := services.NewVelocityService(redisClient, cfg)
	walletService := services.NewWalletService(db, cfg)
	ledgerService := services.NewLedgerService(db)
	transferService := services.NewTransferService(db, walletService, ledgerService, velocity, locks, notifier, auditLogger, cfg)
	giftService := services.NewGiftService(db, redisClient, walletService, ledgerService, velocity, locks, notifier, auditLogger, cfg)
	reconciliationService := services.NewReconciliationService(db, walletService, ledgerService, locks, auditLogger, cfg)

	walletHandler := handlers.NewWalletHandler(walletService, ledgerService, transferService, giftService, cfg)
	adminHandler := handlers.NewAdminHandler(walletService, giftService, transferService, reconciliationService, cfg)

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/gifts/config", walletHandler.GiftConfig)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/wallet", walletHandler.GetWallet)
			r.Get("/wallet/ledger", walletHandler.GetLedgerHistory)
			r.Get("/wallet/can-spend", walletHandler.CanSpend)
			r.Get("/recipients/{userId}", walletHandler.ValidateRecipient)

			r.Post("/transfers", walletHandler.InitiateTransfer)
			r.Post("/transfers/{id}/confirm", walletHandler.ConfirmTransfer)

			r.Post("/gifts", walletHandler.SendGift)
			r.Get("/gifts/received", walletHandler.ReceivedGifts)
			r.Post("/gifts/{id}/claim", walletHandler.ClaimGift)
			r.Get("/gifts/{id}/qr", walletHandler.GiftClaimQR)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireAdmin)

				r.Post("/admin/wallets/{userId}/freeze", adminHandler.FreezeWallet)
				r.Post("/admin/wallets/{userId}/unfreeze", adminHandler.UnfreezeWallet)
				r.Post("/admin/gifts/{id}/cancel", adminHandler.CancelGift)

				r.Get("/admin/reconciliation/{userId}", adminHandler.RecomputeBalance)
				r.Post("/admin/reconciliation/bulk", adminHandler.BulkReconciliation)
				r.Post("/admin/reconciliation/{userId}/autofix", adminHandler.AutoFix)
				r.Post("/admin/config/reload", adminHandler.ReloadConfig)

				// Job bodies, invoked by the external scheduler.
				r.Post("/internal/jobs/transfer-recovery", adminHandler.RunTransferRecovery)
				r.Post("/internal/jobs/gift-delivery", adminHandler.RunGiftDelivery)
				r.Post("/internal/jobs/gift-expiry", adminHandler.RunGiftExpiry)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
