package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransferTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_transfer_total",
		Help: "Peer transfers by terminal status",
	}, []string{"status"})

	GiftSendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_gift_send_total",
		Help: "Gift sends by status and theme",
	}, []string{"status", "theme"})

	GiftClaimTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_gift_claim_total",
		Help: "Gift claims by status",
	}, []string{"status"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_operation_duration_seconds",
		Help:    "Duration of wallet operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	MovementAmount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_movement_amount",
		Help:    "Amount moved per operation, smallest unit",
		Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 50000, 100000},
	}, []string{"operation", "coin_category"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_job_runs_total",
		Help: "Background job executions by result",
	}, []string{"job", "result"})

	NotificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_notification_queue_depth",
		Help: "Length of the outbound notification queue",
	})

	CriticalDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_reconciliation_critical_total",
		Help: "Wallets found with critical balance drift",
	})

	VelocityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_velocity_rejections_total",
		Help: "Operations rejected by the velocity guard",
	}, []string{"operation"})
)
