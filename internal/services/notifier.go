package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loopcoin/wallet-backend/internal/metrics"
)

const notificationQueue = "notification_queue"

type notification struct {
	Channel   string            `json:"channel"` // push or sms
	UserID    string            `json:"user_id,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier queues push/SMS payloads for the delivery worker. Dispatch is
// fire-and-forget: failures are logged and never surface to the caller,
// so a dead queue cannot block money movement.
type Notifier struct {
	redis *redis.Client
}

func NewNotifier(redisClient *redis.Client) *Notifier {
	return &Notifier{redis: redisClient}
}

func (n *Notifier) Push(userID, title, body string, data map[string]string) {
	n.enqueue(notification{
		Channel:   "push",
		UserID:    userID,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: time.Now(),
	})
}

func (n *Notifier) SMS(userID, body string) {
	n.enqueue(notification{
		Channel:   "sms",
		UserID:    userID,
		Body:      body,
		CreatedAt: time.Now(),
	})
}

func (n *Notifier) enqueue(msg notification) {
	if n.redis == nil {
		log.Printf("[NOTIFY] Queue unavailable, dropping %s notification for %s", msg.Channel, msg.UserID)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[NOTIFY] Failed to encode notification: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	depth, err := n.redis.RPush(ctx, notificationQueue, data).Result()
	if err != nil {
		log.Printf("[NOTIFY] Failed to queue %s notification for %s: %v", msg.Channel, msg.UserID, err)
		return
	}
	metrics.NotificationQueueDepth.Set(float64(depth))
}
