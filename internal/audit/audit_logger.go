package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	ReferenceID   string    `json:"reference_id"`
	UserID        string    `json:"user_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	Amount        int64     `json:"amount"`
	CoinCategory  string    `json:"coin_category,omitempty"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// Logger emits structured audit events. Writes are fire-and-forget:
// failures here never roll back a financial mutation.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogMutation(op, referenceID, userID string, amount, before, after int64, category string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     op,
		ReferenceID:   referenceID,
		UserID:        userID,
		Amount:        amount,
		CoinCategory:  category,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        "SUCCESS",
	})
}

func (a *Logger) LogAdmin(op, referenceID, userID, actorID, details string) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   op,
		ReferenceID: referenceID,
		UserID:      userID,
		ActorID:     actorID,
		Status:      "SUCCESS",
		Details:     map[string]string{"details": details},
	})
}

func (a *Logger) LogError(op, referenceID, userID string, err error) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   op,
		ReferenceID: referenceID,
		UserID:      userID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
