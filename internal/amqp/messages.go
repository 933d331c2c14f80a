package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RecalcRequest asks a worker to recalculate one budget. It carries no
// operation data; the worker reads the invalidation marks from the database.
type RecalcRequest struct {
	RequestID   string    `json:"request_id"`
	BudgetID    int64     `json:"budget_id"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewRecalcRequest creates a request stamped with a fresh id and the current time
func NewRecalcRequest(budgetID int64, requestedBy string) *RecalcRequest {
	return &RecalcRequest{
		RequestID:   uuid.NewString(),
		BudgetID:    budgetID,
		RequestedBy: requestedBy,
		Timestamp:   time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *RecalcRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RecalcRequestFromJSON creates a message from JSON bytes
func RecalcRequestFromJSON(data []byte) (*RecalcRequest, error) {
	var msg RecalcRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
