package domain

import "github.com/shopspring/decimal"

// Escrow statuses. Only EscrowLocked is non-terminal.
const (
	EscrowLocked             = "locked"
	EscrowCompleted          = "completed"
	EscrowRefunded           = "refunded"
	EscrowRejectedOvercharge = "rejected_overcharge"
)

type Agent struct {
	Name            string          `json:"name"`
	URL             string          `json:"url"`
	Capability      string          `json:"capability"`
	Price           decimal.Decimal `json:"price"`
	Rating          float64         `json:"rating"`
	TotalJobs       int             `json:"total_jobs"`
	SuccessfulJobs  int             `json:"successful_jobs"`
	FailedJobs      int             `json:"failed_jobs"`
	AvgResponseTime float64         `json:"avg_response_time"`
	TimedJobs       int             `json:"timed_jobs"`
	TotalEarned     decimal.Decimal `json:"total_earned"`
	RegisteredAt    string          `json:"registered_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

// SuccessRate is a percentage in [0,100]; agents without jobs count as 100.
func (a Agent) SuccessRate() float64 {
	if a.TotalJobs == 0 {
		return 100.0
	}
	return float64(a.SuccessfulJobs) / float64(a.TotalJobs) * 100.0
}

type Transaction struct {
	ID           int64           `json:"id"`
	BuyerID      string          `json:"buyer_id"`
	SellerName   string          `json:"seller_name"`
	Capability   string          `json:"capability"`
	Price        decimal.Decimal `json:"price"`
	Success      bool            `json:"success"`
	ResponseTime *float64        `json:"response_time,omitempty"`
	CompletedAt  string          `json:"completed_at" format:"date-time"`
}

type Feedback struct {
	ID             int64   `json:"id"`
	TransactionID  int64   `json:"transaction_id"`
	AgentName      string  `json:"agent_name"`
	Rating         float64 `json:"rating"`
	Text           string  `json:"feedback,omitempty"`
	WouldHireAgain bool    `json:"would_hire_again"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Escrow struct {
	JobID       string           `json:"job_id"`
	BuyerID     string           `json:"buyer_id"`
	SellerID    *string          `json:"seller_id,omitempty"`
	MaxPrice    decimal.Decimal  `json:"max_price"`
	ActualPrice *decimal.Decimal `json:"actual_price,omitempty"`
	Status      string           `json:"status" enum:"locked,completed,refunded,rejected_overcharge"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	SettledAt   *string          `json:"settled_at,omitempty" format:"date-time"`
}

// Terminal reports whether no further transitions are allowed.
func (e Escrow) Terminal() bool {
	return e.Status != EscrowLocked
}

type Wallet struct {
	AgentID   string          `json:"agent_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
