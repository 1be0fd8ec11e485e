package server

import (
	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/money"
	"agentmarket/internal/scoring"
)

// Request payloads

type RegisterAgentRequest struct {
	Name       string  `json:"name"`
	URL        string  `json:"url"`
	Capability string  `json:"capability"`
	Price      float64 `json:"price" doc:"Price per job in dollars"`
}

type ReportTransactionRequest struct {
	BuyerID      string   `json:"buyer_id"`
	SellerName   string   `json:"seller_name"`
	Amount       float64  `json:"amount"`
	Success      bool     `json:"success"`
	ResponseTime *float64 `json:"response_time,omitempty" doc:"Observed response time in seconds"`
}

type RateTransactionRequest struct {
	TransactionID  int64   `json:"transaction_id"`
	Rating         float64 `json:"rating" doc:"Rating within [1,5]"`
	Feedback       string  `json:"feedback,omitempty"`
	WouldHireAgain bool    `json:"would_hire_again,omitempty"`
}

type CreateEscrowRequest struct {
	JobID    string  `json:"job_id"`
	BuyerID  string  `json:"buyer_id"`
	MaxPrice float64 `json:"max_price"`
}

type ReleaseEscrowRequest struct {
	SellerID    string  `json:"seller_id"`
	ActualPrice float64 `json:"actual_price"`
}

type DepositRequest struct {
	Amount float64 `json:"amount"`
}

type DevLoginRequest struct {
	AgentID string   `json:"agent_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type AgentSummary struct {
	Name            string             `json:"name"`
	URL             string             `json:"url"`
	Capability      string             `json:"capability"`
	Price           float64            `json:"price"`
	Rating          float64            `json:"rating"`
	TotalJobs       int                `json:"total_jobs"`
	SuccessfulJobs  int                `json:"successful_jobs"`
	FailedJobs      int                `json:"failed_jobs"`
	SuccessRate     float64            `json:"success_rate"`
	AvgResponseTime float64            `json:"avg_response_time"`
	TotalEarned     float64            `json:"total_earned"`
	RegisteredAt    string             `json:"registered_at"`
	UpdatedAt       string             `json:"updated_at"`
	Score           *float64           `json:"score,omitempty"`
	ScoreBreakdown  *scoring.Breakdown `json:"score_breakdown,omitempty"`
}

type ReportTransactionResponse struct {
	TransactionID int64   `json:"transaction_id"`
	SuccessRate   float64 `json:"success_rate"`
}

type RatingResponse struct {
	Agent     string  `json:"agent"`
	NewRating float64 `json:"new_rating" doc:"Updated rating rounded to two decimals"`
	TotalJobs int     `json:"total_jobs"`
}

type TransactionResponse struct {
	ID           int64    `json:"id"`
	BuyerID      string   `json:"buyer_id"`
	SellerName   string   `json:"seller_name"`
	Capability   string   `json:"capability"`
	Price        float64  `json:"price"`
	Success      bool     `json:"success"`
	ResponseTime *float64 `json:"response_time,omitempty"`
	CompletedAt  string   `json:"completed_at"`
}

type FeedbackResponse struct {
	ID             int64   `json:"id"`
	TransactionID  int64   `json:"transaction_id"`
	AgentName      string  `json:"agent_name"`
	Rating         float64 `json:"rating"`
	Feedback       string  `json:"feedback,omitempty"`
	WouldHireAgain bool    `json:"would_hire_again"`
	CreatedAt      string  `json:"created_at"`
}

type EscrowResponse struct {
	JobID       string   `json:"job_id"`
	BuyerID     string   `json:"buyer_id"`
	SellerID    string   `json:"seller_id,omitempty"`
	MaxPrice    float64  `json:"max_price"`
	ActualPrice *float64 `json:"actual_price,omitempty"`
	Status      string   `json:"status" enum:"locked,completed,refunded,rejected_overcharge"`
	CreatedAt   string   `json:"created_at"`
	SettledAt   string   `json:"settled_at,omitempty"`
}

type SettlementResponse struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	PaidToSeller    float64 `json:"paid_to_seller"`
	RefundedToBuyer float64 `json:"refunded_to_buyer"`
}

type WalletResponse struct {
	AgentID string  `json:"agent_id"`
	Balance float64 `json:"balance"`
	// Exact is the decimal string of Balance.
	Exact string `json:"balance_exact"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mappers

func agentSummary(a domain.Agent) AgentSummary {
	return AgentSummary{
		Name:            a.Name,
		URL:             a.URL,
		Capability:      a.Capability,
		Price:           money.Float(a.Price),
		Rating:          a.Rating,
		TotalJobs:       a.TotalJobs,
		SuccessfulJobs:  a.SuccessfulJobs,
		FailedJobs:      a.FailedJobs,
		SuccessRate:     a.SuccessRate(),
		AvgResponseTime: a.AvgResponseTime,
		TotalEarned:     money.Float(a.TotalEarned),
		RegisteredAt:    a.RegisteredAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func mapAgents(items []domain.Agent) []AgentSummary {
	out := make([]AgentSummary, 0, len(items))
	for _, a := range items {
		out = append(out, agentSummary(a))
	}
	return out
}

func mapScored(items []engine.ScoredAgent) []AgentSummary {
	out := make([]AgentSummary, 0, len(items))
	for _, s := range items {
		summary := agentSummary(s.Agent)
		score := s.Score
		breakdown := s.Breakdown
		summary.Score = &score
		summary.ScoreBreakdown = &breakdown
		out = append(out, summary)
	}
	return out
}

func transactionResponse(t domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:           t.ID,
		BuyerID:      t.BuyerID,
		SellerName:   t.SellerName,
		Capability:   t.Capability,
		Price:        money.Float(t.Price),
		Success:      t.Success,
		ResponseTime: t.ResponseTime,
		CompletedAt:  t.CompletedAt,
	}
}

func mapTransactions(items []domain.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(items))
	for _, t := range items {
		out = append(out, transactionResponse(t))
	}
	return out
}

func mapFeedback(items []domain.Feedback) []FeedbackResponse {
	out := make([]FeedbackResponse, 0, len(items))
	for _, f := range items {
		out = append(out, FeedbackResponse{
			ID:             f.ID,
			TransactionID:  f.TransactionID,
			AgentName:      f.AgentName,
			Rating:         f.Rating,
			Feedback:       f.Text,
			WouldHireAgain: f.WouldHireAgain,
			CreatedAt:      f.CreatedAt,
		})
	}
	return out
}

func escrowResponse(e domain.Escrow) EscrowResponse {
	resp := EscrowResponse{
		JobID:     e.JobID,
		BuyerID:   e.BuyerID,
		MaxPrice:  money.Float(e.MaxPrice),
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
	}
	if e.SellerID != nil {
		resp.SellerID = *e.SellerID
	}
	if e.ActualPrice != nil {
		v := money.Float(*e.ActualPrice)
		resp.ActualPrice = &v
	}
	if e.SettledAt != nil {
		resp.SettledAt = *e.SettledAt
	}
	return resp
}

func settlementResponse(s engine.Settlement) SettlementResponse {
	return SettlementResponse{
		JobID:           s.JobID,
		Status:          s.Status,
		PaidToSeller:    money.Float(s.PaidToSeller),
		RefundedToBuyer: money.Float(s.RefundedToBuyer),
	}
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    evt.Payload,
	}
}
