package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/keylock"
	"agentmarket/internal/money"
	"agentmarket/internal/repo"
)

type OutcomeOptions struct {
	SellerName string
	Success    bool
	Amount     decimal.Decimal
	// ResponseTime in seconds, folded into avg_response_time when set.
	ResponseTime *float64
	ActorID      string
}

// ReportOutcome counts one finished job against the seller. A success adds
// Amount to total_earned; a failure lowers the rating by the configured
// penalty, never below the floor.
func (e Engine) ReportOutcome(ctx context.Context, opts OutcomeOptions) (domain.Agent, error) {
	if err := validateOutcome(opts); err != nil {
		return domain.Agent{}, err
	}
	unlock := e.lock(keylock.Agent(opts.SellerName))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	a, err := e.reportOutcomeTx(ctx, tx, opts)
	if err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.logOutcome(a, opts)
	return a, nil
}

func validateOutcome(opts OutcomeOptions) error {
	if opts.SellerName == "" {
		return invalid("seller_name is required")
	}
	if err := money.NonNegative(opts.Amount); err != nil {
		return invalid("amount: %v", err)
	}
	if rt := opts.ResponseTime; rt != nil && (*rt < 0 || math.IsNaN(*rt) || math.IsInf(*rt, 0)) {
		return invalid("response_time must be a non-negative number of seconds")
	}
	return nil
}

// reportOutcomeTx expects the caller to hold the seller's agent lock.
func (e Engine) reportOutcomeTx(ctx context.Context, tx *sql.Tx, opts OutcomeOptions) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, tx, opts.SellerName)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("seller %s: %w", opts.SellerName, err)
	}
	rep := e.Config.Reputation
	a.TotalJobs++
	if opts.Success {
		a.SuccessfulJobs++
		a.TotalEarned = a.TotalEarned.Add(opts.Amount)
	} else {
		a.FailedJobs++
		a.Rating = math.Max(rep.RatingFloor, a.Rating-rep.FailurePenalty)
	}
	if opts.ResponseTime != nil {
		if a.TimedJobs == 0 {
			a.AvgResponseTime = *opts.ResponseTime
		} else {
			a.AvgResponseTime = (a.AvgResponseTime*float64(a.TimedJobs) + *opts.ResponseTime) / float64(a.TimedJobs+1)
		}
		a.TimedJobs++
	}
	a.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateReputation(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("update reputation: %w", err)
	}
	payload := events.Payload{
		"success":      opts.Success,
		"amount":       opts.Amount.String(),
		"rating":       a.Rating,
		"total_jobs":   a.TotalJobs,
		"success_rate": a.SuccessRate(),
	}
	if opts.ResponseTime != nil {
		payload["response_time"] = *opts.ResponseTime
	}
	if err := e.writer().Append(ctx, tx, events.ReputationOutcome, "agent", a.Name, opts.ActorID, payload); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) logOutcome(a domain.Agent, opts OutcomeOptions) {
	result := "failure"
	if opts.Success {
		result = "success"
	}
	e.logf("outcome %s for %s amount=%s rating=%.2f jobs=%d", result, a.Name, money.Format(opts.Amount), a.Rating, a.TotalJobs)
}

type RatingOptions struct {
	TransactionID  int64
	Rating         float64
	Feedback       string
	WouldHireAgain bool
	ActorID        string
}

type RatingResult struct {
	Agent     string  `json:"agent"`
	NewRating float64 `json:"new_rating"`
	TotalJobs int     `json:"total_jobs"`
}

// SubmitRating folds a buyer rating into the seller's running average and
// stores the feedback. A transaction can be rated once.
func (e Engine) SubmitRating(ctx context.Context, opts RatingOptions) (RatingResult, error) {
	if math.IsNaN(opts.Rating) || opts.Rating < 1 || opts.Rating > 5 {
		return RatingResult{}, invalid("rating must be within [1,5]")
	}
	t, err := e.Repo.GetTransaction(ctx, nil, opts.TransactionID)
	if err != nil {
		return RatingResult{}, fmt.Errorf("transaction %d: %w", opts.TransactionID, err)
	}
	unlock := e.lock(keylock.Agent(t.SellerName))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RatingResult{}, err
	}
	defer tx.Rollback()

	rated, err := e.Repo.FeedbackExists(ctx, tx, t.ID)
	if err != nil {
		return RatingResult{}, err
	}
	if rated {
		return RatingResult{}, fmt.Errorf("transaction %d: %w", t.ID, ErrAlreadyRated)
	}
	a, err := e.Repo.GetAgent(ctx, tx, t.SellerName)
	if err != nil {
		return RatingResult{}, fmt.Errorf("seller %s: %w", t.SellerName, err)
	}
	a.Rating = (a.Rating*float64(a.TotalJobs) + opts.Rating) / float64(a.TotalJobs+1)
	a.TotalJobs++
	if opts.Rating >= e.Config.Reputation.SuccessThreshold {
		a.SuccessfulJobs++
	} else {
		a.FailedJobs++
	}
	now := e.timestamp()
	a.UpdatedAt = now
	if err := e.Repo.UpdateReputation(ctx, tx, a); err != nil {
		return RatingResult{}, fmt.Errorf("update reputation: %w", err)
	}
	if _, err := e.Repo.InsertFeedback(ctx, tx, domain.Feedback{
		TransactionID:  t.ID,
		AgentName:      a.Name,
		Rating:         opts.Rating,
		Text:           opts.Feedback,
		WouldHireAgain: opts.WouldHireAgain,
		CreatedAt:      now,
	}); err != nil {
		return RatingResult{}, fmt.Errorf("insert feedback: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.ReputationRated, "agent", a.Name, opts.ActorID, events.Payload{
		"transaction_id":   t.ID,
		"rating":           opts.Rating,
		"new_rating":       a.Rating,
		"would_hire_again": opts.WouldHireAgain,
	}); err != nil {
		return RatingResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RatingResult{}, err
	}
	e.logf("rating %.1f for %s (tx %d) new_rating=%.2f", opts.Rating, a.Name, t.ID, a.Rating)
	return RatingResult{Agent: a.Name, NewRating: a.Rating, TotalJobs: a.TotalJobs}, nil
}

// ListFeedback returns an agent's ratings, newest first.
func (e Engine) ListFeedback(ctx context.Context, agentName string, limit int) ([]domain.Feedback, error) {
	if _, err := e.Repo.GetAgent(ctx, nil, agentName); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("agent %s: %w", agentName, err)
		}
		return nil, err
	}
	return e.Repo.ListFeedback(ctx, agentName, limit)
}
