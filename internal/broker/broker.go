// Package broker is the buyer side of the marketplace. It picks a seller
// with the selection lottery, backs the hire with an escrow and settles it
// once the buyer has judged the delivered work.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"github.com/google/uuid"

	"agentmarket/internal/scoring"
	"agentmarket/internal/selection"
	marketsdk "agentmarket/sdk/go"
)

var (
	ErrNoSellers  = errors.New("no sellers available")
	ErrOvercharge = errors.New("seller overcharged")
)

// Market is the slice of the registry API the broker needs.
type Market interface {
	Search(ctx context.Context, p marketsdk.SearchParams) ([]marketsdk.Agent, error)
	CreateEscrow(ctx context.Context, jobID, buyerID string, maxPrice float64) (marketsdk.Escrow, error)
	ReleaseEscrow(ctx context.Context, jobID, sellerID string, actualPrice float64) (marketsdk.Settlement, error)
	RefundEscrow(ctx context.Context, jobID string) (marketsdk.Settlement, error)
	Escrow(ctx context.Context, jobID string) (marketsdk.Escrow, error)
	ReportTransaction(ctx context.Context, r marketsdk.Report) (marketsdk.ReportResult, error)
}

type Broker struct {
	Market   Market
	BuyerID  string
	Strategy Strategy
	// Limit caps the candidate set; zero lets the registry decide.
	Limit  int
	Logger *log.Logger
	// NewJobID defaults to job_<uuid>.
	NewJobID func() string
}

type Candidate struct {
	Agent       marketsdk.Agent
	Score       float64
	Probability float64
}

type Selection struct {
	Capability string
	Strategy   string
	// Unfiltered is set when the strategy filters matched nobody and the
	// fallback search was used.
	Unfiltered bool
	Candidates []Candidate
	Chosen     marketsdk.Agent
}

type Engagement struct {
	JobID    string
	BuyerID  string
	Seller   marketsdk.Agent
	MaxPrice float64
}

// Outcome is the buyer's verdict on delivered work.
type Outcome struct {
	Valid        bool
	ActualPrice  float64
	ResponseTime *float64
}

type SettleResult struct {
	Settlement    marketsdk.Settlement
	TransactionID int64
	Success       bool
}

func (b Broker) logf(format string, args ...any) {
	logger := b.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

// Select finds sellers for capability and draws one of them.
func (b Broker) Select(ctx context.Context, capability string, rng *rand.Rand) (Selection, error) {
	if err := b.Strategy.Validate(); err != nil {
		return Selection{}, err
	}
	sel := Selection{Capability: capability, Strategy: b.Strategy.Name}
	// The registry ranks and truncates with these weights before the local
	// re-score, so a small limit keeps the sellers this strategy prefers.
	params := marketsdk.SearchParams{
		Capability: capability,
		Limit:      b.Limit,
		Weights: &marketsdk.Weights{
			Price:       b.Strategy.Weights.Price,
			Quality:     b.Strategy.Weights.Quality,
			Speed:       b.Strategy.Weights.Speed,
			Reliability: b.Strategy.Weights.Reliability,
		},
	}
	if b.Strategy.MaxPrice > 0 {
		v := b.Strategy.MaxPrice
		params.MaxPrice = &v
	}
	if b.Strategy.MinRating > 0 {
		v := b.Strategy.MinRating
		params.MinRating = &v
	}
	agents, err := b.search(ctx, params)
	if err != nil {
		return Selection{}, err
	}
	filtered := params.MaxPrice != nil || params.MinRating != nil
	if len(agents) == 0 && filtered && b.Strategy.Fallback {
		b.logf("broker: no %s sellers match strategy %s filters, retrying unfiltered", capability, b.Strategy.Name)
		params.MaxPrice, params.MinRating = nil, nil
		if agents, err = b.search(ctx, params); err != nil {
			return Selection{}, err
		}
		sel.Unfiltered = true
	}
	if len(agents) == 0 {
		return Selection{}, fmt.Errorf("%w for %s", ErrNoSellers, capability)
	}

	weights, err := b.Strategy.Weights.Normalize()
	if err != nil {
		return Selection{}, err
	}
	metrics := make([]scoring.Metrics, len(agents))
	for i, a := range agents {
		metrics[i] = metricsOf(a)
	}
	bounds := scoring.BoundsOf(metrics)
	candidates := make([]selection.Candidate, len(agents))
	for i, a := range agents {
		candidates[i] = selection.Candidate{ID: a.Name, Score: scoring.Score(metrics[i], bounds, weights)}
	}
	res, err := selection.Draw(rng, candidates, b.Strategy.Temperature)
	if err != nil {
		return Selection{}, err
	}
	sel.Candidates = make([]Candidate, len(agents))
	for i, a := range agents {
		sel.Candidates[i] = Candidate{Agent: a, Score: candidates[i].Score, Probability: res.Probabilities[i]}
	}
	sel.Chosen = agents[res.Index]
	return sel, nil
}

// search treats a not-found answer as an empty result.
func (b Broker) search(ctx context.Context, params marketsdk.SearchParams) ([]marketsdk.Agent, error) {
	agents, err := b.Market.Search(ctx, params)
	if marketsdk.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", params.Capability, err)
	}
	return agents, nil
}

func metricsOf(a marketsdk.Agent) scoring.Metrics {
	return scoring.Metrics{
		Price:           a.Price,
		Rating:          a.Rating,
		AvgResponseTime: a.AvgResponseTime,
		SuccessRate:     a.SuccessRate,
	}
}

// Engage locks the chosen seller's listed price in escrow under a new job.
func (b Broker) Engage(ctx context.Context, sel Selection) (Engagement, error) {
	if b.BuyerID == "" {
		return Engagement{}, errors.New("broker buyer id is required")
	}
	if sel.Chosen.Name == "" {
		return Engagement{}, errors.New("selection has no chosen seller")
	}
	jobID := b.jobID()
	if _, err := b.Market.CreateEscrow(ctx, jobID, b.BuyerID, sel.Chosen.Price); err != nil {
		return Engagement{}, fmt.Errorf("lock escrow %s: %w", jobID, err)
	}
	b.logf("broker: %s hired %s for %s at %.4f (job %s)", b.BuyerID, sel.Chosen.Name, sel.Capability, sel.Chosen.Price, jobID)
	return Engagement{JobID: jobID, BuyerID: b.BuyerID, Seller: sel.Chosen, MaxPrice: sel.Chosen.Price}, nil
}

func (b Broker) jobID() string {
	if b.NewJobID != nil {
		return b.NewJobID()
	}
	return "job_" + uuid.NewString()
}

// Settle releases or refunds the escrow according to out and reports the
// transaction. An overcharge returns ErrOvercharge after the buyer has been
// refunded and the failure reported.
func (b Broker) Settle(ctx context.Context, eng Engagement, out Outcome) (SettleResult, error) {
	if !out.Valid {
		settlement, err := b.Market.RefundEscrow(ctx, eng.JobID)
		if err != nil {
			return SettleResult{}, fmt.Errorf("refund %s: %w", eng.JobID, err)
		}
		return b.report(ctx, eng, settlement, false, 0, out.ResponseTime, nil)
	}
	settlement, err := b.Market.ReleaseEscrow(ctx, eng.JobID, eng.Seller.Name, out.ActualPrice)
	if marketsdk.IsCode(err, "overcharge_detected") {
		b.logf("broker: %s charged %.4f on job %s, allowed %.4f", eng.Seller.Name, out.ActualPrice, eng.JobID, eng.MaxPrice)
		settlement = b.overchargeSettlement(ctx, eng)
		return b.report(ctx, eng, settlement, false, 0, out.ResponseTime,
			fmt.Errorf("%w: job %s attempted %v allowed %v", ErrOvercharge, eng.JobID, out.ActualPrice, eng.MaxPrice))
	}
	if err != nil {
		return SettleResult{}, fmt.Errorf("release %s: %w", eng.JobID, err)
	}
	return b.report(ctx, eng, settlement, true, settlement.PaidToSeller, out.ResponseTime, nil)
}

// overchargeSettlement reads the refunded amount from the committed escrow.
// The engagement's MaxPrice is used only when the escrow cannot be read.
func (b Broker) overchargeSettlement(ctx context.Context, eng Engagement) marketsdk.Settlement {
	settlement := marketsdk.Settlement{
		JobID:           eng.JobID,
		Status:          "rejected_overcharge",
		RefundedToBuyer: eng.MaxPrice,
	}
	esc, err := b.Market.Escrow(ctx, eng.JobID)
	if err != nil {
		b.logf("broker: read escrow %s after overcharge: %v", eng.JobID, err)
		return settlement
	}
	settlement.Status = esc.Status
	settlement.RefundedToBuyer = esc.MaxPrice
	return settlement
}

func (b Broker) report(ctx context.Context, eng Engagement, settlement marketsdk.Settlement, success bool, amount float64, responseTime *float64, settleErr error) (SettleResult, error) {
	res := SettleResult{Settlement: settlement, Success: success}
	rep, err := b.Market.ReportTransaction(ctx, marketsdk.Report{
		BuyerID:      eng.BuyerID,
		SellerName:   eng.Seller.Name,
		Amount:       amount,
		Success:      success,
		ResponseTime: responseTime,
	})
	if err != nil {
		return res, errors.Join(settleErr, fmt.Errorf("report job %s: %w", eng.JobID, err))
	}
	res.TransactionID = rep.TransactionID
	return res, settleErr
}
