package broker

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/config"
	"agentmarket/internal/scoring"
	marketsdk "agentmarket/sdk/go"
)

type fakeMarket struct {
	agents      []marketsdk.Agent
	searches    []marketsdk.SearchParams
	escrows     map[string]float64
	overcharged map[string]bool
	released    []string
	refunded    []string
	reports     []marketsdk.Report
	releaseErr  error
}

func newFakeMarket(agents ...marketsdk.Agent) *fakeMarket {
	return &fakeMarket{agents: agents, escrows: map[string]float64{}, overcharged: map[string]bool{}}
}

func (m *fakeMarket) Search(_ context.Context, p marketsdk.SearchParams) ([]marketsdk.Agent, error) {
	m.searches = append(m.searches, p)
	var out []marketsdk.Agent
	for _, a := range m.agents {
		if p.MaxPrice != nil && a.Price > *p.MaxPrice {
			continue
		}
		if p.MinRating != nil && a.Rating < *p.MinRating {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, &marketsdk.APIError{StatusCode: http.StatusNotFound, Code: "not_found"}
	}
	return out, nil
}

func (m *fakeMarket) CreateEscrow(_ context.Context, jobID, buyerID string, maxPrice float64) (marketsdk.Escrow, error) {
	m.escrows[jobID] = maxPrice
	return marketsdk.Escrow{JobID: jobID, BuyerID: buyerID, MaxPrice: maxPrice, Status: "locked"}, nil
}

func (m *fakeMarket) ReleaseEscrow(_ context.Context, jobID, sellerID string, actualPrice float64) (marketsdk.Settlement, error) {
	if m.releaseErr != nil {
		return marketsdk.Settlement{}, m.releaseErr
	}
	if actualPrice > m.escrows[jobID] {
		m.overcharged[jobID] = true
		return marketsdk.Settlement{}, &marketsdk.APIError{StatusCode: http.StatusBadRequest, Code: "overcharge_detected"}
	}
	m.released = append(m.released, jobID)
	return marketsdk.Settlement{
		JobID:           jobID,
		Status:          "completed",
		PaidToSeller:    actualPrice,
		RefundedToBuyer: m.escrows[jobID] - actualPrice,
	}, nil
}

func (m *fakeMarket) RefundEscrow(_ context.Context, jobID string) (marketsdk.Settlement, error) {
	m.refunded = append(m.refunded, jobID)
	return marketsdk.Settlement{JobID: jobID, Status: "refunded", RefundedToBuyer: m.escrows[jobID]}, nil
}

func (m *fakeMarket) Escrow(_ context.Context, jobID string) (marketsdk.Escrow, error) {
	maxPrice, ok := m.escrows[jobID]
	if !ok {
		return marketsdk.Escrow{}, &marketsdk.APIError{StatusCode: http.StatusNotFound, Code: "escrow_not_found"}
	}
	status := "locked"
	if m.overcharged[jobID] {
		status = "rejected_overcharge"
	}
	return marketsdk.Escrow{JobID: jobID, MaxPrice: maxPrice, Status: status}, nil
}

func (m *fakeMarket) ReportTransaction(_ context.Context, r marketsdk.Report) (marketsdk.ReportResult, error) {
	m.reports = append(m.reports, r)
	return marketsdk.ReportResult{TransactionID: int64(len(m.reports))}, nil
}

func sellers() []marketsdk.Agent {
	return []marketsdk.Agent{
		{Name: "Cheap", Price: 0.02, Rating: 3.5, AvgResponseTime: 2, SuccessRate: 90},
		{Name: "Mid", Price: 0.05, Rating: 4.2, AvgResponseTime: 1, SuccessRate: 100},
		{Name: "Premium", Price: 0.10, Rating: 4.9, AvgResponseTime: 0.5, SuccessRate: 100},
	}
}

func newBroker(t *testing.T, m Market, strategy string) Broker {
	t.Helper()
	s, err := Lookup(nil, strategy)
	require.NoError(t, err)
	n := 0
	return Broker{
		Market:   m,
		BuyerID:  "PM_" + strategy,
		Strategy: s,
		Logger:   log.New(io.Discard, "", 0),
		NewJobID: func() string {
			n++
			return "job-" + string(rune('0'+n))
		},
	}
}

func TestSelectAppliesStrategyFilters(t *testing.T) {
	m := newFakeMarket(sellers()...)
	b := newBroker(t, m, "budget")

	sel, err := b.Select(context.Background(), "summarize", rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.False(t, sel.Unfiltered)
	require.Len(t, sel.Candidates, 1)
	assert.Equal(t, "Cheap", sel.Chosen.Name)
	assert.InDelta(t, 1.0, sel.Candidates[0].Probability, 1e-12)
	require.Len(t, m.searches, 1)
	require.NotNil(t, m.searches[0].MaxPrice)
	assert.Equal(t, 0.04, *m.searches[0].MaxPrice)
	assert.Nil(t, m.searches[0].MinRating)
}

func TestSelectFallsBackWhenFiltersMatchNobody(t *testing.T) {
	m := newFakeMarket(marketsdk.Agent{Name: "Only", Price: 0.5, Rating: 3})
	b := newBroker(t, m, "quality")

	sel, err := b.Select(context.Background(), "summarize", nil)
	require.NoError(t, err)
	assert.True(t, sel.Unfiltered)
	assert.Equal(t, "Only", sel.Chosen.Name)
	require.Len(t, m.searches, 2)
	assert.Nil(t, m.searches[1].MinRating)
}

func TestSelectWithoutFallback(t *testing.T) {
	m := newFakeMarket(marketsdk.Agent{Name: "Only", Price: 0.5, Rating: 3})
	b := newBroker(t, m, "quality")
	b.Strategy.Fallback = false

	_, err := b.Select(context.Background(), "summarize", nil)
	assert.ErrorIs(t, err, ErrNoSellers)
	assert.Len(t, m.searches, 1)
}

func TestSelectIsDeterministicForASeed(t *testing.T) {
	m := newFakeMarket(sellers()...)
	b := newBroker(t, m, "balanced")

	first, err := b.Select(context.Background(), "summarize", rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	second, err := b.Select(context.Background(), "summarize", rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.Equal(t, first.Chosen.Name, second.Chosen.Name)

	var total float64
	for _, c := range first.Candidates {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
		total += c.Probability
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestSelectRanksByStrategyWeights(t *testing.T) {
	m := newFakeMarket(sellers()...)
	b := newBroker(t, m, "balanced")
	b.Strategy = Strategy{Name: "premium", Weights: scoringQualityOnly(), Temperature: 0.01}

	sel, err := b.Select(context.Background(), "summarize", rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, "Premium", sel.Chosen.Name)
}

func TestEngageAndSettleValid(t *testing.T) {
	m := newFakeMarket(sellers()...)
	b := newBroker(t, m, "budget")
	sel, err := b.Select(context.Background(), "summarize", nil)
	require.NoError(t, err)

	eng, err := b.Engage(context.Background(), sel)
	require.NoError(t, err)
	assert.Equal(t, "job-1", eng.JobID)
	assert.Equal(t, 0.02, m.escrows["job-1"])

	rt := 1.5
	res, err := b.Settle(context.Background(), eng, Outcome{Valid: true, ActualPrice: 0.015, ResponseTime: &rt})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.TransactionID)
	assert.Equal(t, "completed", res.Settlement.Status)
	require.Len(t, m.reports, 1)
	assert.Equal(t, marketsdk.Report{BuyerID: "PM_budget", SellerName: "Cheap", Amount: 0.015, Success: true, ResponseTime: &rt}, m.reports[0])
}

func TestSettleInvalidRefunds(t *testing.T) {
	m := newFakeMarket(sellers()...)
	b := newBroker(t, m, "budget")
	sel, err := b.Select(context.Background(), "summarize", nil)
	require.NoError(t, err)
	eng, err := b.Engage(context.Background(), sel)
	require.NoError(t, err)

	res, err := b.Settle(context.Background(), eng, Outcome{Valid: false})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{eng.JobID}, m.refunded)
	assert.Empty(t, m.released)
	require.Len(t, m.reports, 1)
	assert.False(t, m.reports[0].Success)
	assert.Zero(t, m.reports[0].Amount)
}

func TestSettleOverchargeReportsFailure(t *testing.T) {
	m := newFakeMarket(sellers()...)
	b := newBroker(t, m, "budget")
	sel, err := b.Select(context.Background(), "summarize", nil)
	require.NoError(t, err)
	eng, err := b.Engage(context.Background(), sel)
	require.NoError(t, err)

	res, err := b.Settle(context.Background(), eng, Outcome{Valid: true, ActualPrice: 0.03})
	require.ErrorIs(t, err, ErrOvercharge)
	assert.Equal(t, "rejected_overcharge", res.Settlement.Status)
	assert.Equal(t, 0.02, res.Settlement.RefundedToBuyer)
	require.Len(t, m.reports, 1)
	assert.False(t, m.reports[0].Success)
	assert.Equal(t, int64(1), res.TransactionID)
}

func TestSettleReleaseFailureSkipsReport(t *testing.T) {
	m := newFakeMarket(sellers()...)
	m.releaseErr = errors.New("registry down")
	b := newBroker(t, m, "budget")
	eng := Engagement{JobID: "job-x", BuyerID: "PM_budget", Seller: sellers()[0], MaxPrice: 0.02}

	_, err := b.Settle(context.Background(), eng, Outcome{Valid: true, ActualPrice: 0.02})
	require.Error(t, err)
	assert.Empty(t, m.reports)
}

func TestLookupPrefersConfig(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Strategies["budget"] = config.StrategyConfig{
		Weights:     scoringQualityOnly(),
		Temperature: 2,
		Fallback:    &off,
	}
	s, err := Lookup(cfg, "budget")
	require.NoError(t, err)
	assert.Equal(t, 2.0, s.Temperature)
	assert.False(t, s.Fallback)

	_, err = Lookup(cfg, "nope")
	assert.Error(t, err)
	assert.Equal(t, []string{"balanced", "budget", "quality"}, Names(cfg))
}

func scoringQualityOnly() scoring.Weights {
	return scoring.Weights{Quality: 1}
}

func TestSettleOverchargeReadsCommittedEscrow(t *testing.T) {
	m := newFakeMarket(sellers()...)
	m.escrows["job-9"] = 0.02
	b := newBroker(t, m, "budget")
	// Rebuilt from flags without the locked amount.
	eng := Engagement{JobID: "job-9", BuyerID: "PM_budget", Seller: marketsdk.Agent{Name: "Cheap"}}

	res, err := b.Settle(context.Background(), eng, Outcome{Valid: true, ActualPrice: 0.05})
	require.ErrorIs(t, err, ErrOvercharge)
	assert.Equal(t, "rejected_overcharge", res.Settlement.Status)
	assert.Equal(t, 0.02, res.Settlement.RefundedToBuyer)
	assert.Zero(t, res.Settlement.PaidToSeller)
}

func TestSelectSendsStrategyWeights(t *testing.T) {
	m := newFakeMarket(sellers()...)
	b := newBroker(t, m, "budget")

	_, err := b.Select(context.Background(), "summarize", nil)
	require.NoError(t, err)
	require.NotEmpty(t, m.searches)
	for _, p := range m.searches {
		require.NotNil(t, p.Weights)
		assert.Equal(t, marketsdk.Weights{Price: 0.8, Quality: 0.1, Speed: 0.1}, *p.Weights)
	}
}
