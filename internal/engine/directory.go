package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/keylock"
	"agentmarket/internal/money"
	"agentmarket/internal/repo"
	"agentmarket/internal/scoring"
)

type RegisterOptions struct {
	Name       string
	URL        string
	Capability string
	Price      decimal.Decimal
	ActorID    string
}

// Register creates an agent listing or updates url, capability and price
// of an existing one. Reputation fields are never reset.
func (e Engine) Register(ctx context.Context, opts RegisterOptions) (domain.Agent, error) {
	name := strings.TrimSpace(opts.Name)
	capability := strings.TrimSpace(opts.Capability)
	if name == "" {
		return domain.Agent{}, invalid("name is required")
	}
	if capability == "" {
		return domain.Agent{}, invalid("capability is required")
	}
	if err := money.Positive(opts.Price); err != nil {
		return domain.Agent{}, invalid("price: %v", err)
	}
	unlock := e.lock(keylock.Agent(name))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	a, err := e.Repo.GetAgent(ctx, tx, name)
	created := false
	switch {
	case errors.Is(err, repo.ErrNotFound):
		rep := e.Config.Reputation
		a = domain.Agent{
			Name:            name,
			URL:             opts.URL,
			Capability:      capability,
			Price:           opts.Price,
			Rating:          rep.InitialRating,
			AvgResponseTime: rep.InitialResponseTime,
			TotalEarned:     money.Zero,
			RegisteredAt:    now,
			UpdatedAt:       now,
		}
		if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
			return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
		}
		created = true
	case err != nil:
		return domain.Agent{}, err
	default:
		a.URL = opts.URL
		a.Capability = capability
		a.Price = opts.Price
		a.UpdatedAt = now
		if err := e.Repo.UpdateListing(ctx, tx, a); err != nil {
			return domain.Agent{}, fmt.Errorf("update agent: %w", err)
		}
	}
	evtType := events.AgentUpdated
	if created {
		evtType = events.AgentRegistered
	}
	if err := e.writer().Append(ctx, tx, evtType, "agent", a.Name, opts.ActorID, events.Payload{
		"capability": a.Capability,
		"price":      a.Price.String(),
		"url":        a.URL,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.logf("%s %s capability=%s price=%s", evtType, a.Name, a.Capability, money.Format(a.Price))
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, name string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, nil, name)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", name, err)
	}
	return a, nil
}

func (e Engine) ListAgents(ctx context.Context, capability string) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, capability)
}

// SearchQuery selects and ranks agents for one capability. Nil Weights use
// the configured defaults; nil MaxPrice and MinRating disable those filters.
type SearchQuery struct {
	Capability string
	Limit      int
	Weights    *scoring.Weights
	MaxPrice   *decimal.Decimal
	MinRating  *float64
	Exclude    []string
}

type ScoredAgent struct {
	Agent     domain.Agent
	Score     float64
	Breakdown scoring.Breakdown
}

// Metrics is the scoring view of an agent.
func Metrics(a domain.Agent) scoring.Metrics {
	return scoring.Metrics{
		Price:           money.Float(a.Price),
		Rating:          a.Rating,
		AvgResponseTime: a.AvgResponseTime,
		SuccessRate:     a.SuccessRate(),
	}
}

// Search returns the best-scoring agents for a capability, most preferred
// first. Normalization bounds are taken over the filtered candidates before
// exclusions are applied.
func (e Engine) Search(ctx context.Context, q SearchQuery) ([]ScoredAgent, error) {
	capability := strings.TrimSpace(q.Capability)
	if capability == "" {
		return nil, invalid("capability is required")
	}
	weights := e.Config.Search.Weights
	if q.Weights != nil {
		weights = *q.Weights
	}
	weights, err := weights.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	limit, err := e.searchLimit(q.Limit)
	if err != nil {
		return nil, err
	}
	if q.MaxPrice != nil && q.MaxPrice.IsNegative() {
		return nil, invalid("max_price must not be negative")
	}
	if q.MinRating != nil && (*q.MinRating < 0 || *q.MinRating > 5) {
		return nil, invalid("min_rating must be within [0,5]")
	}

	agents, err := e.Repo.ListAgents(ctx, capability)
	if err != nil {
		return nil, err
	}
	var candidates []domain.Agent
	for _, a := range agents {
		if q.MaxPrice != nil && a.Price.GreaterThan(*q.MaxPrice) {
			continue
		}
		if q.MinRating != nil && a.Rating < *q.MinRating {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agents offer %q: %w", capability, repo.ErrNotFound)
	}

	metrics := make([]scoring.Metrics, len(candidates))
	for i, a := range candidates {
		metrics[i] = Metrics(a)
	}
	bounds := scoring.BoundsOf(metrics)

	excluded := make(map[string]struct{}, len(q.Exclude))
	for _, name := range q.Exclude {
		excluded[strings.TrimSpace(name)] = struct{}{}
	}
	res := make([]ScoredAgent, 0, len(candidates))
	for i, a := range candidates {
		if _, skip := excluded[a.Name]; skip {
			continue
		}
		res = append(res, ScoredAgent{
			Agent:     a,
			Score:     scoring.Score(metrics[i], bounds, weights),
			Breakdown: scoring.Components(metrics[i], bounds),
		})
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Score != res[j].Score {
			return res[i].Score > res[j].Score
		}
		if c := res[i].Agent.Price.Cmp(res[j].Agent.Price); c != 0 {
			return c < 0
		}
		return res[i].Agent.Name < res[j].Agent.Name
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (e Engine) searchLimit(limit int) (int, error) {
	cfg := e.Config.Search
	switch {
	case limit < 0:
		return 0, invalid("limit must not be negative")
	case limit == 0:
		return cfg.DefaultLimit, nil
	case limit > cfg.MaxLimit:
		return cfg.MaxLimit, nil
	}
	return limit, nil
}
