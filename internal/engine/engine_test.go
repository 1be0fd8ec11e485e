package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/migrate"
	"agentmarket/internal/money"
	"agentmarket/internal/repo"
	"agentmarket/internal/scoring"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Logger = log.New(io.Discard, "", 0)
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func dec(s string) decimal.Decimal { return money.MustParse(s) }

func (env testEnv) register(t *testing.T, name, capability, price string) domain.Agent {
	t.Helper()
	a, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{
		Name: name, URL: "http://" + name, Capability: capability, Price: dec(price),
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return a
}

func (env testEnv) fund(t *testing.T, agent, amount string) {
	t.Helper()
	if _, err := env.Engine.Fund(env.Ctx, agent, dec(amount), "tester"); err != nil {
		t.Fatalf("fund %s: %v", agent, err)
	}
}

func (env testEnv) balance(t *testing.T, agent string) decimal.Decimal {
	t.Helper()
	b, err := env.Engine.Balance(env.Ctx, agent)
	if err != nil {
		t.Fatalf("balance %s: %v", agent, err)
	}
	return b
}

func assertBalance(t *testing.T, env testEnv, agent, want string) {
	t.Helper()
	if got := env.balance(t, agent); !got.Equal(dec(want)) {
		t.Fatalf("balance %s = %s, want %s", agent, got, want)
	}
}

func TestRegisterCreatesAndUpdatesWithoutResettingReputation(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "charts", "generate_charts", "0.05")
	if a.Rating != 5.0 || a.TotalJobs != 0 || a.AvgResponseTime != 0.5 || a.SuccessRate() != 100 {
		t.Fatalf("unexpected defaults: %+v", a)
	}
	if _, err := env.Engine.ReportOutcome(env.Ctx, engine.OutcomeOptions{SellerName: "charts", Success: false}); err != nil {
		t.Fatalf("report: %v", err)
	}
	a, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "charts", URL: "http://new", Capability: "generate_charts", Price: dec("0.04")})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if a.URL != "http://new" || !a.Price.Equal(dec("0.04")) {
		t.Fatalf("listing not updated: %+v", a)
	}
	if a.TotalJobs != 1 || a.FailedJobs != 1 || math.Abs(a.Rating-4.9) > 1e-9 {
		t.Fatalf("reputation reset on update: %+v", a)
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.RegisterOptions{
		{Name: "a", Capability: "c", Price: dec("0")},
		{Name: "a", Capability: "c", Price: dec("-1")},
		{Name: "", Capability: "c", Price: dec("1")},
		{Name: "a", Capability: " ", Price: dec("1")},
	}
	for _, opts := range cases {
		if _, err := env.Engine.Register(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("register %+v: expected invalid input, got %v", opts, err)
		}
	}
	agents, err := env.Engine.ListAgents(env.Ctx, "")
	if err != nil || len(agents) != 0 {
		t.Fatalf("expected no agents, got %d (%v)", len(agents), err)
	}
}

func TestSearchBudgetWeightsRankCheaperFirst(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "pricey", "generate_charts", "0.05")
	env.register(t, "cheap", "generate_charts", "0.03")
	env.register(t, "other", "summarize", "0.01")

	w := scoring.Weights{Price: 0.8, Quality: 0.1, Speed: 0.1, Reliability: 0}
	res, err := env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "generate_charts", Weights: &w})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 2 || res[0].Agent.Name != "cheap" || res[1].Agent.Name != "pricey" {
		t.Fatalf("unexpected ranking: %+v", res)
	}
	if res[0].Score <= res[1].Score {
		t.Fatalf("expected cheaper to score higher: %v vs %v", res[0].Score, res[1].Score)
	}
}

func TestSearchTieBreaksByPriceThenName(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "b", "cap", "0.05")
	env.register(t, "a", "cap", "0.05")
	env.register(t, "c", "cap", "0.03")
	w := scoring.Weights{Quality: 1}
	res, err := env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "cap", Weights: &w})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := []string{res[0].Agent.Name, res[1].Agent.Name, res[2].Agent.Name}
	if fmt.Sprint(got) != "[c a b]" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestSearchFiltersExclusionAndLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 25; i++ {
		env.register(t, fmt.Sprintf("agent-%02d", i), "cap", fmt.Sprintf("0.%02d", i+1))
	}
	res, err := env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "cap"})
	if err != nil || len(res) != 5 {
		t.Fatalf("default limit: got %d (%v)", len(res), err)
	}
	res, err = env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "cap", Limit: 100})
	if err != nil || len(res) != 20 {
		t.Fatalf("max limit: got %d (%v)", len(res), err)
	}
	maxPrice := dec("0.03")
	res, err = env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "cap", MaxPrice: &maxPrice, Exclude: []string{"agent-00"}})
	if err != nil {
		t.Fatalf("filtered search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %+v", res)
	}
	for _, r := range res {
		if r.Agent.Name == "agent-00" || r.Agent.Price.GreaterThan(maxPrice) {
			t.Fatalf("filter violated: %+v", r.Agent)
		}
	}
	minRating := 5.1
	_, err = env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "cap", MinRating: &minRating})
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid min_rating, got %v", err)
	}
}

func TestSearchErrors(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a", "cap", "0.05")
	if _, err := env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "unknown"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	zero := scoring.Weights{}
	if _, err := env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "cap", Weights: &zero}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid weights, got %v", err)
	}
	low := dec("0.01")
	if _, err := env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "cap", MaxPrice: &low}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after filters, got %v", err)
	}
	res, err := env.Engine.Search(env.Ctx, engine.SearchQuery{Capability: "cap", Exclude: []string{"a"}})
	if err != nil || len(res) != 0 {
		t.Fatalf("expected empty result after exclusion, got %v (%v)", res, err)
	}
}

func TestReportOutcomeSuccessAndFailure(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "s", "cap", "0.05")
	a, err := env.Engine.ReportOutcome(env.Ctx, engine.OutcomeOptions{SellerName: "s", Success: true, Amount: dec("0.05")})
	if err != nil {
		t.Fatalf("success: %v", err)
	}
	if a.TotalJobs != 1 || a.SuccessfulJobs != 1 || !a.TotalEarned.Equal(dec("0.05")) || a.Rating != 5 {
		t.Fatalf("unexpected after success: %+v", a)
	}
	for i := 0; i < 45; i++ {
		if a, err = env.Engine.ReportOutcome(env.Ctx, engine.OutcomeOptions{SellerName: "s", Success: false}); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	if a.Rating != 1.0 {
		t.Fatalf("rating should stop at floor, got %v", a.Rating)
	}
	if a.TotalJobs != 46 || a.FailedJobs != 45 {
		t.Fatalf("unexpected counters: %+v", a)
	}
	if _, err := env.Engine.ReportOutcome(env.Ctx, engine.OutcomeOptions{SellerName: "ghost", Success: true}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReportOutcomeTracksResponseTime(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "s", "cap", "0.05")
	for _, rt := range []float64{2, 4} {
		rt := rt
		if _, err := env.Engine.ReportOutcome(env.Ctx, engine.OutcomeOptions{SellerName: "s", Success: true, ResponseTime: &rt}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	a, err := env.Engine.GetAgent(env.Ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if a.AvgResponseTime != 3 || a.TimedJobs != 2 {
		t.Fatalf("unexpected response time stats: %+v", a)
	}
}

func TestReportTransactionJournalsAndRates(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "s", "generate_charts", "0.05")
	first, err := env.Engine.ReportTransaction(env.Ctx, engine.RecordOptions{BuyerID: "PM_Budget", SellerName: "s", Price: dec("0.03"), Success: true})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	second, err := env.Engine.ReportTransaction(env.Ctx, engine.RecordOptions{BuyerID: "PM_Budget", SellerName: "s", Price: dec("0"), Success: false})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if second.TransactionID <= first.TransactionID {
		t.Fatalf("ids must increase: %d then %d", first.TransactionID, second.TransactionID)
	}
	if second.SuccessRate != 50 {
		t.Fatalf("success rate = %v", second.SuccessRate)
	}
	tx, err := env.Engine.GetTransaction(env.Ctx, first.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Capability != "generate_charts" || !tx.Price.Equal(dec("0.03")) || !tx.Success {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if _, err := env.Engine.ReportTransaction(env.Ctx, engine.RecordOptions{BuyerID: "b", SellerName: "ghost", Price: dec("1")}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	txs, err := env.Engine.ListTransactions(env.Ctx, repo.TransactionFilter{SellerName: "s"})
	if err != nil || len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d (%v)", len(txs), err)
	}
}

func TestRecordDoesNotTouchReputation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "s", "cap", "0.05")
	id, err := env.Engine.Record(env.Ctx, engine.RecordOptions{BuyerID: "b", SellerName: "s", Price: dec("0.05"), Success: true})
	if err != nil || id == 0 {
		t.Fatalf("record: %d %v", id, err)
	}
	a, _ := env.Engine.GetAgent(env.Ctx, "s")
	if a.TotalJobs != 0 {
		t.Fatalf("record must not count jobs: %+v", a)
	}
}

func TestSubmitRatingRunningAverage(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "s", "cap", "0.05")
	id, err := env.Engine.Record(env.Ctx, engine.RecordOptions{BuyerID: "b", SellerName: "s", Price: dec("0.05"), Success: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SubmitRating(env.Ctx, engine.RatingOptions{TransactionID: id, Rating: 2, Feedback: "slow", WouldHireAgain: false})
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	// (5*0 + 2) / 1
	if res.NewRating != 2 || res.TotalJobs != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	a, _ := env.Engine.GetAgent(env.Ctx, "s")
	if a.FailedJobs != 1 || a.SuccessfulJobs != 0 {
		t.Fatalf("rating below threshold must count as failure: %+v", a)
	}
	id2, _ := env.Engine.Record(env.Ctx, engine.RecordOptions{BuyerID: "b", SellerName: "s", Price: dec("0.05"), Success: true})
	res, err = env.Engine.SubmitRating(env.Ctx, engine.RatingOptions{TransactionID: id2, Rating: 5, WouldHireAgain: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.NewRating != 3.5 || res.TotalJobs != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	fb, err := env.Engine.ListFeedback(env.Ctx, "s", 0)
	if err != nil || len(fb) != 2 || fb[1].Text != "slow" {
		t.Fatalf("unexpected feedback %+v (%v)", fb, err)
	}
}

func TestSubmitRatingErrors(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "s", "cap", "0.05")
	id, _ := env.Engine.Record(env.Ctx, engine.RecordOptions{BuyerID: "b", SellerName: "s", Price: dec("0.05"), Success: true})
	for _, r := range []float64{0, 5.5} {
		if _, err := env.Engine.SubmitRating(env.Ctx, engine.RatingOptions{TransactionID: id, Rating: r}); !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("rating %v: expected invalid input, got %v", r, err)
		}
	}
	if _, err := env.Engine.SubmitRating(env.Ctx, engine.RatingOptions{TransactionID: 999, Rating: 4}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.SubmitRating(env.Ctx, engine.RatingOptions{TransactionID: id, Rating: 4}); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	before, _ := env.Engine.GetAgent(env.Ctx, "s")
	if _, err := env.Engine.SubmitRating(env.Ctx, engine.RatingOptions{TransactionID: id, Rating: 1}); !errors.Is(err, engine.ErrAlreadyRated) {
		t.Fatalf("expected already rated, got %v", err)
	}
	after, _ := env.Engine.GetAgent(env.Ctx, "s")
	if after.Rating != before.Rating || after.TotalJobs != before.TotalJobs {
		t.Fatalf("second rating changed state: %+v -> %+v", before, after)
	}
}

func TestConcurrentRatingsDoNotLoseUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "s", "cap", "0.05")
	const n = 20
	ids := make([]int64, n)
	for i := range ids {
		id, err := env.Engine.Record(env.Ctx, engine.RecordOptions{BuyerID: "b", SellerName: "s", Price: dec("0.05"), Success: true})
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := env.Engine.SubmitRating(env.Ctx, engine.RatingOptions{TransactionID: id, Rating: 4}); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("rating: %v", err)
	}
	a, _ := env.Engine.GetAgent(env.Ctx, "s")
	if a.TotalJobs != n || a.SuccessfulJobs != n {
		t.Fatalf("lost update: %+v", a)
	}
}

func TestEscrowReleaseScenario(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", "10.00")
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "job1", BuyerID: "buyer", MaxPrice: dec("0.05")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	assertBalance(t, env, "buyer", "9.95")
	s, err := env.Engine.ReleaseEscrow(env.Ctx, engine.ReleaseOptions{JobID: "job1", SellerID: "seller", ActualPrice: dec("0.03")})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	assertBalance(t, env, "seller", "0.03")
	assertBalance(t, env, "buyer", "9.97")
	if s.Status != domain.EscrowCompleted || !s.PaidToSeller.Equal(dec("0.03")) || !s.RefundedToBuyer.Equal(dec("0.02")) {
		t.Fatalf("unexpected settlement %+v", s)
	}
	esc, err := env.Engine.GetEscrow(env.Ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if esc.SellerID == nil || *esc.SellerID != "seller" || esc.ActualPrice == nil || !esc.ActualPrice.Equal(dec("0.03")) || esc.SettledAt == nil {
		t.Fatalf("settlement not recorded: %+v", esc)
	}
	if _, err := env.Engine.ReleaseEscrow(env.Ctx, engine.ReleaseOptions{JobID: "job1", SellerID: "seller", ActualPrice: dec("0.01")}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestEscrowOverchargeRefundsBuyer(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", "10.00")
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "job1", BuyerID: "buyer", MaxPrice: dec("0.05")}); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.ReleaseEscrow(env.Ctx, engine.ReleaseOptions{JobID: "job1", SellerID: "seller", ActualPrice: dec("0.10")})
	var over *engine.OverchargeError
	if !errors.As(err, &over) || !errors.Is(err, engine.ErrOverchargeDetected) {
		t.Fatalf("expected overcharge, got %v", err)
	}
	if !over.Attempted.Equal(dec("0.10")) || !over.Allowed.Equal(dec("0.05")) {
		t.Fatalf("unexpected overcharge details %+v", over)
	}
	if s.Status != domain.EscrowRejectedOvercharge || !s.PaidToSeller.IsZero() || !s.RefundedToBuyer.Equal(dec("0.05")) {
		t.Fatalf("unexpected settlement %+v", s)
	}
	assertBalance(t, env, "buyer", "10.00")
	assertBalance(t, env, "seller", "0")
	esc, _ := env.Engine.GetEscrow(env.Ctx, "job1")
	if esc.Status != domain.EscrowRejectedOvercharge {
		t.Fatalf("status = %s", esc.Status)
	}
}

func TestEscrowPreconditions(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", "1.00")
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "big", BuyerID: "buyer", MaxPrice: dec("1.01")}); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "x", BuyerID: "nobody", MaxPrice: dec("0.01")}); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("unknown buyer has no implicit credit, got %v", err)
	}
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "j", BuyerID: "buyer", MaxPrice: dec("0.50")}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "j", BuyerID: "buyer", MaxPrice: dec("0.10")}); !errors.Is(err, engine.ErrDuplicateJob) {
		t.Fatalf("expected duplicate job, got %v", err)
	}
	assertBalance(t, env, "buyer", "0.50")
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "neg", BuyerID: "buyer", MaxPrice: dec("-0.01")}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := env.Engine.ReleaseEscrow(env.Ctx, engine.ReleaseOptions{JobID: "missing", SellerID: "s", ActualPrice: dec("0")}); !errors.Is(err, engine.ErrEscrowNotFound) {
		t.Fatalf("expected escrow not found, got %v", err)
	}
	if _, err := env.Engine.ReleaseEscrow(env.Ctx, engine.ReleaseOptions{JobID: "j", SellerID: "s", ActualPrice: dec("-1")}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := env.Engine.RefundEscrow(env.Ctx, "missing", ""); !errors.Is(err, engine.ErrEscrowNotFound) {
		t.Fatalf("expected escrow not found, got %v", err)
	}
}

func TestRefundEscrowIsNoOpOnceSettled(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", "1.00")
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "j", BuyerID: "buyer", MaxPrice: dec("0.40")}); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.RefundEscrow(env.Ctx, "j", "buyer")
	if err != nil || s.Status != domain.EscrowRefunded || !s.RefundedToBuyer.Equal(dec("0.40")) {
		t.Fatalf("refund: %+v %v", s, err)
	}
	assertBalance(t, env, "buyer", "1.00")
	s, err = env.Engine.RefundEscrow(env.Ctx, "j", "buyer")
	if err != nil || s.Status != domain.EscrowRefunded {
		t.Fatalf("second refund: %+v %v", s, err)
	}
	assertBalance(t, env, "buyer", "1.00")
	if _, err := env.Engine.ReleaseEscrow(env.Ctx, engine.ReleaseOptions{JobID: "j", SellerID: "s", ActualPrice: dec("0.10")}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestEscrowConservesFundsAcrossManyJobs(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", "10.00")
	var wg sync.WaitGroup
	const jobs = 30
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := fmt.Sprintf("job-%d", i)
			if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: jobID, BuyerID: "buyer", MaxPrice: dec("0.07")}); err != nil {
				t.Errorf("create %s: %v", jobID, err)
				return
			}
			var err error
			switch i % 3 {
			case 0:
				_, err = env.Engine.ReleaseEscrow(env.Ctx, engine.ReleaseOptions{JobID: jobID, SellerID: "seller", ActualPrice: dec("0.033")})
			case 1:
				_, err = env.Engine.ReleaseEscrow(env.Ctx, engine.ReleaseOptions{JobID: jobID, SellerID: "seller", ActualPrice: dec("0.08")})
				if errors.Is(err, engine.ErrOverchargeDetected) {
					err = nil
				}
			default:
				_, err = env.Engine.RefundEscrow(env.Ctx, jobID, "buyer")
			}
			if err != nil {
				t.Errorf("settle %s: %v", jobID, err)
			}
		}(i)
	}
	wg.Wait()
	total := env.balance(t, "buyer").Add(env.balance(t, "seller"))
	if !total.Equal(dec("10.00")) {
		t.Fatalf("funds not conserved: %s", total)
	}
	// ten releases of 0.033
	assertBalance(t, env, "seller", "0.33")
}

func TestSeedWalletOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	funded, err := env.Engine.SeedWallet(env.Ctx, "PM_Budget", dec("10.00"))
	if err != nil || !funded {
		t.Fatalf("seed: %v %v", funded, err)
	}
	funded, err = env.Engine.SeedWallet(env.Ctx, "PM_Budget", dec("10.00"))
	if err != nil || funded {
		t.Fatalf("second seed: %v %v", funded, err)
	}
	assertBalance(t, env, "PM_Budget", "10.00")
	assertBalance(t, env, "unknown", "0")
	if _, err := env.Engine.Fund(env.Ctx, "x", dec("0"), ""); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStateChangesAreJournaled(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "s", "cap", "0.05")
	env.fund(t, "buyer", "1.00")
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.CreateEscrowOptions{JobID: "j", BuyerID: "buyer", MaxPrice: dec("0.05"), ActorID: "buyer"}); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	if fmt.Sprint(types) != "[agent.registered wallet.funded escrow.locked]" {
		t.Fatalf("unexpected events %v", types)
	}
	if evts[2].ActorID != "buyer" || evts[2].EntityID != "j" {
		t.Fatalf("unexpected escrow event %+v", evts[2])
	}
	after, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{AfterID: evts[1].ID})
	if err != nil || len(after) != 1 {
		t.Fatalf("cursor: %d %v", len(after), err)
	}
}
