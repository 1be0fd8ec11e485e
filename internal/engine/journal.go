package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/keylock"
	"agentmarket/internal/money"
	"agentmarket/internal/repo"
)

type RecordOptions struct {
	BuyerID      string
	SellerName   string
	Price        decimal.Decimal
	Success      bool
	ResponseTime *float64
	ActorID      string
}

// Record appends an immutable transaction and returns its id. The
// capability is copied from the seller's current listing.
func (e Engine) Record(ctx context.Context, opts RecordOptions) (int64, error) {
	if err := validateRecord(opts); err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	t, err := e.recordTx(ctx, tx, opts)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return t.ID, nil
}

func validateRecord(opts RecordOptions) error {
	if opts.BuyerID == "" {
		return invalid("buyer_id is required")
	}
	return validateOutcome(OutcomeOptions{
		SellerName:   opts.SellerName,
		Amount:       opts.Price,
		ResponseTime: opts.ResponseTime,
	})
}

func (e Engine) recordTx(ctx context.Context, tx *sql.Tx, opts RecordOptions) (domain.Transaction, error) {
	seller, err := e.Repo.GetAgent(ctx, tx, opts.SellerName)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("seller %s: %w", opts.SellerName, err)
	}
	t := domain.Transaction{
		BuyerID:      opts.BuyerID,
		SellerName:   seller.Name,
		Capability:   seller.Capability,
		Price:        opts.Price,
		Success:      opts.Success,
		ResponseTime: opts.ResponseTime,
		CompletedAt:  e.timestamp(),
	}
	id, err := e.Repo.InsertTransaction(ctx, tx, t)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	t.ID = id
	if err := e.writer().Append(ctx, tx, events.TransactionRecorded, "transaction", fmt.Sprint(id), opts.ActorID, events.Payload{
		"buyer_id":    t.BuyerID,
		"seller_name": t.SellerName,
		"capability":  t.Capability,
		"price":       t.Price.String(),
		"success":     t.Success,
	}); err != nil {
		return domain.Transaction{}, err
	}
	return t, nil
}

type ReportResult struct {
	TransactionID int64   `json:"transaction_id"`
	SuccessRate   float64 `json:"success_rate"`
	Agent         domain.Agent
}

// ReportTransaction journals a finished hire and applies its outcome to the
// seller's reputation atomically.
func (e Engine) ReportTransaction(ctx context.Context, opts RecordOptions) (ReportResult, error) {
	if err := validateRecord(opts); err != nil {
		return ReportResult{}, err
	}
	unlock := e.lock(keylock.Agent(opts.SellerName))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReportResult{}, err
	}
	defer tx.Rollback()
	t, err := e.recordTx(ctx, tx, opts)
	if err != nil {
		return ReportResult{}, err
	}
	outcome := OutcomeOptions{
		SellerName:   opts.SellerName,
		Success:      opts.Success,
		Amount:       opts.Price,
		ResponseTime: opts.ResponseTime,
		ActorID:      opts.ActorID,
	}
	a, err := e.reportOutcomeTx(ctx, tx, outcome)
	if err != nil {
		return ReportResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReportResult{}, err
	}
	e.logf("transaction %d %s -> %s price=%s", t.ID, t.BuyerID, t.SellerName, money.Format(t.Price))
	e.logOutcome(a, outcome)
	return ReportResult{TransactionID: t.ID, SuccessRate: a.SuccessRate(), Agent: a}, nil
}

func (e Engine) GetTransaction(ctx context.Context, id int64) (domain.Transaction, error) {
	t, err := e.Repo.GetTransaction(ctx, nil, id)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %d: %w", id, err)
	}
	return t, nil
}

func (e Engine) ListTransactions(ctx context.Context, f repo.TransactionFilter) ([]domain.Transaction, error) {
	return e.Repo.ListTransactions(ctx, f)
}
