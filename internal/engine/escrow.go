package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/keylock"
	"agentmarket/internal/money"
	"agentmarket/internal/repo"
)

// Settlement describes where the locked funds of a job went. For every
// terminal escrow PaidToSeller + RefundedToBuyer equals the locked amount.
type Settlement struct {
	JobID           string          `json:"job_id"`
	Status          string          `json:"status"`
	PaidToSeller    decimal.Decimal `json:"paid_to_seller"`
	RefundedToBuyer decimal.Decimal `json:"refunded_to_buyer"`
}

func settlementOf(esc domain.Escrow) Settlement {
	s := Settlement{JobID: esc.JobID, Status: esc.Status, PaidToSeller: money.Zero, RefundedToBuyer: money.Zero}
	switch esc.Status {
	case domain.EscrowCompleted:
		if esc.ActualPrice != nil {
			s.PaidToSeller = *esc.ActualPrice
		}
		s.RefundedToBuyer = esc.MaxPrice.Sub(s.PaidToSeller)
	case domain.EscrowRefunded, domain.EscrowRejectedOvercharge:
		s.RefundedToBuyer = esc.MaxPrice
	}
	return s
}

type CreateEscrowOptions struct {
	JobID    string
	BuyerID  string
	MaxPrice decimal.Decimal
	ActorID  string
}

// CreateEscrow debits MaxPrice from the buyer and locks it against JobID.
func (e Engine) CreateEscrow(ctx context.Context, opts CreateEscrowOptions) (domain.Escrow, error) {
	jobID := strings.TrimSpace(opts.JobID)
	if jobID == "" {
		return domain.Escrow{}, invalid("job_id is required")
	}
	if opts.BuyerID == "" {
		return domain.Escrow{}, invalid("buyer_id is required")
	}
	if err := money.NonNegative(opts.MaxPrice); err != nil {
		return domain.Escrow{}, invalid("max_price: %v", err)
	}
	unlock := e.lock(keylock.Job(jobID), keylock.Wallet(opts.BuyerID))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetEscrow(ctx, tx, jobID); err == nil {
		return domain.Escrow{}, fmt.Errorf("job %s: %w", jobID, ErrDuplicateJob)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Escrow{}, err
	}
	balance, err := e.balanceTx(ctx, tx, opts.BuyerID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if balance.LessThan(opts.MaxPrice) {
		return domain.Escrow{}, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds,
			opts.BuyerID, money.Format(balance), money.Format(opts.MaxPrice))
	}
	now := e.timestamp()
	if err := e.Repo.PutWallet(ctx, tx, domain.Wallet{AgentID: opts.BuyerID, Balance: balance.Sub(opts.MaxPrice), UpdatedAt: now}); err != nil {
		return domain.Escrow{}, fmt.Errorf("debit buyer: %w", err)
	}
	esc := domain.Escrow{
		JobID:     jobID,
		BuyerID:   opts.BuyerID,
		MaxPrice:  opts.MaxPrice,
		Status:    domain.EscrowLocked,
		CreatedAt: now,
	}
	if err := e.Repo.InsertEscrow(ctx, tx, esc); err != nil {
		return domain.Escrow{}, fmt.Errorf("insert escrow: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.EscrowLocked, "escrow", jobID, opts.ActorID, events.Payload{
		"buyer_id":  opts.BuyerID,
		"max_price": opts.MaxPrice.String(),
	}); err != nil {
		return domain.Escrow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escrow{}, err
	}
	e.logf("escrow %s locked %s from %s", jobID, money.Format(opts.MaxPrice), opts.BuyerID)
	return esc, nil
}

type ReleaseOptions struct {
	JobID       string
	SellerID    string
	ActualPrice decimal.Decimal
	ActorID     string
}

// ReleaseEscrow pays the seller and refunds the remainder to the buyer. A
// claim above the locked amount refunds the buyer in full, moves the escrow
// to rejected_overcharge and returns the Settlement together with an
// *OverchargeError.
func (e Engine) ReleaseEscrow(ctx context.Context, opts ReleaseOptions) (Settlement, error) {
	if opts.JobID == "" {
		return Settlement{}, invalid("job_id is required")
	}
	if opts.SellerID == "" {
		return Settlement{}, invalid("seller_id is required")
	}
	if err := money.NonNegative(opts.ActualPrice); err != nil {
		return Settlement{}, invalid("actual_price: %v", err)
	}
	// buyer_id never changes, so it is safe to read before locking.
	esc, err := e.getEscrow(ctx, nil, opts.JobID)
	if err != nil {
		return Settlement{}, err
	}
	unlock := e.lock(keylock.Job(opts.JobID), keylock.Wallet(esc.BuyerID), keylock.Wallet(opts.SellerID))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Settlement{}, err
	}
	defer tx.Rollback()
	esc, err = e.getEscrow(ctx, tx, opts.JobID)
	if err != nil {
		return Settlement{}, err
	}
	if esc.Status != domain.EscrowLocked {
		return Settlement{}, fmt.Errorf("%w: job %s is %s", ErrInvalidState, esc.JobID, esc.Status)
	}

	now := e.timestamp()
	seller := opts.SellerID
	actual := opts.ActualPrice
	esc.SellerID = &seller
	esc.ActualPrice = &actual
	esc.SettledAt = &now

	if actual.GreaterThan(esc.MaxPrice) {
		esc.Status = domain.EscrowRejectedOvercharge
		if err := e.credit(ctx, tx, esc.BuyerID, esc.MaxPrice, now); err != nil {
			return Settlement{}, fmt.Errorf("refund buyer: %w", err)
		}
		if err := e.Repo.SettleEscrow(ctx, tx, esc); err != nil {
			return Settlement{}, fmt.Errorf("settle escrow: %w", err)
		}
		if err := e.writer().Append(ctx, tx, events.EscrowOverchargeRejected, "escrow", esc.JobID, opts.ActorID, events.Payload{
			"seller_id": seller,
			"attempted": actual.String(),
			"allowed":   esc.MaxPrice.String(),
			"refunded":  esc.MaxPrice.String(),
		}); err != nil {
			return Settlement{}, err
		}
		if err := tx.Commit(); err != nil {
			return Settlement{}, err
		}
		e.logf("escrow %s overcharge rejected: %s claimed %s, allowed %s; refunded %s",
			esc.JobID, seller, money.Format(actual), money.Format(esc.MaxPrice), esc.BuyerID)
		return settlementOf(esc), &OverchargeError{JobID: esc.JobID, Attempted: actual, Allowed: esc.MaxPrice}
	}

	esc.Status = domain.EscrowCompleted
	refund := esc.MaxPrice.Sub(actual)
	if err := e.credit(ctx, tx, seller, actual, now); err != nil {
		return Settlement{}, fmt.Errorf("pay seller: %w", err)
	}
	if err := e.credit(ctx, tx, esc.BuyerID, refund, now); err != nil {
		return Settlement{}, fmt.Errorf("refund buyer: %w", err)
	}
	if err := e.Repo.SettleEscrow(ctx, tx, esc); err != nil {
		return Settlement{}, fmt.Errorf("settle escrow: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.EscrowReleased, "escrow", esc.JobID, opts.ActorID, events.Payload{
		"seller_id":    seller,
		"actual_price": actual.String(),
		"refunded":     refund.String(),
	}); err != nil {
		return Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return Settlement{}, err
	}
	e.logf("escrow %s released: %s paid %s, %s refunded %s",
		esc.JobID, seller, money.Format(actual), esc.BuyerID, money.Format(refund))
	return settlementOf(esc), nil
}

// RefundEscrow cancels a locked escrow and returns the full amount to the
// buyer. Settled escrows are left as they are and reported without error.
func (e Engine) RefundEscrow(ctx context.Context, jobID, actorID string) (Settlement, error) {
	if jobID == "" {
		return Settlement{}, invalid("job_id is required")
	}
	esc, err := e.getEscrow(ctx, nil, jobID)
	if err != nil {
		return Settlement{}, err
	}
	unlock := e.lock(keylock.Job(jobID), keylock.Wallet(esc.BuyerID))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Settlement{}, err
	}
	defer tx.Rollback()
	esc, err = e.getEscrow(ctx, tx, jobID)
	if err != nil {
		return Settlement{}, err
	}
	if esc.Terminal() {
		return settlementOf(esc), nil
	}
	now := e.timestamp()
	esc.Status = domain.EscrowRefunded
	esc.SettledAt = &now
	if err := e.credit(ctx, tx, esc.BuyerID, esc.MaxPrice, now); err != nil {
		return Settlement{}, fmt.Errorf("refund buyer: %w", err)
	}
	if err := e.Repo.SettleEscrow(ctx, tx, esc); err != nil {
		return Settlement{}, fmt.Errorf("settle escrow: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.EscrowRefunded, "escrow", jobID, actorID, events.Payload{
		"buyer_id": esc.BuyerID,
		"refunded": esc.MaxPrice.String(),
	}); err != nil {
		return Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return Settlement{}, err
	}
	e.logf("escrow %s refunded %s to %s", jobID, money.Format(esc.MaxPrice), esc.BuyerID)
	return settlementOf(esc), nil
}

func (e Engine) GetEscrow(ctx context.Context, jobID string) (domain.Escrow, error) {
	return e.getEscrow(ctx, nil, jobID)
}

func (e Engine) ListEscrows(ctx context.Context, f repo.EscrowFilter) ([]domain.Escrow, error) {
	return e.Repo.ListEscrows(ctx, f)
}

func (e Engine) getEscrow(ctx context.Context, tx *sql.Tx, jobID string) (domain.Escrow, error) {
	esc, err := e.Repo.GetEscrow(ctx, tx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Escrow{}, fmt.Errorf("job %s: %w", jobID, ErrEscrowNotFound)
	}
	return esc, err
}

// Balance returns zero for agents that never held funds.
func (e Engine) Balance(ctx context.Context, agentID string) (decimal.Decimal, error) {
	return e.balanceTx(ctx, nil, agentID)
}

func (e Engine) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	return e.Repo.ListWallets(ctx)
}

func (e Engine) balanceTx(ctx context.Context, tx *sql.Tx, agentID string) (decimal.Decimal, error) {
	w, err := e.Repo.GetWallet(ctx, tx, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		return money.Zero, nil
	}
	if err != nil {
		return money.Zero, err
	}
	return w.Balance, nil
}

// credit expects the caller to hold the wallet lock for agentID.
func (e Engine) credit(ctx context.Context, tx *sql.Tx, agentID string, amount decimal.Decimal, now string) error {
	balance, err := e.balanceTx(ctx, tx, agentID)
	if err != nil {
		return err
	}
	return e.Repo.PutWallet(ctx, tx, domain.Wallet{AgentID: agentID, Balance: balance.Add(amount), UpdatedAt: now})
}

// Fund credits amount to an agent's wallet outside any escrow. It backs
// bootstrap seeding and administrative deposits.
func (e Engine) Fund(ctx context.Context, agentID string, amount decimal.Decimal, actorID string) (domain.Wallet, error) {
	w, _, err := e.fund(ctx, agentID, amount, actorID, false)
	return w, err
}

// SeedWallet funds agentID only if it has no wallet yet and reports whether
// it did.
func (e Engine) SeedWallet(ctx context.Context, agentID string, amount decimal.Decimal) (bool, error) {
	_, funded, err := e.fund(ctx, agentID, amount, "system", true)
	return funded, err
}

func (e Engine) fund(ctx context.Context, agentID string, amount decimal.Decimal, actorID string, onlyIfAbsent bool) (domain.Wallet, bool, error) {
	if agentID == "" {
		return domain.Wallet{}, false, invalid("agent_id is required")
	}
	if err := money.Positive(amount); err != nil {
		return domain.Wallet{}, false, invalid("amount: %v", err)
	}
	unlock := e.lock(keylock.Wallet(agentID))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wallet{}, false, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWallet(ctx, tx, agentID)
	switch {
	case err == nil && onlyIfAbsent:
		return w, false, nil
	case errors.Is(err, repo.ErrNotFound):
		w = domain.Wallet{AgentID: agentID, Balance: money.Zero}
	case err != nil:
		return domain.Wallet{}, false, err
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = e.timestamp()
	if err := e.Repo.PutWallet(ctx, tx, w); err != nil {
		return domain.Wallet{}, false, fmt.Errorf("credit wallet: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.WalletFunded, "wallet", agentID, actorID, events.Payload{
		"amount":  amount.String(),
		"balance": w.Balance.String(),
	}); err != nil {
		return domain.Wallet{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wallet{}, false, err
	}
	e.logf("wallet %s funded %s, balance %s", agentID, money.Format(amount), money.Format(w.Balance))
	return w, true, nil
}
