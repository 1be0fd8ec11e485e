package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"agentmarket/internal/domain"
)

const escrowColumns = `job_id,buyer_id,seller_id,max_price,actual_price,status,created_at,settled_at`

func scanEscrow(row rowScanner) (domain.Escrow, error) {
	var e domain.Escrow
	var seller, settled sql.NullString
	var actual decimal.NullDecimal
	err := row.Scan(&e.JobID, &e.BuyerID, &seller, &e.MaxPrice, &actual, &e.Status, &e.CreatedAt, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if seller.Valid {
		e.SellerID = &seller.String
	}
	if actual.Valid {
		e.ActualPrice = &actual.Decimal
	}
	if settled.Valid {
		e.SettledAt = &settled.String
	}
	return e, nil
}

func (r Repo) GetEscrow(ctx context.Context, tx *sql.Tx, jobID string) (domain.Escrow, error) {
	return scanEscrow(r.on(tx).QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE job_id=?`, jobID))
}

func (r Repo) InsertEscrow(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO escrows(job_id,buyer_id,seller_id,max_price,status,created_at) VALUES (?,?,?,?,?,?)`,
		e.JobID, e.BuyerID, nil, e.MaxPrice.String(), e.Status, e.CreatedAt)
	return err
}

// SettleEscrow moves a locked escrow to a terminal status. Rows already
// settled are left alone and reported as ErrNotFound.
func (r Repo) SettleEscrow(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	var seller, actual, settled any
	if e.SellerID != nil {
		seller = *e.SellerID
	}
	if e.ActualPrice != nil {
		actual = e.ActualPrice.String()
	}
	if e.SettledAt != nil {
		settled = *e.SettledAt
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE escrows SET seller_id=?, actual_price=?, status=?, settled_at=? WHERE job_id=? AND status=?`,
		seller, actual, e.Status, settled, e.JobID, domain.EscrowLocked)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EscrowFilter struct {
	BuyerID string
	Status  string
	Limit   int
}

func (r Repo) ListEscrows(ctx context.Context, f EscrowFilter) ([]domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	var args []any
	if f.BuyerID != "" {
		query += ` AND buyer_id=?`
		args = append(args, f.BuyerID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, job_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetWallet returns ErrNotFound for agents that never held funds.
func (r Repo) GetWallet(ctx context.Context, tx *sql.Tx, agentID string) (domain.Wallet, error) {
	var w domain.Wallet
	err := r.on(tx).QueryRowContext(ctx, `SELECT agent_id,balance,updated_at FROM wallets WHERE agent_id=?`, agentID).
		Scan(&w.AgentID, &w.Balance, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) PutWallet(ctx context.Context, tx *sql.Tx, w domain.Wallet) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO wallets(agent_id,balance,updated_at) VALUES (?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET balance=excluded.balance, updated_at=excluded.updated_at`,
		w.AgentID, w.Balance.String(), w.UpdatedAt)
	return err
}

func (r Repo) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id,balance,updated_at FROM wallets ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.AgentID, &w.Balance, &w.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
