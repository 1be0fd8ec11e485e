package repo

import (
	"context"
	"database/sql"
	"errors"

	"agentmarket/internal/domain"
)

const transactionColumns = `id,buyer_id,seller_name,capability,price,success,response_time,completed_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var t domain.Transaction
	var success int
	var rt sql.NullFloat64
	err := row.Scan(&t.ID, &t.BuyerID, &t.SellerName, &t.Capability, &t.Price, &success, &rt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Success = success == 1
	if rt.Valid {
		v := rt.Float64
		t.ResponseTime = &v
	}
	return t, nil
}

// InsertTransaction stores t and returns its assigned id.
func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) (int64, error) {
	var rt any
	if t.ResponseTime != nil {
		rt = *t.ResponseTime
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO transactions(buyer_id,seller_name,capability,price,success,response_time,completed_at) VALUES (?,?,?,?,?,?,?)`,
		t.BuyerID, t.SellerName, t.Capability, t.Price.String(), boolToInt(t.Success), rt, t.CompletedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTransaction(ctx context.Context, tx *sql.Tx, id int64) (domain.Transaction, error) {
	return scanTransaction(r.on(tx).QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
}

type TransactionFilter struct {
	BuyerID    string
	SellerName string
	Limit      int
}

// ListTransactions returns the newest transactions first.
func (r Repo) ListTransactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	var args []any
	if f.BuyerID != "" {
		query += ` AND buyer_id=?`
		args = append(args, f.BuyerID)
	}
	if f.SellerName != "" {
		query += ` AND seller_name=?`
		args = append(args, f.SellerName)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.Feedback) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO feedback(transaction_id,agent_name,rating,feedback_text,would_hire_again,created_at) VALUES (?,?,?,?,?,?)`,
		f.TransactionID, f.AgentName, f.Rating, nullable(f.Text), boolToInt(f.WouldHireAgain), f.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) FeedbackExists(ctx context.Context, tx *sql.Tx, transactionID int64) (bool, error) {
	var n int
	if err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM feedback WHERE transaction_id=?`, transactionID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFeedback returns an agent's ratings, newest first.
func (r Repo) ListFeedback(ctx context.Context, agentName string, limit int) ([]domain.Feedback, error) {
	query := `SELECT id,transaction_id,agent_name,rating,feedback_text,would_hire_again,created_at FROM feedback WHERE agent_name=? ORDER BY id DESC`
	args := []any{agentName}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feedback
	for rows.Next() {
		var f domain.Feedback
		var text sql.NullString
		var hire int
		if err := rows.Scan(&f.ID, &f.TransactionID, &f.AgentName, &f.Rating, &text, &hire, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Text = text.String
		f.WouldHireAgain = hire == 1
		res = append(res, f)
	}
	return res, rows.Err()
}
