package repo

import (
	"context"
	"database/sql"
	"errors"

	"agentmarket/internal/domain"
)

const agentColumns = `name,url,capability,price,rating,total_jobs,successful_jobs,failed_jobs,avg_response_time,timed_jobs,total_earned,registered_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.Name, &a.URL, &a.Capability, &a.Price, &a.Rating, &a.TotalJobs, &a.SuccessfulJobs,
		&a.FailedJobs, &a.AvgResponseTime, &a.TimedJobs, &a.TotalEarned, &a.RegisteredAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, name string) (domain.Agent, error) {
	return scanAgent(r.on(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name=?`, name))
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Name, a.URL, a.Capability, a.Price.String(), a.Rating, a.TotalJobs, a.SuccessfulJobs, a.FailedJobs,
		a.AvgResponseTime, a.TimedJobs, a.TotalEarned.String(), a.RegisteredAt, a.UpdatedAt)
	return err
}

// UpdateListing changes the mutable listing fields; reputation is untouched.
func (r Repo) UpdateListing(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET url=?, capability=?, price=?, updated_at=? WHERE name=?`,
		a.URL, a.Capability, a.Price.String(), a.UpdatedAt, a.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateReputation writes every reputation field of a.
func (r Repo) UpdateReputation(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET rating=?, total_jobs=?, successful_jobs=?, failed_jobs=?,
avg_response_time=?, timed_jobs=?, total_earned=?, updated_at=? WHERE name=?`,
		a.Rating, a.TotalJobs, a.SuccessfulJobs, a.FailedJobs, a.AvgResponseTime, a.TimedJobs,
		a.TotalEarned.String(), a.UpdatedAt, a.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgents returns every agent, or only those offering capability.
func (r Repo) ListAgents(ctx context.Context, capability string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if capability != "" {
		query += ` WHERE capability=?`
		args = append(args, capability)
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
