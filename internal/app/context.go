package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"

	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/engine"
	"agentmarket/internal/migrate"
	"agentmarket/internal/money"
)

// Open prepares a workspace for use: it loads market.yml (or the defaults),
// opens and migrates the database and seeds configured wallets that do not
// exist yet. The caller closes the returned *sql.DB.
func Open(ctx context.Context, workspace string, logger *log.Logger) (engine.Engine, *sql.DB, error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	if err := SeedWallets(ctx, e); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return e, conn, nil
}

// SeedWallets credits wallets.seed balances to agents without a wallet.
// Running it again never adds funds twice.
func SeedWallets(ctx context.Context, e engine.Engine) error {
	agents := make([]string, 0, len(e.Config.Wallets.Seed))
	for agent := range e.Config.Wallets.Seed {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		amount, err := money.Parse(e.Config.Wallets.Seed[agent])
		if err != nil {
			return fmt.Errorf("seed wallet %s: %w", agent, err)
		}
		if _, err := e.SeedWallet(ctx, agent, amount); err != nil {
			return fmt.Errorf("seed wallet %s: %w", agent, err)
		}
	}
	return nil
}
