package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentmarket/internal/app"
	"agentmarket/internal/broker"
	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/engine"
	"agentmarket/internal/money"
	"agentmarket/internal/repo"
	"agentmarket/internal/scoring"
	"agentmarket/internal/server"
	marketsdk "agentmarket/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "mkt",
	Short: "Agent marketplace CLI",
	Long: `mkt runs and operates an agent marketplace registry.
Core concepts:
- Agents: sellers listed under one capability with a price per job and a reputation (rating, jobs, response time).
- Search: candidates for a capability ranked by price, quality, speed and reliability weights.
- Lottery: buyers draw a seller with softmax probabilities instead of always taking the top score.
- Escrow: the buyer's max price is locked per job and released to the seller or refunded; claims above it are rejected.
- Journal: every finished hire is recorded and can be rated once.
- Event log: every state change, view with 'mkt log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MARKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("registry", "http://127.0.0.1:8080", "registry URL for remote commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for remote commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("registry", rootCmd.PersistentFlags().Lookup("registry"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(hireCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage market.yml",
		Long:  "market.yml tunes search limits and default weights, reputation constants, seeded wallets, broker strategies and webhooks. Missing sections use the built-in defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default market.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate market.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- agents ---

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agent listings"}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentFeedbackCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.RegisterOptions
	var price string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := money.Parse(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			opts.Price = p
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Register(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "agent name")
	cmd.Flags().StringVar(&opts.URL, "url", "", "agent endpoint")
	cmd.Flags().StringVar(&opts.Capability, "capability", "", "capability offered")
	cmd.Flags().StringVar(&price, "price", "", "price per job, e.g. 0.03")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("capability")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func agentListCmd() *cobra.Command {
	var capability string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.ListAgents(ctx, capability)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable("Name", "Capability", "Price", "Rating", "Jobs", "Success %", "Avg RT", "Earned")
				for _, a := range agents {
					tw.AppendRow(table.Row{a.Name, a.Capability, money.Format(a.Price), fmt.Sprintf("%.2f", a.Rating),
						a.TotalJobs, fmt.Sprintf("%.1f", a.SuccessRate()), fmt.Sprintf("%.2fs", a.AvgResponseTime), money.Format(a.TotalEarned)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "capability filter")
	return cmd
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentFeedbackCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "feedback <name>",
		Short: "List ratings left for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListFeedback(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Tx", "Rating", "Hire again", "Feedback", "At")
				for _, f := range items {
					tw.AppendRow(table.Row{f.TransactionID, f.Rating, f.WouldHireAgain, f.Text, f.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	return cmd
}

// --- search ---

func searchCmd() *cobra.Command {
	var q engine.SearchQuery
	var w scoring.Weights
	var maxPrice string
	var minRating float64
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Rank agents for a capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if anyChanged(cmd, "price-weight", "quality-weight", "speed-weight", "reliability-weight") {
					weights := e.Config.Search.Weights
					if cmd.Flags().Changed("price-weight") {
						weights.Price = w.Price
					}
					if cmd.Flags().Changed("quality-weight") {
						weights.Quality = w.Quality
					}
					if cmd.Flags().Changed("speed-weight") {
						weights.Speed = w.Speed
					}
					if cmd.Flags().Changed("reliability-weight") {
						weights.Reliability = w.Reliability
					}
					q.Weights = &weights
				}
				if cmd.Flags().Changed("max-price") {
					p, err := money.Parse(maxPrice)
					if err != nil {
						return fmt.Errorf("--max-price: %w", err)
					}
					q.MaxPrice = &p
				}
				if cmd.Flags().Changed("min-rating") {
					q.MinRating = &minRating
				}
				res, err := e.Search(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("#", "Name", "Price", "Rating", "Success %", "Avg RT", "Score")
				for i, s := range res {
					tw.AppendRow(table.Row{i + 1, s.Agent.Name, money.Format(s.Agent.Price), fmt.Sprintf("%.2f", s.Agent.Rating),
						fmt.Sprintf("%.1f", s.Agent.SuccessRate()), fmt.Sprintf("%.2fs", s.Agent.AvgResponseTime), fmt.Sprintf("%.4f", s.Score)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Capability, "capability", "", "capability to search")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "max results (0 uses the configured default)")
	cmd.Flags().Float64Var(&w.Price, "price-weight", 0, "price weight")
	cmd.Flags().Float64Var(&w.Quality, "quality-weight", 0, "quality weight")
	cmd.Flags().Float64Var(&w.Speed, "speed-weight", 0, "speed weight")
	cmd.Flags().Float64Var(&w.Reliability, "reliability-weight", 0, "reliability weight")
	cmd.Flags().StringVar(&maxPrice, "max-price", "", "exclude agents priced above this")
	cmd.Flags().Float64Var(&minRating, "min-rating", 0, "exclude agents rated below this")
	cmd.Flags().StringSliceVar(&q.Exclude, "exclude", nil, "agent names to skip")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

// --- transactions ---

func txCmd() *cobra.Command {
	tx := &cobra.Command{Use: "tx", Short: "Journal and rate transactions"}
	tx.AddCommand(txReportCmd())
	tx.AddCommand(txListCmd())
	tx.AddCommand(txRateCmd())
	return tx
}

func txReportCmd() *cobra.Command {
	var opts engine.RecordOptions
	var amount string
	var responseTime float64
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Record a finished hire and update the seller's reputation",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := money.Parse(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			opts.Price = p
			if cmd.Flags().Changed("response-time") {
				opts.ResponseTime = &responseTime
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReportTransaction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"transaction_id": res.TransactionID, "success_rate": res.SuccessRate})
			})
		},
	}
	cmd.Flags().StringVar(&opts.BuyerID, "buyer", "", "buyer id")
	cmd.Flags().StringVar(&opts.SellerName, "seller", "", "seller agent name")
	cmd.Flags().StringVar(&amount, "amount", "0", "amount paid")
	cmd.Flags().BoolVar(&opts.Success, "success", false, "whether the job succeeded")
	cmd.Flags().Float64Var(&responseTime, "response-time", 0, "observed response time in seconds")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("seller")
	return cmd
}

func txListCmd() *cobra.Command {
	var f repo.TransactionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTransactions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Buyer", "Seller", "Capability", "Price", "Success", "RT", "Completed")
				for _, t := range items {
					rt := ""
					if t.ResponseTime != nil {
						rt = fmt.Sprintf("%.2fs", *t.ResponseTime)
					}
					tw.AppendRow(table.Row{t.ID, t.BuyerID, t.SellerName, t.Capability, money.Format(t.Price), t.Success, rt, t.CompletedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BuyerID, "buyer", "", "buyer filter")
	cmd.Flags().StringVar(&f.SellerName, "seller", "", "seller filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max entries")
	return cmd
}

func txRateCmd() *cobra.Command {
	var opts engine.RatingOptions
	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Rate a transaction's seller (once per transaction)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitRating(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.TransactionID, "tx", 0, "transaction id")
	cmd.Flags().Float64Var(&opts.Rating, "rating", 0, "rating within [1,5]")
	cmd.Flags().StringVar(&opts.Feedback, "feedback", "", "free text feedback")
	cmd.Flags().BoolVar(&opts.WouldHireAgain, "hire-again", false, "would hire again")
	_ = cmd.MarkFlagRequired("tx")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

// --- escrow ---

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escrow", Short: "Lock and settle job payments"}
	esc.AddCommand(escrowCreateCmd())
	esc.AddCommand(escrowReleaseCmd())
	esc.AddCommand(escrowRefundCmd())
	esc.AddCommand(escrowShowCmd())
	esc.AddCommand(escrowListCmd())
	return esc
}

func escrowCreateCmd() *cobra.Command {
	var opts engine.CreateEscrowOptions
	var maxPrice string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Lock the buyer's max price against a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := money.Parse(maxPrice)
			if err != nil {
				return fmt.Errorf("--max-price: %w", err)
			}
			opts.MaxPrice = p
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				esc, err := e.CreateEscrow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&opts.JobID, "job", "", "job id")
	cmd.Flags().StringVar(&opts.BuyerID, "buyer", "", "buyer id")
	cmd.Flags().StringVar(&maxPrice, "max-price", "", "amount to lock")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("max-price")
	return cmd
}

func escrowReleaseCmd() *cobra.Command {
	var opts engine.ReleaseOptions
	var actual string
	cmd := &cobra.Command{
		Use:   "release <job>",
		Short: "Pay the seller and refund the remainder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := money.Parse(actual)
			if err != nil {
				return fmt.Errorf("--actual-price: %w", err)
			}
			opts.JobID = args[0]
			opts.ActualPrice = p
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ReleaseEscrow(ctx, opts)
				var over *engine.OverchargeError
				if errors.As(err, &over) {
					_ = printJSONOrTable(s)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SellerID, "seller", "", "seller agent name")
	cmd.Flags().StringVar(&actual, "actual-price", "", "amount the seller claims")
	_ = cmd.MarkFlagRequired("seller")
	_ = cmd.MarkFlagRequired("actual-price")
	return cmd
}

func escrowRefundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <job>",
		Short: "Return the locked amount to the buyer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RefundEscrow(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func escrowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job>",
		Short: "Show an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				esc, err := e.GetEscrow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
}

func escrowListCmd() *cobra.Command {
	var f repo.EscrowFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEscrows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Job", "Buyer", "Seller", "Max", "Actual", "Status", "Created")
				for _, esc := range items {
					tw.AppendRow(table.Row{esc.JobID, esc.BuyerID, deref(esc.SellerID), money.Format(esc.MaxPrice),
						formatOptional(esc.ActualPrice), esc.Status, esc.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BuyerID, "buyer", "", "buyer filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max entries")
	return cmd
}

// --- wallets ---

func walletCmd() *cobra.Command {
	w := &cobra.Command{Use: "wallet", Short: "Inspect and fund wallets"}
	w.AddCommand(walletBalanceCmd())
	w.AddCommand(walletFundCmd())
	w.AddCommand(walletListCmd())
	return w
}

func walletBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <agent>",
		Short: "Show an agent's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bal, err := e.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"agent_id": args[0], "balance": money.Format(bal)})
			})
		},
	}
}

func walletFundCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "fund <agent>",
		Short: "Credit an agent's wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := money.Parse(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Fund(ctx, args[0], a, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to credit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func walletListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List wallets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWallets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Agent", "Balance", "Updated")
				for _, w := range items {
					tw.AppendRow(table.Row{w.AgentID, money.Format(w.Balance), w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- hire (remote, through the registry API) ---

func hireCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "hire",
		Short: "Buy work through a running registry",
		Long:  "hire uses the broker: it searches the registry with a strategy, draws a seller with the selection lottery and backs the job with an escrow.",
	}
	h.AddCommand(hireSelectCmd())
	h.AddCommand(hireSettleCmd())
	return h
}

func hireSelectCmd() *cobra.Command {
	var capability, strategy, buyer string
	var seed int64
	var limit int
	var engage bool
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Draw a seller for a capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(buyer, strategy)
			if err != nil {
				return err
			}
			b.Limit = limit
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}
			sel, err := b.Select(cmd.Context(), capability, rand.New(rand.NewSource(seed)))
			if err != nil {
				return err
			}
			var eng *broker.Engagement
			if engage {
				e, err := b.Engage(cmd.Context(), sel)
				if err != nil {
					return err
				}
				eng = &e
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"selection": sel, "engagement": eng, "seed": seed})
			}
			tw := newTable("Seller", "Price", "Rating", "Score", "P", "")
			for _, c := range sel.Candidates {
				mark := ""
				if c.Agent.Name == sel.Chosen.Name {
					mark = "<- chosen"
				}
				tw.AppendRow(table.Row{c.Agent.Name, c.Agent.Price, fmt.Sprintf("%.2f", c.Agent.Rating),
					fmt.Sprintf("%.4f", c.Score), fmt.Sprintf("%.3f", c.Probability), mark})
			}
			tw.SetCaption("strategy %s, seed %d", sel.Strategy, seed)
			tw.Render()
			if sel.Unfiltered {
				fmt.Println("note: no seller matched the strategy filters; used unfiltered results")
			}
			if eng != nil {
				fmt.Printf("escrow locked: job %s, %v for %s\n", eng.JobID, eng.MaxPrice, eng.Seller.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "capability to buy")
	cmd.Flags().StringVar(&strategy, "strategy", "balanced", "buyer strategy")
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer id (defaults to --actor-id)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed for a reproducible draw")
	cmd.Flags().IntVar(&limit, "limit", 0, "max candidates")
	cmd.Flags().BoolVar(&engage, "engage", false, "lock an escrow for the chosen seller")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func hireSettleCmd() *cobra.Command {
	var jobID, seller, buyer string
	var maxPrice, actual, responseTime float64
	var valid bool
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Release or refund a brokered job and report it",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(buyer, "balanced")
			if err != nil {
				return err
			}
			eng := broker.Engagement{
				JobID:    jobID,
				BuyerID:  b.BuyerID,
				Seller:   marketsdk.Agent{Name: seller, Price: maxPrice},
				MaxPrice: maxPrice,
			}
			out := broker.Outcome{Valid: valid, ActualPrice: actual}
			if cmd.Flags().Changed("response-time") {
				out.ResponseTime = &responseTime
			}
			res, err := b.Settle(cmd.Context(), eng, out)
			if res.Settlement.JobID != "" {
				_ = printJSONOrTable(res)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&seller, "seller", "", "seller agent name")
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer id (defaults to --actor-id)")
	cmd.Flags().Float64Var(&maxPrice, "max-price", 0, "amount locked for the job")
	cmd.Flags().Float64Var(&actual, "actual-price", 0, "amount the seller claims")
	cmd.Flags().Float64Var(&responseTime, "response-time", 0, "observed response time in seconds")
	cmd.Flags().BoolVar(&valid, "valid", false, "the delivered work was acceptable")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("seller")
	return cmd
}

func newBroker(buyer, strategy string) (broker.Broker, error) {
	cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
	if err != nil {
		return broker.Broker{}, err
	}
	s, err := broker.Lookup(cfg, strategy)
	if err != nil {
		return broker.Broker{}, err
	}
	if buyer == "" {
		buyer = viper.GetString("actor-id")
	}
	client := marketsdk.New(viper.GetString("registry"))
	client.BearerToken = viper.GetString("token")
	client.ActorID = buyer
	return broker.Broker{Market: client, BuyerID: buyer, Strategy: s, Logger: newLogger()}, nil
}

// --- log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				latest, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				if latest > int64(n) {
					f.AfterID = latest - int64(n)
				}
				f.Limit = n
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- auth ---

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "Mint API tokens"}
	a.AddCommand(authTokenCmd())
	return a
}

func authTokenCmd() *cobra.Command {
	var agentID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with MARKET_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("MARKET_JWT_SECRET is required to sign tokens")
			}
			token, err := server.SignToken(secret, agentID, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id carried in the token")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the registry HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			e, conn, err := app.Open(cmd.Context(), viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: logger}
			if authCfg.JWTSecret == "" {
				logger.Printf("MARKET_JWT_SECRET not set: API is open, callers are identified by X-Actor-Id")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			server.StartWebhooks(ctx, e, logger)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving marketplace API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	e, conn, err := app.Open(ctx, workspace, newLogger())
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "mkt: ", log.LstdFlags)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, n := range names {
		if cmd.Flags().Changed(n) {
			return true
		}
	}
	return false
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatOptional(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return money.Format(*d)
}
