package server

import (
	"context"
	"math"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"agentmarket/internal/engine"
	"agentmarket/internal/repo"
)

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-agent",
		Method:      http.MethodPost,
		Path:        "/agents",
		Summary:     "Register or update an agent listing",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body AgentSummary `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		price, herr := amount("price", input.Body.Price)
		if herr != nil {
			return nil, herr
		}
		name := strings.TrimSpace(input.Body.Name)
		if err := requireAgent(ctx, name); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Register(ctx, engine.RegisterOptions{
			Name:       name,
			URL:        input.Body.URL,
			Capability: input.Body.Capability,
			Price:      price,
			ActorID:    actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentSummary `json:"body"`
		}{Body: agentSummary(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Capability string `query:"capability"`
	}) (*struct {
		Body []AgentSummary `json:"body"`
	}, error) {
		items, err := e.ListAgents(ctx, input.Capability)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentSummary `json:"body"`
		}{Body: mapAgents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{name}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body AgentSummary `json:"body"`
	}, error) {
		a, err := e.GetAgent(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentSummary `json:"body"`
		}{Body: agentSummary(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-feedback",
		Method:      http.MethodGet,
		Path:        "/agents/{name}/feedback",
		Summary:     "List ratings received by an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name  string `path:"name"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []FeedbackResponse `json:"body"`
	}, error) {
		items, err := e.ListFeedback(ctx, input.Name, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FeedbackResponse `json:"body"`
		}{Body: mapFeedback(items)}, nil
	})
}

func registerSearch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search-agents",
		Method:      http.MethodGet,
		Path:        "/search",
		Summary:     "Rank agents offering a capability",
		Description: "Weights left out of the query keep their configured defaults. Results are ordered by score, then price.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Capability        string  `query:"capability" required:"true"`
		Limit             int     `query:"limit" minimum:"0"`
		PriceWeight       float64 `query:"price_weight"`
		QualityWeight     float64 `query:"quality_weight"`
		SpeedWeight       float64 `query:"speed_weight"`
		ReliabilityWeight float64 `query:"reliability_weight"`
		MaxPrice          float64 `query:"max_price"`
		MinRating         float64 `query:"min_rating"`
		Exclude           string  `query:"exclude" doc:"Comma separated agent names"`
	}) (*struct {
		Body []AgentSummary `json:"body"`
	}, error) {
		q := engine.SearchQuery{
			Capability: input.Capability,
			Limit:      input.Limit,
			Exclude:    splitList(input.Exclude),
		}
		overrides := map[string]float64{
			"price_weight":       input.PriceWeight,
			"quality_weight":     input.QualityWeight,
			"speed_weight":       input.SpeedWeight,
			"reliability_weight": input.ReliabilityWeight,
		}
		w := e.Config.Search.Weights
		custom := false
		for name, v := range overrides {
			if !queryHas(ctx, name) {
				continue
			}
			custom = true
			switch name {
			case "price_weight":
				w.Price = v
			case "quality_weight":
				w.Quality = v
			case "speed_weight":
				w.Speed = v
			case "reliability_weight":
				w.Reliability = v
			}
		}
		if custom {
			q.Weights = &w
		}
		if queryHas(ctx, "max_price") {
			mp, herr := amount("max_price", input.MaxPrice)
			if herr != nil {
				return nil, herr
			}
			q.MaxPrice = &mp
		}
		if queryHas(ctx, "min_rating") {
			mr := input.MinRating
			q.MinRating = &mr
		}
		items, err := e.Search(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentSummary `json:"body"`
		}{Body: mapScored(items)}, nil
	})
}

func registerTransactions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions",
		Summary:     "Report a finished hire",
		Description: "Journals the transaction and applies its outcome to the seller's reputation.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ReportTransactionRequest `json:"body"`
	}) (*struct {
		Body ReportTransactionResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		price, herr := amount("amount", input.Body.Amount)
		if herr != nil {
			return nil, herr
		}
		if err := requireAgent(ctx, input.Body.BuyerID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.ReportTransaction(ctx, engine.RecordOptions{
			BuyerID:      input.Body.BuyerID,
			SellerName:   input.Body.SellerName,
			Price:        price,
			Success:      input.Body.Success,
			ResponseTime: input.Body.ResponseTime,
			ActorID:      actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportTransactionResponse `json:"body"`
		}{Body: ReportTransactionResponse{TransactionID: res.TransactionID, SuccessRate: res.SuccessRate}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List transactions, newest first",
	}, func(ctx context.Context, input *struct {
		BuyerID    string `query:"buyer_id"`
		SellerName string `query:"seller_name"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TransactionResponse `json:"body"`
	}, error) {
		items, err := e.ListTransactions(ctx, repo.TransactionFilter{
			BuyerID:    input.BuyerID,
			SellerName: input.SellerName,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransactionResponse `json:"body"`
		}{Body: mapTransactions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}",
		Summary:     "Get transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		t, err := e.GetTransaction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t)}, nil
	})
}

func registerRatings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rate-transaction",
		Method:      http.MethodPost,
		Path:        "/ratings",
		Summary:     "Rate a transaction",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RateTransactionRequest `json:"body"`
	}) (*struct {
		Body RatingResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		t, err := e.GetTransaction(ctx, input.Body.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireAgent(ctx, t.BuyerID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.SubmitRating(ctx, engine.RatingOptions{
			TransactionID:  input.Body.TransactionID,
			Rating:         input.Body.Rating,
			Feedback:       input.Body.Feedback,
			WouldHireAgain: input.Body.WouldHireAgain,
			ActorID:        actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RatingResponse `json:"body"`
		}{Body: RatingResponse{Agent: res.Agent, NewRating: round2(res.NewRating), TotalJobs: res.TotalJobs}}, nil
	})
}

func registerEscrows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-escrow",
		Method:      http.MethodPost,
		Path:        "/escrows",
		Summary:     "Lock buyer funds against a job",
		Errors:      []int{http.StatusBadRequest, http.StatusPaymentRequired, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateEscrowRequest `json:"body"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		maxPrice, herr := amount("max_price", input.Body.MaxPrice)
		if herr != nil {
			return nil, herr
		}
		if err := requireAgent(ctx, input.Body.BuyerID); err != nil {
			return nil, handleError(err)
		}
		esc, err := e.CreateEscrow(ctx, engine.CreateEscrowOptions{
			JobID:    input.Body.JobID,
			BuyerID:  input.Body.BuyerID,
			MaxPrice: maxPrice,
			ActorID:  actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: escrowResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escrows",
		Method:      http.MethodGet,
		Path:        "/escrows",
		Summary:     "List escrows",
	}, func(ctx context.Context, input *struct {
		BuyerID string `query:"buyer_id"`
		Status  string `query:"status" enum:"locked,completed,refunded,rejected_overcharge"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EscrowResponse `json:"body"`
	}, error) {
		items, err := e.ListEscrows(ctx, repo.EscrowFilter{BuyerID: input.BuyerID, Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EscrowResponse, 0, len(items))
		for _, esc := range items {
			out = append(out, escrowResponse(esc))
		}
		return &struct {
			Body []EscrowResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/escrows/{job_id}",
		Summary:     "Get escrow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		esc, err := e.GetEscrow(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: escrowResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-escrow",
		Method:      http.MethodPost,
		Path:        "/escrows/{job_id}/release",
		Summary:     "Pay the seller and refund the remainder",
		Description: "A claim above the locked amount refunds the buyer in full and fails with overcharge_detected.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string               `path:"job_id"`
		Body  ReleaseEscrowRequest `json:"body"`
	}) (*struct {
		Body SettlementResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actual, herr := amount("actual_price", input.Body.ActualPrice)
		if herr != nil {
			return nil, herr
		}
		if err := requireEscrowBuyer(ctx, e, input.JobID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.ReleaseEscrow(ctx, engine.ReleaseOptions{
			JobID:       input.JobID,
			SellerID:    input.Body.SellerID,
			ActualPrice: actual,
			ActorID:     actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettlementResponse `json:"body"`
		}{Body: settlementResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refund-escrow",
		Method:      http.MethodPost,
		Path:        "/escrows/{job_id}/refund",
		Summary:     "Cancel a locked escrow",
		Description: "Settled escrows are returned unchanged.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body SettlementResponse `json:"body"`
	}, error) {
		if err := requireEscrowBuyer(ctx, e, input.JobID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.RefundEscrow(ctx, input.JobID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettlementResponse `json:"body"`
		}{Body: settlementResponse(s)}, nil
	})
}

func requireEscrowBuyer(ctx context.Context, e engine.Engine, jobID string) error {
	esc, err := e.GetEscrow(ctx, jobID)
	if err != nil {
		return err
	}
	return requireAgent(ctx, esc.BuyerID)
}

func registerWallets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/wallets/{agent_id}",
		Summary:     "Wallet balance",
		Description: "Agents that never held funds report a zero balance.",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body WalletResponse `json:"body"`
	}, error) {
		b, err := e.Balance(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WalletResponse `json:"body"`
		}{Body: walletResponse(input.AgentID, b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deposit",
		Method:      http.MethodPost,
		Path:        "/wallets/{agent_id}/deposit",
		Summary:     "Credit funds to a wallet (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentID string         `path:"agent_id"`
		Body    DepositRequest `json:"body"`
	}) (*struct {
		Body WalletResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if err := requireAdmin(ctx); err != nil {
			return nil, handleError(err)
		}
		amt, herr := amount("amount", input.Body.Amount)
		if herr != nil {
			return nil, herr
		}
		w, err := e.Fund(ctx, input.AgentID, amt, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WalletResponse `json:"body"`
		}{Body: walletResponse(w.AgentID, w.Balance)}, nil
	})
}

func walletResponse(agentID string, balance decimal.Decimal) WalletResponse {
	f, _ := balance.Float64()
	return WalletResponse{AgentID: agentID, Balance: f, Exact: balance.String()}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AfterID    int64  `query:"after_id" minimum:"0"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"agent,transaction,escrow,wallet"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.ListEvents(ctx, repo.EventFilter{
			AfterID:    input.AfterID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].ID
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// round2 rounds a rating for the wire; the stored rating keeps full precision.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
