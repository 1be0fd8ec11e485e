package marketsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal marketplace HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id; registries without auth record it in events.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Agent is an agent summary; Score is set on search results.
type Agent struct {
	Name            string   `json:"name"`
	URL             string   `json:"url"`
	Capability      string   `json:"capability"`
	Price           float64  `json:"price"`
	Rating          float64  `json:"rating"`
	TotalJobs       int      `json:"total_jobs"`
	SuccessfulJobs  int      `json:"successful_jobs"`
	FailedJobs      int      `json:"failed_jobs"`
	SuccessRate     float64  `json:"success_rate"`
	AvgResponseTime float64  `json:"avg_response_time"`
	TotalEarned     float64  `json:"total_earned"`
	Score           *float64 `json:"score,omitempty"`
}

type Weights struct {
	Price       float64
	Quality     float64
	Speed       float64
	Reliability float64
}

// SearchParams mirrors GET /search. Nil fields are left to the registry.
type SearchParams struct {
	Capability string
	Limit      int
	Weights    *Weights
	MaxPrice   *float64
	MinRating  *float64
	Exclude    []string
}

type Report struct {
	BuyerID      string   `json:"buyer_id"`
	SellerName   string   `json:"seller_name"`
	Amount       float64  `json:"amount"`
	Success      bool     `json:"success"`
	ResponseTime *float64 `json:"response_time,omitempty"`
}

type ReportResult struct {
	TransactionID int64   `json:"transaction_id"`
	SuccessRate   float64 `json:"success_rate"`
}

type Rating struct {
	TransactionID  int64   `json:"transaction_id"`
	Rating         float64 `json:"rating"`
	Feedback       string  `json:"feedback,omitempty"`
	WouldHireAgain bool    `json:"would_hire_again,omitempty"`
}

type RatingResult struct {
	Agent     string  `json:"agent"`
	NewRating float64 `json:"new_rating"`
	TotalJobs int     `json:"total_jobs"`
}

type Escrow struct {
	JobID       string   `json:"job_id"`
	BuyerID     string   `json:"buyer_id"`
	SellerID    string   `json:"seller_id,omitempty"`
	MaxPrice    float64  `json:"max_price"`
	ActualPrice *float64 `json:"actual_price,omitempty"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
	SettledAt   string   `json:"settled_at,omitempty"`
}

type Settlement struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	PaidToSeller    float64 `json:"paid_to_seller"`
	RefundedToBuyer float64 `json:"refunded_to_buyer"`
}

type Wallet struct {
	AgentID string  `json:"agent_id"`
	Balance float64 `json:"balance"`
	Exact   string  `json:"balance_exact"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsNotFound matches both unknown agents/transactions and unknown escrows.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Register creates or updates an agent listing.
func (c *Client) Register(ctx context.Context, name, endpoint, capability string, price float64) (Agent, error) {
	body := map[string]any{
		"name":       name,
		"url":        endpoint,
		"capability": capability,
		"price":      price,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", body, &resp)
	return resp, err
}

// Agents lists agents, optionally for one capability.
func (c *Client) Agents(ctx context.Context, capability string) ([]Agent, error) {
	endpoint := "agents"
	if capability != "" {
		endpoint += "?capability=" + url.QueryEscape(capability)
	}
	var resp []Agent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Agent(ctx context.Context, name string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// Search ranks agents for a capability.
func (c *Client) Search(ctx context.Context, p SearchParams) ([]Agent, error) {
	q := url.Values{}
	q.Set("capability", p.Capability)
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if w := p.Weights; w != nil {
		q.Set("price_weight", formatFloat(w.Price))
		q.Set("quality_weight", formatFloat(w.Quality))
		q.Set("speed_weight", formatFloat(w.Speed))
		q.Set("reliability_weight", formatFloat(w.Reliability))
	}
	if p.MaxPrice != nil {
		q.Set("max_price", formatFloat(*p.MaxPrice))
	}
	if p.MinRating != nil {
		q.Set("min_rating", formatFloat(*p.MinRating))
	}
	if len(p.Exclude) > 0 {
		q.Set("exclude", strings.Join(p.Exclude, ","))
	}
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "search?"+q.Encode(), nil, &resp)
	return resp, err
}

// ReportTransaction journals a finished hire and updates the seller's reputation.
func (c *Client) ReportTransaction(ctx context.Context, r Report) (ReportResult, error) {
	var resp ReportResult
	err := c.do(ctx, http.MethodPost, "transactions", r, &resp)
	return resp, err
}

// Rate submits the single rating allowed for a transaction.
func (c *Client) Rate(ctx context.Context, r Rating) (RatingResult, error) {
	var resp RatingResult
	err := c.do(ctx, http.MethodPost, "ratings", r, &resp)
	return resp, err
}

// CreateEscrow locks maxPrice from the buyer's wallet against jobID.
func (c *Client) CreateEscrow(ctx context.Context, jobID, buyerID string, maxPrice float64) (Escrow, error) {
	body := map[string]any{
		"job_id":    jobID,
		"buyer_id":  buyerID,
		"max_price": maxPrice,
	}
	var resp Escrow
	err := c.do(ctx, http.MethodPost, "escrows", body, &resp)
	return resp, err
}

// ReleaseEscrow pays the seller. An overcharge fails with code
// overcharge_detected after the buyer has been refunded.
func (c *Client) ReleaseEscrow(ctx context.Context, jobID, sellerID string, actualPrice float64) (Settlement, error) {
	body := map[string]any{
		"seller_id":    sellerID,
		"actual_price": actualPrice,
	}
	var resp Settlement
	err := c.do(ctx, http.MethodPost, "escrows/"+url.PathEscape(jobID)+"/release", body, &resp)
	return resp, err
}

func (c *Client) RefundEscrow(ctx context.Context, jobID string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodPost, "escrows/"+url.PathEscape(jobID)+"/refund", nil, &resp)
	return resp, err
}

func (c *Client) Escrow(ctx context.Context, jobID string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodGet, "escrows/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context, agentID string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodGet, "wallets/"+url.PathEscape(agentID), nil, &resp)
	return resp, err
}

// Deposit credits a wallet; the registry requires the admin role.
func (c *Client) Deposit(ctx context.Context, agentID string, amount float64) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPost, "wallets/"+url.PathEscape(agentID)+"/deposit", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// EventsPage returns events after the cursor.
func (c *Client) EventsPage(ctx context.Context, afterID int64, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin mints a token on registries running with a JWT secret.
func (c *Client) DevLogin(ctx context.Context, agentID string, roles []string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"agent_id": agentID, "roles": roles}, &resp)
	return resp.Token, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
