// Package rest is a generic paginated REST data source for operations.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/operations-engine/internal/connection"
	"github.com/atmx/operations-engine/internal/model"
	"github.com/atmx/operations-engine/internal/normalize"
	"github.com/atmx/operations-engine/internal/source"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second

	// DefaultOperationState restricts FetchPage to executed operations.
	DefaultOperationState = "OPERATION_STATE_EXECUTED"
)

var (
	ErrNoToken      = errors.New("rest: broker token not configured")
	ErrUnauthorized = errors.New("rest: broker rejected credentials")
)

// Client talks to the broker API. It implements ingest.Source,
// normalize.InstrumentResolver and source.Accounts.
type Client struct {
	baseURL    string
	token      string
	opState    string
	httpClient *http.Client
	limiter    *rate.Limiter
	state      *connection.State
	account    source.AccountPin
	logger     *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit sets the rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithOperationState sets the state filter sent with FetchPage. An empty
// state requests operations in every state.
func WithOperationState(state string) ClientOption {
	return func(c *Client) {
		c.opState = state
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client. Connection changes are written to state.
func NewClient(baseURL, token string, state *connection.State, opts ...ClientOption) *Client {
	if state == nil {
		state = connection.NewState(nil)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		opState: DefaultOperationState,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		state:   state,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the broker.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rest: broker API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Connect verifies the credentials, selects the first account unless the
// current selection still exists, and marks the source connected.
// Rejected credentials or an account-less user mark it disconnected.
func (c *Client) Connect(ctx context.Context) error {
	if c.token == "" {
		c.state.Set(false)
		return ErrNoToken
	}

	accounts, err := c.Accounts(ctx)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			c.state.Set(false)
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return err
	}
	if len(accounts) == 0 {
		c.state.Set(false)
		return source.ErrNoAccounts
	}
	if !source.ContainsAccount(accounts, c.account.Selected()) {
		c.account.Select(accounts[0].ID)
	}

	c.state.Set(true)
	return nil
}

// Disconnect marks the source disconnected and forgets the selected account.
func (c *Client) Disconnect() {
	c.account.Clear()
	c.state.Set(false)
}

// Accounts lists the user's accounts.
func (c *Client) Accounts(ctx context.Context) ([]model.Account, error) {
	var resp accountsResponse
	if err := c.get(ctx, "/accounts", &resp); err != nil {
		return nil, err
	}
	out := make([]model.Account, len(resp.Accounts))
	for i, a := range resp.Accounts {
		out[i] = a.toAccount()
	}
	return out, nil
}

// SelectAccount checks id against the broker's account list.
func (c *Client) SelectAccount(ctx context.Context, id string) error {
	accounts, err := c.Accounts(ctx)
	if err != nil {
		return err
	}
	if !source.ContainsAccount(accounts, id) {
		return fmt.Errorf("%w: %s", source.ErrUnknownAccount, id)
	}
	c.account.Select(id)
	return nil
}

func (c *Client) SelectedAccount() string {
	return c.account.Selected()
}

// Portfolio reads the positions of the selected account. Names and tickers
// are left to the caller's instrument resolver.
func (c *Client) Portfolio(ctx context.Context) (model.Portfolio, error) {
	accountID := c.account.Selected()
	q := url.Values{}
	if accountID != "" {
		q.Set("account_id", accountID)
	}

	var resp portfolioResponse
	if err := c.get(ctx, "/portfolio?"+q.Encode(), &resp); err != nil {
		return model.Portfolio{}, err
	}

	currency := resp.Currency
	if currency == "" {
		currency = resp.TotalAmountPortfolio.Currency
	}
	positions := make([]model.Position, len(resp.Positions))
	for i, p := range resp.Positions {
		positions[i] = p.toPosition()
	}

	out := source.NewPortfolio(accountID, currency, positions, time.Now().UTC())
	if !resp.TotalAmountPortfolio.IsZero() {
		out.TotalValue = resp.TotalAmountPortfolio.Decimal
	}
	if !resp.ExpectedYield.IsZero() {
		out.ExpectedYield = resp.ExpectedYield.Decimal
	}
	return out, nil
}

// IsAvailable reports the shared connection state.
func (c *Client) IsAvailable() bool {
	return c.state.Connected()
}

// FetchPage requests one page of operations in [from, to] for the account
// pinned to the current cycle.
//
// Records are decoded one by one. A record that does not decode is passed
// on without a date so the normalizer drops and counts it; the rest of the
// page is kept.
func (c *Client) FetchPage(ctx context.Context, from, to time.Time, page, pageSize int) ([]model.RawOperation, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if account := c.account.ForPage(page); account != "" {
		q.Set("account_id", account)
	}
	if c.opState != "" {
		q.Set("state", c.opState)
	}

	var resp operationsResponse
	if err := c.get(ctx, "/operations?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	out := make([]model.RawOperation, len(resp.Operations))
	for i, msg := range resp.Operations {
		var op operationData
		if err := json.Unmarshal(msg, &op); err != nil {
			var id struct {
				ID string `json:"id"`
			}
			json.Unmarshal(msg, &id)
			c.logger.Warn("undecodable operation record", "page", page, "index", i, "id", id.ID, "err", err)
			out[i] = model.RawOperation{ID: id.ID}
			continue
		}
		out[i] = op.toRaw()
	}
	return out, nil
}

// Resolve looks up instrument metadata.
func (c *Client) Resolve(ctx context.Context, instrumentID string) (normalize.Instrument, error) {
	var resp instrumentResponse
	if err := c.get(ctx, "/instruments/"+url.PathEscape(instrumentID), &resp); err != nil {
		return normalize.Instrument{}, err
	}
	return normalize.Instrument{
		Symbol: resp.Ticker,
		Name:   resp.Name,
		Type:   resp.InstrumentType,
	}, nil
}

// get performs a rate-limited GET request.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("broker API request", "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type operationsResponse struct {
	Operations []json.RawMessage `json:"operations"`
}

type operationData struct {
	ID             string `json:"id"`
	Date           string `json:"date"`
	OperationType  string `json:"operation_type"`
	InstrumentID   string `json:"instrument_id"`
	InstrumentType string `json:"instrument_type"`
	Quantity       Money  `json:"quantity"`
	Price          Money  `json:"price"`
	Payment        Money  `json:"payment"`
	Currency       string `json:"currency"`
	State          string `json:"state"`
}

// toRaw never fails: an unparseable date is left zero and the record is
// rejected later by the normalizer.
func (d operationData) toRaw() model.RawOperation {
	date, _ := time.Parse(time.RFC3339Nano, d.Date)
	currency := d.Currency
	if currency == "" {
		currency = d.Payment.Currency
	}
	return model.RawOperation{
		ID:             d.ID,
		Date:           date,
		OperationType:  d.OperationType,
		InstrumentID:   d.InstrumentID,
		InstrumentType: d.InstrumentType,
		Quantity:       d.Quantity.Decimal,
		Price:          d.Price.Decimal,
		Payment:        d.Payment.Decimal,
		Currency:       currency,
		State:          d.State,
	}
}

type instrumentResponse struct {
	Ticker         string `json:"ticker"`
	Name           string `json:"name"`
	InstrumentType string `json:"instrument_type"`
}

type accountsResponse struct {
	Accounts []accountData `json:"accounts"`
}

type accountData struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	OpenedDate string `json:"opened_date"`
}

func (a accountData) toAccount() model.Account {
	opened, _ := time.Parse(time.RFC3339Nano, a.OpenedDate)
	return model.Account{
		ID:       a.ID,
		Type:     normalize.AccountTypeLabel(a.Type),
		Name:     a.Name,
		Status:   normalize.AccountStatusLabel(a.Status),
		OpenedAt: opened,
	}
}

type portfolioResponse struct {
	TotalAmountPortfolio Money          `json:"total_amount_portfolio"`
	ExpectedYield        Money          `json:"expected_yield"`
	Currency             string         `json:"currency"`
	Positions            []positionData `json:"positions"`
}

type positionData struct {
	InstrumentID         string `json:"instrument_id"`
	InstrumentType       string `json:"instrument_type"`
	Quantity             Money  `json:"quantity"`
	AveragePositionPrice Money  `json:"average_position_price"`
	CurrentPrice         Money  `json:"current_price"`
	ExpectedYield        Money  `json:"expected_yield"`
}

func (p positionData) toPosition() model.Position {
	currency := p.CurrentPrice.Currency
	if currency == "" {
		currency = p.AveragePositionPrice.Currency
	}
	return model.Position{
		InstrumentID:   p.InstrumentID,
		InstrumentType: p.InstrumentType,
		Quantity:       p.Quantity.Decimal,
		AveragePrice:   p.AveragePositionPrice.Decimal,
		CurrentPrice:   p.CurrentPrice.Decimal,
		ExpectedYield:  p.ExpectedYield.Decimal,
		Currency:       currency,
	}
}
