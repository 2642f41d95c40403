package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nikolaydubina/fpdecimal"
	"github.com/rs/zerolog"
)

// Config carries everything the venue client needs. Passed in at
// construction; nothing is read from ambient globals at call time.
type Config struct {
	BaseURL       string
	APIKey        string
	HotWalletAddr string
	HTTPTimeout   time.Duration
	MaxRetries    int
}

// DefaultConfig returns sane client defaults minus the credentials.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout: 5 * time.Second,
		MaxRetries:  3,
	}
}

// Client implements QuoteProvider and SwapExecutor against the venue's JSON
// HTTP API.
type Client struct {
	client *http.Client
	cfg    Config
	log    zerolog.Logger
}

// NewClient creates a venue client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		cfg: cfg,
		log: log.With().Str("component", "external_client").Logger(),
	}
}

type quoteResponse struct {
	Price string `json:"price"`
}

// Quote fetches the implied unit price for swapping amount of fromAsset into
// toAsset. Retries transient failures a bounded number of times.
func (c *Client) Quote(ctx context.Context, fromAsset, toAsset string, amount fpdecimal.Decimal) (fpdecimal.Decimal, error) {
	url := fmt.Sprintf("%s/v1/quote?from=%s&to=%s&amount=%s",
		c.cfg.BaseURL, fromAsset, toAsset, amount.String())

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		var resp quoteResponse
		if err := c.getJSON(ctx, url, &resp); err != nil {
			lastErr = err
			c.log.Warn().Err(err).
				Int("attempt", attempt).
				Int("max_retries", c.cfg.MaxRetries).
				Msg("quote fetch failed")
			if sleepErr := sleepCtx(ctx, time.Duration(attempt)*100*time.Millisecond); sleepErr != nil {
				return fpdecimal.Zero, sleepErr
			}
			continue
		}

		price, err := fpdecimal.FromString(resp.Price)
		if err != nil {
			return fpdecimal.Zero, fmt.Errorf("failed to parse quote price %q: %w", resp.Price, err)
		}
		if price.LessThanOrEqual(fpdecimal.Zero) {
			return fpdecimal.Zero, fmt.Errorf("venue returned non-positive price %q", resp.Price)
		}
		c.log.Debug().
			Str("from", fromAsset).
			Str("to", toAsset).
			Str("price", price.String()).
			Msg("fetched external quote")
		return price, nil
	}
	return fpdecimal.Zero, fmt.Errorf("quote failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

type buildRequest struct {
	Ref        string `json:"ref"`
	FromAsset  string `json:"from_asset"`
	ToAsset    string `json:"to_asset"`
	Amount     string `json:"amount"`
	Price      string `json:"price"`
	WalletAddr string `json:"wallet_addr"`
}

type buildResponse struct {
	Payload string `json:"payload"`
}

// Build asks the venue to construct a signable swap transaction. Each swap
// carries a fresh reference id so a retried build never double-executes.
func (c *Client) Build(ctx context.Context, quote SwapQuote) (*SwapTx, error) {
	ref := uuid.NewString()
	req := buildRequest{
		Ref:        ref,
		FromAsset:  quote.FromAsset,
		ToAsset:    quote.ToAsset,
		Amount:     quote.Amount.String(),
		Price:      quote.Price.String(),
		WalletAddr: c.cfg.HotWalletAddr,
	}

	var resp buildResponse
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/v1/swap/build", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to build swap: %w", err)
	}
	return &SwapTx{
		Ref:       ref,
		FromAsset: quote.FromAsset,
		ToAsset:   quote.ToAsset,
		Amount:    quote.Amount,
		Payload:   resp.Payload,
	}, nil
}

type executeRequest struct {
	Ref     string `json:"ref"`
	Payload string `json:"payload"`
}

type executeResponse struct {
	Success       bool   `json:"success"`
	SettledAmount string `json:"settled_amount"`
	SettledPrice  string `json:"settled_price"`
	Error         string `json:"error"`
}

// Execute signs and broadcasts the built swap and waits for the settlement
// report. Not retried: broadcast is not idempotent.
func (c *Client) Execute(ctx context.Context, tx *SwapTx) (*ExecutionResult, error) {
	var resp executeResponse
	err := c.postJSON(ctx, c.cfg.BaseURL+"/v1/swap/execute",
		executeRequest{Ref: tx.Ref, Payload: tx.Payload}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to execute swap %s: %w", tx.Ref, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("swap %s rejected by venue: %s", tx.Ref, resp.Error)
	}

	amount, err := fpdecimal.FromString(resp.SettledAmount)
	if err != nil {
		return nil, fmt.Errorf("bad settled amount %q: %w", resp.SettledAmount, err)
	}
	price, err := fpdecimal.FromString(resp.SettledPrice)
	if err != nil {
		return nil, fmt.Errorf("bad settled price %q: %w", resp.SettledPrice, err)
	}
	c.log.Info().
		Str("ref", tx.Ref).
		Str("settled_amount", amount.String()).
		Str("settled_price", price.String()).
		Msg("external swap settled")
	return &ExecutionResult{SettledAmount: amount, SettledPrice: price}, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("venue returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ QuoteProvider = (*Client)(nil)
var _ SwapExecutor = (*Client)(nil)
