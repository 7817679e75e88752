// Package facilitator implements the HTTP client to the external x402
// facilitator service: single-item verification, batched settlement, and a
// health check, each with its own request timeout. Outbound calls are
// paced by a leaky-bucket limiter so a burst of admissions cannot overrun
// the facilitator's own rate limits.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/ratelimit"

	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

const (
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// settleRequestItem is the facilitator's payload/requirements envelope,
// shared by /verify (one item) and /settle/batch (many, waitForConfirmation
// forced true so the caller doesn't have to poll).
type settleRequestItem struct {
	PaymentPayload      *gwtypes.PaymentAuthorization `json:"paymentPayload"`
	PaymentRequirements gwtypes.PaymentChallenge      `json:"paymentRequirements"`
}

// settleRequest is the /settle/batch request body: one item per coalesced
// entry, in submission order.
type settleRequest struct {
	Items               []settleRequestItem `json:"items"`
	WaitForConfirmation bool                 `json:"waitForConfirmation"`
}

// settleResponse carries per-item results keyed by the submission index, so
// the coalescer can demultiplex positionally even if the facilitator
// reorders the results array itself.
type settleResponse struct {
	Success        bool                 `json:"success"`
	Results        []settleResponseItem `json:"results"`
	TotalSubmitted int                  `json:"totalSubmitted"`
	TotalSuccess   int                  `json:"totalSuccess"`
	TotalFailed    int                  `json:"totalFailed"`
}

type settleResponseItem struct {
	Index       int    `json:"index"`
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Nonce       string `json:"nonce"`
	Error       string `json:"error"`
}

// Options configures per-call timeouts and outbound pacing.
type Options struct {
	VerifyTimeout  time.Duration
	SettleTimeout  time.Duration
	GenericTimeout time.Duration
	RequestsPerSec int // 0 disables pacing
}

// Client talks to the external facilitator over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	opts       Options
	limiter    ratelimit.Limiter
}

// New constructs a facilitator client against baseURL.
func New(baseURL string, opts Options) *Client {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 60 * time.Second
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 180 * time.Second
	}
	if opts.GenericTimeout <= 0 {
		opts.GenericTimeout = 30 * time.Second
	}

	var limiter ratelimit.Limiter
	if opts.RequestsPerSec > 0 {
		limiter = ratelimit.New(opts.RequestsPerSec)
	} else {
		limiter = ratelimit.NewUnlimited()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		opts:       opts,
		limiter:    limiter,
	}
}

// Verify sends a single payment authorization to the facilitator's /verify
// endpoint and reports whether it is valid.
func (c *Client) Verify(ctx context.Context, auth *gwtypes.PaymentAuthorization, challenge gwtypes.PaymentChallenge) (gwtypes.VerifyResult, error) {
	c.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, c.opts.VerifyTimeout)
	defer cancel()

	body := settleRequestItem{PaymentPayload: auth, PaymentRequirements: challenge}
	var wire struct {
		IsValid bool   `json:"isValid"`
		Reason  string `json:"reason"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/verify", body, &wire); err != nil {
		return gwtypes.VerifyResult{}, err
	}
	return gwtypes.VerifyResult{IsValid: wire.IsValid, InvalidReason: wire.Reason}, nil
}

// SettleBatch submits a batch of items for settlement and returns their
// results in the same order they were submitted. The caller is responsible
// for matching results back to its own queue positionally.
func (c *Client) SettleBatch(ctx context.Context, items []*gwtypes.SettleItem) ([]gwtypes.SettleResult, error) {
	c.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, c.opts.SettleTimeout)
	defer cancel()

	req := settleRequest{
		Items:               make([]settleRequestItem, len(items)),
		WaitForConfirmation: true,
	}
	for i, it := range items {
		req.Items[i] = settleRequestItem{
			PaymentPayload:      it.Authorization,
			PaymentRequirements: it.Challenge,
		}
	}

	var resp settleResponse
	if err := c.doJSON(ctx, http.MethodPost, "/settle/batch", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(items) {
		return nil, fmt.Errorf("facilitator: expected %d settle results, got %d", len(items), len(resp.Results))
	}

	results := make([]gwtypes.SettleResult, len(items))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(results) {
			return nil, fmt.Errorf("facilitator: settle result index %d out of range for %d items", r.Index, len(items))
		}
		results[r.Index] = gwtypes.SettleResult{
			Success:         r.Success,
			TransactionHash: r.Transaction,
			Reason:          r.Error,
		}
	}
	return results, nil
}

// Health checks the facilitator's own health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.GenericTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("facilitator: build health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator: health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator: health check returned %s", resp.Status)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("facilitator: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("facilitator: build request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator: %s returned %s", path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("facilitator: decode response: %w", err)
	}
	return nil
}
