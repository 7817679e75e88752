// Package gwtypes holds the request-lifecycle data model shared by every
// component of the mint gateway: the payment challenge and authorization
// envelopes, the mint request body, capacity snapshots and the coalescer's
// settle items.
package gwtypes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PaymentChallenge is the x402-style "exact" scheme challenge sent back to
// a client that has not yet supplied a payment authorization. It is derived
// per request and never persisted.
type PaymentChallenge struct {
	Scheme             string `json:"scheme"`
	Network            string `json:"network"`
	AssetAddress       string `json:"assetAddress"`
	PayeeAddress       string `json:"payeeAddress"`
	AmountMinorUnits   string `json:"amountMinorUnits"`
	AssetName          string `json:"assetName"`
	AssetDomainVersion string `json:"assetDomainVersion"`
	MaxTimeoutSeconds  int    `json:"maxTimeoutSeconds"`
}

// Header encodes the challenge into the X-Payment-Options header value:
// scheme="exact", network="bsc", token="0x…", payee="0x…", amount="10000000"
func (c PaymentChallenge) Header() string {
	return fmt.Sprintf(
		`scheme=%q, network=%q, token=%q, payee=%q, amount=%q`,
		c.Scheme, c.Network, c.AssetAddress, c.PayeeAddress, c.AmountMinorUnits,
	)
}

// PaymentAuthorization is the decoded, semantic form of the opaque
// X-Payment header the client returns after seeing a challenge.
type PaymentAuthorization struct {
	FromAddress           string `json:"fromAddress"`
	ToAddress             string `json:"toAddress"`
	ValueMinorUnits       string `json:"valueMinorUnits"`
	Nonce                 string `json:"nonce"`
	ValidAfter            int64  `json:"validAfter"`
	ValidBefore           int64  `json:"validBefore"`
	Signature             string `json:"signature"`
	ChainID               int64  `json:"chainId"`
	AssetContractAddress  string `json:"assetContractAddress"`
}

// DecodePaymentHeader base64-decodes and unmarshals the X-Payment header
// value into a PaymentAuthorization. The header is otherwise opaque to the
// gateway; semantic validation is the facilitator's job.
func DecodePaymentHeader(header string) (*PaymentAuthorization, error) {
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode payment header: %w", err)
	}
	var auth PaymentAuthorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, fmt.Errorf("unmarshal payment header: %w", err)
	}
	return &auth, nil
}

// MintRequest is the JSON body of POST /mint and its internal-path twin.
type MintRequest struct {
	TokenAddress string   `json:"tokenAddress"`
	Recipients   []string `json:"recipients"`
}

// Normalize trims the token address, leaving Recipients untouched (order and
// duplicates are preserved). The lowercased lookup key comes from TokenKey.
func (r *MintRequest) Normalize() {
	r.TokenAddress = strings.TrimSpace(r.TokenAddress)
}

// TokenKey returns the lowercased token address used for cache and Redis keys.
func (r *MintRequest) TokenKey() string {
	return strings.ToLower(r.TokenAddress)
}

// Validate enforces the field-level invariants from the data model:
// tokenAddress trimmed non-empty, recipients length in [1, 100].
func (r *MintRequest) Validate() error {
	if r.TokenAddress == "" {
		return fmt.Errorf("tokenAddress is required")
	}
	if len(r.Recipients) < 1 || len(r.Recipients) > 100 {
		return fmt.Errorf("recipients must contain between 1 and 100 entries")
	}
	return nil
}

// CapacityInfo is a computed, per-request snapshot of a token's remaining
// mint capacity. It is never persisted.
type CapacityInfo struct {
	MaxMintCount     uint64
	CurrentMintCount uint64
	PendingCount     uint64
}

// AvailableSlots returns max - current - pending, floored at zero.
func (c CapacityInfo) AvailableSlots() uint64 {
	used := c.CurrentMintCount + c.PendingCount
	if used >= c.MaxMintCount {
		return 0
	}
	return c.MaxMintCount - used
}

// Percentage returns the fraction of capacity consumed, in [0, 1].
func (c CapacityInfo) Percentage() float64 {
	if c.MaxMintCount == 0 {
		return 1
	}
	used := float64(c.CurrentMintCount + c.PendingCount)
	if used >= float64(c.MaxMintCount) {
		return 1
	}
	return used / float64(c.MaxMintCount)
}

// VerifyResult is the facilitator's response to a single-item verify call.
type VerifyResult struct {
	IsValid       bool
	InvalidReason string
}

// SettleResult is the per-item outcome demultiplexed out of a batch settle.
type SettleResult struct {
	Success         bool
	TransactionHash string
	Reason          string
}

// SettleItem is one coalescer queue entry: an enqueued settlement waiting
// for the next flush, plus the completion channel its caller blocks on.
type SettleItem struct {
	RequestID     string
	Authorization *PaymentAuthorization
	Challenge     PaymentChallenge
	EnqueuedAt    time.Time
	done          chan settleOutcome
}

type settleOutcome struct {
	result SettleResult
	err    error
}

// NewSettleItem constructs a SettleItem with its completion channel armed.
func NewSettleItem(requestID string, auth *PaymentAuthorization, challenge PaymentChallenge) *SettleItem {
	return &SettleItem{
		RequestID:     requestID,
		Authorization: auth,
		Challenge:     challenge,
		EnqueuedAt:    time.Now(),
		done:          make(chan settleOutcome, 1),
	}
}

// Complete resolves the item with a settlement result.
func (s *SettleItem) Complete(result SettleResult) {
	s.done <- settleOutcome{result: result}
}

// Fail resolves the item with an error (timeout, transport failure, shutdown).
func (s *SettleItem) Fail(err error) {
	s.done <- settleOutcome{err: err}
}

// Wait blocks until the item is resolved or the context is cancelled.
func (s *SettleItem) Wait(ctx context.Context) (SettleResult, error) {
	select {
	case outcome := <-s.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return SettleResult{}, ctx.Err()
	}
}

// Identifier builds the canonical abuse-detector key forms.
type Identifier struct {
	Addr string
	IP   string
}

// AddrIP renders "addr:<lower-hex>_ip:<ip>".
func (id Identifier) AddrIP() string {
	return fmt.Sprintf("addr:%s_ip:%s", strings.ToLower(id.Addr), id.IP)
}

// AddrOnly renders "addr:<lower-hex>".
func (id Identifier) AddrOnly() string {
	return fmt.Sprintf("addr:%s", strings.ToLower(id.Addr))
}

// IPOnly renders "ip:<ip>".
func (id Identifier) IPOnly() string {
	return fmt.Sprintf("ip:%s", id.IP)
}

// IPExpired renders the sub-counter identifier for repeated requests
// against expired tokens: "ip:<ip>:expired".
func IPExpired(ip string) string {
	return fmt.Sprintf("ip:%s:expired", ip)
}
