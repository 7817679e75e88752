package admission

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/x402-foundation/mint-gateway/internal/deadline"
	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

type fakeChain struct {
	maxCount     uint64
	currentCount uint64
	deadline     time.Time
}

func (f *fakeChain) MaxMintCount(ctx context.Context, tokenAddress string) (uint64, error) {
	return f.maxCount, nil
}
func (f *fakeChain) MintCount(ctx context.Context, tokenAddress string) (uint64, error) {
	return f.currentCount, nil
}
func (f *fakeChain) DeploymentDeadline(ctx context.Context, tokenAddress string) (time.Time, error) {
	return f.deadline, nil
}

type fakeVerifier struct {
	result gwtypes.VerifyResult
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, auth *gwtypes.PaymentAuthorization, challenge gwtypes.PaymentChallenge) (gwtypes.VerifyResult, error) {
	return f.result, f.err
}

type fakeSettler struct {
	result gwtypes.SettleResult
	err    error
}

func (f *fakeSettler) Enqueue(ctx context.Context, item *gwtypes.SettleItem) (gwtypes.SettleResult, error) {
	return f.result, f.err
}

// fakeAbuse returns a fixed ban verdict (not banned by default), so tests
// can exercise the pipeline without a live Redis.
type fakeAbuse struct {
	banned     bool
	retryAfter int
}

func (f *fakeAbuse) RecordRequest(ctx context.Context, identifier string) (bool, int, error) {
	return f.banned, f.retryAfter, nil
}

// fakeCapacity reports a fixed snapshot and accepts reservations only when
// reserveOK is set.
type fakeCapacity struct {
	info      gwtypes.CapacityInfo
	reserveOK bool
	reserved  uint64
	released  uint64
}

func (f *fakeCapacity) Check(ctx context.Context, tokenKey string) (gwtypes.CapacityInfo, error) {
	return f.info, nil
}

func (f *fakeCapacity) Reserve(ctx context.Context, tokenKey string, slots uint64) (gwtypes.CapacityInfo, bool, error) {
	if !f.reserveOK {
		return f.info, false, nil
	}
	f.reserved += slots
	return f.info, true, nil
}

func (f *fakeCapacity) Release(ctx context.Context, tokenKey string, slots uint64) error {
	f.released += slots
	return nil
}

func TestHandleMintRejectsMalformedBody(t *testing.T) {
	p := newTestPipeline(t, &fakeChain{maxCount: 100, deadline: time.Now().Add(time.Hour)}, nil, nil, nil, nil)
	resp := p.HandleMint(context.Background(), Request{
		Mint:       gwtypes.MintRequest{TokenAddress: "", Recipients: nil},
		Identifier: gwtypes.Identifier{IP: "1.2.3.4"},
	})
	if resp.Status != 400 {
		t.Fatalf("expected 400, got %d", resp.Status)
	}
}

func TestHandleMintReturnsChallengeWithoutPaymentHeader(t *testing.T) {
	p := newTestPipeline(t, &fakeChain{maxCount: 100, deadline: time.Now().Add(time.Hour)}, nil, nil, nil, nil)
	resp := p.HandleMint(context.Background(), Request{
		Mint:       gwtypes.MintRequest{TokenAddress: "0xAA", Recipients: []string{"0x01"}},
		Identifier: gwtypes.Identifier{IP: "1.2.3.4"},
	})
	if resp.Status != 402 {
		t.Fatalf("expected 402, got %d", resp.Status)
	}
	if resp.Headers["X-Payment-Options"] == "" {
		t.Fatal("expected X-Payment-Options header")
	}
}

func TestHandleMintReturns410OnExpiredToken(t *testing.T) {
	p := newTestPipeline(t, &fakeChain{maxCount: 100, deadline: time.Now().Add(-time.Hour)}, &fakeAbuse{}, nil, nil, nil)
	resp := p.HandleMint(context.Background(), Request{
		Mint:       gwtypes.MintRequest{TokenAddress: "0xAA", Recipients: []string{"0x01"}},
		Identifier: gwtypes.Identifier{IP: "9.9.9.9"},
	})
	if resp.Status != 410 {
		t.Fatalf("expected 410, got %d", resp.Status)
	}
}

func TestHandleMintSucceedsEndToEnd(t *testing.T) {
	cap := &fakeCapacity{
		info:      gwtypes.CapacityInfo{MaxMintCount: 100, CurrentMintCount: 10, PendingCount: 0},
		reserveOK: true,
	}
	settler := &fakeSettler{result: gwtypes.SettleResult{Success: true, TransactionHash: "0xdeadbeef"}}
	verifier := &fakeVerifier{result: gwtypes.VerifyResult{IsValid: true}}

	p := newTestPipeline(t, &fakeChain{maxCount: 100, deadline: time.Now().Add(time.Hour)}, &fakeAbuse{}, cap, settler, verifier)

	header := validPaymentHeader(t)
	resp := p.HandleMint(context.Background(), Request{
		Mint:          gwtypes.MintRequest{TokenAddress: "0xAA", Recipients: []string{"0x01"}},
		PaymentHeader: header,
		Identifier:    gwtypes.Identifier{IP: "1.2.3.4"},
	})

	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d body=%v", resp.Status, resp.Body)
	}
	if resp.Body["paymentTxHash"] != "0xdeadbeef" {
		t.Fatalf("expected paymentTxHash in body, got %v", resp.Body)
	}
	if cap.reserved != 1 || cap.released != 1 {
		t.Fatalf("expected reservation to be released after settlement, reserved=%d released=%d", cap.reserved, cap.released)
	}
}

func TestHandleMintReleasesCapacityOnSettleFailure(t *testing.T) {
	cap := &fakeCapacity{
		info:      gwtypes.CapacityInfo{MaxMintCount: 100, CurrentMintCount: 10, PendingCount: 0},
		reserveOK: true,
	}
	settler := &fakeSettler{result: gwtypes.SettleResult{Success: false, Reason: "signature_invalid"}}
	verifier := &fakeVerifier{result: gwtypes.VerifyResult{IsValid: true}}

	p := newTestPipeline(t, &fakeChain{maxCount: 100, deadline: time.Now().Add(time.Hour)}, &fakeAbuse{}, cap, settler, verifier)

	resp := p.HandleMint(context.Background(), Request{
		Mint:          gwtypes.MintRequest{TokenAddress: "0xAA", Recipients: []string{"0x01"}},
		PaymentHeader: validPaymentHeader(t),
		Identifier:    gwtypes.Identifier{IP: "1.2.3.4"},
	})

	if resp.Status != 500 {
		t.Fatalf("expected 500 for an unrecognized settle failure reason, got %d", resp.Status)
	}
	if cap.reserved != 1 || cap.released != 1 {
		t.Fatalf("expected the reservation to be released on settle failure, reserved=%d released=%d", cap.reserved, cap.released)
	}
}

func TestHandleMintRateLimitedIncludesRetryAfter(t *testing.T) {
	abuseDet := &fakeAbuse{banned: true, retryAfter: 45}
	p := newTestPipeline(t, &fakeChain{maxCount: 100, deadline: time.Now().Add(time.Hour)}, abuseDet, nil, nil, nil)

	resp := p.HandleMint(context.Background(), Request{
		Mint:          gwtypes.MintRequest{TokenAddress: "0xAA", Recipients: []string{"0x01"}},
		PaymentHeader: validPaymentHeader(t),
		Identifier:    gwtypes.Identifier{IP: "1.2.3.4"},
	})

	if resp.Status != 429 {
		t.Fatalf("expected 429, got %d", resp.Status)
	}
	if resp.Headers["Retry-After"] != "45" {
		t.Fatalf("expected Retry-After: 45, got %q", resp.Headers["Retry-After"])
	}
}

func TestHandleMintCapacityExceeded(t *testing.T) {
	cap := &fakeCapacity{
		info: gwtypes.CapacityInfo{MaxMintCount: 100, CurrentMintCount: 100, PendingCount: 0},
	}
	p := newTestPipeline(t, &fakeChain{maxCount: 100, deadline: time.Now().Add(time.Hour)}, &fakeAbuse{}, cap, nil, nil)

	resp := p.HandleMint(context.Background(), Request{
		Mint:          gwtypes.MintRequest{TokenAddress: "0xAA", Recipients: []string{"0x01"}},
		PaymentHeader: validPaymentHeader(t),
		Identifier:    gwtypes.Identifier{IP: "1.2.3.4"},
	})

	if resp.Status != 429 {
		t.Fatalf("expected 429, got %d", resp.Status)
	}
}

func validPaymentHeader(t *testing.T) string {
	t.Helper()
	auth := &gwtypes.PaymentAuthorization{FromAddress: "0xpayer", ToAddress: "0xAA", ValueMinorUnits: "10000000"}
	raw, err := json.Marshal(auth)
	if err != nil {
		t.Fatalf("marshal auth: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestPipeline(t *testing.T, chain *fakeChain, abuseDet AbuseRecorder, cap CapacityChecker, settler Settler, verifier Verifier) *Pipeline {
	t.Helper()
	dc := deadline.New(chain, nil)

	if verifier == nil {
		verifier = &fakeVerifier{result: gwtypes.VerifyResult{IsValid: true}}
	}
	if settler == nil {
		settler = &fakeSettler{result: gwtypes.SettleResult{Success: true, TransactionHash: "0xhash"}}
	}
	if abuseDet == nil {
		abuseDet = &fakeAbuse{}
	}
	if cap == nil {
		cap = &fakeCapacity{info: gwtypes.CapacityInfo{MaxMintCount: 100}, reserveOK: true}
	}

	return New(dc, abuseDet, cap, settler, verifier, ChallengeTemplate{
		Network:           "bsc",
		AssetName:         "USD Coin",
		AssetVersion:      "2",
		PriceMinorUnits:   "10000000",
		MaxTimeoutSeconds: 300,
	}, Options{}, nil)
}
