// Package admission implements the payment admission pipeline: the
// strictly ordered state machine that takes one POST /mint request from
// parse through challenge, verify, rate-limit, capacity reserve, batched
// settle and, on any failure from the reservation point onward, a
// compensating release.
package admission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

// AbuseRecorder is the abuse-detection surface the pipeline depends on.
// Implemented by *abuse.Detector. RecordRequest returns the number of
// seconds until an active ban expires so callers can populate Retry-After.
type AbuseRecorder interface {
	RecordRequest(ctx context.Context, identifier string) (banned bool, retryAfterSeconds int, err error)
}

// DeadlineChecker is the token-deadline surface the pipeline depends on.
// Implemented by *deadline.Cache.
type DeadlineChecker interface {
	IsExpired(ctx context.Context, tokenKey string) (bool, error)
}

// CapacityChecker is the capacity-management surface the pipeline depends
// on. Implemented by *capacity.Manager.
type CapacityChecker interface {
	Check(ctx context.Context, tokenKey string) (gwtypes.CapacityInfo, error)
	Reserve(ctx context.Context, tokenKey string, slots uint64) (gwtypes.CapacityInfo, bool, error)
	Release(ctx context.Context, tokenKey string, slots uint64) error
}

// Verifier is the facilitator surface the pipeline calls directly at step
// 6, distinct from the coalescer's own re-verify call at flush time.
type Verifier interface {
	Verify(ctx context.Context, auth *gwtypes.PaymentAuthorization, challenge gwtypes.PaymentChallenge) (gwtypes.VerifyResult, error)
}

// Settler enqueues a payment authorization for batched settlement.
type Settler interface {
	Enqueue(ctx context.Context, item *gwtypes.SettleItem) (gwtypes.SettleResult, error)
}

// ChallengeTemplate holds the fixed parameters advertised in every 402
// response for the "exact" payment scheme.
type ChallengeTemplate struct {
	Network           string
	AssetName         string
	AssetVersion      string
	PriceMinorUnits   string
	MaxTimeoutSeconds int
}

// Options bounds every outbound call the pipeline makes on behalf of one
// request.
type Options struct {
	VerifyTimeout  time.Duration
	SettleTimeout  time.Duration
	MaxRequests    int
	Window         time.Duration
}

func (o Options) withDefaults() Options {
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = 60 * time.Second
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 180 * time.Second
	}
	return o
}

// Pipeline orchestrates one mint request end to end.
type Pipeline struct {
	deadlines DeadlineChecker
	abuseDet  AbuseRecorder
	capacity  CapacityChecker
	settler   Settler
	verifier  Verifier
	template  ChallengeTemplate
	opts      Options
	log       *zap.Logger
}

// New constructs an admission pipeline from its collaborators.
func New(
	deadlines DeadlineChecker,
	abuseDet AbuseRecorder,
	capacityMgr CapacityChecker,
	settler Settler,
	verifier Verifier,
	template ChallengeTemplate,
	opts Options,
	log *zap.Logger,
) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		deadlines: deadlines,
		abuseDet:  abuseDet,
		capacity:  capacityMgr,
		settler:   settler,
		verifier:  verifier,
		template:  template,
		opts:      opts.withDefaults(),
		log:       log,
	}
}

// Response is the fully-formed HTTP response the pipeline hands back to
// the HTTP surface, independent of any particular web framework.
type Response struct {
	Status  int
	Body    map[string]any
	Headers map[string]string
}

// Request bundles everything the pipeline needs to process one mint call.
type Request struct {
	Mint          gwtypes.MintRequest
	PaymentHeader string
	Identifier    gwtypes.Identifier
	SkipRateLimit bool // true on the hidden internal path
}

// HandleMint runs the full admission state machine for one request.
func (p *Pipeline) HandleMint(ctx context.Context, req Request) Response {
	// Step 1: parse & validate.
	req.Mint.Normalize()
	if err := req.Mint.Validate(); err != nil {
		return errorResponse(gwtypes.New(gwtypes.KindMalformedRequest, err.Error()))
	}
	tokenKey := req.Mint.TokenKey()
	n := uint64(len(req.Mint.Recipients))

	// Step 3: deadline check.
	expired, err := p.deadlines.IsExpired(ctx, tokenKey)
	if err != nil {
		return errorResponse(gwtypes.Wrap(gwtypes.KindDependencyUnavailable, "failed to read token deadline", err))
	}
	if expired {
		return p.handleExpiredToken(ctx, req.Identifier)
	}

	challenge := p.buildChallenge(req.Mint.TokenAddress)

	// Step 4: challenge or proceed.
	if req.PaymentHeader == "" {
		return Response{
			Status: 402,
			Body: map[string]any{
				"price":        p.template.PriceMinorUnits,
				"amount":       p.template.PriceMinorUnits,
				"payTo":        req.Mint.TokenAddress,
				"token":        req.Mint.TokenAddress,
				"tokenName":    p.template.AssetName,
				"tokenVersion": p.template.AssetVersion,
				"network":      p.template.Network,
			},
			Headers: map[string]string{"X-Payment-Options": challenge.Header()},
		}
	}

	// Step 5: decode header.
	auth, err := gwtypes.DecodePaymentHeader(req.PaymentHeader)
	if err != nil {
		return errorResponse(gwtypes.Wrap(gwtypes.KindMalformedRequest, "malformed payment header", err))
	}

	abuseID := gwtypes.Identifier{Addr: auth.FromAddress, IP: req.Identifier.IP}.AddrIP()

	// Step 6: verify.
	verifyCtx, cancel := context.WithTimeout(ctx, p.opts.VerifyTimeout)
	result, err := p.verifier.Verify(verifyCtx, auth, challenge)
	cancel()
	if err != nil {
		p.tickAbuse(ctx, abuseID)
		if errors.Is(err, context.DeadlineExceeded) {
			return errorResponse(gwtypes.Wrap(gwtypes.KindFacilitatorTransport, "verify timed out", err))
		}
		return errorResponse(gwtypes.Wrap(gwtypes.KindFacilitatorTransport, "verify request failed", err))
	}
	if !result.IsValid {
		p.tickAbuse(ctx, abuseID)
		gwErr := gwtypes.New(gwtypes.KindPaymentInvalid, result.InvalidReason).WithReason(result.InvalidReason)
		return errorResponse(gwErr)
	}

	// Step 7: rate-limit valid payments (skippable on the hidden path).
	if !req.SkipRateLimit {
		banned, retryAfter, err := p.abuseDet.RecordRequest(ctx, abuseID)
		if err != nil {
			p.log.Warn("admission: rate-limit tick failed", zap.Error(err))
		}
		if banned {
			gwErr := gwtypes.New(gwtypes.KindRateLimited, "Rate limit exceeded")
			if retryAfter > 0 {
				gwErr = gwErr.WithRetryAfter(retryAfter)
			}
			return errorResponse(gwErr)
		}
	}

	// Step 8: capacity check.
	info, err := p.capacity.Check(ctx, tokenKey)
	if err != nil {
		return errorResponse(gwtypes.Wrap(gwtypes.KindCapacityCheckFailed, "capacity check failed", err))
	}
	if info.AvailableSlots() < n {
		return Response{
			Status: 429,
			Body: map[string]any{
				"error":     "Mint capacity exceeded",
				"available": info.AvailableSlots(),
			},
		}
	}

	// Step 9: capacity reserve.
	_, reserved, err := p.capacity.Reserve(ctx, tokenKey, n)
	if err != nil {
		return errorResponse(gwtypes.Wrap(gwtypes.KindCapacityCheckFailed, "capacity reservation failed", err))
	}
	if !reserved {
		return Response{
			Status: 429,
			Body:   map[string]any{"error": "Mint capacity exceeded"},
		}
	}

	release := func() {
		if err := p.capacity.Release(ctx, tokenKey, n); err != nil {
			p.log.Error("admission: failed to release capacity reservation", zap.String("token", tokenKey), zap.Error(err))
		}
	}

	// Step 10: settle via coalescer.
	item := gwtypes.NewSettleItem(newRequestID(), auth, challenge)
	settleCtx, cancel := context.WithTimeout(ctx, p.opts.SettleTimeout)
	settleResult, err := p.settler.Enqueue(settleCtx, item)
	cancel()

	if err != nil {
		release()
		if errors.Is(err, context.DeadlineExceeded) {
			return errorResponse(gwtypes.Wrap(gwtypes.KindCoalescerTimeout, "settlement timed out", err))
		}
		return errorResponse(gwtypes.Wrap(gwtypes.KindFacilitatorTransport, "settlement transport failed", err))
	}

	if !settleResult.Success {
		release()
		switch settleResult.Reason {
		case gwtypes.ReasonMempoolCapacityExceeded:
			gwErr := gwtypes.New(gwtypes.KindPaymentInvalid, settleResult.Reason).WithReason(settleResult.Reason).MarkPostReserve()
			return errorResponse(gwErr)
		case gwtypes.ReasonChainQueryFailed:
			return errorResponse(gwtypes.New(gwtypes.KindCoalescerTimeout, settleResult.Reason).WithReason(gwtypes.ReasonChainQueryFailed))
		default:
			return errorResponse(gwtypes.New(gwtypes.KindInternal, settleResult.Reason).WithReason(settleResult.Reason))
		}
	}

	if settleResult.TransactionHash == "" {
		release()
		return errorResponse(gwtypes.New(gwtypes.KindInternal, "settlement succeeded without a transaction hash"))
	}

	// Step 11: release the reservation now that settlement has confirmed.
	release()

	// Step 12: respond.
	return Response{
		Status: 200,
		Body: map[string]any{
			"success":       true,
			"paymentTxHash": settleResult.TransactionHash,
			"recipients":    len(req.Mint.Recipients),
			"message":       "payment settled",
		},
		Headers: map[string]string{"X-Payment-Response": settleResult.TransactionHash},
	}
}

func (p *Pipeline) handleExpiredToken(ctx context.Context, id gwtypes.Identifier) Response {
	expiredID := gwtypes.IPExpired(id.IP)
	banned, _, err := p.abuseDet.RecordRequest(ctx, expiredID)
	if err != nil {
		p.log.Warn("admission: expired-token tick failed", zap.Error(err))
	}
	if banned {
		return Response{
			Status: 410,
			Body:   map[string]any{"error": "Token deployment period has ended"},
		}
	}
	return Response{
		Status: 410,
		Body: map[string]any{
			"error":   "Token deployment period has ended",
			"expired": true,
		},
	}
}

func (p *Pipeline) tickAbuse(ctx context.Context, id string) {
	if _, _, err := p.abuseDet.RecordRequest(ctx, id); err != nil {
		p.log.Warn("admission: abuse tick failed", zap.Error(err))
	}
}

func (p *Pipeline) buildChallenge(tokenAddress string) gwtypes.PaymentChallenge {
	return gwtypes.PaymentChallenge{
		Scheme:             "exact",
		Network:            p.template.Network,
		AssetAddress:       tokenAddress,
		PayeeAddress:       tokenAddress,
		AmountMinorUnits:   p.template.PriceMinorUnits,
		AssetName:          p.template.AssetName,
		AssetDomainVersion: p.template.AssetVersion,
		MaxTimeoutSeconds:  p.template.MaxTimeoutSeconds,
	}
}

func errorResponse(err *gwtypes.Error) Response {
	body := map[string]any{"error": err.Message}
	if err.Reason != "" {
		body["reason"] = err.Reason
	}
	headers := map[string]string{}
	if err.RetryAfter > 0 {
		headers["Retry-After"] = itoa(err.RetryAfter)
	}
	return Response{Status: err.HTTPStatus(), Body: body, Headers: headers}
}
