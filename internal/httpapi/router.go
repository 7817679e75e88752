// Package httpapi wires the admission pipeline, capacity manager and abuse
// detector into a gin router: the POST /mint family, the read-only
// capacity and abuse-stats endpoints, the administrative ban/whitelist
// endpoints, and the three health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/x402-foundation/mint-gateway/internal/abuse"
	"github.com/x402-foundation/mint-gateway/internal/admission"
	"github.com/x402-foundation/mint-gateway/internal/capacity"
	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

// DeadlineChecker is the surface capacityHandler needs to enforce the same
// expired-token 410 the mint pipeline applies. Implemented by
// *deadline.Cache.
type DeadlineChecker interface {
	IsExpired(ctx context.Context, tokenKey string) (bool, error)
}

// mintRequestSchema validates the shape of the POST /mint body before it
// ever reaches gwtypes.MintRequest.Validate, catching type mismatches
// (e.g. a numeric tokenAddress) that a plain struct bind would coerce
// silently.
var mintRequestSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["tokenAddress", "recipients"],
	"properties": {
		"tokenAddress": {"type": "string", "minLength": 1},
		"recipients": {
			"type": "array",
			"minItems": 1,
			"maxItems": 100,
			"items": {"type": "string"}
		}
	}
}`)

// Deps bundles every collaborator the router needs.
type Deps struct {
	Pipeline           *admission.Pipeline
	CapacityManager    *capacity.Manager
	Deadlines          DeadlineChecker
	AbuseDetector      *abuse.Detector
	InternalSecret     string // opaque path segment for /internal/mint/<secret>
	CORSOrigins        []string
	Log                *zap.Logger
	StartedAt          time.Time
	KVHealthy          func() bool
	FacilitatorHealthy func(ctx context.Context) error
}

// NewRouter builds the gin engine with every endpoint from the external
// interface wired to Deps.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(deps.Log))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     deps.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Payment"},
		ExposeHeaders:    []string{"X-Payment-Response", "X-Payment-Options"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.POST("/mint", mintHandler(deps, false))
	if deps.InternalSecret != "" {
		r.POST("/internal/mint/"+deps.InternalSecret, mintHandler(deps, true))
	}

	r.GET("/capacity/:tokenAddress", capacityHandler(deps))

	r.GET("/abuse/stats/:identifier", abuseStatsHandler(deps))
	r.POST("/abuse/ban", abuseBanHandler(deps))
	r.POST("/abuse/unban", abuseUnbanHandler(deps))
	r.POST("/abuse/whitelist/add", abuseWhitelistAddHandler(deps))
	r.POST("/abuse/whitelist/remove", abuseWhitelistRemoveHandler(deps))

	r.GET("/health", healthHandler(deps))
	r.GET("/payment/health", paymentHealthHandler(deps))
	r.GET("/kv/health", kvHealthHandler(deps))

	return r
}

func mintHandler(deps Deps, internal bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		result, err := gojsonschema.Validate(mintRequestSchema, gojsonschema.NewBytesLoader(raw))
		if err != nil || !result.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed mint request"})
			return
		}

		var body gwtypes.MintRequest
		if err := json.Unmarshal(raw, &body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed mint request"})
			return
		}

		req := admission.Request{
			Mint:          body,
			PaymentHeader: c.GetHeader("X-Payment"),
			Identifier:    gwtypes.Identifier{IP: c.ClientIP()},
			SkipRateLimit: internal,
		}

		resp := deps.Pipeline.HandleMint(c.Request.Context(), req)
		writeResponse(c, resp)
	}
}

func writeResponse(c *gin.Context, resp admission.Response) {
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	c.JSON(resp.Status, resp.Body)
}

func capacityHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenAddress := c.Param("tokenAddress")
		if tokenAddress == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tokenAddress is required"})
			return
		}
		req := gwtypes.MintRequest{TokenAddress: tokenAddress}
		req.Normalize()
		tokenKey := req.TokenKey()

		if deps.Deadlines != nil {
			expired, err := deps.Deadlines.IsExpired(c.Request.Context(), tokenKey)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "deadline check failed"})
				return
			}
			if expired {
				c.JSON(http.StatusGone, gin.H{"error": "Token deployment period has ended"})
				return
			}
		}

		info, err := deps.CapacityManager.Check(c.Request.Context(), tokenKey)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capacity check failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"capacity": gin.H{
				"max":        info.MaxMintCount,
				"current":    info.CurrentMintCount,
				"pending":    info.PendingCount,
				"available":  info.AvailableSlots(),
				"percentage": info.Percentage(),
			},
		})
	}
}

func healthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(deps.StartedAt).String(),
		})
	}
}

func paymentHealthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.FacilitatorHealthy == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		if err := deps.FacilitatorHealthy(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func kvHealthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.KVHealthy == nil || deps.KVHealthy() {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
	}
}

func abuseStatsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := c.Param("identifier")
		stats, err := deps.AbuseDetector.GetStats(c.Request.Context(), identifier)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to read abuse stats"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

type banRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Reason     string `json:"reason"`
	DurationS  int    `json:"durationSeconds"`
}

func abuseBanHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req banRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is required"})
			return
		}
		duration := time.Duration(req.DurationS) * time.Second
		if err := deps.AbuseDetector.ManualBan(c.Request.Context(), req.Identifier, req.Reason, duration); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to apply ban"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type identifierRequest struct {
	Identifier string `json:"identifier" binding:"required"`
}

func abuseUnbanHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req identifierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is required"})
			return
		}
		if err := deps.AbuseDetector.Unban(c.Request.Context(), req.Identifier); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to unban"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func abuseWhitelistAddHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req identifierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is required"})
			return
		}
		if err := deps.AbuseDetector.AddToWhitelist(c.Request.Context(), req.Identifier); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to whitelist"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func abuseWhitelistRemoveHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req identifierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is required"})
			return
		}
		if err := deps.AbuseDetector.RemoveFromWhitelist(c.Request.Context(), req.Identifier); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to remove from whitelist"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
