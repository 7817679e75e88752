// Command gateway runs the payment-gated mint API: it loads configuration
// from the environment, wires the pooled Redis client, capacity and
// abuse-detection layers, the batch settlement coalescer and the admission
// pipeline into a gin HTTP server, and shuts down gracefully on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/x402-foundation/mint-gateway/internal/abuse"
	"github.com/x402-foundation/mint-gateway/internal/admission"
	"github.com/x402-foundation/mint-gateway/internal/capacity"
	"github.com/x402-foundation/mint-gateway/internal/chain"
	"github.com/x402-foundation/mint-gateway/internal/coalescer"
	"github.com/x402-foundation/mint-gateway/internal/config"
	"github.com/x402-foundation/mint-gateway/internal/deadline"
	"github.com/x402-foundation/mint-gateway/internal/facilitator"
	"github.com/x402-foundation/mint-gateway/internal/httpapi"
	"github.com/x402-foundation/mint-gateway/internal/kvpool"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	pool, err := kvpool.New(cfg.RedisURL, kvpool.Options{
		Min:               cfg.PoolMin,
		Max:               cfg.PoolMax,
		AcquireTimeout:    cfg.AcquireTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		PingTimeout:       cfg.PoolPingTimeout,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	}, log)
	if err != nil {
		log.Fatal("failed to construct kv pool", zap.Error(err))
	}

	chainClient, err := chain.New(cfg.ChainRPCURLs, log)
	if err != nil {
		log.Fatal("failed to construct chain client", zap.Error(err))
	}

	maxMintCache := capacity.NewMaxMintCountCache(chainClient, log)
	mintCountCache := capacity.NewMintCountCache(chainClient, cfg.MintCountCacheTTL, log)
	pendingCounter := capacity.NewPendingMintCounter(pool, cfg.PendingCounterTTL)
	capacityManager := capacity.NewManager(maxMintCache, mintCountCache, pendingCounter, log)

	deadlineCache := deadline.New(chainClient, log)

	abuseDetector := abuse.New(pool, cfg.AbuseWindow, cfg.AbuseMaxRequests, cfg.AbuseBanDuration, log)

	facilitatorClient := facilitator.New(cfg.FacilitatorURL, facilitator.Options{
		VerifyTimeout:  cfg.FacilitatorVerifyTO,
		SettleTimeout:  cfg.FacilitatorSettleTO,
		GenericTimeout: cfg.FacilitatorGenericTO,
		RequestsPerSec: cfg.FacilitatorRPS,
	})

	batchCoalescer := coalescer.New(facilitatorClient, facilitatorClient, coalescer.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.BatchTimeout,
		StaleAge:      cfg.StaleAge,
		SweepInterval: cfg.SweepInterval,
	}, log)

	pipeline := admission.New(
		deadlineCache,
		abuseDetector,
		capacityManager,
		batchCoalescer,
		facilitatorClient,
		admission.ChallengeTemplate{
			Network:           cfg.ChallengeNetwork,
			AssetName:         cfg.ChallengeAssetName,
			AssetVersion:      cfg.ChallengeAssetVersion,
			PriceMinorUnits:   cfg.ChallengePriceMinorUnits,
			MaxTimeoutSeconds: cfg.ChallengeMaxTimeoutSeconds,
		},
		admission.Options{
			VerifyTimeout: cfg.FacilitatorVerifyTO,
			SettleTimeout: cfg.FacilitatorSettleTO,
		},
		log,
	)

	router := httpapi.NewRouter(httpapi.Deps{
		Pipeline:        pipeline,
		CapacityManager: capacityManager,
		Deadlines:       deadlineCache,
		AbuseDetector:   abuseDetector,
		InternalSecret:  cfg.InternalMintPath,
		CORSOrigins:     cfg.CORSAllowOrigins,
		Log:             log,
		StartedAt:       time.Now(),
		KVHealthy: func() bool {
			return pool.Status().Healthy > 0
		},
		FacilitatorHealthy: facilitatorClient.Health,
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Info("mint gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	time.AfterFunc(10*time.Second, func() {
		log.Fatal("shutdown did not complete within 10s, forcing exit")
	})

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}

	batchCoalescer.Shutdown(shutdownCtx)

	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("kv pool shutdown did not complete cleanly", zap.Error(err))
	}

	log.Info("mint gateway stopped")
}
