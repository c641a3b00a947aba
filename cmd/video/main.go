// Package main provides the video signaling service entry point.
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/linkwithmentor/platform/infrastructure/config"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/middleware"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/bus"
	"github.com/linkwithmentor/platform/services/identity"
	"github.com/linkwithmentor/platform/services/registry"
	"github.com/linkwithmentor/platform/services/video"
)

func main() {
	config.LoadDotEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	common, err := config.LoadCommon()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	videoCfg := config.LoadVideo()
	connCfg := config.LoadChat() // shared connection limits and heartbeat cadence

	logger := logging.New("video", common.LogLevel, common.LogFormat)

	if videoCfg.TURNSecret == "" {
		logger.Warn("TURN_SECRET not set; ICE server list will carry STUN only")
	}

	kvStore, err := kv.NewRedis(ctx, common.RedisURL)
	if err != nil {
		log.Fatalf("CRITICAL: redis connect: %v", err)
	}
	defer kvStore.Close()

	db, err := store.Open(common.DatabaseURL)
	if err != nil {
		log.Fatalf("CRITICAL: database connect: %v", err)
	}
	defer db.Close()

	tokens, err := identity.New([]byte(common.JWTSecret), common.JWTExpiry, kvStore)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	var collector *metrics.Metrics
	if metrics.Enabled() {
		collector = metrics.Init("video")
	}

	reg := registry.New(connCfg.MaxConnectionsPerUser, logger)
	signalBus := bus.New(kvStore, "video", logger, collector)
	calls := video.NewCallManager(db, kvStore, videoCfg, logger, collector)
	turn := video.NewTURNProvider(videoCfg)

	signaling, err := video.NewSignaling(ctx, calls, reg, signalBus, turn, logger, collector)
	if err != nil {
		log.Fatalf("CRITICAL: signaling bridge: %v", err)
	}
	defer signaling.Close()

	wsHandler := video.NewWSHandler(tokens, reg, signaling, connCfg, logger, collector)

	sweeper := cron.New()
	_, _ = sweeper.AddFunc("@every 1m", func() {
		sctx, scancel := context.WithTimeout(ctx, 30*time.Second)
		defer scancel()
		if ended := calls.SweepInactive(sctx); len(ended) > 0 {
			logger.WithFields(map[string]interface{}{"count": len(ended)}).Info("Swept inactive calls")
		}
	})
	_, _ = sweeper.AddFunc("@every 10s", func() {
		sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
		defer scancel()
		calls.SweepConnecting(sctx)
	})
	_, _ = sweeper.AddFunc("@every 30s", func() {
		if n := reg.CleanupInactive(connCfg.IdleTimeout * 2); n > 0 {
			logger.WithFields(map[string]interface{}{"count": n}).Info("Swept inactive connections")
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(0).Handler)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	if collector != nil {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	router.Handle("/ws/video", wsHandler).Methods(http.MethodGet)

	limiter := middleware.NewRateLimiter(50, 100, nil, logger)
	stopLimiterCleanup := limiter.StartCleanup(time.Minute)
	defer stopLimiterCleanup()

	api := router.PathPrefix("/").Subrouter()
	api.Use(middleware.TimeoutMiddleware(30 * time.Second))
	api.Use(mux.MiddlewareFunc(tokens.Middleware))
	api.Use(mux.MiddlewareFunc(limiter.Handler))
	video.NewHandlers(signaling, calls).Register(api)

	server := &http.Server{
		Addr:              ":" + common.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	logger.WithFields(map[string]interface{}{
		"port":     common.Port,
		"instance": signalBus.InstanceID(),
	}).Info("Video service starting")
	if err := middleware.RunServerWithShutdown(server, logger, 30*time.Second); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
