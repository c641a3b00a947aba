// Package main provides the chat service entry point.
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
	"github.com/linkwithmentor/platform/services/chat"
	"github.com/linkwithmentor/platform/services/collab"
	"github.com/linkwithmentor/platform/services/identity"
	"github.com/linkwithmentor/platform/services/registry"
)

func main() {
	config.LoadDotEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	common, err := config.LoadCommon()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	chatCfg := config.LoadChat()

	logger := logging.New("chat", common.LogLevel, common.LogFormat)

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
		collector = metrics.Init("chat")
	}

	reg := registry.New(chatCfg.MaxConnectionsPerUser, logger)
	messageBus := bus.New(kvStore, "chat", logger, collector)
	presence := chat.NewPresenceTracker(kvStore)
	offline := chat.NewOfflineQueue(kvStore, chatCfg.OfflineQueueTTL)

	fanout, err := chat.NewFanout(ctx, reg, messageBus, presence, offline, chatCfg.TypingTTL, logger, collector)
	if err != nil {
		log.Fatalf("CRITICAL: fan-out bridge: %v", err)
	}
	defer fanout.Close()

	var moderator collab.Moderator = collab.ApproveAllModerator{}
	if url := config.GetEnv("SAFETY_SERVICE_URL", ""); url != "" {
		moderator = collab.NewHTTPModerator(url, 5*time.Second)
	}

	service := chat.NewService(db, kvStore, fanout, moderator, chatCfg, logger, collector)
	wsHandler := chat.NewWSHandler(tokens, reg, fanout, service, chatCfg, logger, collector)

	// Background sweeps: stale connections, typing TTLs, presence refresh.
	sweeper := cron.New()
	_, _ = sweeper.AddFunc("@every 30s", func() {
		if n := reg.CleanupInactive(chatCfg.IdleTimeout * 2); n > 0 {
			logger.WithFields(map[string]interface{}{"count": n}).Info("Swept inactive connections")
		}
	})
	_, _ = sweeper.AddFunc("@every 5s", fanout.SweepTyping)
	_, _ = sweeper.AddFunc("@every 1m", func() {
		sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
		defer scancel()
		fanout.RefreshPresence(sctx)
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

	// The WebSocket endpoint authenticates via query token, not the header
	// middleware.
	router.Handle("/ws/chat", wsHandler).Methods(http.MethodGet)

	// A coarse instance-local limiter backstops the shared per-user message
	// budget enforced inside the service.
	limiter := middleware.NewRateLimiter(50, 100, nil, logger)
	stopLimiterCleanup := limiter.StartCleanup(time.Minute)
	defer stopLimiterCleanup()

	api := router.PathPrefix("/").Subrouter()
	api.Use(middleware.TimeoutMiddleware(30 * time.Second))
	api.Use(mux.MiddlewareFunc(tokens.Middleware))
	api.Use(mux.MiddlewareFunc(limiter.Handler))
	chat.NewHandlers(service).Register(api)

	server := &http.Server{
		Addr:              ":" + common.Port,
		Handler:           router,
		ReadTimeout:       0, // long-lived WebSocket reads manage their own deadlines
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	logger.WithFields(map[string]interface{}{
		"port":     common.Port,
		"instance": messageBus.InstanceID(),
	}).Info("Chat service starting")
	if err := middleware.RunServerWithShutdown(server, logger, 30*time.Second); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
