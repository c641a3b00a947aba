// Package main provides the saga coordinator entry point.
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
	"github.com/linkwithmentor/platform/services/identity"
	"github.com/linkwithmentor/platform/services/saga"
)

func main() {
	config.LoadDotEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	common, err := config.LoadCommon()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	sagaCfg := config.LoadSaga()

	logger := logging.New("sagad", common.LogLevel, common.LogFormat)

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
		collector = metrics.Init("sagad")
	}

	coordinator := saga.NewCoordinator(db, kvStore, sagaCfg, logger, collector)

	// Orphaned in-flight sagas are picked up by whichever instance acquires
	// their lock first.
	resumer := cron.New()
	_, _ = resumer.AddFunc("@every "+sagaCfg.ResumeInterval.String(), func() {
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Minute)
		defer rcancel()
		if n := coordinator.ResumeOrphans(rctx); n > 0 {
			logger.WithFields(map[string]interface{}{"count": n}).Info("Resumed orphaned sagas")
		}
	})
	resumer.Start()
	defer resumer.Stop()

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

	api := router.PathPrefix("/").Subrouter()
	api.Use(middleware.TimeoutMiddleware(5 * time.Minute))
	api.Use(mux.MiddlewareFunc(tokens.Middleware))
	saga.NewHandlers(coordinator, saga.EndpointsFromEnv()).Register(api)

	server := &http.Server{
		Addr:              ":" + common.Port,
		Handler:           router,
		ReadTimeout:       5 * time.Minute, // sagas run within the request
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	logger.WithFields(map[string]interface{}{"port": common.Port}).Info("Saga coordinator starting")
	if err := middleware.RunServerWithShutdown(server, logger, 30*time.Second); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
