// Package main provides the API Gateway entry point.
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/linkwithmentor/platform/infrastructure/config"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/middleware"
	"github.com/linkwithmentor/platform/services/gateway"
	"github.com/linkwithmentor/platform/services/identity"
)

func main() {
	config.LoadDotEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	common, err := config.LoadCommon()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	gwCfg := config.LoadGateway()

	logger := logging.New("gateway", common.LogLevel, common.LogFormat)

	kvStore, err := kv.NewRedis(ctx, common.RedisURL)
	if err != nil {
		log.Fatalf("CRITICAL: redis connect: %v", err)
	}
	defer kvStore.Close()

	tokens, err := identity.New([]byte(common.JWTSecret), common.JWTExpiry, kvStore)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	routes := gateway.NewRouteTable(gateway.DefaultRoutes(), serviceTargetsFromEnv())
	balancer := gateway.NewLoadBalancer(serviceTargetsFromEnv(), balancerStrategy(), logger)
	balancer.StartHealthChecks(ctx, gwCfg.HealthCheckInterval)

	var collector *metrics.Metrics
	if metrics.Enabled() {
		collector = metrics.Init("gateway")
	}

	gw := gateway.New(gwCfg, tokens, kvStore, routes, balancer, logger, collector)

	// Mirror breaker states into the shared store so peers and operators can
	// read them.
	sweeper := cron.New()
	_, _ = sweeper.AddFunc("@every 15s", func() {
		sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
		defer scancel()
		for target, state := range gw.Circuits().States() {
			_ = kvStore.Set(sctx, "circuit:"+target, state.String(), time.Minute)
			if collector != nil {
				collector.CircuitState.WithLabelValues("gateway", target).Set(float64(state))
			}
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.SecurityHeaders)
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:   config.GetEnvCSV("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Trace-ID"},
		ExposedHeaders:   []string{"X-Trace-ID", "X-Response-Time", "X-Cache"},
		AllowCredentials: true,
		MaxAgeSeconds:    3600,
		PreflightStatus:  http.StatusOK,
	}).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(0).Handler)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	if collector != nil {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.PathPrefix("/").Handler(gw)

	server := &http.Server{
		Addr:              ":" + common.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      6 * time.Minute, // long-poll and upload routes
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	logger.WithFields(map[string]interface{}{"port": common.Port}).Info("Gateway starting")
	if err := middleware.RunServerWithShutdown(server, logger, 30*time.Second); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// serviceTargetsFromEnv builds the backend targets. Instance lists come from
// CSV env vars, e.g. CHAT_SERVICE_URLS=http://chat-1:8080,http://chat-2:8080.
func serviceTargetsFromEnv() []*gateway.ServiceTarget {
	services := map[string]string{
		"user-management": "USER_SERVICE_URLS",
		"chat":            "CHAT_SERVICE_URLS",
		"video":           "VIDEO_SERVICE_URLS",
		"meetings":        "MEETINGS_SERVICE_URLS",
		"payment":         "PAYMENT_SERVICE_URLS",
		"safety":          "SAFETY_SERVICE_URLS",
		"notifications":   "NOTIFICATIONS_SERVICE_URLS",
		"analytics":       "ANALYTICS_SERVICE_URLS",
		"video-lectures":  "LECTURES_SERVICE_URLS",
	}

	var targets []*gateway.ServiceTarget
	for name, envKey := range services {
		urls := config.GetEnvCSV(envKey, []string{"http://" + name + ":8080"})
		target := &gateway.ServiceTarget{Name: name}
		for _, url := range urls {
			target.Instances = append(target.Instances, gateway.Instance{BaseURL: strings.TrimSuffix(url, "/"), Weight: 1})
		}
		targets = append(targets, target)
	}
	return targets
}

func balancerStrategy() gateway.Strategy {
	switch config.GetEnv("GATEWAY_LB_STRATEGY", "round_robin") {
	case "least_connections":
		return gateway.StrategyLeastConn
	case "weighted":
		return gateway.StrategyWeighted
	default:
		return gateway.StrategyRoundRobin
	}
}
