package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/httputil"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
)

const (
	ipBlocklistPrefix = "ip_blocklist:"
	ipRatePrefix      = "ip_rate_limit:"
	failedAttemptsPrefix = "failed_attempts:"
)

// SecurityGate is the first pipeline stage: IP blocklist, per-IP rate caps,
// and gross request-pattern checks. It fails closed on attack patterns and
// open on store errors (an unavailable KV store must not take the whole edge
// down).
type SecurityGate struct {
	kv     kv.Store
	cfg    config.GatewayConfig
	logger *logging.Logger
}

// NewSecurityGate builds the gate.
func NewSecurityGate(kvStore kv.Store, cfg config.GatewayConfig, logger *logging.Logger) *SecurityGate {
	return &SecurityGate{kv: kvStore, cfg: cfg, logger: logger}
}

// Check runs every gate in order and returns the first rejection.
func (g *SecurityGate) Check(r *http.Request) error {
	clientIP := httputil.ClientIP(r)

	if err := g.checkBlocklist(r.Context(), clientIP); err != nil {
		return err
	}
	if err := g.checkPatterns(r, clientIP); err != nil {
		return err
	}
	if err := g.checkHeaders(r); err != nil {
		return err
	}
	return g.checkIPRate(r.Context(), clientIP)
}

func (g *SecurityGate) checkBlocklist(ctx context.Context, clientIP string) error {
	blocked, err := g.kv.Exists(ctx, ipBlocklistPrefix+clientIP)
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).Warn("Blocklist lookup failed")
		return nil
	}
	if blocked {
		g.logger.LogSecurityEvent(ctx, "blocked_ip_attempt", map[string]interface{}{"ip": clientIP})
		return apperrors.Forbidden("access denied")
	}

	// Too many failed auth attempts escalate to a temporary block.
	raw, err := g.kv.Get(ctx, failedAttemptsPrefix+clientIP)
	if err == nil {
		if failed, convErr := strconv.Atoi(raw); convErr == nil && failed > 10 {
			if setErr := g.kv.Set(ctx, ipBlocklistPrefix+clientIP, "1", g.cfg.BlocklistTTL); setErr == nil {
				g.logger.LogSecurityEvent(ctx, "ip_auto_blocked", map[string]interface{}{"ip": clientIP})
			}
			return apperrors.RateLimited(10, "failed attempts")
		}
	}
	return nil
}

func (g *SecurityGate) checkPatterns(r *http.Request, clientIP string) error {
	path := r.URL.Path

	// Path traversal.
	lower := strings.ToLower(path)
	if strings.Contains(path, "..") || strings.Contains(lower, "%2e%2e") {
		g.logger.LogSecurityEvent(r.Context(), "path_traversal_attempt", map[string]interface{}{
			"ip": clientIP, "path": path,
		})
		return apperrors.Validation("path", "invalid path")
	}

	// Probes for common attack surfaces are logged and counted per IP under
	// attack_attempts but not rejected; no gate reads that counter.
	for _, probe := range []string{"/wp-admin", "/phpmyadmin", "/.env", "/.git", "/backup", "/debug"} {
		if strings.HasPrefix(path, probe) {
			g.logger.LogSecurityEvent(r.Context(), "attack_pattern_probe", map[string]interface{}{
				"ip": clientIP, "path": path,
			})
			_, _ = g.kv.Incr(r.Context(), "attack_attempts:"+clientIP, 1, time.Hour)
			break
		}
	}
	return nil
}

func (g *SecurityGate) checkHeaders(r *http.Request) error {
	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > g.cfg.MaxHeaderLength {
				g.logger.LogSecurityEvent(r.Context(), "oversized_header", map[string]interface{}{
					"header": name,
				})
				return apperrors.Validation("header", "header too long")
			}
		}
	}

	forwarding := 0
	for _, h := range []string{"X-Forwarded-For", "X-Real-Ip", "Forwarded"} {
		if r.Header.Get(h) != "" {
			forwarding++
		}
	}
	if forwarding > 2 {
		g.logger.LogSecurityEvent(r.Context(), "excessive_forwarding_headers", nil)
		return apperrors.Validation("headers", "conflicting forwarding headers")
	}
	return nil
}

func (g *SecurityGate) checkIPRate(ctx context.Context, clientIP string) error {
	perMin, err := g.kv.CheckRateLimit(ctx, ipRatePrefix+clientIP, int64(g.cfg.IPRateLimitPerMin), time.Minute)
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).Warn("IP rate limit check failed")
		return nil
	}
	if !perMin {
		return apperrors.RateLimited(g.cfg.IPRateLimitPerMin, "1m")
	}

	perSec, err := g.kv.CheckRateLimit(ctx, ipRatePrefix+clientIP+":sec", int64(g.cfg.IPRateLimitPerSec), time.Second)
	if err != nil {
		return nil
	}
	if !perSec {
		return apperrors.RateLimited(g.cfg.IPRateLimitPerSec, "1s")
	}
	return nil
}

// RecordFailedAuth counts a failed authentication for the IP.
func (g *SecurityGate) RecordFailedAuth(ctx context.Context, clientIP string) {
	_, _ = g.kv.Incr(ctx, failedAttemptsPrefix+clientIP, 1, time.Hour)
}

// ClearFailedAuth resets the counter after a successful authentication.
func (g *SecurityGate) ClearFailedAuth(ctx context.Context, clientIP string) {
	_ = g.kv.Del(ctx, failedAttemptsPrefix+clientIP)
}
