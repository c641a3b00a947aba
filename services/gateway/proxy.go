package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/linkwithmentor/platform/infrastructure/httputil"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/resilience"
	"github.com/linkwithmentor/platform/services/identity"
)

const (
	cacheKeyPrefix = "gateway_cache:"
	maxBufferedBody = 4 << 20 // request bodies buffered for retries
	maxCachedBody   = 1 << 20
)

// cachedResponse is the stored shape of a cacheable GET response.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Proxy forwards requests to backend instances with capped-backoff retries
// and writes responses with the observability headers attached.
type Proxy struct {
	routes   *RouteTable
	balancer *LoadBalancer
	circuits *resilience.Registry
	kv       kv.Store
	client   *http.Client
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewProxy builds the proxy stage.
func NewProxy(routes *RouteTable, balancer *LoadBalancer, circuits *resilience.Registry, kvStore kv.Store, logger *logging.Logger, m *metrics.Metrics) *Proxy {
	return &Proxy{
		routes:   routes,
		balancer: balancer,
		circuits: circuits,
		kv:       kvStore,
		client: &http.Client{
			Transport: httputil.DefaultTransportWithMinTLS12(),
			// Per-request timeouts come from the route via context.
		},
		logger:  logger,
		metrics: m,
	}
}

func cacheKey(method, path string) string {
	return cacheKeyPrefix + method + ":" + path
}

// ServeFromCache writes a cached response when one exists. Returns true on a
// hit.
func (p *Proxy) ServeFromCache(w http.ResponseWriter, r *http.Request) bool {
	raw, err := p.kv.Get(r.Context(), cacheKey(r.Method, r.URL.Path))
	if err != nil {
		if !kv.IsNil(err) {
			p.logger.WithContext(r.Context()).WithError(err).Debug("Cache lookup failed")
		}
		if p.metrics != nil {
			p.metrics.CacheTotal.WithLabelValues("gateway", "miss").Inc()
		}
		return false
	}

	var cached cachedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return false
	}

	if p.metrics != nil {
		p.metrics.CacheTotal.WithLabelValues("gateway", "hit").Inc()
	}
	w.Header().Set("X-Cache", "HIT")
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
	return true
}

// Forward proxies the request with the route's retry budget. The client
// never observes an internal retry: only the final attempt's response is
// written. Returns the status written.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, route *Route, breaker *resilience.CircuitBreaker, claims *identity.Claims, start time.Time) int {
	// Buffer the body once so retries can replay it.
	var body []byte
	if r.Body != nil {
		var err error
		body, err = httputil.ReadAllStrict(r.Body, maxBufferedBody)
		_ = r.Body.Close()
		if err != nil {
			return p.writeError(w, r, http.StatusBadRequest, "request body too large", start)
		}
	}

	timeout := p.routes.TimeoutFor(route)
	retries := p.routes.RetriesFor(route)

	var resp *http.Response
	var lastStatus int
	attempts := 0

	for attempt := 0; attempt <= retries; attempt++ {
		attempts++
		if attempt > 0 {
			// Capped exponential backoff between attempts.
			delay := time.Duration(100*(1<<uint(attempt-1))) * time.Millisecond
			if delay > 2*time.Second {
				delay = 2 * time.Second
			}
			select {
			case <-r.Context().Done():
				breaker.RecordFailure()
				return p.writeError(w, r, http.StatusGatewayTimeout, "request timeout", start)
			case <-time.After(delay):
			}
			p.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
				"service": route.Service,
				"attempt": attempt + 1,
			}).Warn("Retrying upstream request")
		}

		var err error
		resp, err = p.attempt(r, route, body, timeout)
		if err != nil {
			lastStatus = http.StatusBadGateway
			if isTimeout(err) {
				lastStatus = http.StatusGatewayTimeout
			}
			p.recordAttempt(route.Service, lastStatus)
			continue
		}

		p.recordAttempt(route.Service, resp.StatusCode)

		// 4xx is the upstream's final answer; never retried.
		if resp.StatusCode < http.StatusInternalServerError {
			break
		}
		lastStatus = resp.StatusCode
		_ = resp.Body.Close()
		resp = nil
	}

	if resp == nil {
		breaker.RecordFailure()
		switch lastStatus {
		case http.StatusGatewayTimeout:
			return p.writeError(w, r, http.StatusGatewayTimeout, "request timeout", start)
		default:
			return p.writeError(w, r, http.StatusBadGateway, "service connection failed", start)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusInternalServerError {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}

	// Response write with observability headers.
	copyHeaders(w.Header(), resp.Header)
	if claims != nil {
		w.Header().Set("X-User-ID", claims.Subject)
		if claims.ActiveRole != nil {
			w.Header().Set("X-Active-Role", string(*claims.ActiveRole))
		}
	}
	w.Header().Set("X-Response-Time", time.Since(start).String())

	cacheable := p.routes.ShouldCache(route, r.Method) && resp.StatusCode == http.StatusOK
	if cacheable {
		w.Header().Set("X-Cache", "MISS")
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
		if err != nil {
			return p.writeError(w, r, http.StatusBadGateway, "upstream read failed", start)
		}
		if len(respBody) <= maxCachedBody {
			p.storeCache(r.Context(), r.Method, r.URL.Path, route, resp, respBody)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		if len(respBody) > maxCachedBody {
			_, _ = io.Copy(w, resp.Body)
		}
		return resp.StatusCode
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return resp.StatusCode
}

// attempt issues one upstream request against a balanced instance.
func (p *Proxy) attempt(r *http.Request, route *Route, body []byte, timeout time.Duration) (*http.Response, error) {
	baseURL, release, ok := p.balancer.Pick(route.Service)
	if !ok {
		return nil, fmt.Errorf("no instances for service %s", route.Service)
	}
	defer release()

	targetPath := r.URL.Path
	if route.StripPrefix {
		targetPath = targetPath[len(route.Prefix):]
		if targetPath == "" {
			targetPath = "/"
		}
	}
	target := baseURL + targetPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("X-Forwarded-For", httputil.ClientIP(r))

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	// The timeout stays armed while the caller streams the body; Close
	// releases it.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (p *Proxy) storeCache(ctx context.Context, method, path string, route *Route, resp *http.Response, body []byte) {
	entry := cachedResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := p.kv.Set(ctx, cacheKey(method, path), string(data), route.CacheTTL); err != nil {
		p.logger.WithContext(ctx).WithError(err).Debug("Cache store failed")
	}
}

func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, status int, message string, start time.Time) int {
	w.Header().Set("X-Response-Time", time.Since(start).String())
	httputil.WriteErrorResponse(w, r, status, "", message, nil)
	return status
}

func (p *Proxy) recordAttempt(service string, status int) {
	if p.metrics != nil {
		p.metrics.ProxyAttemptsTotal.WithLabelValues("gateway", service, strconv.Itoa(status)).Inc()
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		switch name {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Te", "Trailer", "Proxy-Authorization", "Proxy-Connection":
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return err == context.DeadlineExceeded
}
