package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkwithmentor/platform/infrastructure/logging"
)

// Strategy selects how instances are picked for a service.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastConn  Strategy = "least_connections"
	StrategyWeighted   Strategy = "weighted"
)

type instanceState struct {
	instance Instance
	healthy  atomic.Bool
	inFlight atomic.Int64
}

type serviceState struct {
	name      string
	strategy  Strategy
	instances []*instanceState
	rrCounter atomic.Uint64
}

// LoadBalancer picks healthy instances per configured strategy and runs
// periodic health-check ejection.
type LoadBalancer struct {
	mu       sync.RWMutex
	services map[string]*serviceState
	client   *http.Client
	logger   *logging.Logger
}

// NewLoadBalancer builds a balancer over the service targets.
func NewLoadBalancer(targets []*ServiceTarget, strategy Strategy, logger *logging.Logger) *LoadBalancer {
	lb := &LoadBalancer{
		services: make(map[string]*serviceState),
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
	for _, target := range targets {
		state := &serviceState{name: target.Name, strategy: strategy}
		for _, inst := range target.Instances {
			is := &instanceState{instance: inst}
			is.healthy.Store(true)
			state.instances = append(state.instances, is)
		}
		lb.services[target.Name] = state
	}
	return lb
}

// Pick returns the base URL of an instance, plus a release function that
// must be called when the proxied request completes.
func (lb *LoadBalancer) Pick(service string) (string, func(), bool) {
	lb.mu.RLock()
	state, ok := lb.services[service]
	lb.mu.RUnlock()
	if !ok || len(state.instances) == 0 {
		return "", nil, false
	}

	healthy := make([]*instanceState, 0, len(state.instances))
	for _, inst := range state.instances {
		if inst.healthy.Load() {
			healthy = append(healthy, inst)
		}
	}
	// With every instance ejected, fall back to the full list rather than
	// refusing outright; the circuit breaker still guards the requests.
	if len(healthy) == 0 {
		healthy = state.instances
	}

	var chosen *instanceState
	switch state.strategy {
	case StrategyLeastConn:
		for _, inst := range healthy {
			if chosen == nil || inst.inFlight.Load() < chosen.inFlight.Load() {
				chosen = inst
			}
		}
	case StrategyWeighted:
		total := 0
		for _, inst := range healthy {
			w := inst.instance.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		tick := int(state.rrCounter.Add(1) % uint64(total))
		for _, inst := range healthy {
			w := inst.instance.Weight
			if w <= 0 {
				w = 1
			}
			if tick < w {
				chosen = inst
				break
			}
			tick -= w
		}
		if chosen == nil {
			chosen = healthy[0]
		}
	default: // round robin
		chosen = healthy[int(state.rrCounter.Add(1)-1)%len(healthy)]
	}

	chosen.inFlight.Add(1)
	release := func() { chosen.inFlight.Add(-1) }
	return chosen.instance.BaseURL, release, true
}

// StartHealthChecks probes every instance's /health on the interval,
// ejecting failures and restoring recoveries, until ctx is cancelled.
func (lb *LoadBalancer) StartHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lb.probeAll(ctx)
			}
		}
	}()
}

func (lb *LoadBalancer) probeAll(ctx context.Context) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	for _, state := range lb.services {
		for _, inst := range state.instances {
			go lb.probe(ctx, state.name, inst)
		}
	}
}

func (lb *LoadBalancer) probe(ctx context.Context, service string, inst *instanceState) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.instance.BaseURL+"/health", nil)
	if err != nil {
		return
	}
	resp, err := lb.client.Do(req)
	healthy := err == nil && resp.StatusCode < http.StatusInternalServerError
	if resp != nil {
		_ = resp.Body.Close()
	}

	was := inst.healthy.Swap(healthy)
	if was != healthy && lb.logger != nil {
		lb.logger.WithFields(map[string]interface{}{
			"service":  service,
			"instance": inst.instance.BaseURL,
			"healthy":  healthy,
		}).Warn("Instance health changed")
	}
}
