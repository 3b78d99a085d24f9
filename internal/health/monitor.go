package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mheaton/tollgate/internal/config"
	"github.com/mheaton/tollgate/internal/providers"
)

// ProviderStatus is the last observed health of one upstream.
type ProviderStatus struct {
	Healthy   bool      `json:"healthy"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor periodically pings provider routes and keeps the latest status for
// the health endpoint. Dispatch never blocks on it; the circuit breaker
// handles in-band failures, this catches providers that are down before any
// request hits them.
type Monitor struct {
	routes   map[string]providers.Route
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	status    map[string]ProviderStatus
	startOnce sync.Once
}

func NewMonitor(routes map[string]providers.Route, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 || timeout > interval {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		routes:   routes,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		status:   make(map[string]ProviderStatus),
	}
}

// Start begins the monitoring loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || len(m.routes) == 0 {
		return
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for slug, route := range m.routes {
		if route.Health == nil {
			continue
		}
		wg.Add(1)
		go func(slug string, route providers.Route) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			err := route.Health(timeoutCtx)
			m.record(slug, err, time.Since(start))
		}(slug, route)
	}
	wg.Wait()
}

func (m *Monitor) record(slug string, err error, latency time.Duration) {
	status := ProviderStatus{
		Healthy:   err == nil,
		LatencyMS: latency.Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}

	m.mu.Lock()
	prev, seen := m.status[slug]
	m.status[slug] = status
	m.mu.Unlock()

	if seen && prev.Healthy != status.Healthy {
		if status.Healthy {
			m.logger.Info("provider recovered", "provider", slug, "latency_ms", status.LatencyMS)
		} else {
			m.logger.Warn("provider unhealthy", "provider", slug, "error", status.Error)
		}
	}
}

// Status returns a copy of the latest per-provider health snapshot.
func (m *Monitor) Status() map[string]ProviderStatus {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ProviderStatus, len(m.status))
	for slug, status := range m.status {
		out[slug] = status
	}
	return out
}
