// Package health tracks whether the ledger's backing dependencies are
// reachable and reports readiness.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// DependencyStatus is the last known state of one dependency.
type DependencyStatus struct {
	Status      string    `json:"status"`
	FailCount   int       `json:"fail_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(name string, ok bool)

// HealthChecker runs periodic dependency probes. A dependency is degraded
// once FailThreshold consecutive probes fail and healthy again after the
// next success. Dependencies start healthy.
type HealthChecker struct {
	probes    map[string]Pinger
	mu        sync.RWMutex
	state     map[string]DependencyStatus
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new HealthChecker for the named probes.
func New(probes map[string]Pinger, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	state := make(map[string]DependencyStatus, len(probes))
	for name := range probes {
		state[name] = DependencyStatus{Status: StatusHealthy}
	}
	return &HealthChecker{
		probes: probes,
		state:  state,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the health check loop until quit is closed. The first check
// runs immediately.
func (h *HealthChecker) Start(quit <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		h.CheckAll(context.Background())
		select {
		case <-ticker.C:
		case <-quit:
			return
		}
	}
}

// CheckAll probes every dependency concurrently and waits for the results.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Ping(pctx)
			cancel()
			h.record(name, err)
		}()
	}
	wg.Wait()
}

func (h *HealthChecker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	prev := h.state[name]
	next := DependencyStatus{Status: prev.Status, LastChecked: time.Now().UTC()}
	if err == nil {
		next.Status = StatusHealthy
	} else {
		next.FailCount = prev.FailCount + 1
		next.LastError = err.Error()
		if next.FailCount >= h.cfg.FailThreshold {
			next.Status = StatusDegraded
		}
	}
	h.state[name] = next
	h.mu.Unlock()

	switch {
	case prev.Status == StatusDegraded && next.Status == StatusHealthy:
		h.logger.Info("health: recovered", zap.String("dependency", name))
	case prev.Status == StatusHealthy && next.Status == StatusDegraded:
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", next.FailCount),
			zap.Error(err),
		)
	}
}

// Ready reports whether no dependency is degraded.
func (h *HealthChecker) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.state {
		if s.Status == StatusDegraded {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every dependency's status.
func (h *HealthChecker) Snapshot() map[string]DependencyStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]DependencyStatus, len(h.state))
	for name, s := range h.state {
		out[name] = s
	}
	return out
}

// Handler serves readiness: 200 when ready, 503 otherwise, with the status
// of every dependency in the body.
func (h *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := h.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)

		deps := make([]gin.H, 0, len(names))
		for _, name := range names {
			deps = append(deps, gin.H{"name": name, "health": snap[name]})
		}
		status, code := "ready", http.StatusOK
		if !h.Ready() {
			status, code = "not ready", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "dependencies": deps})
	}
}
