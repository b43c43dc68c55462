// Copyright 2023 The topicbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor provides health checking for the broker process. Checks
// are plain functions; the results are served as JSON next to /metrics.
package monitor

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Status values reported by checks and the overall health.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
)

// MaxGoroutines is the threshold of the built-in goroutine check.
const MaxGoroutines = 10000

// HealthChecker provides health checking functionality
type HealthChecker struct {
	mu        sync.RWMutex
	started   time.Time
	healthy   bool
	lastCheck time.Time
	checks    map[string]HealthCheck
}

// HealthCheck represents a health check function
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	LastChecked time.Time
	LastError   error
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Goroutines int                    `json:"goroutines"`
	Checks     map[string]CheckResult `json:"checks"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// NewHealthChecker creates a health checker with the built-in goroutine
// check registered.
func NewHealthChecker() *HealthChecker {
	hc := &HealthChecker{
		started:   time.Now(),
		healthy:   true,
		lastCheck: time.Now(),
		checks:    make(map[string]HealthCheck),
	}

	hc.RegisterCheck("goroutines", func() error {
		if count := runtime.NumGoroutine(); count > MaxGoroutines {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck registers a new health check. A failing critical check makes
// the process unhealthy.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
	}
}

// Checks returns the registered check names, sorted.
func (hc *HealthChecker) Checks() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks executes all registered health checks
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now

	results := make(map[string]CheckResult, len(hc.checks))
	healthy := true
	for name, check := range hc.checks {
		err := check.CheckFunc()
		result := CheckResult{Status: StatusPassed, LastChecked: now, Critical: check.Critical}
		if err != nil {
			result.Status = StatusFailed
			result.Message = err.Error()
			if check.Critical {
				healthy = false
			}
			slog.Debug("health check failed", "check", name, "critical", check.Critical, "error", err)
		}
		check.LastChecked = now
		check.LastError = err
		hc.checks[name] = check
		results[name] = result
	}
	hc.healthy = healthy

	return HealthStatus{
		Status:     hc.overallStatus(),
		Timestamp:  now,
		Uptime:     int64(now.Sub(hc.started).Seconds()),
		Goroutines: runtime.NumGoroutine(),
		Checks:     results,
	}
}

// IsHealthy reports the outcome of the last RunChecks.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

func (hc *HealthChecker) overallStatus() string {
	if hc.healthy {
		return StatusHealthy
	}
	return StatusUnhealthy
}

// HealthServer exposes a HealthChecker over HTTP.
type HealthServer struct {
	checker *HealthChecker
}

// NewHealthServer creates a new health server instance
func NewHealthServer(checker *HealthChecker) *HealthServer {
	return &HealthServer{checker: checker}
}

// RegisterRoutes registers health check routes
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/health/live", hs.handleLiveness)
	mux.HandleFunc("/health/ready", hs.handleReadiness)
}

// handleHealth runs every check and returns the detailed status.
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := hs.checker.RunChecks()
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	hs.writeJSON(w, code, status)
}

// handleLiveness answers as long as the process serves HTTP.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness reports whether every critical check currently passes.
func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if hs.checker.RunChecks().Status == StatusHealthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Service Unavailable"))
	}
}

// writeJSON writes JSON response
func (hs *HealthServer) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("cannot encode health response", "error", err)
	}
}
