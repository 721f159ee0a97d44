package health

import (
	"context"
	"sync/atomic"
	"time"
)

// ProbeManager adds liveness, readiness and startup probes to Manager.
// The server marks itself initialized once interrupted batch polling has
// been resumed, and shutting down when it stops accepting work.
type ProbeManager struct {
	*Manager

	startTime   time.Time
	initialized atomic.Bool
	inShutdown  atomic.Bool
	version     string
}

func NewProbeManager(version string) *ProbeManager {
	return &ProbeManager{
		Manager:   NewManager(),
		startTime: time.Now(),
		version:   version,
	}
}

func (pm *ProbeManager) MarkInitialized() {
	pm.initialized.Store(true)
}

func (pm *ProbeManager) MarkShutdown() {
	pm.inShutdown.Store(true)
}

func (pm *ProbeManager) IsInitialized() bool {
	return pm.initialized.Load()
}

func (pm *ProbeManager) IsShuttingDown() bool {
	return pm.inShutdown.Load()
}

func (pm *ProbeManager) Uptime() time.Duration {
	return time.Since(pm.startTime)
}

func (pm *ProbeManager) Version() string {
	return pm.version
}

// ProbeResult is the JSON body of a probe endpoint.
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (pm *ProbeManager) result(status Status, checks map[string]*Result) *ProbeResult {
	return &ProbeResult{
		Status:    status,
		Version:   pm.version,
		Uptime:    pm.Uptime().Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

// CheckLiveness reports the process as alive; degraded while shutting down.
// It runs no dependency checks.
func (pm *ProbeManager) CheckLiveness(ctx context.Context) *ProbeResult {
	status := StatusHealthy
	if pm.IsShuttingDown() {
		status = StatusDegraded
	}
	return pm.result(status, nil)
}

// CheckReadiness runs every registered check. It fails immediately once
// shutdown has begun.
func (pm *ProbeManager) CheckReadiness(ctx context.Context) *ProbeResult {
	if pm.IsShuttingDown() {
		return pm.result(StatusUnhealthy, nil)
	}
	checks := pm.Manager.Check(ctx)
	return pm.result(pm.Manager.OverallStatus(checks), checks)
}

// CheckStartup passes once MarkInitialized has been called.
func (pm *ProbeManager) CheckStartup(ctx context.Context) *ProbeResult {
	status := StatusUnhealthy
	if pm.IsInitialized() {
		status = StatusHealthy
	}
	return pm.result(status, nil)
}
