package vpn

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/yllada/ovpn-manager/common"
)

// HealthState represents the current health state of a connection.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to check connection health.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures before marking unhealthy.
	FailureThreshold int
	// AutoReconnect enables automatic reconnection on failure.
	AutoReconnect bool
	// ReconnectDelay is the delay before attempting to reconnect.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxReconnectAttempts int
	// TestHosts are host:port pairs dialled to probe connectivity.
	TestHosts []string
	// DialTimeout bounds each probe.
	DialTimeout time.Duration
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:        common.MonitorInterval,
		FailureThreshold:     3,
		AutoReconnect:        true,
		ReconnectDelay:       common.ReconnectDelay,
		MaxReconnectAttempts: 3,
		TestHosts: []string{
			"1.1.1.1:53", // Cloudflare DNS
			"8.8.8.8:53", // Google DNS
		},
		DialTimeout: 5 * time.Second,
	}
}

// HealthChecker periodically reconciles the manager's view with the process
// table, probes connectivity of the connected profile and reconnects tunnels
// that died on their own.
type HealthChecker struct {
	mu                sync.RWMutex
	config            HealthConfig
	manager           *Manager
	running           bool
	cancel            context.CancelFunc
	done              chan struct{}
	connectionHealth  map[string]*ConnectionHealth
	onHealthChange    func(profileID string, oldState, newState HealthState)
	onReconnecting    func(profileID string, attempt int)
	onReconnectFailed func(profileID string, err error)

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	log  *common.AppLogger
}

// ConnectionHealth tracks the health of a specific connection.
type ConnectionHealth struct {
	ProfileID         string
	State             HealthState
	LastCheck         time.Time
	LastSuccess       time.Time
	ConsecutiveFails  int
	ReconnectAttempts int
	Latency           time.Duration
	// GaveUp is set once the reconnect budget is spent.
	GaveUp bool
}

// NewHealthChecker creates a new health checker for the given manager.
func NewHealthChecker(manager *Manager, config HealthConfig) *HealthChecker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	dialer := &net.Dialer{}
	return &HealthChecker{
		config:           config,
		manager:          manager,
		connectionHealth: make(map[string]*ConnectionHealth),
		dial:             dialer.DialContext,
		log:              common.GetLogger().With("health"),
	}
}

// SetOnHealthChange sets a callback for health state changes.
func (hc *HealthChecker) SetOnHealthChange(callback func(profileID string, oldState, newState HealthState)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onHealthChange = callback
}

// SetOnReconnecting sets a callback for reconnection attempts.
func (hc *HealthChecker) SetOnReconnecting(callback func(profileID string, attempt int)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onReconnecting = callback
}

// SetOnReconnectFailed sets a callback for failed reconnection.
func (hc *HealthChecker) SetOnReconnectFailed(callback func(profileID string, err error)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onReconnectFailed = callback
}

// Start begins the health checking loop.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	hc.running = true
	hc.cancel = cancel
	hc.done = make(chan struct{})
	done := hc.done
	interval := hc.config.CheckInterval
	hc.mu.Unlock()

	hc.log.Info("Health checker started (interval: %v)", interval)

	go hc.runLoop(ctx, interval, done)
}

// Stop stops the health checking loop and waits for an in-flight check.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	hc.cancel()
	done := hc.done
	hc.mu.Unlock()

	<-done
	hc.log.Info("Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

// GetHealth returns the current health state for a connection.
func (hc *HealthChecker) GetHealth(profileID string) (*ConnectionHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	health, exists := hc.connectionHealth[profileID]
	if !exists {
		return nil, false
	}
	// Return a copy to prevent race conditions
	healthCopy := *health
	return &healthCopy, true
}

func (hc *HealthChecker) runLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.CheckNow(ctx)
		}
	}
}

// CheckNow runs one reconciliation and health pass.
func (hc *HealthChecker) CheckNow(ctx context.Context) {
	report, err := hc.manager.ConnectionStatus(ctx)
	if err != nil {
		hc.log.Warn("Status check failed: %v", err)
		return
	}

	for _, v := range report.Profiles {
		switch {
		case v.IsConnected():
			hc.checkConnection(ctx, v.ID())
		case v.IsConnecting():
		case IsTunnelLost(v.Status()), v.Status().State() == StateError && hc.isTracked(v.ID()):
			hc.handleLostTunnel(ctx, v.ID())
		default:
			hc.RemoveConnection(v.ID())
		}
	}
}

func (hc *HealthChecker) isTracked(profileID string) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	_, ok := hc.connectionHealth[profileID]
	return ok
}

// trackedHealth returns the record for profileID, creating it if needed.
// Callers must hold hc.mu.
func (hc *HealthChecker) trackedHealth(profileID string) *ConnectionHealth {
	health, exists := hc.connectionHealth[profileID]
	if !exists {
		health = &ConnectionHealth{
			ProfileID: profileID,
			State:     HealthUnknown,
		}
		hc.connectionHealth[profileID] = health
	}
	return health
}

// checkConnection performs a connectivity probe for a connected profile.
func (hc *HealthChecker) checkConnection(ctx context.Context, profileID string) {
	latency, err := hc.testConnectivity(ctx)

	hc.mu.Lock()
	health := hc.trackedHealth(profileID)
	health.LastCheck = time.Now()
	oldState := health.State

	if err != nil {
		health.ConsecutiveFails++
		health.Latency = 0
		hc.log.Warn("Health check failed for %s (attempt %d/%d): %v",
			profileID, health.ConsecutiveFails, hc.config.FailureThreshold, err)

		if health.ConsecutiveFails >= hc.config.FailureThreshold {
			health.State = HealthUnhealthy
		} else {
			health.State = HealthDegraded
		}
	} else {
		health.ConsecutiveFails = 0
		health.LastSuccess = time.Now()
		health.Latency = latency
		health.State = HealthHealthy
		health.ReconnectAttempts = 0 // Reset on successful health check
		health.GaveUp = false
	}
	newState := health.State
	reconnect := newState == HealthUnhealthy && oldState != HealthUnhealthy && hc.config.AutoReconnect
	hc.mu.Unlock()

	hc.stateChanged(profileID, oldState, newState)

	if reconnect {
		hc.attemptReconnect(ctx, profileID)
	}
}

// handleLostTunnel reacts to a tunnel that exited without being disconnected.
func (hc *HealthChecker) handleLostTunnel(ctx context.Context, profileID string) {
	hc.mu.Lock()
	health := hc.trackedHealth(profileID)
	oldState := health.State
	health.State = HealthUnhealthy
	health.LastCheck = time.Now()
	health.Latency = 0
	autoReconnect := hc.config.AutoReconnect
	hc.mu.Unlock()

	if oldState != HealthUnhealthy {
		hc.log.Warn("Tunnel for %s is no longer running", profileID)
	}
	hc.stateChanged(profileID, oldState, HealthUnhealthy)

	if autoReconnect {
		hc.attemptReconnect(ctx, profileID)
	}
}

func (hc *HealthChecker) stateChanged(profileID string, oldState, newState HealthState) {
	if oldState == newState {
		return
	}
	hc.log.Info("Health state changed for %s: %s -> %s", profileID, oldState, newState)

	hc.mu.RLock()
	callback := hc.onHealthChange
	hc.mu.RUnlock()
	if callback != nil {
		callback(profileID, oldState, newState)
	}
}

// testConnectivity dials each test host until one answers.
// Returns latency and error.
func (hc *HealthChecker) testConnectivity(ctx context.Context) (time.Duration, error) {
	hc.mu.RLock()
	hosts := hc.config.TestHosts
	timeout := hc.config.DialTimeout
	hc.mu.RUnlock()

	for _, host := range hosts {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		conn, err := hc.dial(dialCtx, "tcp", host)
		cancel()
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
	}

	return 0, common.ErrConnectionFailed
}

// attemptReconnect reconnects profileID unless the attempt budget is spent.
// Failed attempts are retried on the next check.
func (hc *HealthChecker) attemptReconnect(ctx context.Context, profileID string) {
	hc.mu.Lock()
	health := hc.trackedHealth(profileID)
	if health.GaveUp {
		hc.mu.Unlock()
		return
	}
	maxAttempts := hc.config.MaxReconnectAttempts
	onFailed := hc.onReconnectFailed
	if maxAttempts > 0 && health.ReconnectAttempts >= maxAttempts {
		health.GaveUp = true
		hc.mu.Unlock()
		hc.log.Error("Max reconnect attempts reached for %s", profileID)
		if onFailed != nil {
			onFailed(profileID, common.ErrConnectionFailed)
		}
		return
	}
	health.ReconnectAttempts++
	attempt := health.ReconnectAttempts
	delay := hc.config.ReconnectDelay
	onReconnecting := hc.onReconnecting
	hc.mu.Unlock()

	hc.log.Info("Attempting reconnect for %s (attempt %d)", profileID, attempt)
	if onReconnecting != nil {
		onReconnecting(profileID, attempt)
	}

	if err := sleepContext(ctx, delay); err != nil {
		return
	}

	// The profile may have been disconnected by hand while we waited.
	v, err := hc.manager.repo.FindByID(ctx, profileID)
	if err != nil || v.IsDisconnected() {
		hc.log.Info("Connection was disconnected, skipping reconnect for %s", profileID)
		hc.RemoveConnection(profileID)
		return
	}

	if _, err := hc.manager.Connect(ctx, profileID); err != nil {
		hc.log.Error("Reconnect failed for %s: %v", profileID, err)
		return
	}

	hc.log.Info("Reconnect successful for %s", profileID)
	hc.mu.Lock()
	health.State = HealthUnknown
	health.ConsecutiveFails = 0
	hc.mu.Unlock()
}

// RemoveConnection removes health tracking for a disconnected connection.
func (hc *HealthChecker) RemoveConnection(profileID string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.connectionHealth, profileID)
}

// UpdateConfig updates the health checker configuration.
// A new check interval takes effect on the next Start.
func (hc *HealthChecker) UpdateConfig(config HealthConfig) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.config = config
}
