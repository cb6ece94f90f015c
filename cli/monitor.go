package cli

import (
	"context"
	"time"

	"github.com/yllada/ovpn-manager/common"
	"github.com/yllada/ovpn-manager/vpn"
)

// maintenanceInterval is how often the monitor rotates logs and prunes history.
const maintenanceInterval = time.Hour

// healthConfig builds the health checker settings from the monitor section.
func (c *CLI) healthConfig() vpn.HealthConfig {
	hc := vpn.DefaultHealthConfig()
	m := c.cfg.Monitor
	hc.CheckInterval = m.CheckInterval
	hc.AutoReconnect = m.AutoReconnect
	hc.MaxReconnectAttempts = m.MaxReconnectAttempts
	hc.ReconnectDelay = m.ReconnectDelay
	if len(m.TestHosts) > 0 {
		hc.TestHosts = m.TestHosts
	}
	return hc
}

// newHealthChecker creates a checker that reports events on the terminal
// and as desktop notifications.
func (c *CLI) newHealthChecker() *vpn.HealthChecker {
	checker := vpn.NewHealthChecker(c.manager, c.healthConfig())

	checker.SetOnHealthChange(func(id string, oldState, newState vpn.HealthState) {
		c.printf("%s  %s: %s -> %s\n", time.Now().Format("15:04:05"), id, oldState, newState)
		if newState == vpn.HealthUnhealthy {
			c.notify("VPN tunnel lost", id+" is not responding")
		}
	})
	checker.SetOnReconnecting(func(id string, attempt int) {
		c.printf("%s  %s: reconnecting (attempt %d)\n", time.Now().Format("15:04:05"), id, attempt)
	})
	checker.SetOnReconnectFailed(func(id string, err error) {
		c.printf("%s  %s: giving up: %v\n", time.Now().Format("15:04:05"), id, err)
		c.notify("VPN reconnect failed", id+": "+err.Error())
	})
	return checker
}

func (c *CLI) notify(title, message string) {
	if err := c.notifier.Notify(title, message); err != nil {
		c.log.Debug("Notification failed: %v", err)
	}
}

// Monitor reconciles and probes the tunnel until ctx is cancelled.
func (c *CLI) Monitor(ctx context.Context) error {
	checker := c.newHealthChecker()

	c.printf("Monitoring tunnels every %s (auto-reconnect: %t). Press Ctrl+C to stop.\n",
		c.cfg.Monitor.CheckInterval, c.cfg.Monitor.AutoReconnect)

	checker.CheckNow(ctx)
	checker.Start()
	defer checker.Stop()

	c.maintain(ctx)
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.printf("Monitor stopped.\n")
			return nil
		case <-ticker.C:
			c.maintain(ctx)
		}
	}
}

func (c *CLI) maintain(ctx context.Context) {
	common.GetLogger().CheckRotation()
	n, err := c.store.Prune(ctx, common.HistoryRetention)
	if err != nil {
		c.log.Warn("Could not prune history: %v", err)
		return
	}
	if n > 0 {
		c.log.Info("Pruned %d history events", n)
	}
}
