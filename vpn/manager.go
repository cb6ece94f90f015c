package vpn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/yllada/ovpn-manager/common"
)

// Status message stored when a tunnel believed connected is gone from the process table.
const tunnelLostMessage = "tunnel process not running"

// ManagerConfig holds the optional collaborators of a Manager.
type ManagerConfig struct {
	// SettleDelay is how long to wait after killing tunnels before spawning.
	SettleDelay time.Duration
	// Credentials supplies --auth-user-pass data per profile. May be nil.
	Credentials common.CredentialStore
	// Notifier receives connect/disconnect events. May be nil.
	Notifier common.Notifier
}

// DefaultManagerConfig returns the defaults used by the CLI.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{SettleDelay: common.SettleDelay}
}

// StatusReport is the reconciled view returned by ConnectionStatus.
type StatusReport struct {
	// Tunnel is the tracker's own view of the process it manages.
	Tunnel VpnStatus
	// ActiveConfig is the connection file of the running tunnel, if any.
	ActiveConfig string
	// Active is the profile whose tunnel is running, or nil.
	Active *Vpn
	// Profiles lists every profile after reconciliation.
	Profiles []*Vpn
}

// Manager orchestrates tunnel connections and enforces that at most one
// tunnel runs at a time.
type Manager struct {
	repo    Repository
	tracker *Tracker
	config  ManagerConfig
	log     *common.AppLogger

	// opMu serialises operations that start or stop tunnels, and the
	// status rewrites of reconciliation.
	opMu sync.Mutex
}

// NewManager creates a connection manager.
func NewManager(repo Repository, tracker *Tracker, config ManagerConfig) *Manager {
	if config.SettleDelay < 0 {
		config.SettleDelay = 0
	}
	return &Manager{
		repo:    repo,
		tracker: tracker,
		config:  config,
		log:     common.GetLogger().With("manager"),
	}
}

// Tracker returns the process tracker.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Connect kills every running tunnel, waits for the OS to reap them and
// starts a tunnel for id. A failed spawn leaves the profile in the Error
// state and returns an error wrapping common.ErrTunnel.
func (m *Manager) Connect(ctx context.Context, id string) (*Vpn, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.forceKillAll(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConnectionFailed, err)
	}

	if err := sleepContext(ctx, m.config.SettleDelay); err != nil {
		return nil, err
	}

	v, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.transition(ctx, v, NewStatus(StateConnecting, "")); err != nil {
		return v, err
	}

	if err := m.tracker.Spawn(v.ConfigPath(), m.credentialsFor(id)); err != nil {
		m.log.Error("Failed to start tunnel for %s: %v", id, err)
		if saveErr := m.transition(ctx, v, ErrorStatus(err.Error())); saveErr != nil {
			m.log.Error("Could not record failure for %s: %v", id, saveErr)
		}
		m.notify("VPN connection failed", fmt.Sprintf("%s: %v", v.Label(), err))
		return v, fmt.Errorf("%w: %s: %w", common.ErrConnectionFailed, id, err)
	}

	if err := m.transition(ctx, v, NewStatus(StateConnected, "")); err != nil {
		return v, err
	}

	m.log.Info("Connected %s", id)
	m.notify("VPN connected", v.Label())
	return v, nil
}

// Disconnect stops the tunnel of profile id. When the tunnel was started by
// another run and survives the tracked kill, the force-kill sequence runs.
func (m *Manager) Disconnect(ctx context.Context, id string) (*Vpn, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	v, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.transition(ctx, v, NewStatus(StateDisconnecting, "")); err != nil {
		return v, err
	}

	if err := m.tracker.Disconnect(ctx); err != nil {
		m.log.Warn("Tracked tunnel for %s: %v", id, err)
	}

	active, running, err := m.tracker.ConnectedTunnelConfig(ctx)
	escalate := err != nil || (running && samePath(active, v.ConfigPath()))
	switch {
	case err != nil:
		m.log.Warn("Cannot confirm tunnel for %s stopped, escalating to force kill: %v", id, err)
	case escalate:
		m.log.Info("Tunnel for %s still running, escalating to force kill", id)
	case !running:
		m.tracker.sweepCredentials()
	}
	if escalate {
		if err := m.tracker.KillAll(ctx); err != nil {
			if saveErr := m.transition(ctx, v, ErrorStatus(err.Error())); saveErr != nil {
				m.log.Error("Could not record failure for %s: %v", id, saveErr)
			}
			return v, fmt.Errorf("%w: %w", common.ErrConnectionFailed, err)
		}
	}

	if err := m.transition(ctx, v, NewStatus(StateDisconnected, "")); err != nil {
		return v, err
	}

	m.log.Info("Disconnected %s", id)
	m.notify("VPN disconnected", v.Label())
	return v, nil
}

// DisconnectCurrent stops whatever tunnel is running and marks every
// Connected or Connecting profile as Disconnected. It does nothing when no
// tunnel is observed, so repeated calls are harmless.
func (m *Manager) DisconnectCurrent(ctx context.Context) ([]*Vpn, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	running, err := m.tracker.IsConnected(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConnectionFailed, err)
	}
	if !running {
		m.log.Debug("No tunnel running")
		m.tracker.sweepCredentials()
		return nil, nil
	}

	if err := m.tracker.Disconnect(ctx); err != nil {
		m.log.Warn("Tracked tunnel: %v", err)
	}
	if still, err := m.tracker.IsConnected(ctx); err != nil || still {
		if err := m.tracker.KillAll(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrConnectionFailed, err)
		}
	} else {
		m.tracker.sweepCredentials()
	}

	changed, err := m.markAllDisconnected(ctx)
	if err != nil {
		return changed, err
	}
	m.notify("VPN disconnected", "The active tunnel was stopped")
	return changed, nil
}

// ForceKillAll terminates every tunnel process and marks every Connected or
// Connecting profile as Disconnected.
func (m *Manager) ForceKillAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.forceKillAll(ctx)
}

func (m *Manager) forceKillAll(ctx context.Context) error {
	if err := m.tracker.KillAll(ctx); err != nil {
		return err
	}
	_, err := m.markAllDisconnected(ctx)
	return err
}

func (m *Manager) markAllDisconnected(ctx context.Context) ([]*Vpn, error) {
	all, err := m.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var changed []*Vpn
	for _, v := range all {
		if !v.IsConnected() && !v.IsConnecting() {
			continue
		}
		if err := m.transition(ctx, v, NewStatus(StateDisconnected, "")); err != nil {
			return changed, err
		}
		changed = append(changed, v)
	}
	return changed, nil
}

// ListVpns returns every profile with its status reconciled against the
// process table. Status is rewritten only where the observed connection
// differs from the believed one, so connected_since survives repeated calls.
// When the process table cannot be read the stored statuses are returned.
func (m *Manager) ListVpns(ctx context.Context) ([]*Vpn, error) {
	all, _, err := m.reconcile(ctx)
	if err != nil && all != nil && errors.Is(err, common.ErrTunnel) {
		m.log.Warn("Listing stored statuses: %v", err)
		return all, nil
	}
	return all, err
}

// ConnectionStatus reconciles like ListVpns and reports the running tunnel.
// It fails when the process table cannot be read.
func (m *Manager) ConnectionStatus(ctx context.Context) (*StatusReport, error) {
	all, active, err := m.reconcile(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Tunnel:       m.tracker.Status(),
		ActiveConfig: active,
		Profiles:     all,
	}
	for _, v := range all {
		if v.IsConnected() {
			report.Active = v
			break
		}
	}
	return report, nil
}

// Current returns the connected profile, or nil when no tunnel runs.
func (m *Manager) Current(ctx context.Context) (*Vpn, error) {
	report, err := m.ConnectionStatus(ctx)
	if err != nil {
		return nil, err
	}
	return report.Active, nil
}

func (m *Manager) reconcile(ctx context.Context) ([]*Vpn, string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	all, err := m.repo.ListAll(ctx)
	if err != nil {
		return nil, "", err
	}

	active, running, err := m.tracker.ConnectedTunnelConfig(ctx)
	if err != nil {
		return all, "", err
	}
	for _, v := range all {
		observed := running && samePath(active, v.ConfigPath())
		if observed == v.IsConnected() {
			continue
		}

		next := NewStatus(StateConnected, "")
		if !observed {
			next = ErrorStatus(tunnelLostMessage)
		}
		m.log.Info("Reconciled %s: %s -> %s", v.ID(), v.Status(), next)
		if err := m.transition(ctx, v, next); err != nil {
			return all, active, err
		}
	}
	return all, active, nil
}

// transition replaces the status of v and persists it.
func (m *Manager) transition(ctx context.Context, v *Vpn, status VpnStatus) error {
	v.UpdateStatus(status)
	if err := m.repo.Save(ctx, v); err != nil {
		return err
	}
	return nil
}

func (m *Manager) credentialsFor(id string) common.Credentials {
	if m.config.Credentials == nil {
		return common.Credentials{}
	}
	creds, err := m.config.Credentials.Get(id)
	if err != nil {
		if !errors.Is(err, common.ErrCredentialsNotFound) {
			m.log.Warn("Could not read credentials for %s: %v", id, err)
		}
		return common.Credentials{}
	}
	return creds
}

func (m *Manager) notify(title, message string) {
	if m.config.Notifier == nil {
		return
	}
	if err := m.config.Notifier.Notify(title, message); err != nil {
		m.log.Debug("Notification failed: %v", err)
	}
}

// IsTunnelLost reports whether status records a tunnel that exited on its own.
func IsTunnelLost(status VpnStatus) bool {
	return status.State() == StateError && status.Message() == tunnelLostMessage
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
