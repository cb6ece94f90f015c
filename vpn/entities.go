package vpn

import (
	"fmt"
	"strings"
	"time"

	"github.com/yllada/ovpn-manager/common"
)

// ConnectionState represents the believed state of a VPN profile.
type ConnectionState int

const (
	// StateDisconnected indicates no active tunnel for the profile.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the tunnel is being started.
	StateConnecting
	// StateConnected indicates the tunnel process was spawned.
	StateConnected
	// StateDisconnecting indicates the tunnel is being terminated.
	StateDisconnecting
	// StateError indicates the last operation failed; see VpnStatus.Message.
	StateError
)

var stateKeys = map[ConnectionState]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateError:         "error",
}

// String returns a human-readable representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting..."
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Key returns the stable lowercase name used for persistence.
func (s ConnectionState) Key() string {
	if k, ok := stateKeys[s]; ok {
		return k
	}
	return "unknown"
}

// ParseConnectionState is the inverse of Key.
func ParseConnectionState(key string) (ConnectionState, bool) {
	for state, k := range stateKeys {
		if k == key {
			return state, true
		}
	}
	return StateDisconnected, false
}

// VpnStatus is a point-in-time connection state for one profile.
// Values are immutable; a state change replaces the whole status.
type VpnStatus struct {
	state          ConnectionState
	message        string
	ipAddress      string
	connectedSince time.Time
}

// NewStatus builds a status for state. connected_since is stamped with the
// current time when state is StateConnected and left unset otherwise.
func NewStatus(state ConnectionState, ipAddress string) VpnStatus {
	s := VpnStatus{state: state, ipAddress: ipAddress}
	if state == StateConnected {
		s.connectedSince = time.Now()
	}
	return s
}

// ErrorStatus builds an Error status carrying message.
func ErrorStatus(message string) VpnStatus {
	return VpnStatus{state: StateError, message: message}
}

// DisconnectedStatus is the initial status of every profile.
func DisconnectedStatus() VpnStatus {
	return VpnStatus{state: StateDisconnected}
}

// RestoreStatus rebuilds a persisted status. The connected_since value is
// dropped unless state is StateConnected, and a connected status without a
// timestamp is stamped with the current time.
func RestoreStatus(state ConnectionState, message, ipAddress string, connectedSince time.Time) VpnStatus {
	s := VpnStatus{state: state, ipAddress: ipAddress}
	if state == StateError {
		s.message = message
	}
	if state == StateConnected {
		s.connectedSince = connectedSince
		if s.connectedSince.IsZero() {
			s.connectedSince = time.Now()
		}
	}
	return s
}

// State returns the connection state.
func (s VpnStatus) State() ConnectionState { return s.state }

// Message returns the error message of an Error status.
func (s VpnStatus) Message() string { return s.message }

// IPAddress returns the tunnel address, empty if unknown.
func (s VpnStatus) IPAddress() string { return s.ipAddress }

// ConnectedSince returns when the tunnel came up. ok is false unless the
// state is StateConnected.
func (s VpnStatus) ConnectedSince() (t time.Time, ok bool) {
	return s.connectedSince, !s.connectedSince.IsZero()
}

// Uptime returns how long the tunnel has been connected.
func (s VpnStatus) Uptime() time.Duration {
	if s.connectedSince.IsZero() {
		return 0
	}
	return time.Since(s.connectedSince)
}

// Equal reports whether two statuses are identical.
func (s VpnStatus) Equal(o VpnStatus) bool {
	return s.state == o.state &&
		s.message == o.message &&
		s.ipAddress == o.ipAddress &&
		s.connectedSince.Equal(o.connectedSince)
}

func (s VpnStatus) String() string {
	if s.state == StateError && s.message != "" {
		return fmt.Sprintf("%s: %s", s.state, s.message)
	}
	return s.state.String()
}

// Vpn identifies one importable profile and its believed status.
type Vpn struct {
	id          string
	displayName string
	configPath  string
	status      VpnStatus
}

// NewVpn creates a profile in the Disconnected state.
// It fails with common.ErrEmptyID or common.ErrEmptyConfigPath.
func NewVpn(id, displayName, configPath string) (*Vpn, error) {
	if strings.TrimSpace(id) == "" {
		return nil, common.ErrEmptyID
	}
	if strings.TrimSpace(configPath) == "" {
		return nil, common.ErrEmptyConfigPath
	}
	return &Vpn{
		id:          id,
		displayName: displayName,
		configPath:  configPath,
		status:      DisconnectedStatus(),
	}, nil
}

func (v *Vpn) ID() string          { return v.id }
func (v *Vpn) DisplayName() string { return v.displayName }
func (v *Vpn) ConfigPath() string  { return v.configPath }
func (v *Vpn) Status() VpnStatus   { return v.status }

// UpdateStatus replaces the status.
func (v *Vpn) UpdateStatus(status VpnStatus) {
	v.status = status
}

func (v *Vpn) IsConnected() bool    { return v.status.state == StateConnected }
func (v *Vpn) IsConnecting() bool   { return v.status.state == StateConnecting }
func (v *Vpn) IsDisconnected() bool { return v.status.state == StateDisconnected }

// Equal compares every field, including the full status.
func (v *Vpn) Equal(o *Vpn) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.id == o.id &&
		v.displayName == o.displayName &&
		v.configPath == o.configPath &&
		v.status.Equal(o.status)
}

// Label returns "DisplayName (id)", or the id alone when the name is unknown.
func (v *Vpn) Label() string {
	if v.displayName == "" || v.displayName == common.UnknownDisplayName {
		return v.id
	}
	return fmt.Sprintf("%s (%s)", v.displayName, v.id)
}
