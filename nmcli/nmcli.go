// Package nmcli manages VPN connections stored in NetworkManager through
// the nmcli command-line client.
package nmcli

import (
	"context"
	"fmt"
	"strings"

	"github.com/yllada/ovpn-manager/common"
)

// Binary is the NetworkManager client executable.
const Binary = "nmcli"

// vpnType is the connection type NetworkManager reports for VPN plugins.
const vpnType = "vpn"

// Runner executes a short-lived command and returns its standard output.
// vpn.ExecCommander satisfies it.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Connection is one NetworkManager connection profile.
type Connection struct {
	Name   string
	UUID   string
	Type   string
	Device string
}

// IsVPN reports whether the connection is a VPN connection.
func (c Connection) IsVPN() bool {
	return c.Type == vpnType
}

// Client wraps nmcli.
type Client struct {
	run Runner
	log *common.AppLogger
}

// New creates a client that runs nmcli through run.
func New(run Runner) *Client {
	return &Client{
		run: run,
		log: common.GetLogger().With("nmcli"),
	}
}

func (c *Client) nmcli(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, common.CommandTimeout)
	defer cancel()

	out, err := c.run.Output(ctx, Binary, args...)
	if err != nil {
		return out, fmt.Errorf("%w: %s %s: %v", common.ErrNetworkManager, Binary, strings.Join(args, " "), err)
	}
	return out, nil
}

func (c *Client) show(ctx context.Context, active bool) ([]Connection, error) {
	args := []string{"-t", "-f", "NAME,UUID,TYPE,DEVICE", "connection", "show"}
	if active {
		args = append(args, "--active")
	}
	out, err := c.nmcli(ctx, args...)
	if err != nil {
		return nil, err
	}

	var vpns []Connection
	for _, conn := range parseConnections(string(out)) {
		if conn.IsVPN() {
			vpns = append(vpns, conn)
		}
	}
	return vpns, nil
}

// List returns every VPN connection known to NetworkManager.
func (c *Client) List(ctx context.Context) ([]Connection, error) {
	return c.show(ctx, false)
}

// Active returns the VPN connections that are currently up.
func (c *Client) Active(ctx context.Context) ([]Connection, error) {
	return c.show(ctx, true)
}

// Import adds an OpenVPN configuration file as a new connection.
func (c *Client) Import(ctx context.Context, file string) error {
	if !common.FileExists(file) {
		return fmt.Errorf("%w: %s", common.ErrInvalidConfig, file)
	}
	if _, err := c.nmcli(ctx, "connection", "import", "type", "openvpn", "file", file); err != nil {
		return err
	}
	c.log.Info("Imported %s into NetworkManager", file)
	return nil
}

// Up activates the named connection after bringing down any active VPN.
func (c *Client) Up(ctx context.Context, name string) error {
	if _, err := c.DisconnectAll(ctx); err != nil {
		c.log.Warn("Could not bring down active VPNs: %v", err)
	}
	if _, err := c.nmcli(ctx, "connection", "up", "id", name); err != nil {
		return err
	}
	c.log.Info("Activated %s", name)
	return nil
}

// Down deactivates the named connection.
func (c *Client) Down(ctx context.Context, name string) error {
	_, err := c.nmcli(ctx, "connection", "down", "id", name)
	return err
}

// Delete removes the named connection from NetworkManager.
func (c *Client) Delete(ctx context.Context, name string) error {
	if _, err := c.nmcli(ctx, "connection", "delete", "id", name); err != nil {
		return err
	}
	c.log.Info("Deleted %s", name)
	return nil
}

// DisconnectAll brings down every active VPN and returns the names that
// went down. Failures on individual connections are logged and skipped.
func (c *Client) DisconnectAll(ctx context.Context) ([]string, error) {
	active, err := c.Active(ctx)
	if err != nil {
		return nil, err
	}

	var down []string
	for _, conn := range active {
		if err := c.Down(ctx, conn.Name); err != nil {
			c.log.Warn("Failed to bring down %s: %v", conn.Name, err)
			continue
		}
		down = append(down, conn.Name)
	}
	return down, nil
}

// parseConnections reads nmcli terse output. Fields are separated by ':'
// and literal colons or backslashes inside a field are escaped with '\'.
func parseConnections(output string) []Connection {
	var conns []Connection
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitTerse(line)
		if len(fields) < 3 {
			continue
		}
		conn := Connection{Name: fields[0], UUID: fields[1], Type: fields[2]}
		if len(fields) > 3 {
			conn.Device = fields[3]
		}
		conns = append(conns, conn)
	}
	return conns
}

func splitTerse(line string) []string {
	var (
		fields  []string
		current strings.Builder
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(fields, current.String())
}
