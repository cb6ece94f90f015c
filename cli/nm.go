package cli

import (
	"context"
	"fmt"

	"github.com/yllada/ovpn-manager/common"
)

// NMList prints the VPN connections stored in NetworkManager.
func (c *CLI) NMList(ctx context.Context) error {
	conns, err := c.nm.List(ctx)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		c.printf("No VPN connections found in NetworkManager.\n")
		c.printf("Use '%s nm import <file.ovpn>' to add one.\n", common.BinaryName)
		return nil
	}

	active, err := c.nm.Active(ctx)
	if err != nil {
		c.log.Warn("Could not query active connections: %v", err)
	}
	up := make(map[string]bool, len(active))
	for _, a := range active {
		up[a.UUID] = true
	}

	w := c.table()
	fmt.Fprintln(w, "NAME\tUUID\tACTIVE")
	fmt.Fprintln(w, "----\t----\t------")
	for _, conn := range conns {
		state := "no"
		if up[conn.UUID] {
			state = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", conn.Name, conn.UUID, state)
	}
	return w.Flush()
}

// NMImport adds an OpenVPN file to NetworkManager.
func (c *CLI) NMImport(ctx context.Context, file string) error {
	if err := c.nm.Import(ctx, common.ExpandHome(file)); err != nil {
		return err
	}
	c.printf("✓ Imported %s into NetworkManager\n", file)
	return nil
}

// NMUp activates a NetworkManager VPN connection.
func (c *CLI) NMUp(ctx context.Context, name string) error {
	c.printf("Connecting to %s...\n", name)
	if err := c.nm.Up(ctx, name); err != nil {
		return err
	}
	c.printf("✓ Connected to %s\n", name)
	return nil
}

// NMDown deactivates one NetworkManager VPN connection, or all of them when
// name is empty.
func (c *CLI) NMDown(ctx context.Context, name string) error {
	if name != "" {
		if err := c.nm.Down(ctx, name); err != nil {
			return err
		}
		c.printf("✓ Disconnected from %s\n", name)
		return nil
	}

	down, err := c.nm.DisconnectAll(ctx)
	if err != nil {
		return err
	}
	if len(down) == 0 {
		c.printf("No active VPN connections.\n")
	}
	for _, n := range down {
		c.printf("✓ Disconnected from %s\n", n)
	}
	return nil
}

// NMRemove deletes a NetworkManager VPN connection.
func (c *CLI) NMRemove(ctx context.Context, name string) error {
	if err := c.nm.Delete(ctx, name); err != nil {
		return err
	}
	c.printf("✓ Removed %s from NetworkManager\n", name)
	return nil
}
