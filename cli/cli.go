// Package cli provides the command-line interface for ovpn-manager.
// Every operation of the connection manager is reachable from the
// terminal, and the interactive menu starts when no command is given.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/yllada/ovpn-manager/common"
	"github.com/yllada/ovpn-manager/config"
	"github.com/yllada/ovpn-manager/keyring"
	"github.com/yllada/ovpn-manager/nmcli"
	"github.com/yllada/ovpn-manager/notify"
	"github.com/yllada/ovpn-manager/store"
	"github.com/yllada/ovpn-manager/tui"
	"github.com/yllada/ovpn-manager/vpn"
)

// CLI represents the command-line interface.
type CLI struct {
	cfg      *config.Config
	out      io.Writer
	repo     *vpn.FileRepository
	store    *store.SQLiteStore
	manager  *vpn.Manager
	creds    *keyring.Store
	notifier *notify.Notifier
	nm       *nmcli.Client
	log      *common.AppLogger
}

// New wires the application from cfg. Output goes to out.
func New(cfg *config.Config, out io.Writer) (*CLI, error) {
	return newCLI(cfg, out, vpn.NewExecCommander())
}

func newCLI(cfg *config.Config, out io.Writer, cmd vpn.Commander) (*CLI, error) {
	dbPath, err := cfg.ResolvedStateDB()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	configDir, err := common.GetConfigDir()
	if err != nil {
		st.Close()
		return nil, err
	}

	repo := vpn.NewFileRepository(cfg.ResolvedProfilesDir(), st)
	tracker := vpn.NewTracker(cmd, vpn.TrackerConfig{
		Binary:           cfg.OpenVPNBinary,
		Escalation:       cfg.Escalation,
		KillPollInterval: cfg.KillPollInterval,
		KillPollAttempts: cfg.KillPollAttempts,
	})
	creds := keyring.New(configDir, cfg.UseKeyring)
	notifier := notify.New(cfg.ShowNotifications, cmd)
	managerCfg := vpn.DefaultManagerConfig()
	managerCfg.SettleDelay = cfg.SettleDelay
	managerCfg.Credentials = creds
	managerCfg.Notifier = notifier
	manager := vpn.NewManager(repo, tracker, managerCfg)

	return &CLI{
		cfg:      cfg,
		out:      out,
		repo:     repo,
		store:    st,
		manager:  manager,
		creds:    creds,
		notifier: notifier,
		nm:       nmcli.New(cmd),
		log:      common.GetLogger().With("cli"),
	}, nil
}

// Close releases the state database.
func (c *CLI) Close() error {
	return c.store.Close()
}

func (c *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
}

// ListProfiles lists all VPN profiles with their reconciled status.
func (c *CLI) ListProfiles(ctx context.Context) error {
	vpns, err := c.manager.ListVpns(ctx)
	if err != nil {
		return err
	}

	if len(vpns) == 0 {
		c.printf("No VPN profiles found in %s.\n", c.repo.Dir())
		c.printf("Use '%s import <file.ovpn>' to add one.\n", common.BinaryName)
		return nil
	}

	w := c.table()
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tUPTIME")
	fmt.Fprintln(w, "--\t----\t------\t------")
	for _, v := range vpns {
		uptime := "-"
		if v.IsConnected() {
			uptime = tui.FormatDuration(v.Status().Uptime())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID(), v.DisplayName(), tui.RenderStatus(v.Status()), uptime)
	}
	return w.Flush()
}

// Connect connects to a VPN profile by name or ID.
func (c *CLI) Connect(ctx context.Context, nameOrID string) error {
	id, err := c.resolve(ctx, nameOrID)
	if err != nil {
		return err
	}

	c.printf("Connecting to %s...\n", id)
	v, err := c.manager.Connect(ctx, id)
	if err != nil {
		return err
	}
	c.printf("✓ Connected to %s\n", v.Label())
	return nil
}

// Disconnect disconnects from a VPN profile by name or ID.
// If no profile is specified, the running tunnel is stopped.
func (c *CLI) Disconnect(ctx context.Context, nameOrID string) error {
	if nameOrID == "" {
		changed, err := c.manager.DisconnectCurrent(ctx)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			c.printf("No active connections.\n")
			return nil
		}
		for _, v := range changed {
			c.printf("✓ Disconnected from %s\n", v.Label())
		}
		return nil
	}

	id, err := c.resolve(ctx, nameOrID)
	if err != nil {
		return err
	}
	c.printf("Disconnecting from %s...\n", id)
	v, err := c.manager.Disconnect(ctx, id)
	if err != nil {
		return err
	}
	c.printf("✓ Disconnected from %s\n", v.Label())
	return nil
}

// Kill terminates every tunnel process, including ones started elsewhere.
func (c *CLI) Kill(ctx context.Context) error {
	if err := c.manager.ForceKillAll(ctx); err != nil {
		return err
	}
	c.printf("✓ All %s processes terminated\n", c.cfg.OpenVPNBinary)
	return nil
}

// Status shows the current connection status.
func (c *CLI) Status(ctx context.Context) error {
	report, err := c.manager.ConnectionStatus(ctx)
	if err != nil {
		return err
	}

	switch {
	case report.Active != nil:
		status := report.Active.Status()
		c.printf("Active VPN: %s - %s\n", report.Active.Label(), tui.RenderStatus(status))
		c.printf("  Uptime: %s\n", tui.FormatDuration(status.Uptime()))
		c.printf("  Config: %s\n", report.ActiveConfig)
	case report.ActiveConfig != "":
		c.printf("Tunnel running with a config outside %s:\n  %s\n", c.repo.Dir(), report.ActiveConfig)
	default:
		c.printf("No active VPN connections.\n")
	}

	for _, v := range report.Profiles {
		if v.Status().State() == vpn.StateError {
			c.printf("  %s: %s\n", v.Label(), tui.RenderStatus(v.Status()))
		}
	}
	return nil
}

// Import copies an .ovpn file into the profiles directory.
func (c *CLI) Import(ctx context.Context, file, name string) error {
	v, err := c.repo.Import(ctx, common.ExpandHome(file), name)
	if err != nil {
		return err
	}
	c.printf("✓ Imported %s\n", v.Label())
	c.printf("Use '%s connect %s' to connect.\n", common.BinaryName, v.ID())
	return nil
}

// Rename sets the display name of a profile.
func (c *CLI) Rename(ctx context.Context, nameOrID, name string) error {
	id, err := c.resolve(ctx, nameOrID)
	if err != nil {
		return err
	}
	if err := c.repo.SetDisplayName(ctx, id, name); err != nil {
		return err
	}
	c.printf("✓ Renamed %s to %q\n", id, strings.TrimSpace(name))
	return nil
}

// Remove deletes a profile, its history and stored credentials.
func (c *CLI) Remove(ctx context.Context, nameOrID string) error {
	id, err := c.resolve(ctx, nameOrID)
	if err != nil {
		return err
	}
	v, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if v.IsConnected() || v.IsConnecting() {
		return fmt.Errorf("%s is connected, disconnect it first", v.Label())
	}

	if err := c.repo.Remove(ctx, id); err != nil {
		return err
	}
	if err := c.creds.Delete(id); err != nil {
		c.log.Warn("Could not delete credentials for %s: %v", id, err)
	}
	c.printf("✓ Removed %s\n", v.Label())
	return nil
}

// History prints the most recent connection events of a profile.
func (c *CLI) History(ctx context.Context, nameOrID string, limit int) error {
	id, err := c.resolve(ctx, nameOrID)
	if err != nil {
		return err
	}
	events, err := c.store.History(ctx, id, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		c.printf("No history for %s.\n", id)
		return nil
	}

	w := c.table()
	fmt.Fprintln(w, "TIME\tSTATE\tMESSAGE")
	fmt.Fprintln(w, "----\t-----\t-------")
	for _, e := range events {
		msg := e.Message
		if msg == "" {
			msg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			e.At.Local().Format("2006-01-02 15:04:05"),
			tui.StateStyle(e.State).Render(e.State.String()),
			msg)
	}
	return w.Flush()
}

// SetCredentials stores the username and password used for a profile.
func (c *CLI) SetCredentials(ctx context.Context, nameOrID, username, password string) error {
	id, err := c.resolve(ctx, nameOrID)
	if err != nil {
		return err
	}
	if err := c.creds.Store(id, common.Credentials{Username: username, Password: password}); err != nil {
		return err
	}
	c.printf("✓ Credentials saved for %s (%s)\n", id, c.creds.Backend())
	return nil
}

// DeleteCredentials forgets the stored credentials of a profile.
func (c *CLI) DeleteCredentials(ctx context.Context, nameOrID string) error {
	id, err := c.resolve(ctx, nameOrID)
	if err != nil {
		return err
	}
	if err := c.creds.Delete(id); err != nil {
		return err
	}
	c.printf("✓ Credentials deleted for %s\n", id)
	return nil
}

// Menu starts the interactive menu.
func (c *CLI) Menu(ctx context.Context) error {
	return tui.Run(ctx, c.manager)
}

// resolve finds a profile by ID, then by name or ID (case-insensitive),
// then by unique ID prefix.
func (c *CLI) resolve(ctx context.Context, nameOrID string) (string, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return "", common.ErrEmptyID
	}

	vpns, err := c.repo.ListAll(ctx)
	if err != nil {
		return "", err
	}

	lower := strings.ToLower(nameOrID)
	var prefixed []string
	for _, v := range vpns {
		if v.ID() == nameOrID {
			return v.ID(), nil
		}
	}
	for _, v := range vpns {
		if strings.ToLower(v.ID()) == lower || strings.ToLower(v.DisplayName()) == lower {
			return v.ID(), nil
		}
		if strings.HasPrefix(strings.ToLower(v.ID()), lower) {
			prefixed = append(prefixed, v.ID())
		}
	}

	switch len(prefixed) {
	case 1:
		return prefixed[0], nil
	case 0:
		return "", fmt.Errorf("%w: %s", common.ErrProfileNotFound, nameOrID)
	default:
		return "", fmt.Errorf("%q is ambiguous: %s", nameOrID, strings.Join(prefixed, ", "))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, common.ErrProfileNotFound), errors.Is(err, common.ErrEmptyID):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
