package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yllada/ovpn-manager/common"
	"github.com/yllada/ovpn-manager/config"
)

// BuildInfo carries the version injected at build time.
type BuildInfo struct {
	Version   string
	BuildTime string
	Commit    string
}

// skipSetup marks commands that run without loading config or state.
const skipSetup = "skip-setup"

// rootOptions holds the persistent flags and the wired application.
type rootOptions struct {
	configPath string
	verbose    bool
	info       BuildInfo
	app        *CLI
	stdin      io.Reader
}

// Execute runs the command line and returns the process exit status.
func Execute(ctx context.Context, info BuildInfo) int {
	defer common.CloseLogger()

	root := NewRootCommand(info)
	err := root.ExecuteContext(ctx)
	if err != nil {
		common.LogError("%v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// NewRootCommand builds the command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	opts := &rootOptions{info: info, stdin: os.Stdin}

	root := &cobra.Command{
		Use:   common.BinaryName,
		Short: "Manage OpenVPN tunnels from the terminal",
		Long: `ovpn-manager keeps at most one OpenVPN tunnel running at a time.

Profiles are the .ovpn files in the profiles directory (default ~/.connectvpn.conf).
Connecting to a profile first terminates every running openvpn process.
Run without a command on a terminal to open the interactive menu.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if opts.app == nil {
				return nil
			}
			return opts.app.Close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
				return opts.app.Menu(cmd.Context())
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default ~/.config/ovpn-manager/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		listCommand(opts),
		connectCommand(opts),
		disconnectCommand(opts),
		killCommand(opts),
		statusCommand(opts),
		importCommand(opts),
		renameCommand(opts),
		removeCommand(opts),
		historyCommand(opts),
		credentialsCommand(opts),
		nmCommand(opts),
		monitorCommand(opts),
		menuCommand(opts),
		versionCommand(opts),
	)
	return root
}

// setup loads config, starts logging and wires the application.
func (o *rootOptions) setup(cmd *cobra.Command, _ []string) error {
	if !needsSetup(cmd) {
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFrom(common.ExpandHome(o.configPath))
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	level := common.ParseLogLevel(cfg.LogLevel)
	if o.verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       level,
		EnableFile:  cfg.LogToFile,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	if _, err := exec.LookPath(cfg.OpenVPNBinary); err != nil {
		common.LogWarn("%s is not installed on the system", cfg.OpenVPNBinary)
	}

	app, err := New(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	o.app = app
	return nil
}

// needsSetup reports whether cmd touches profiles or state.
func needsSetup(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipSetup] != "" || c.Name() == "help" || c.Name() == "completion" {
			return false
		}
	}
	return !strings.HasPrefix(cmd.Name(), "__")
}

func listCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List VPN profiles and their status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.app.ListProfiles(cmd.Context())
		},
	}
}

func connectCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <profile>",
		Short: "Terminate running tunnels and connect a profile",
		Long: `Connect terminates every running openvpn process, waits for the system to
settle and starts a tunnel for the profile. The profile may be given by id,
display name or a unique id prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.app.Connect(cmd.Context(), args[0])
		},
	}
}

func disconnectCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [profile]",
		Short: "Stop a profile's tunnel, or the running tunnel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return o.app.Disconnect(cmd.Context(), id)
		},
	}
}

func killCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Force-terminate every openvpn process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.app.Kill(cmd.Context())
		},
	}
}

func statusCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.app.Status(cmd.Context())
		},
	}
}

func importCommand(o *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <file.ovpn>",
		Short: "Copy an OpenVPN file into the profiles directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.app.Import(cmd.Context(), args[0], name)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name for the profile")
	return cmd
}

func renameCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <profile> <name>",
		Short: "Set the display name of a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.app.Rename(cmd.Context(), args[0], args[1])
		},
	}
}

func removeCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <profile>",
		Aliases: []string{"rm"},
		Short:   "Delete a profile, its history and credentials",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.app.Remove(cmd.Context(), args[0])
		},
	}
}

func historyCommand(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <profile>",
		Short: "Show recent connection events of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.app.History(cmd.Context(), args[0], limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of events to show (0 for all)")
	return cmd
}

func credentialsCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage the username and password passed to openvpn",
	}

	var username string
	set := &cobra.Command{
		Use:   "set <profile>",
		Short: "Store credentials for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, password, err := o.promptCredentials(cmd.ErrOrStderr(), username)
			if err != nil {
				return err
			}
			return o.app.SetCredentials(cmd.Context(), args[0], user, password)
		},
	}
	set.Flags().StringVarP(&username, "username", "u", "", "username (prompted when omitted)")

	del := &cobra.Command{
		Use:   "delete <profile>",
		Short: "Delete stored credentials of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.app.DeleteCredentials(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

// promptCredentials asks for missing values. The password is read without
// echo on a terminal and as a plain line otherwise.
func (o *rootOptions) promptCredentials(prompt io.Writer, username string) (string, string, error) {
	reader := bufio.NewReader(o.stdin)

	if username == "" {
		fmt.Fprint(prompt, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", err
		}
		username = strings.TrimSpace(line)
	}

	fmt.Fprint(prompt, "Password: ")
	var password string
	if f, ok := o.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", "", err
		}
		password = string(raw)
	} else {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", err
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if username == "" || password == "" {
		return "", "", fmt.Errorf("%w: username and password are required", common.ErrCredentialStorage)
	}
	return username, password, nil
}

func nmCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nm",
		Short: "Manage VPN connections stored in NetworkManager",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List NetworkManager VPN connections",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.app.NMList(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "import <file.ovpn>",
			Short: "Import an OpenVPN file into NetworkManager",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.app.NMImport(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "up <name>",
			Short: "Bring down active VPNs and activate a connection",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.app.NMUp(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "down [name]",
			Short: "Deactivate a connection, or every active VPN",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var name string
				if len(args) == 1 {
					name = args[0]
				}
				return o.app.NMDown(cmd.Context(), name)
			},
		},
		&cobra.Command{
			Use:   "remove <name>",
			Short: "Delete a NetworkManager connection",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.app.NMRemove(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func monitorCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch the tunnel and reconnect it when it dies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.app.Monitor(cmd.Context())
		},
	}
}

func menuCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Open the interactive menu",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.app.Menu(cmd.Context())
		},
	}
}

func versionCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version and exit",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s v%s\n", common.AppName, o.info.Version)
			if o.info.BuildTime != "unknown" && o.info.BuildTime != "" {
				fmt.Fprintf(out, "  Build:  %s\n", o.info.BuildTime)
				fmt.Fprintf(out, "  Commit: %s\n", o.info.Commit)
			}
		},
	}
}
