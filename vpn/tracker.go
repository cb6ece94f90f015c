package vpn

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/yllada/ovpn-manager/common"
)

// Commands whose own process-table entries mention the tunnel binary.
var queryTools = map[string]bool{
	"ps":      true,
	"grep":    true,
	"pgrep":   true,
	"pkill":   true,
	"killall": true,
}

// TrackerConfig configures how tunnels are spawned and killed.
type TrackerConfig struct {
	// Binary is the tunnel executable.
	Binary string
	// Escalation lists privilege escalation tools in order of preference.
	Escalation []string
	// KillPollInterval is the pause between process-table polls during a kill.
	KillPollInterval time.Duration
	// KillPollAttempts is the number of polls after each kill strategy.
	KillPollAttempts int
	// CredentialsDir holds the --auth-user-pass files handed to the tunnel.
	CredentialsDir string
}

// DefaultTrackerConfig returns the defaults used by the CLI.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Binary:           common.OpenVPNBinary,
		Escalation:       []string{"pkexec", "sudo"},
		KillPollInterval: common.KillPollInterval,
		KillPollAttempts: common.KillPollAttempts,
		CredentialsDir:   credentialsDir(),
	}
}

// credentialsDir is a per-user directory, in the runtime dir when the
// session has one so the files do not survive a reboot.
func credentialsDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, common.ConfigDirName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", common.ConfigDirName, os.Getuid()))
}

// Tracker reconciles the tunnel this program believes it runs against the
// OS process table, which is the source of truth.
//
// The spawned process handle and the cached connected flag are guarded by
// one mutex and always change together.
type Tracker struct {
	cmd  Commander
	cfg  TrackerConfig
	euid func() int
	log  *common.AppLogger

	mu        sync.Mutex
	handle    Process
	config    string
	credFile  string
	since     time.Time
	connected bool
}

// NewTracker creates a tracker that runs commands through cmd.
func NewTracker(cmd Commander, cfg TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if len(cfg.Escalation) == 0 {
		cfg.Escalation = def.Escalation
	}
	if cfg.KillPollInterval <= 0 {
		cfg.KillPollInterval = def.KillPollInterval
	}
	if cfg.KillPollAttempts <= 0 {
		cfg.KillPollAttempts = def.KillPollAttempts
	}
	if cfg.CredentialsDir == "" {
		cfg.CredentialsDir = def.CredentialsDir
	}
	return &Tracker{
		cmd:  cmd,
		cfg:  cfg,
		euid: os.Geteuid,
		log:  common.GetLogger().With("tracker"),
	}
}

// ParseTunnelConfig scans ps-style output for an OpenVPN process and
// returns the value of its --config argument.
func ParseTunnelConfig(output string) (string, bool) {
	return parseTunnelConfig(output, common.OpenVPNBinary)
}

func parseTunnelConfig(output, binary string) (string, bool) {
	binary = filepath.Base(binary)
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if cfg, ok := matchTunnelLine(scanner.Text(), binary); ok {
			return cfg, true
		}
	}
	return "", false
}

// matchTunnelLine finds the binary token on a process-table line and the
// connection file that follows its config flag.
func matchTunnelLine(line, binary string) (string, bool) {
	tokens := tokenize(line)
	for i, tok := range tokens {
		base := filepath.Base(tok)
		if queryTools[base] {
			return "", false
		}
		if base != binary {
			continue
		}
		for j := i + 1; j < len(tokens); j++ {
			if v, ok := strings.CutPrefix(tokens[j], common.ConfigFlag+"="); ok && v != "" {
				return v, true
			}
			if tokens[j] == common.ConfigFlag && j+1 < len(tokens) {
				return tokens[j+1], true
			}
		}
		return "", false
	}
	return "", false
}

// tokenize splits a line the way a shell would, so quoted or escaped
// arguments stay whole. Lines that do not lex fall back to whitespace.
func tokenize(line string) []string {
	tokens, err := shlex.Split(line)
	if err != nil {
		return strings.Fields(line)
	}
	return tokens
}

func (t *Tracker) processTable(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, common.CommandTimeout)
	defer cancel()

	out, err := t.cmd.Output(ctx, "ps", "aux")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ConnectedTunnelConfig returns the connection file of the first running
// tunnel in the process table. An unreadable table is an error wrapping
// common.ErrTunnel, never "not running".
func (t *Tracker) ConnectedTunnelConfig(ctx context.Context) (string, bool, error) {
	table, err := t.processTable(ctx)
	if err != nil {
		return "", false, fmt.Errorf("%w: reading process table: %v", common.ErrTunnel, err)
	}
	cfg, ok := parseTunnelConfig(table, t.cfg.Binary)
	return cfg, ok, nil
}

// IsConnected reports whether a tunnel process is running and updates the
// cached flag to match. The flag is left alone when the table cannot be read.
func (t *Tracker) IsConnected(ctx context.Context) (bool, error) {
	_, running, err := t.ConnectedTunnelConfig(ctx)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	if t.connected != running {
		t.log.Debug("Cached connected flag %v corrected to %v", t.connected, running)
		t.connected = running
	}
	t.mu.Unlock()

	return running, nil
}

// Status composes the cached flag and the held process handle. A flag
// without a handle is reported as an Error status.
func (t *Tracker) Status() VpnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	hasHandle := t.handle != nil
	switch {
	case t.connected && hasHandle:
		return RestoreStatus(StateConnected, "", "", t.since)
	case !t.connected && !hasHandle:
		return DisconnectedStatus()
	case t.connected && !hasHandle:
		return ErrorStatus(common.ErrInconsistentState.Error() + ": connected flag set but no process handle held")
	default:
		return NewStatus(StateConnecting, "")
	}
}

// TrackedConfig returns the connection file of the tunnel this tracker spawned.
func (t *Tracker) TrackedConfig() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// Spawn starts a tunnel for configPath with elevated privileges.
// Credentials, when present, are handed over in a 0600 file.
func (t *Tracker) Spawn(configPath string, creds common.Credentials) error {
	args := []string{common.ConfigFlag, configPath}

	var credFile string
	if !creds.Empty() {
		f, err := writeCredentialsFile(t.cfg.CredentialsDir, creds)
		if err != nil {
			return fmt.Errorf("%w: writing credentials file: %v", common.ErrTunnel, err)
		}
		credFile = f
		args = append(args, "--auth-user-pass", credFile)
	}

	name, argv, err := t.elevate(t.cfg.Binary, args)
	if err != nil {
		removeCredentialsFile(credFile)
		return fmt.Errorf("%w: %v", common.ErrTunnel, err)
	}

	proc, err := t.cmd.Start(name, argv...)
	if err != nil {
		removeCredentialsFile(credFile)
		return fmt.Errorf("%w: starting %s: %v", common.ErrTunnel, name, err)
	}

	t.mu.Lock()
	previous := t.handle
	previousCred := t.credFile
	t.handle = proc
	t.config = configPath
	t.credFile = credFile
	t.since = time.Now()
	t.connected = true
	t.mu.Unlock()

	if previous != nil {
		t.log.Warn("Replaced tracked tunnel pid %d without killing it", previous.Pid())
		removeCredentialsFile(previousCred)
	}

	t.log.Info("Started %s (pid %d) with config %s", t.cfg.Binary, proc.Pid(), configPath)
	return nil
}

// Disconnect kills the tracked tunnel and waits for it to exit. Handle and
// flag are cleared first, so a kill failure still leaves the tracker clean;
// the failure is returned for the caller to act on.
func (t *Tracker) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	proc := t.handle
	credFile := t.credFile
	t.handle = nil
	t.config = ""
	t.credFile = ""
	t.since = time.Time{}
	t.connected = false
	t.mu.Unlock()

	removeCredentialsFile(credFile)
	if proc == nil {
		return nil
	}

	pid := proc.Pid()
	if err := proc.Kill(); err != nil {
		t.log.Warn("Failed to kill tunnel pid %d: %v", pid, err)
		return fmt.Errorf("%w: killing pid %d: %v", common.ErrConnectionFailed, pid, err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	timer := time.NewTimer(t.cfg.KillPollInterval * time.Duration(t.cfg.KillPollAttempts))
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.log.Debug("Tunnel pid %d exited: %v", pid, err)
		}
	case <-timer.C:
		t.log.Warn("Tunnel pid %d did not exit after kill", pid)
	case <-ctx.Done():
		return ctx.Err()
	}

	t.log.Info("Stopped tunnel pid %d", pid)
	return nil
}

type killStrategy struct {
	name     string
	args     []string
	elevated bool
}

func (t *Tracker) killStrategies() []killStrategy {
	bin := filepath.Base(t.cfg.Binary)
	return []killStrategy{
		{name: "pkill", args: []string{"-TERM", "-x", bin}},
		{name: "pkill", args: []string{"-TERM", "-x", bin}, elevated: true},
		{name: "killall", args: []string{"-KILL", bin}},
		{name: "killall", args: []string{"-KILL", bin}, elevated: true},
	}
}

// KillAll terminates every tunnel process: the tracked handle first, then
// any matching process through successively blunter strategies, polling the
// process table after each. It fails with common.ErrKillFailed when no
// strategy ran successfully and a tunnel is still observed, and with
// common.ErrConnectionFailed when the process table cannot confirm that the
// tunnels are gone. Leftover credential files are removed once none remain.
func (t *Tracker) KillAll(ctx context.Context) error {
	if err := t.Disconnect(ctx); err != nil {
		t.log.Warn("Tracked tunnel: %v", err)
	}

	running, err := t.IsConnected(ctx)
	if err == nil && !running {
		t.sweepCredentials()
		return nil
	}
	if err != nil {
		t.log.Warn("Killing without a process table: %v", err)
	}

	succeeded := false
	for _, s := range t.killStrategies() {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, args := s.name, s.args
		if s.elevated {
			if t.euid() == 0 {
				continue
			}
			var err error
			name, args, err = t.elevate(s.name, s.args)
			if err != nil {
				t.log.Debug("Skipping elevated %s: %v", s.name, err)
				continue
			}
		}

		if _, err := t.cmd.Output(ctx, name, args...); err != nil {
			t.log.Debug("%s %s failed: %v", name, strings.Join(args, " "), err)
		} else {
			succeeded = true
		}

		if t.waitGone(ctx) {
			t.log.Info("All %s processes terminated", t.cfg.Binary)
			t.sweepCredentials()
			return nil
		}
	}

	running, err = t.IsConnected(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("%w: cannot confirm %s stopped: %w", common.ErrConnectionFailed, t.cfg.Binary, err)
	case running && !succeeded:
		return fmt.Errorf("%w: %s still running", common.ErrKillFailed, t.cfg.Binary)
	case running:
		t.log.Warn("%s still observed after kill sequence", t.cfg.Binary)
	default:
		t.sweepCredentials()
	}
	return nil
}

// waitGone polls the process table until no tunnel is observed.
func (t *Tracker) waitGone(ctx context.Context) bool {
	for i := 0; i < t.cfg.KillPollAttempts; i++ {
		if err := sleepContext(ctx, t.cfg.KillPollInterval); err != nil {
			return false
		}
		if running, err := t.IsConnected(ctx); err == nil && !running {
			return true
		}
	}
	return false
}

// elevate wraps a command in the first available escalation tool. Running
// as root needs none.
func (t *Tracker) elevate(name string, args []string) (string, []string, error) {
	if t.euid() == 0 {
		return name, args, nil
	}
	for _, tool := range t.cfg.Escalation {
		if _, err := t.cmd.LookPath(tool); err == nil {
			return tool, append([]string{name}, args...), nil
		}
	}
	return "", nil, fmt.Errorf("%w: tried %s", common.ErrNoEscalation, strings.Join(t.cfg.Escalation, ", "))
}

const credFilePattern = "cred-*"

func writeCredentialsFile(dir string, creds common.Credentials) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(dir, credFilePattern)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.Chmod(0600); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", creds.Username, creds.Password); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeCredentialsFile(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// sweepCredentials removes every credential file, including ones written by
// earlier runs. Call it only once no tunnel is running.
func (t *Tracker) sweepCredentials() {
	files, err := filepath.Glob(filepath.Join(t.cfg.CredentialsDir, credFilePattern))
	if err != nil {
		return
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			t.log.Warn("Could not remove credentials file %s: %v", f, err)
			continue
		}
		t.log.Debug("Removed credentials file %s", f)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
