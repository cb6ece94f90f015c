package vpn

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/yllada/ovpn-manager/common"
)

func TestParseTunnelConfig(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
		wantOK bool
	}{
		{
			name:   "plain tunnel",
			output: "root 4242 0.0 0.1 1 1 ? Ss 10:00 0:00 openvpn --config /x/y.ovpn",
			want:   "/x/y.ovpn",
			wantOK: true,
		},
		{
			name: "escalated with extra args",
			output: "USER PID %CPU %MEM VSZ RSS TTY STAT START TIME COMMAND\n" +
				"u 1 0.0 0.0 1 1 pts/0 S 10:00 0:00 sudo /usr/sbin/openvpn --verb 3 --config /home/u/.connectvpn.conf/David_cruz.ovpn --auth-user-pass /tmp/c",
			want:   "/home/u/.connectvpn.conf/David_cruz.ovpn",
			wantOK: true,
		},
		{
			name:   "equals form",
			output: "root 7 0.0 0.0 1 1 ? S 10:00 0:00 openvpn --config=/etc/openvpn/a.ovpn",
			want:   "/etc/openvpn/a.ovpn",
			wantOK: true,
		},
		{
			name:   "quoted path with spaces",
			output: `root 7 0.0 0.0 1 1 ? S 10:00 0:00 openvpn --config '/x/My VPN.ovpn'`,
			want:   "/x/My VPN.ovpn",
			wantOK: true,
		},
		{
			name:   "unbalanced quote falls back to whitespace",
			output: `root 7 0.0 0.0 1 1 ? S 10:00 0:00 openvpn --config /x/a.ovpn --setenv X 'oops`,
			want:   "/x/a.ovpn",
			wantOK: true,
		},
		{
			name:   "first match wins",
			output: "root 1 0 0 1 1 ? S 10:00 0:00 openvpn --config /first.ovpn\nroot 2 0 0 1 1 ? S 10:00 0:00 openvpn --config /second.ovpn",
			want:   "/first.ovpn",
			wantOK: true,
		},
		{
			name:   "grep excluded",
			output: "u 99 0.0 0.0 1 1 pts/0 S+ 10:00 0:00 grep --color=auto openvpn --config /x/y.ovpn",
		},
		{
			name:   "pkill excluded",
			output: "u 99 0.0 0.0 1 1 pts/0 S+ 10:00 0:00 pkill -TERM -x openvpn",
		},
		{
			name:   "tunnel without config flag",
			output: "root 1 0.0 0.0 1 1 ? S 10:00 0:00 openvpn --daemon",
		},
		{
			name:   "flag without value",
			output: "root 1 0.0 0.0 1 1 ? S 10:00 0:00 openvpn --config",
		},
		{
			name:   "similar binary name",
			output: "root 1 0.0 0.0 1 1 ? S 10:00 0:00 openvpn3 --config /x/y.ovpn",
		},
		{
			name:   "empty",
			output: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTunnelConfig(tt.output)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseTunnelConfig() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTracker_Status(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		handle    bool
		want      ConnectionState
	}{
		{"connected with handle", true, true, StateConnected},
		{"idle", false, false, StateDisconnected},
		{"flag without handle", true, false, StateError},
		{"handle without flag", false, true, StateConnecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(t, newFakeCommander())
			tr.connected = tt.connected
			if tt.handle {
				tr.handle = &fakeProcess{pid: 1, done: make(chan struct{})}
			}

			got := tr.Status()
			if got.State() != tt.want {
				t.Errorf("Status() = %v, want %v", got, tt.want)
			}
			if tt.want == StateError && !strings.Contains(got.Message(), common.ErrInconsistentState.Error()) {
				t.Errorf("Status().Message() = %q", got.Message())
			}
			if _, ok := got.ConnectedSince(); ok != (tt.want == StateConnected) {
				t.Errorf("ConnectedSince() set = %v for %v", ok, tt.want)
			}
		})
	}
}

func TestTracker_SpawnEscalation(t *testing.T) {
	tests := []struct {
		name     string
		paths    map[string]bool
		euid     int
		wantCall string
		wantErr  error
	}{
		{"prefers pkexec", map[string]bool{"pkexec": true, "sudo": true}, 1000, "pkexec openvpn --config /p/a.ovpn", nil},
		{"falls back to sudo", map[string]bool{"sudo": true}, 1000, "sudo openvpn --config /p/a.ovpn", nil},
		{"root needs none", map[string]bool{}, 0, "openvpn --config /p/a.ovpn", nil},
		{"no tool available", map[string]bool{}, 1000, "", common.ErrNoEscalation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCommander()
			fc.paths = tt.paths
			tr := newTestTracker(t, fc)
			tr.euid = func() int { return tt.euid }

			err := tr.Spawn("/p/a.ovpn", common.Credentials{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, common.ErrTunnel) {
					t.Fatalf("Spawn() error = %v, want %v", err, tt.wantErr)
				}
				if len(fc.running()) != 0 {
					t.Error("no process should be started")
				}
				return
			}
			if err != nil {
				t.Fatalf("Spawn() error = %v", err)
			}
			if diff := cmp.Diff([]string{tt.wantCall}, fc.callLog()); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
			if tr.Status().State() != StateConnected {
				t.Errorf("Status() = %v, want Connected", tr.Status())
			}
			if tr.TrackedConfig() != "/p/a.ovpn" {
				t.Errorf("TrackedConfig() = %q", tr.TrackedConfig())
			}
		})
	}
}

func TestTracker_SpawnWithCredentials(t *testing.T) {
	fc := newFakeCommander()
	tr := newTestTracker(t, fc)

	if err := tr.Spawn("/p/a.ovpn", common.Credentials{Username: "alice", Password: "s3cret"}); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	args := strings.Fields(fc.callLog()[0])
	var credFile string
	for i, a := range args {
		if a == "--auth-user-pass" && i+1 < len(args) {
			credFile = args[i+1]
		}
	}
	if credFile == "" {
		t.Fatalf("--auth-user-pass missing from %v", args)
	}

	info, err := os.Stat(credFile)
	if err != nil {
		t.Fatalf("credentials file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("credentials file mode = %v, want 0600", info.Mode().Perm())
	}
	data, _ := os.ReadFile(credFile)
	if string(data) != "alice\ns3cret\n" {
		t.Errorf("credentials file content = %q", data)
	}

	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, err := os.Stat(credFile); !os.IsNotExist(err) {
		t.Error("credentials file should be removed on disconnect")
	}
}

func TestTracker_IsConnectedSyncsFlag(t *testing.T) {
	fc := newFakeCommander()
	tr := newTestTracker(t, fc)
	ctx := context.Background()

	if running, err := tr.IsConnected(ctx); err != nil || running {
		t.Fatalf("IsConnected() = %v, %v with empty process table", running, err)
	}

	fc.addExternal("openvpn --config /p/old.ovpn")
	if running, err := tr.IsConnected(ctx); err != nil || !running {
		t.Fatalf("IsConnected() = %v, %v with a tunnel running", running, err)
	}
	// A tunnel from an earlier run: flag set, no handle held.
	if got := tr.Status().State(); got != StateError {
		t.Errorf("Status() = %v, want Error", got)
	}
	if cfg, ok, err := tr.ConnectedTunnelConfig(ctx); err != nil || !ok || cfg != "/p/old.ovpn" {
		t.Errorf("ConnectedTunnelConfig() = %q, %v, %v", cfg, ok, err)
	}
}

func TestTracker_UnreadableProcessTable(t *testing.T) {
	fc := newFakeCommander()
	tr := newTestTracker(t, fc)
	ctx := context.Background()

	fc.addExternal("openvpn --config /p/old.ovpn")
	if _, err := tr.IsConnected(ctx); err != nil {
		t.Fatal(err)
	}

	fc.setPsErr(errors.New("ps: not found"))
	if _, _, err := tr.ConnectedTunnelConfig(ctx); !errors.Is(err, common.ErrTunnel) {
		t.Errorf("ConnectedTunnelConfig() error = %v, want %v", err, common.ErrTunnel)
	}
	running, err := tr.IsConnected(ctx)
	if !errors.Is(err, common.ErrTunnel) {
		t.Errorf("IsConnected() error = %v, want %v", err, common.ErrTunnel)
	}
	if running {
		t.Error("IsConnected() = true on error")
	}
	// The cached flag is not repaired from a failed read.
	if got := tr.Status().State(); got != StateError {
		t.Errorf("Status() = %v, want the flag kept (Error: flag without handle)", got)
	}
}

func TestTracker_KillAllUnreadableProcessTable(t *testing.T) {
	fc := newFakeCommander()
	fc.addExternal("/usr/sbin/openvpn --config /etc/openvpn/other.ovpn")
	fc.setPsErr(errors.New("ps: not found"))
	tr := newTestTracker(t, fc)

	err := tr.KillAll(context.Background())
	if !errors.Is(err, common.ErrConnectionFailed) {
		t.Fatalf("KillAll() error = %v, want %v", err, common.ErrConnectionFailed)
	}
	if fc.countCalls("pkill -TERM -x openvpn") == 0 {
		t.Errorf("kill strategies should still run, calls = %v", fc.callLog())
	}
}

func TestTracker_KillAllSweepsCredentials(t *testing.T) {
	fc := newFakeCommander()
	first := newTestTracker(t, fc)
	if err := first.Spawn("/p/a.ovpn", common.Credentials{Username: "u", Password: "s3cret"}); err != nil {
		t.Fatal(err)
	}
	stale, err := os.ReadDir(fc.credDir)
	if err != nil || len(stale) != 1 {
		t.Fatalf("credentials dir = %v, %v, want one file", stale, err)
	}

	// A later run only knows the tunnel from the process table.
	second := newTestTracker(t, fc)
	if err := second.KillAll(context.Background()); err != nil {
		t.Fatalf("KillAll() error = %v", err)
	}
	left, err := os.ReadDir(fc.credDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("credentials files left = %v", left)
	}
}

func TestTracker_DisconnectKillFailure(t *testing.T) {
	fc := newFakeCommander()
	tr := newTestTracker(t, fc)
	if err := tr.Spawn("/p/a.ovpn", common.Credentials{}); err != nil {
		t.Fatal(err)
	}

	fc.killErr = errNotPermitted
	err := tr.Disconnect(context.Background())
	if !errors.Is(err, common.ErrConnectionFailed) {
		t.Errorf("Disconnect() error = %v, want %v", err, common.ErrConnectionFailed)
	}
	if got := tr.Status().State(); got != StateDisconnected {
		t.Errorf("Status() after failed kill = %v, want Disconnected", got)
	}
}

func TestTracker_KillAll(t *testing.T) {
	tests := []struct {
		name         string
		external     bool
		elevatedOnly bool
		unkillable   bool
		wantErr      error
		wantCalls    []string
	}{
		{
			name:      "nothing running",
			wantCalls: []string{"ps aux"},
		},
		{
			name:      "targeted signal suffices",
			external:  true,
			wantCalls: []string{"ps aux", "pkill -TERM -x openvpn", "ps aux"},
		},
		{
			name:         "needs elevation",
			external:     true,
			elevatedOnly: true,
			wantCalls: []string{
				"ps aux",
				"pkill -TERM -x openvpn", "ps aux", "ps aux",
				"pkexec pkill -TERM -x openvpn", "ps aux",
			},
		},
		{
			name:       "unkillable",
			external:   true,
			unkillable: true,
			wantErr:    common.ErrKillFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCommander()
			fc.elevatedOnly = tt.elevatedOnly
			fc.unkillable = tt.unkillable
			if tt.external {
				fc.addExternal("openvpn --config /p/old.ovpn")
			}
			tr := newTestTracker(t, fc)
			ctx := context.Background()

			err := tr.KillAll(ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("KillAll() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if fc.countCalls("pkexec killall") != 1 {
					t.Errorf("every strategy should be tried, calls = %v", fc.callLog())
				}
				return
			}
			if diff := cmp.Diff(tt.wantCalls, fc.callLog()); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
			if running, _ := tr.IsConnected(ctx); running {
				t.Error("tunnel still observed after KillAll()")
			}
		})
	}
}

func TestTracker_KillAllKillsTrackedHandle(t *testing.T) {
	fc := newFakeCommander()
	tr := newTestTracker(t, fc)
	if err := tr.Spawn("/p/a.ovpn", common.Credentials{}); err != nil {
		t.Fatal(err)
	}

	if err := tr.KillAll(context.Background()); err != nil {
		t.Fatalf("KillAll() error = %v", err)
	}
	if len(fc.running()) != 0 {
		t.Errorf("running = %v, want none", fc.running())
	}
	if fc.countCalls("pkill") != 0 {
		t.Error("no pkill needed once the handle is killed")
	}
	if tr.Status().State() != StateDisconnected {
		t.Errorf("Status() = %v", tr.Status())
	}
}
