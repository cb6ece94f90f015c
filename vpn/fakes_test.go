package vpn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/ovpn-manager/common"
)

var errNotPermitted = errors.New("operation not permitted")

// fakeCommander simulates a process table. Started commands appear in ps
// output until they are killed by their handle or by pkill/killall.
type fakeCommander struct {
	mu      sync.Mutex
	nextPID int
	procs   map[int]string
	paths   map[string]bool
	calls   []string

	// StartFunc, when set, replaces the default Start behaviour.
	StartFunc func(name string, args ...string) (Process, error)
	// killErr makes handle kills fail.
	killErr error
	// elevatedOnly makes unelevated pkill/killall fail with EPERM.
	elevatedOnly bool
	// unkillable makes every pkill/killall fail.
	unkillable bool
	// psErr makes the process-table query fail.
	psErr error
	// credDir is shared by trackers built by newTestTracker.
	credDir string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		nextPID: 1000,
		procs:   make(map[int]string),
		paths:   map[string]bool{"pkexec": true, "sudo": true},
	}
}

// addExternal simulates a tunnel that this process did not start.
func (f *fakeCommander) addExternal(cmdline string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.procs[f.nextPID] = cmdline
	return f.nextPID
}

func (f *fakeCommander) running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	pids := make([]int, 0, len(f.procs))
	for pid := range f.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	out := make([]string, 0, len(pids))
	for _, pid := range pids {
		out = append(out, f.procs[pid])
	}
	return out
}

func (f *fakeCommander) setPsErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.psErr = err
}

func (f *fakeCommander) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCommander) countCalls(prefix string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeCommander) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(append([]string{name}, args...), " "))

	elevated := false
	if name == "pkexec" || name == "sudo" {
		elevated = true
		name, args = args[0], args[1:]
	}

	switch name {
	case "ps":
		if f.psErr != nil {
			return nil, f.psErr
		}
		var b strings.Builder
		b.WriteString("USER         PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND\n")
		pids := make([]int, 0, len(f.procs))
		for pid := range f.procs {
			pids = append(pids, pid)
		}
		sort.Ints(pids)
		for _, pid := range pids {
			fmt.Fprintf(&b, "root     %7d  0.0  0.1  12345  6789 ?        Ss   10:00   0:00 %s\n", pid, f.procs[pid])
		}
		return []byte(b.String()), nil
	case "pkill", "killall":
		if f.unkillable || (f.elevatedOnly && !elevated) {
			return nil, errNotPermitted
		}
		target := args[len(args)-1]
		removed := 0
		for pid, cmdline := range f.procs {
			for _, tok := range strings.Fields(cmdline) {
				if filepath.Base(tok) == target {
					delete(f.procs, pid)
					removed++
					break
				}
			}
		}
		if removed == 0 {
			return nil, errors.New("exit status 1")
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

func (f *fakeCommander) Start(name string, args ...string) (Process, error) {
	if f.StartFunc != nil {
		return f.StartFunc(name, args...)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cmdline := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, cmdline)
	f.nextPID++
	f.procs[f.nextPID] = cmdline
	return &fakeProcess{pid: f.nextPID, owner: f, done: make(chan struct{})}, nil
}

func (f *fakeCommander) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paths[name] {
		return "/usr/bin/" + name, nil
	}
	return "", exec.ErrNotFound
}

type fakeProcess struct {
	pid   int
	owner *fakeCommander
	done  chan struct{}
	once  sync.Once
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.owner.mu.Lock()
	err := p.owner.killErr
	if err == nil {
		delete(p.owner.procs, p.pid)
	}
	p.owner.mu.Unlock()
	if err != nil {
		return err
	}
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

// newTestTracker builds a tracker over fc. Trackers sharing fc share one
// credentials directory, like separate runs on one machine.
func newTestTracker(t *testing.T, fc *fakeCommander) *Tracker {
	t.Helper()
	fc.mu.Lock()
	if fc.credDir == "" {
		fc.credDir = t.TempDir()
	}
	fc.mu.Unlock()

	tr := NewTracker(fc, TrackerConfig{
		Binary:           common.OpenVPNBinary,
		Escalation:       []string{"pkexec", "sudo"},
		KillPollInterval: time.Millisecond,
		KillPollAttempts: 2,
		CredentialsDir:   fc.credDir,
	})
	tr.euid = func() int { return 1000 }
	return tr
}

// writeProfile creates a minimal valid client profile in dir.
func writeProfile(t *testing.T, dir, filename string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte("client\ndev tun\nremote vpn.example.com 1194\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}
