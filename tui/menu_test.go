package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/ovpn-manager/vpn"
)

type fakeBackend struct {
	vpns      []*vpn.Vpn
	connected []string
	err       error
}

func (b *fakeBackend) ListVpns(context.Context) ([]*vpn.Vpn, error) {
	return b.vpns, b.err
}

func (b *fakeBackend) Connect(_ context.Context, id string) (*vpn.Vpn, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, v := range b.vpns {
		if v.ID() == id {
			v.UpdateStatus(vpn.NewStatus(vpn.StateConnected, ""))
			b.connected = append(b.connected, id)
			return v, nil
		}
	}
	return nil, errors.New("vpn not found")
}

func (b *fakeBackend) DisconnectCurrent(context.Context) ([]*vpn.Vpn, error) {
	var changed []*vpn.Vpn
	for _, v := range b.vpns {
		if v.IsConnected() {
			v.UpdateStatus(vpn.DisconnectedStatus())
			changed = append(changed, v)
		}
	}
	return changed, b.err
}

func (b *fakeBackend) ConnectionStatus(context.Context) (*vpn.StatusReport, error) {
	report := &vpn.StatusReport{Profiles: b.vpns}
	for _, v := range b.vpns {
		if v.IsConnected() {
			report.Active = v
			report.ActiveConfig = v.ConfigPath()
		}
	}
	return report, b.err
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	var vpns []*vpn.Vpn
	for _, p := range [][3]string{
		{"David_cruz", "Dynamic", "/p/David_cruz.ovpn"},
		{"julian", "Howden", "/p/julian.ovpn"},
	} {
		v, err := vpn.NewVpn(p[0], p[1], p[2])
		if err != nil {
			t.Fatal(err)
		}
		vpns = append(vpns, v)
	}
	return &fakeBackend{vpns: vpns}
}

// send feeds msg to m and runs the returned commands until the model settles.
// Spinner ticks are dropped so nothing sleeps.
func send(t *testing.T, m tea.Model, msg tea.Msg) (tea.Model, bool) {
	t.Helper()
	m, cmd := m.Update(msg)
	queue := []tea.Cmd{cmd}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if c == nil {
			continue
		}
		switch msg := c().(type) {
		case nil, spinner.TickMsg:
		case tea.QuitMsg:
			return m, true
		case tea.BatchMsg:
			queue = append(queue, msg...)
		default:
			var next tea.Cmd
			m, next = m.Update(msg)
			queue = append(queue, next)
		}
	}
	return m, false
}

func key(k string) tea.KeyMsg {
	switch k {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func output(m tea.Model) string {
	mm := m.(Model)
	if mm.err != nil {
		return "Error: " + mm.err.Error()
	}
	return mm.output
}

func TestMenu_ListVpns(t *testing.T) {
	b := newFakeBackend(t)
	m, _ := send(t, New(context.Background(), b), tea.WindowSizeMsg{Width: 80, Height: 40})

	m, _ = send(t, m, key("enter"))

	out := output(m)
	for _, want := range []string{"Dynamic (David_cruz)", "Howden (julian)", "Disconnected"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMenu_ConnectFlow(t *testing.T) {
	b := newFakeBackend(t)
	m, _ := send(t, New(context.Background(), b), tea.WindowSizeMsg{Width: 80, Height: 40})

	m, _ = send(t, m, key("down"))
	m, _ = send(t, m, key("enter"))
	if m.(Model).screen != screenProfiles {
		t.Fatalf("screen = %v, want profile picker", m.(Model).screen)
	}

	m, _ = send(t, m, key("down"))
	m, _ = send(t, m, key("enter"))

	if len(b.connected) != 1 || b.connected[0] != "julian" {
		t.Errorf("connected = %v, want [julian]", b.connected)
	}
	if got := output(m); got != "Connected to Howden (julian)" {
		t.Errorf("output = %q", got)
	}
	if m.(Model).screen != screenMenu {
		t.Error("should return to the menu after connecting")
	}

	// Status then disconnect.
	m, _ = send(t, m, key("down"))
	m, _ = send(t, m, key("down"))
	m, _ = send(t, m, key("enter"))
	if !strings.Contains(output(m), "Connected to Howden (julian)") {
		t.Errorf("status output = %q", output(m))
	}

	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyUp})
	m, _ = send(t, m, key("enter"))
	if got := output(m); got != "Disconnected Howden (julian)" {
		t.Errorf("disconnect output = %q", got)
	}
}

func TestMenu_PickerEscape(t *testing.T) {
	b := newFakeBackend(t)
	m, _ := send(t, New(context.Background(), b), tea.WindowSizeMsg{Width: 80, Height: 40})
	m, _ = send(t, m, key("down"))
	m, _ = send(t, m, key("enter"))
	m, _ = send(t, m, key("esc"))

	if m.(Model).screen != screenMenu {
		t.Error("esc should return to the menu")
	}
	if len(b.connected) != 0 {
		t.Error("nothing should be connected")
	}
}

func TestMenu_BackendError(t *testing.T) {
	b := newFakeBackend(t)
	b.err = errors.New("repository error")
	m, _ := send(t, New(context.Background(), b), tea.WindowSizeMsg{Width: 80, Height: 40})

	m, _ = send(t, m, key("enter"))
	if got := output(m); got != "Error: repository error" {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(m.View(), "repository error") {
		t.Error("View() should show the error")
	}
}

func TestMenu_Quit(t *testing.T) {
	tests := []struct {
		name string
		keys []tea.KeyMsg
	}{
		{"q", []tea.KeyMsg{key("q")}},
		{"ctrl+c", []tea.KeyMsg{{Type: tea.KeyCtrlC}}},
		{"exit item", []tea.KeyMsg{key("down"), key("down"), key("down"), key("down"), key("enter")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m tea.Model = New(context.Background(), newFakeBackend(t))
			m, _ = send(t, m, tea.WindowSizeMsg{Width: 80, Height: 40})
			var quit bool
			for _, k := range tt.keys {
				m, quit = send(t, m, k)
			}
			if !quit {
				t.Error("expected the menu to quit")
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{3*time.Minute + 2*time.Second, "3m 2s"},
		{2*time.Hour + 5*time.Minute, "2h 5m 0s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatDuration(tt.d); got != tt.want {
				t.Errorf("FormatDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
