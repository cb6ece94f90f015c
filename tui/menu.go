// Package tui implements the interactive terminal menu.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/ovpn-manager/vpn"
)

// Backend is the subset of vpn.Manager the menu drives.
type Backend interface {
	ListVpns(ctx context.Context) ([]*vpn.Vpn, error)
	Connect(ctx context.Context, id string) (*vpn.Vpn, error)
	DisconnectCurrent(ctx context.Context) ([]*vpn.Vpn, error)
	ConnectionStatus(ctx context.Context) (*vpn.StatusReport, error)
}

type screen int

const (
	screenMenu screen = iota
	screenProfiles
)

type action int

const (
	actionList action = iota
	actionConnect
	actionDisconnect
	actionStatus
	actionQuit
)

type menuItem struct {
	action      action
	title, desc string
}

func (i menuItem) Title() string       { return i.title }
func (i menuItem) Description() string { return i.desc }
func (i menuItem) FilterValue() string { return i.title }

type profileItem struct {
	v *vpn.Vpn
}

func (i profileItem) Title() string       { return i.v.Label() }
func (i profileItem) Description() string { return i.v.Status().String() }
func (i profileItem) FilterValue() string { return i.v.ID() + " " + i.v.DisplayName() }

var menuItems = []list.Item{
	menuItem{actionList, "List VPNs", "Show every profile and its status"},
	menuItem{actionConnect, "Connect to VPN", "Stop any running tunnel and connect a profile"},
	menuItem{actionDisconnect, "Disconnect current VPN", "Stop the running tunnel"},
	menuItem{actionStatus, "Show connection status", "Report the running tunnel"},
	menuItem{actionQuit, "Exit", "Leave the menu"},
}

// Messages produced by backend commands.
type (
	profilesMsg struct {
		vpns       []*vpn.Vpn
		forConnect bool
		err        error
	}
	resultMsg struct {
		text string
		err  error
	}
)

// Model is the bubbletea model of the menu.
type Model struct {
	ctx     context.Context
	backend Backend

	screen   screen
	menu     list.Model
	profiles list.Model
	spinner  spinner.Model

	busy   bool
	output string
	err    error
}

func newList(title string, items []list.Item) list.Model {
	l := list.New(items, list.NewDefaultDelegate(), 60, 16)
	l.Title = title
	l.SetShowStatusBar(false)
	l.KeyMap.Quit.SetEnabled(false)
	l.KeyMap.ForceQuit.SetEnabled(false)
	return l
}

// New creates the menu model.
func New(ctx context.Context, backend Backend) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return Model{
		ctx:      ctx,
		backend:  backend,
		menu:     newList("OpenVPN Manager", menuItems),
		profiles: newList("Select a VPN", nil),
		spinner:  s,
	}
}

// Run starts the menu and blocks until the user leaves it.
func Run(ctx context.Context, backend Backend) error {
	_, err := tea.NewProgram(New(ctx, backend), tea.WithContext(ctx), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h := msg.Height - 8
		if h < 5 {
			h = 5
		}
		m.menu.SetSize(msg.Width, h)
		m.profiles.SetSize(msg.Width, h)
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case profilesMsg:
		m.busy = false
		if msg.err != nil {
			m.setResult("", msg.err)
			return m, nil
		}
		if msg.forConnect {
			if len(msg.vpns) == 0 {
				m.setResult("No VPN profiles found.", nil)
				return m, nil
			}
			items := make([]list.Item, len(msg.vpns))
			for i, v := range msg.vpns {
				items[i] = profileItem{v}
			}
			m.screen = screenProfiles
			return m, m.profiles.SetItems(items)
		}
		m.setResult(renderProfiles(msg.vpns), nil)
		return m, nil

	case resultMsg:
		m.busy = false
		m.setResult(msg.text, msg.err)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.busy {
			return m, nil
		}
		if m.screen == screenProfiles {
			return m.updateProfiles(msg)
		}
		return m.updateMenu(msg)
	}

	return m, nil
}

func (m Model) updateMenu(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.menu.FilterState() != list.Filtering {
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "enter":
			item, ok := m.menu.SelectedItem().(menuItem)
			if !ok {
				return m, nil
			}
			return m.run(item.action)
		}
	}

	var cmd tea.Cmd
	m.menu, cmd = m.menu.Update(msg)
	return m, cmd
}

func (m Model) updateProfiles(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.profiles.FilterState() != list.Filtering {
		switch msg.String() {
		case "esc", "q":
			m.screen = screenMenu
			return m, nil
		case "enter":
			item, ok := m.profiles.SelectedItem().(profileItem)
			if !ok {
				return m, nil
			}
			m.screen = screenMenu
			return m.start(m.connect(item.v.ID()))
		}
	}

	var cmd tea.Cmd
	m.profiles, cmd = m.profiles.Update(msg)
	return m, cmd
}

func (m Model) run(a action) (tea.Model, tea.Cmd) {
	switch a {
	case actionList:
		return m.start(m.loadProfiles(false))
	case actionConnect:
		return m.start(m.loadProfiles(true))
	case actionDisconnect:
		return m.start(m.disconnect())
	case actionStatus:
		return m.start(m.status())
	default:
		return m, tea.Quit
	}
}

func (m Model) start(cmd tea.Cmd) (tea.Model, tea.Cmd) {
	m.busy = true
	m.err = nil
	return m, tea.Batch(cmd, m.spinner.Tick)
}

func (m *Model) setResult(text string, err error) {
	m.output = text
	m.err = err
}

func (m Model) loadProfiles(forConnect bool) tea.Cmd {
	return func() tea.Msg {
		vpns, err := m.backend.ListVpns(m.ctx)
		return profilesMsg{vpns: vpns, forConnect: forConnect, err: err}
	}
}

func (m Model) connect(id string) tea.Cmd {
	return func() tea.Msg {
		v, err := m.backend.Connect(m.ctx, id)
		if err != nil {
			return resultMsg{err: err}
		}
		return resultMsg{text: "Connected to " + v.Label()}
	}
}

func (m Model) disconnect() tea.Cmd {
	return func() tea.Msg {
		changed, err := m.backend.DisconnectCurrent(m.ctx)
		if err != nil {
			return resultMsg{err: err}
		}
		if len(changed) == 0 {
			return resultMsg{text: "No active VPN connection."}
		}
		names := make([]string, len(changed))
		for i, v := range changed {
			names[i] = v.Label()
		}
		return resultMsg{text: "Disconnected " + strings.Join(names, ", ")}
	}
}

func (m Model) status() tea.Cmd {
	return func() tea.Msg {
		report, err := m.backend.ConnectionStatus(m.ctx)
		if err != nil {
			return resultMsg{err: err}
		}
		return resultMsg{text: renderReport(report)}
	}
}

func renderProfiles(vpns []*vpn.Vpn) string {
	if len(vpns) == 0 {
		return "No VPN profiles found."
	}
	var b strings.Builder
	for i, v := range vpns {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-24s %s", v.Label(), RenderStatus(v.Status()))
	}
	return b.String()
}

func renderReport(report *vpn.StatusReport) string {
	if report.Active == nil {
		if report.ActiveConfig != "" {
			return "Tunnel running with unknown config " + report.ActiveConfig
		}
		return "No active VPN connection."
	}
	return fmt.Sprintf("Connected to %s for %s\nConfig: %s",
		report.Active.Label(),
		FormatDuration(report.Active.Status().Uptime()),
		report.ActiveConfig)
}

func (m Model) View() string {
	var b strings.Builder
	if m.screen == screenProfiles {
		b.WriteString(m.profiles.View())
	} else {
		b.WriteString(m.menu.View())
	}
	b.WriteString("\n")

	switch {
	case m.busy:
		b.WriteString(m.spinner.View() + " Working...")
	case m.err != nil:
		b.WriteString(OutputStyle.Render(ErrorStyle.Render("Error: " + m.err.Error())))
	case m.output != "":
		b.WriteString(OutputStyle.Render(m.output))
	}
	b.WriteString("\n")

	help := "enter: select • /: filter • q: quit"
	if m.screen == screenProfiles {
		help = "enter: connect • /: filter • esc: back"
	}
	b.WriteString(HelpStyle.Render(help))
	return b.String()
}
