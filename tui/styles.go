package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/ovpn-manager/vpn"
)

// Palette shared by the menu and the CLI tables.
var (
	colorConnected    = lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}
	colorTransitional = lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"}
	colorError        = lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}
	colorMuted        = lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"}
	colorAccent       = lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"}
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			MarginBottom(1)

	OutputStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)

	HelpStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	ErrorStyle = lipgloss.NewStyle().Foreground(colorError).Bold(true)
)

// StateStyle returns the style used to render state.
func StateStyle(state vpn.ConnectionState) lipgloss.Style {
	s := lipgloss.NewStyle()
	switch state {
	case vpn.StateConnected:
		return s.Foreground(colorConnected).Bold(true)
	case vpn.StateConnecting, vpn.StateDisconnecting:
		return s.Foreground(colorTransitional)
	case vpn.StateError:
		return s.Foreground(colorError)
	default:
		return s.Foreground(colorMuted)
	}
}

// RenderStatus renders a status with its colour.
func RenderStatus(status vpn.VpnStatus) string {
	return StateStyle(status.State()).Render(status.String())
}

// FormatDuration formats a duration in a human-readable format.
func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
