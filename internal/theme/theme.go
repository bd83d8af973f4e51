package theme

import "github.com/charmbracelet/lipgloss"

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

var (
	// HeaderStyle is used for section titles.
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite).
			Background(ColorBlue).
			Padding(0, 1)

	// PanelStyle wraps a message body.
	PanelStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	Bold     = lipgloss.NewStyle().Bold(true)
	Muted    = lipgloss.NewStyle().Foreground(ColorGray)
	Success  = lipgloss.NewStyle().Foreground(ColorGreen)
	ErrStyle = lipgloss.NewStyle().Foreground(ColorRed)

	// UnreadStyle highlights rows the admin has not opened yet.
	UnreadStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorWhite)
)

// StateStyle returns a color-coded style for a connection state name.
func StateStyle(state string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch state {
	case "connected":
		return base.Foreground(ColorGreen)
	case "connecting":
		return base.Foreground(ColorBlue)
	case "reconnecting":
		return base.Foreground(ColorYellow)
	case "disconnected":
		return base.Foreground(ColorRed)
	default:
		return base.Foreground(ColorGray)
	}
}

// MarkerStyle renders the one-character status column of a message row.
func MarkerStyle(unread, important bool) string {
	switch {
	case important:
		return lipgloss.NewStyle().Foreground(ColorOrange).Render("!")
	case unread:
		return lipgloss.NewStyle().Foreground(ColorBlue).Render("●")
	default:
		return Muted.Render("·")
	}
}
