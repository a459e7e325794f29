package sink

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles and icons used by the terminal sink.
type Theme struct {
	Name    string
	Class   lipgloss.Style
	Success lipgloss.Style
	Skip    lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Icons   ThemeIcons
}

// ThemeIcons is the glyph set for a theme.
type ThemeIcons struct {
	Pass    string
	Fail    string
	Skip    string
	Done    string
	Running string
}

// DefaultTheme returns a vibrant color theme.
func DefaultTheme() Theme {
	return Theme{
		Name:    "default",
		Class:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true), // blue
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("34")),            // green
		Skip:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),           // orange
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),           // red
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("242")),           // gray
		Icons:   ThemeIcons{Pass: "✓", Fail: "✗", Skip: "⊘", Done: "●", Running: "○"},
	}
}

// OrcaTheme returns a muted theme.
func OrcaTheme() Theme {
	return Theme{
		Name:    "orca",
		Class:   lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("108")),
		Skip:    lipgloss.NewStyle().Foreground(lipgloss.Color("179")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("167")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Icons:   ThemeIcons{Pass: "✓", Fail: "✗", Skip: "-", Done: "·", Running: "○"},
	}
}

// MonoTheme has no colors and ASCII icons.
func MonoTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Name:    "mono",
		Class:   plain,
		Success: plain,
		Skip:    plain,
		Error:   plain,
		Muted:   plain,
		Icons:   ThemeIcons{Pass: "+", Fail: "x", Skip: "-", Done: "*", Running: "-"},
	}
}

// ThemeByName returns a theme by name, defaulting to DefaultTheme.
func ThemeByName(name string) Theme {
	switch name {
	case "orca":
		return OrcaTheme()
	case "mono":
		return MonoTheme()
	default:
		return DefaultTheme()
	}
}
