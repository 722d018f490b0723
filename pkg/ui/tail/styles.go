package tail

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for audit stream lines.
type theme struct {
	header    lipgloss.Style
	timestamp lipgloss.Style
	kind      lipgloss.Style
	okCode    lipgloss.Style
	failCode  lipgloss.Style
	uid       lipgloss.Style
	source    lipgloss.Style
	text      lipgloss.Style
	hint      lipgloss.Style
}

// defaultTheme keeps the retro terminal palette.
func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		timestamp: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		kind: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("44")).
			Padding(0, 1),
		okCode: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		failCode: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		uid: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),
		source: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		text: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
	}
}
