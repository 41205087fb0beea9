package tui

import "github.com/charmbracelet/lipgloss"

var (
	ColorNavy  = lipgloss.Color("#1B2A4A")
	ColorWhite = lipgloss.Color("#F5F5F5")
	ColorGray  = lipgloss.Color("245")
	ColorGreen = lipgloss.Color("#49E209")
	ColorRed   = lipgloss.Color("196")
	ColorBlue  = lipgloss.Color("39")
)

var (
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorGray).
			Padding(0, 1)

	activeSectionStyle = sectionStyle.
				BorderForeground(ColorBlue)

	chartTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	helpStyle = lipgloss.NewStyle().
			Foreground(ColorGray).
			Italic(true)

	headerStyle = lipgloss.NewStyle().
			Background(ColorNavy).
			Foreground(ColorWhite).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(ColorGray).
			Width(12)

	errorStyle = lipgloss.NewStyle().
			Foreground(ColorRed)
)

// defectColors keys bar colors by defect type.
var defectColors = map[string]lipgloss.Color{
	"scratches":    lipgloss.Color("214"),
	"rusting":      lipgloss.Color("166"),
	"fracture":     lipgloss.Color("196"),
	"deformation":  lipgloss.Color("135"),
	"unclassified": lipgloss.Color("244"),
}

func defectStyle(dt string) lipgloss.Style {
	c, ok := defectColors[dt]
	if !ok {
		c = ColorGray
	}
	return lipgloss.NewStyle().Foreground(c).Background(c)
}
