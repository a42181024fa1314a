package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the colour scheme of the terminal output.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Alert   lipgloss.Color
}

// DefaultTheme is bright green on the terminal background.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Alert:   lipgloss.Color("#ff5f56"),
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Border lipgloss.Style
	Help   lipgloss.Style
	On     lipgloss.Style
	Off    lipgloss.Style
}

// NewStyles derives the styles of t.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Label:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Help:   lipgloss.NewStyle().Foreground(t.Dim),
		On:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#000000")).Background(t.Primary).Padding(0, 1),
		Off:    lipgloss.NewStyle().Foreground(t.Dim).Padding(0, 1),
	}
}

// Indicator is one named lamp of the status line.
type Indicator struct {
	Name string
	On   bool
}

// Section is a titled block of lines. Only the last lines that fit are
// shown.
type Section struct {
	Label string
	Lines []string
}

// Frame is one redraw of a long-running command's status screen.
type Frame struct {
	Styles     Styles
	Title      string
	Status     string
	Indicators []Indicator
	Sections   []Section
	Help       string
}

// Render draws the frame into width columns and at most height rows.
func (f Frame) Render(width, height int) string {
	if width < 10 || height < 5 {
		return f.Title + " [" + f.Status + "]"
	}
	inner := width - 4

	var lamps []string
	for _, ind := range f.Indicators {
		st := f.Styles.Off
		if ind.On {
			st = f.Styles.On
		}
		lamps = append(lamps, st.Render(ind.Name))
	}
	head := []string{
		f.Styles.Title.Render(f.Title) + " " + f.Styles.Help.Render("["+f.Status+"]"),
	}
	if len(lamps) > 0 {
		head = append(head, lipgloss.JoinHorizontal(lipgloss.Top, lamps...))
	}

	// borders, the header and the help line are fixed
	budget := height - 3 - len(head) - 1
	n := max(len(f.Sections), 1)
	rows := max(budget/n-1, 1)

	body := head
	for _, sec := range f.Sections {
		body = append(body, "", f.Styles.Label.Render(sec.Label))
		lines := sec.Lines
		if len(lines) > rows {
			lines = lines[len(lines)-rows:]
		}
		for _, l := range lines {
			body = append(body, truncate(l, inner))
		}
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(f.Styles.Border.GetForeground()).
		Padding(0, 1).
		Width(width - 2).
		Render(strings.Join(body, "\n"))
	return box + "\n" + f.Styles.Help.Render(f.Help)
}

// truncate cuts s to width display cells, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	if width <= 1 || lipgloss.Width(s) <= width {
		return s
	}
	w := 0
	for i, r := range s {
		rw := lipgloss.Width(string(r))
		if w+rw > width-1 {
			return s[:i] + "…"
		}
		w += rw
	}
	return s
}
