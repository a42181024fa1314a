package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-yaml"
)

// OutputFormat selects how a result is printed.
type OutputFormat string

const (
	FormatYAML  OutputFormat = "yaml"
	FormatJSON  OutputFormat = "json"
	FormatTable OutputFormat = "table"
)

// Tabular is implemented by results that can be printed as a table.
type Tabular interface {
	Header() []string
	Rows() [][]string
}

// OutputOptions configures Output.
type OutputOptions struct {
	Format OutputFormat
	// File is written instead of stdout when set.
	File string
	// Indent is the JSON indentation; default two spaces.
	Indent string
	// Writer overrides File and stdout.
	Writer io.Writer
}

// Output prints result.
func Output(result any, opts OutputOptions) error {
	var w io.Writer = os.Stdout
	if opts.Writer != nil {
		w = opts.Writer
	} else if opts.File != "" {
		f, err := os.Create(opts.File)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch opts.Format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		indent := opts.Indent
		if indent == "" {
			indent = "  "
		}
		enc.SetIndent("", indent)
		return enc.Encode(result)
	case FormatYAML, "":
		data, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		_, err = w.Write(data)
		return err
	case FormatTable:
		t, ok := result.(Tabular)
		if !ok {
			return fmt.Errorf("%T cannot be shown as a table", result)
		}
		_, err := fmt.Fprintln(w, RenderTable(t, NewStyles(DefaultTheme)))
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", opts.Format)
	}
}

// RenderTable draws t with rounded borders.
func RenderTable(t Tabular, s Styles) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.Border).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.Label.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(t.Header()...).
		Rows(t.Rows()...).
		String()
}

// PrintSuccess prints a success line to stdout.
func PrintSuccess(format string, args ...any) {
	fmt.Println(successStyle.Render("✓") + " " + fmt.Sprintf(format, args...))
}

// PrintError prints an error line to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" "+fmt.Sprintf(format, args...))
}

// PrintInfo prints an informational line to stdout.
func PrintInfo(format string, args ...any) {
	fmt.Println(dimStyle.Render("ℹ") + " " + fmt.Sprintf(format, args...))
}

var (
	successStyle = lipgloss.NewStyle().Foreground(DefaultTheme.Primary)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(DefaultTheme.Alert)
	dimStyle     = lipgloss.NewStyle().Foreground(DefaultTheme.Dim)
)
