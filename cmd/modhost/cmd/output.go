package cmd

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/health"
)

// Logger adapts a charmbracelet logger to modhost.Logger.
type Logger struct {
	l *log.Logger
}

var _ modhost.Logger = (*Logger)(nil)

// NewLogger creates a logger writing to w. verbose enables debug output
// with timestamps.
func NewLogger(w io.Writer, verbose bool) *Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return &Logger{l: log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: verbose,
	})}
}

func (l *Logger) Info(msg string, args ...any)  { l.l.Info(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.l.Error(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.l.Warn(msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.l.Debug(msg, args...) }

var (
	colorGreen  = lipgloss.Color("82")
	colorYellow = lipgloss.Color("220")
	colorRed    = lipgloss.Color("204")
	colorBorder = lipgloss.Color("240")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(1)
)

// renderTable renders rows under headers with a normal border.
func renderTable(headers []string, rows [][]string) string {
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, row := range rows {
		tbl.Row(row...)
	}
	return tbl.String()
}

func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return lipgloss.NewStyle().Foreground(colorGreen)
	case health.StatusDegraded:
		return lipgloss.NewStyle().Foreground(colorYellow)
	case health.StatusUnhealthy:
		return lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	default:
		return lipgloss.NewStyle()
	}
}

// dependencySummary renders declared dependencies as "name range".
func dependencySummary(m modhost.Module) string {
	versioned := make(map[string]bool)
	var parts []string
	for _, d := range m.DependencyModules() {
		versioned[d.ModuleName] = true
		p := d.ModuleName
		if d.VersionRange != "" {
			p += " " + d.VersionRange
		}
		if !d.IsRequired {
			p += " (optional)"
		}
		parts = append(parts, p)
	}
	for _, name := range m.Dependencies() {
		if !versioned[name] {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ", ")
}
