package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Title   *color.Color
	Border  *color.Color
	Label   *color.Color
	Value   *color.Color
	Latency *color.Color
	Phase   *color.Color
	Pass    *color.Color
	Warn    *color.Color
	Fail    *color.Color
	Dim     *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	s := &ColorScheme{
		Title:   color.New(color.Bold),
		Border:  color.New(color.FgCyan),
		Label:   color.New(color.Bold),
		Value:   color.New(color.FgCyan),
		Latency: color.New(color.FgBlue),
		Phase:   color.New(color.FgMagenta),
		Pass:    color.New(color.FgGreen, color.Bold),
		Warn:    color.New(color.FgYellow, color.Bold),
		Fail:    color.New(color.FgRed, color.Bold),
		Dim:     color.New(color.Faint),
	}
	// Color is decided by the console, not by fatih/color's stdout check.
	for _, c := range s.all() {
		c.EnableColor()
	}
	return s
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	for _, c := range s.all() {
		c.DisableColor()
	}
	return s
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{s.Title, s.Border, s.Label, s.Value, s.Latency, s.Phase, s.Pass, s.Warn, s.Fail, s.Dim}
}

// rateColor picks pass, warn or fail for an error rate.
func (s *ColorScheme) rateColor(errorRate float64) *color.Color {
	switch {
	case errorRate > 0.05:
		return s.Fail
	case errorRate > 0.01:
		return s.Warn
	default:
		return s.Pass
	}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func SuccessIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func ErrorIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// WarningIcon returns a warning symbol with appropriate color
func WarningIcon(noColor bool) string {
	if noColor {
		return "⚠"
	}
	return color.New(color.FgYellow).Sprint("⚠")
}
