// Package colors provides terminal color support for vbranch output.
//
// Colors are disabled when NO_COLOR is set, when TERM is dumb or empty, or
// when stdout is not a terminal. FORCE_COLOR turns them back on.
package colors

import (
	"os"
	"runtime"
	"strings"
)

// ANSI color codes
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorDim   = "\033[2m"

	ColorGray     = "\033[90m"
	BrightRed     = "\033[91m"
	BrightGreen   = "\033[92m"
	BrightYellow  = "\033[93m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
)

var colorEnabled = shouldUseColor()

func shouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}

	term := strings.ToLower(os.Getenv("TERM"))
	if runtime.GOOS == "windows" {
		return os.Getenv("WT_SESSION") != "" || os.Getenv("VSCODE_PID") != "" ||
			strings.Contains(term, "color") || strings.Contains(term, "xterm")
	}
	if term == "dumb" || term == "" {
		return false
	}
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return true
}

// SetColorEnabled allows manual control of color output
func SetColorEnabled(enabled bool) {
	colorEnabled = enabled
}

// IsColorEnabled returns whether colors are currently enabled
func IsColorEnabled() bool {
	return colorEnabled
}

func colorize(text, color string) string {
	if !colorEnabled {
		return text
	}
	return color + text + ColorReset
}

func Red(text string) string     { return colorize(text, BrightRed) }
func Green(text string) string   { return colorize(text, BrightGreen) }
func Blue(text string) string    { return colorize(text, BrightBlue) }
func Yellow(text string) string  { return colorize(text, BrightYellow) }
func Cyan(text string) string    { return colorize(text, BrightCyan) }
func Magenta(text string) string { return colorize(text, BrightMagenta) }
func Gray(text string) string    { return colorize(text, ColorGray) }
func Bold(text string) string    { return colorize(text, ColorBold) }
func Dim(text string) string     { return colorize(text, ColorDim) }

// Branch renders a branch name; unapplied branches are dimmed.
func Branch(name string, applied bool) string {
	if !applied {
		return Dim(name)
	}
	return Bold(Cyan(name))
}

// HunkID renders a path:start-end identifier.
func HunkID(id string) string {
	return Magenta(id)
}

// DiffLine colors one line of a hunk body by its leading marker.
func DiffLine(line string) string {
	switch {
	case strings.HasPrefix(line, "@@"):
		return Cyan(line)
	case strings.HasPrefix(line, "+"):
		return Green(line)
	case strings.HasPrefix(line, "-"):
		return Red(line)
	case strings.HasPrefix(line, `\`):
		return Gray(line)
	default:
		return line
	}
}

// Section headers with colors
func SectionHeader(text string) string {
	return Bold(text)
}

func ErrorText(text string) string {
	return Red(text)
}

func SuccessText(text string) string {
	return Green(text)
}

func InfoText(text string) string {
	return Cyan(text)
}

func WarningText(text string) string {
	return Yellow(text)
}
