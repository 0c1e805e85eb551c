package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// statusOut receives the human-facing progress lines. Logs go through slog.
var statusOut io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, prefix, format string, args []any) {
	fmt.Fprintln(statusOut, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓ ", format, args) }
func printError(format string, args ...any)   { printLine(colorRed, "✗ ", format, args) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠ ", format, args) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→ ", format, args) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(statusOut, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
