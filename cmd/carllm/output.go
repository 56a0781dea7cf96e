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
	colorDim    = "\033[2m"
)

// statusOut receives progress and status lines. Command results go to stdout.
var statusOut io.Writer = os.Stderr

// colorize wraps text in an ANSI color unless --no-color or NO_COLOR is set.
func colorize(color, text string) string {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return text
	}
	return color + text + colorReset
}

func printLine(color, prefix, format string, args ...any) {
	fmt.Fprintln(statusOut, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓ ", format, args...) }

func printError(format string, args ...any) { printLine(colorRed, "✗ ", format, args...) }

func printWarning(format string, args ...any) { printLine(colorYellow, "⚠ ", format, args...) }

func printStep(format string, args ...any) { printLine(colorCyan, "→ ", format, args...) }

// printStatus prints an indented "label: value" pair.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(statusOut, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
