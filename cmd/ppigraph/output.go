package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kalambet/ppigraph/internal/pipeline"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

// stderr receives all human-facing progress output.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, prefix, format string, args ...any) {
	fmt.Fprintln(stderr, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓ ", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗ ", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠ ", format, args...) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→ ", format, args...) }
func printSkip(format string, args ...any)    { printLine(colorDim, "- ", format, args...) }

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), val)
}

// printEvent renders pipeline progress.
func printEvent(ev pipeline.Event) {
	tag := fmt.Sprintf("[%d/%d] %s", ev.Index, ev.Total, ev.Step)
	switch ev.Kind {
	case pipeline.EventStart:
		printStep("%s", tag)
	case pipeline.EventDone:
		printSuccess("%s (%s)", tag, ev.Duration.Round(time.Millisecond))
	case pipeline.EventSkip:
		printSkip("%s skipped", tag)
	case pipeline.EventFailed:
		printError("%s failed: %v", tag, ev.Err)
	case pipeline.EventStopped:
		printWarning("stopped before %s", tag)
	}
}
