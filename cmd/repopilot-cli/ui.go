// Package main provides UI utilities for the RepoPilot CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

func success(format string, args ...interface{}) {
	if outputJSON {
		return
	}
	color.New(color.FgGreen).Printf("✓ %s\n", fmt.Sprintf(format, args...))
}

func fail(format string, args ...interface{}) {
	if outputJSON {
		return
	}
	color.New(color.FgRed).Printf("✗ %s\n", fmt.Sprintf(format, args...))
}

func info(format string, args ...interface{}) {
	if outputJSON {
		return
	}
	color.New(color.FgCyan).Printf("ℹ %s\n", fmt.Sprintf(format, args...))
}

func heading(text string) {
	if outputJSON {
		return
	}
	color.New(color.FgWhite, color.Bold).Println(text)
}

// newSpinner starts an indeterminate spinner with a suffix message. The
// returned stop function is safe to call in JSON mode where no spinner runs.
func newSpinner(message string) func() {
	if outputJSON {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Start()
	return s.Stop
}

// newProgressBar creates a percent-based bar for indexing progress.
func newProgressBar(description string) *progressbar.ProgressBar {
	if outputJSON {
		return progressbar.DefaultSilent(100)
	}
	return progressbar.NewOptions(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// printJSON emits a machine-readable result and reports whether it handled
// the output (only in --json mode).
func printJSON(v any) bool {
	if !outputJSON {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
	return true
}
