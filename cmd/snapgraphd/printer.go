package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	faint  = color.New(color.Faint)
)

// printSuccess prints a green line prefixed with a checkmark.
func printSuccess(format string, a ...any) {
	green.Printf("✓ "+format+"\n", a...)
}

func printWarning(format string, a ...any) {
	yellow.Printf("! "+format+"\n", a...)
}

// printDetail prints an indented key/value line with a dimmed key.
func printDetail(key string, value any) {
	faint.Printf("  %-10s", key+":")
	fmt.Printf(" %v\n", value)
}

// rebaseFailed prints the rebaser's message to stderr and returns a short
// error for cobra.
func rebaseFailed(message string) error {
	red.Fprintln(os.Stderr, "Rebase failed")
	fmt.Fprintf(os.Stderr, "%s\n", message)
	return fmt.Errorf("rebase failed")
}
