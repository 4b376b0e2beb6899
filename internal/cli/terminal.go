// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - Terminal detection and interactive input for devops.
//
// Prompts only run when stdin is a terminal. Piped or scripted runs must
// pass values as flags (--email, --token, --confirm).
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/muesli/termenv"
	"github.com/peterh/liner"
	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTTY returns true if stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// =============================================================================
// COLOR OUTPUT CONTROL
// =============================================================================

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
)

// ColorsEnabled returns true if colored output should be used.
// NO_COLOR wins over FORCE_COLOR, which wins over TTY detection.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" {
			colorsEnabled = false
			return
		}
		if os.Getenv("FORCE_COLOR") != "" {
			colorsEnabled = true
			return
		}
		colorsEnabled = IsStdoutTTY()
	})
	return colorsEnabled
}

// GetColorProfile returns the appropriate termenv color profile.
// Returns Ascii (no colors) for non-TTY or when NO_COLOR is set.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// =============================================================================
// INTERACTIVE INPUT
// =============================================================================

// TTYRequiredError is returned when an operation requires a TTY but none is available.
type TTYRequiredError struct {
	Operation string
	Flag      string
}

func (e *TTYRequiredError) Error() string {
	msg := "stdin is not a terminal; cannot " + e.Operation + " interactively"
	if e.Flag != "" {
		msg += "; use " + e.Flag
	}
	return msg
}

// errPromptAborted is returned when the user presses Ctrl-C at a prompt.
var errPromptAborted = errors.New("aborted")

// Prompter reads interactive input. Commands receive one through Env so
// tests can script answers.
type Prompter interface {
	// Interactive reports whether prompts can be shown at all.
	Interactive() bool
	// Line reads a visible line of input.
	Line(prompt string) (string, error)
	// Secret reads a line without echo.
	Secret(prompt string) (string, error)
}

// terminalPrompter prompts on the controlling terminal.
type terminalPrompter struct{}

// NewTerminalPrompter returns the Prompter used by the real CLI.
func NewTerminalPrompter() Prompter {
	return terminalPrompter{}
}

func (terminalPrompter) Interactive() bool {
	return IsTTY()
}

// Line uses liner for line editing. No history is kept; prompts may
// contain identities.
func (terminalPrompter) Line(prompt string) (string, error) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	input, err := line.Prompt(prompt)
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", errPromptAborted
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(input), nil
}

// Secret reads without echo so the token never reaches the screen or
// shell history.
func (terminalPrompter) Secret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
