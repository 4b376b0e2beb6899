// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// confirm.go - Confirmation handling for destructive admin commands.
//
// One pattern for every destructive action:
//  1. If --confirm is present, proceed without prompting
//  2. If --json mode, require --confirm (no interactive prompts in JSON mode)
//  3. If stdin is not a TTY, require --confirm (can't prompt)
//  4. Otherwise, ask and proceed only on "y" or "yes"
package cli

import (
	"strings"
)

// ConfirmationOptions describes how a destructive command was invoked.
type ConfirmationOptions struct {
	// ConfirmFlag indicates if --confirm flag was passed (skip interactive prompt)
	ConfirmFlag bool
	// JSONMode indicates if --json flag was passed (requires ConfirmFlag)
	JSONMode bool
}

// RequireConfirmation checks if the user has confirmed a destructive action.
//
// Returns false with a nil error when the user answers no.
func RequireConfirmation(p Prompter, action string, opts ConfirmationOptions) (bool, error) {
	if opts.ConfirmFlag {
		return true, nil
	}

	if opts.JSONMode {
		return false, NewValidationErrorWithExample("confirm", "", "confirmation required in JSON mode", "add --confirm")
	}

	if p == nil || !p.Interactive() {
		return false, &TTYRequiredError{Operation: "confirm " + action, Flag: "--confirm"}
	}

	answer, err := p.Line("Are you sure you want to " + action + "? [y/N]: ")
	if err != nil {
		if err == errPromptAborted {
			return false, nil
		}
		return false, err
	}
	return isYes(answer), nil
}

func isYes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "y" || a == "yes"
}
