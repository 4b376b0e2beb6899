// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Unified error handling for all CLI commands in devops.
//
// STANDARDIZED PATTERN:
//   - Handlers always return errors, never print and return nil
//   - Run displays the error once and main maps it to an exit code
//   - Auth failures keep their security sentinel so GetExitCode can use errors.Is
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/devops-cli/internal/config"
	"github.com/jeranaias/devops-cli/internal/security"
)

// =============================================================================
// EXIT CODES - Specific codes for different error categories
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitInvalidCredentials indicates a failed login
	ExitInvalidCredentials = 2
	// ExitLocked indicates a rate-limited identity or a disabled account
	ExitLocked = 3
	// ExitAuthError indicates a missing/expired/revoked session or a role mismatch
	ExitAuthError = 4
	// ExitBusy indicates the auth store stayed locked past the timeout
	ExitBusy = 5
	// ExitCorruption indicates undecodable or tampered auth state
	ExitCorruption = 6
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 64
)

// =============================================================================
// ERROR TYPES FOR STRUCTURED ERROR HANDLING
// =============================================================================

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string // Command group that failed (e.g., "auth", "admin")
	Action  string // Subcommand being performed (e.g., "login", "user-add")
	Reason  string // Human-readable reason
	Err     error  // Underlying error (if any)
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ValidationError represents invalid command-line input.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   string // Value that was provided
	Reason  string // Why validation failed
	Example string // Example of valid value (optional)
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// =============================================================================
// ERROR CONSTRUCTION HELPERS
// =============================================================================

// NewCommandError creates a new command error.
func NewCommandError(command, action, reason string, err error) error {
	return &CommandError{
		Command: command,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(field, value, reason string) error {
	return &ValidationError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// NewValidationErrorWithExample creates a validation error with an example.
func NewValidationErrorWithExample(field, value, reason, example string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Reason:  reason,
		Example: example,
	}
}

// ErrMissingArgument creates an error for missing required arguments.
func ErrMissingArgument(argName, usage string) error {
	return NewValidationErrorWithExample(argName, "", "required argument missing", usage)
}

// =============================================================================
// ERROR DISPLAY HELPERS
// =============================================================================

// DisplayError displays an error in a consistent format.
//
// In JSON mode, outputs a structured JSON error on stdout.
// In normal mode, displays a formatted error message on stderr.
func DisplayError(err error, jsonMode bool) {
	if err == nil {
		return
	}

	if jsonMode {
		DisplayErrorJSON(err)
		return
	}

	fmt.Fprintf(os.Stderr, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(os.Stderr, "%s\n", DimStyle.Render(hint))
	}
}

// DisplayErrorJSON outputs an error as JSON.
func DisplayErrorJSON(err error) {
	output := map[string]interface{}{
		"error":     err.Error(),
		"success":   false,
		"exit_code": GetExitCode(err),
	}

	var rateErr *security.RateLimitError
	var permErr *security.PermissionError
	var corruptErr *security.CorruptionError
	var cmdErr *CommandError
	var validationErr *ValidationError

	switch {
	case errors.As(err, &rateErr):
		output["error_type"] = "rate_limited"
		output["retry_after_seconds"] = int(rateErr.RetryAfter.Seconds())
	case errors.As(err, &permErr):
		output["error_type"] = "permission_denied"
		output["required_role"] = permErr.Required
		output["role"] = permErr.Held
	case errors.As(err, &corruptErr):
		output["error_type"] = "storage_corruption"
		output["document"] = corruptErr.Document
	case errors.As(err, &validationErr):
		output["error_type"] = "validation_error"
		output["field"] = validationErr.Field
		output["value"] = validationErr.Value
		output["reason"] = validationErr.Reason
		if validationErr.Example != "" {
			output["example"] = validationErr.Example
		}
	case errors.As(err, &cmdErr):
		output["error_type"] = "command_error"
		output["command"] = cmdErr.Command
		output["action"] = cmdErr.Action
		output["reason"] = cmdErr.Reason
	default:
		output["error_type"] = "generic_error"
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	encoder.Encode(output)
}

// errorHint suggests the next command for common auth failures.
func errorHint(err error) string {
	switch {
	case errors.Is(err, errNotLoggedIn),
		errors.Is(err, security.ErrSessionNotFound),
		errors.Is(err, security.ErrSessionExpired),
		errors.Is(err, security.ErrSessionRevoked):
		return "Run 'devops auth login' to sign in."
	case errors.Is(err, security.ErrInvalidCredentials):
		return "Contact your admin if you forgot your token."
	case errors.Is(err, security.ErrAccountDisabled):
		return "Contact an administrator to re-enable your account."
	case errors.Is(err, security.ErrStorageBusy):
		return "Another devops process is holding the auth store. Try again."
	default:
		return ""
	}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode determines the appropriate exit code for an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var validationErr *ValidationError
	var secValidationErr *security.ValidationError
	var configErrs config.ValidateErrors
	var ttyErr *TTYRequiredError

	switch {
	case errors.Is(err, security.ErrInvalidCredentials):
		return ExitInvalidCredentials
	case errors.Is(err, security.ErrRateLimitExceeded),
		errors.Is(err, security.ErrAccountDisabled):
		return ExitLocked
	case errors.Is(err, errNotLoggedIn),
		errors.Is(err, security.ErrSessionNotFound),
		errors.Is(err, security.ErrSessionExpired),
		errors.Is(err, security.ErrSessionRevoked),
		errors.Is(err, security.ErrPermissionDenied):
		return ExitAuthError
	case errors.Is(err, security.ErrStorageBusy):
		return ExitBusy
	case errors.Is(err, security.ErrStorageCorruption):
		return ExitCorruption
	case errors.Is(err, security.ErrUserNotFound):
		return ExitNotFoundError
	case errors.As(err, &validationErr),
		errors.As(err, &secValidationErr),
		errors.As(err, &configErrs),
		errors.As(err, &ttyErr),
		errors.Is(err, security.ErrInvalidRole),
		errors.Is(err, security.ErrDuplicateUser):
		return ExitUsageError
	}

	return ExitGeneralError
}

