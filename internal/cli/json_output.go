// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - JSON output support for scripted use of devops.
//
// Every command run with --json prints exactly one JSONResponse on stdout.
// Human-readable messages go to stderr in that mode.
package cli

import (
	"encoding/json"
	"io"
	"os"
	"time"
)

// JSONResponse is the standardized response format for all CLI commands.
type JSONResponse struct {
	// Success indicates whether the command completed successfully
	Success bool `json:"success"`

	// Data contains the command-specific response data
	Data interface{} `json:"data"`

	// Error contains the error message if Success is false, null otherwise
	Error *string `json:"error"`

	// Timestamp is the RFC3339 time when the response was generated
	Timestamp string `json:"timestamp"`

	// Command is the command that was executed (e.g. "auth login")
	Command string `json:"command,omitempty"`
}

// NewJSONResponse creates a new successful JSON response.
func NewJSONResponse(command string, data interface{}) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a new error JSON response.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	errStr := err.Error()
	return &JSONResponse{
		Success:   false,
		Error:     &errStr,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// Print outputs the JSON response to stdout.
func (r *JSONResponse) Print() error {
	return r.Write(os.Stdout)
}

// Write outputs the indented JSON response to w.
func (r *JSONResponse) Write(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// =============================================================================
// RESPONSE DATA TYPES
// =============================================================================

// VersionData is the data for "version --json".
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// LoginData is the data for "auth login --json". The session id is never
// printed; it lives only in the session file.
type LoginData struct {
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StatusData is the data for "auth status --json" and "auth whoami --json".
type StatusData struct {
	LoggedIn  bool      `json:"logged_in"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role,omitempty"`
	Team      string    `json:"team,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	ExpiresIn string    `json:"expires_in,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// TokenData is the data for commands that issue a token.
type TokenData struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	Token string `json:"token"`
}

// ActionData is the data for admin commands without a richer result.
type ActionData struct {
	Email   string `json:"email,omitempty"`
	Action  string `json:"action"`
	Changed bool   `json:"changed"`
	Path    string `json:"path,omitempty"`
	Count   int    `json:"count,omitempty"`
}
