// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// helpers.go - Shared formatting and input helpers for CLI commands.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// formatRemaining formats a session's remaining lifetime as "Xh Ym".
// Partial minutes round down; anything under a minute is "0h 0m".
func formatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", h, m)
}

// hoursPhrase renders a lifetime as "8 hours", or "8 more hours" with
// qualifier "more". Lifetimes that are not whole hours use "Xh Ym".
func hoursPhrase(d time.Duration, qualifier ...string) string {
	d = d.Round(time.Minute)
	if d%time.Hour != 0 {
		return formatRemaining(d)
	}
	hours := int(d / time.Hour)
	unit := "hours"
	if hours == 1 {
		unit = "hour"
	}
	if len(qualifier) > 0 && qualifier[0] != "" {
		return fmt.Sprintf("%d %s %s", hours, qualifier[0], unit)
	}
	return fmt.Sprintf("%d %s", hours, unit)
}

// formatTime formats t in local time, or "never" for nil/zero.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// parseTimeFlag accepts RFC3339, YYYY-MM-DD, or a relative age such as
// 30m, 24h or 7d measured back from now.
func parseTimeFlag(name, value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, time.Local); err == nil {
		return t, nil
	}
	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err == nil && days > 0 {
			return now.Add(-time.Duration(days) * 24 * time.Hour), nil
		}
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, NewValidationErrorWithExample(name, value, "unrecognized time",
		"2025-03-10, 2025-03-10T09:00:00Z, 1h, 24h or 7d")
}

// ValidateOutputPath resolves path for writing an export. The parent
// directory must exist and the path must not be a directory.
func ValidateOutputPath(path string) (string, error) {
	if path == "" {
		return "", ErrMissingArgument("output", "--output users.yaml")
	}
	if strings.Contains(path, "..") {
		return "", NewValidationError("output", path, "path traversal not allowed")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", NewValidationError("output", path, err.Error())
	}

	info, err := os.Stat(filepath.Dir(abs))
	if err != nil || !info.IsDir() {
		return "", NewValidationError("output", path, "parent directory does not exist")
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return "", NewValidationError("output", path, "is a directory")
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to check %s: %w", abs, err)
	}
	return abs, nil
}
