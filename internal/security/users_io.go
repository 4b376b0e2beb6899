// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// BULK USER FILES
// =============================================================================

// UserEntry is one user in an import or export file. Files never carry
// tokens or digests; imported users receive fresh tokens.
type UserEntry struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name,omitempty"`
	Role  Role   `yaml:"role"`
	Team  string `yaml:"team,omitempty"`
}

type usersFile struct {
	Users []UserEntry `yaml:"users"`
}

// usersTemplate is written by users-export-template.
const usersTemplate = `# Bulk user registration
#
# Fill in one entry per user and run:
#   devops admin users-import --file <this file>
#
# role is "admin" or "developer". name defaults to the part of the email
# before "@", team defaults to "default". Each user receives a new token,
# printed once after the import.

users:
  - email: alice@example.com
    name: Alice Example
    role: admin
    team: platform

  - email: bob@example.com
    name: Bob Example
    role: developer
    team: backend
`

// UsersTemplate returns the annotated template for bulk registration.
func UsersTemplate() []byte {
	return []byte(usersTemplate)
}

// ParseUsersFile decodes and checks an import file. Unknown keys, bad roles,
// empty emails and emails listed twice are rejected before anything is
// written.
func ParseUsersFile(r io.Reader) ([]UserEntry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file usersFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Field: "file", Reason: "is empty"}
		}
		return nil, &ValidationError{Field: "file", Reason: err.Error()}
	}
	if len(file.Users) == 0 {
		return nil, &ValidationError{Field: "users", Reason: "no users listed"}
	}

	seen := make(map[string]int, len(file.Users))
	for i := range file.Users {
		e := &file.Users[i]
		e.Email = CanonicalEmail(e.Email)
		if e.Email == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("users[%d].email", i), Reason: "is required"}
		}
		if !e.Role.Valid() {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("users[%d].role", i),
				Reason: fmt.Sprintf("%q must be one of: admin developer", e.Role),
			}
		}
		if j, dup := seen[e.Email]; dup {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("users[%d].email", i),
				Reason: fmt.Sprintf("%s is already listed at users[%d]", e.Email, j),
			}
		}
		seen[e.Email] = i
	}
	return file.Users, nil
}

// EncodeUsersFile writes users in the import format with a header noting
// that tokens are not included.
func EncodeUsersFile(w io.Writer, users []UserInfo, now time.Time) error {
	file := usersFile{Users: make([]UserEntry, 0, len(users))}
	for _, u := range users {
		file.Users = append(file.Users, UserEntry{
			Email: u.Email,
			Name:  u.Name,
			Role:  u.Role,
			Team:  u.Team,
		})
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Users export - %s\n", now.UTC().Format(time.RFC3339))
	buf.WriteString("# Tokens are not included. Re-imported users get new tokens.\n\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return fmt.Errorf("failed to encode users: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode users: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// =============================================================================
// IMPORT
// =============================================================================

// ImportResult is the outcome for one entry.
type ImportResult struct {
	Email   string `json:"email"`
	Role    Role   `json:"role"`
	Token   string `json:"token,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ImportUsers registers every entry. Entries whose email already exists
// are skipped when skipExisting is set; otherwise the import is refused
// with ErrDuplicateUser before any user is added. Like AddUser, an import
// containing an admin may run without a session while the registry is
// empty.
func (g *AuthGate) ImportUsers(sessionID string, entries []UserEntry, skipExisting bool) ([]ImportResult, error) {
	detail := fmt.Sprintf("entries=%d", len(entries))
	hasAdmin := false
	for _, e := range entries {
		if e.Role == RoleAdmin {
			hasAdmin = true
			break
		}
	}
	actor, err := g.adminActor(sessionID, ActionUserImport, detail, hasAdmin)
	if err != nil {
		return nil, err
	}

	existing, err := g.creds.List()
	if err != nil {
		g.record(actor, ActionUserImport, ResultFailure, joinDetail(detail, reasonFor(err)))
		return nil, err
	}
	known := make(map[string]bool, len(existing))
	for _, u := range existing {
		known[u.Email] = true
	}

	var duplicates []string
	for _, e := range entries {
		if known[CanonicalEmail(e.Email)] {
			duplicates = append(duplicates, CanonicalEmail(e.Email))
		}
	}
	if len(duplicates) > 0 && !skipExisting {
		g.record(actor, ActionUserImport, ResultFailure, joinDetail(detail, "duplicate user"))
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, strings.Join(duplicates, ", "))
	}

	results := make([]ImportResult, 0, len(entries))
	added, failed := 0, 0
	for _, e := range entries {
		email := CanonicalEmail(e.Email)
		res := ImportResult{Email: email, Role: e.Role}
		if known[email] {
			res.Skipped = true
			results = append(results, res)
			continue
		}
		add := g.creds.AddUser
		if actor == ActorSystem && added == 0 {
			add = g.creds.AddFirstUser
		}
		_, token, err := add(email, e.Role, WithName(e.Name), WithTeam(e.Team), WithCreatedBy(actor))
		if errors.Is(err, ErrBootstrapClosed) {
			g.record(actor, ActionUserImport, ResultDenied, joinDetail(detail, reasonFor(err)))
			return nil, err
		}
		if err != nil {
			res.Error = err.Error()
			failed++
			g.record(actor, ActionUserAdd, ResultFailure,
				joinDetail(fmt.Sprintf("target=%s role=%s", email, e.Role), reasonFor(err), "via=import"))
		} else {
			res.Token = token
			added++
			g.record(actor, ActionUserAdd, ResultSuccess,
				fmt.Sprintf("target=%s role=%s via=import", email, e.Role))
		}
		results = append(results, res)
	}

	result := ResultSuccess
	if failed > 0 {
		result = ResultFailure
	}
	g.record(actor, ActionUserImport, result,
		fmt.Sprintf("%s added=%d skipped=%d failed=%d", detail, added, len(duplicates), failed))
	return results, nil
}

// ExportUsers returns the users for an export file.
func (g *AuthGate) ExportUsers(sessionID string) ([]UserInfo, error) {
	return g.ListUsers(sessionID)
}
