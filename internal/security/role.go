// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"fmt"
	"strings"
)

// =============================================================================
// ROLES
// =============================================================================

// Role is a coarse authorization tier.
type Role string

const (
	// RoleDeveloper may use read/operate commands.
	RoleDeveloper Role = "developer"
	// RoleAdmin may additionally manage users and read the audit log.
	RoleAdmin Role = "admin"
)

// Roles lists every valid role from least to most privileged.
var Roles = []Role{RoleDeveloper, RoleAdmin}

// rank orders roles; unknown roles rank 0 and satisfy nothing.
func (r Role) rank() int {
	switch r {
	case RoleDeveloper:
		return 1
	case RoleAdmin:
		return 2
	default:
		return 0
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.rank() > 0
}

// Satisfies reports whether a session holding r may perform an action that
// requires required.
func (r Role) Satisfies(required Role) bool {
	return Satisfies(r, required)
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// Satisfies is the total ordering over roles: admin satisfies any required
// role, developer satisfies only developer, and an unknown role on either
// side satisfies nothing.
func Satisfies(held, required Role) bool {
	if !held.Valid() || !required.Valid() {
		return false
	}
	return held.rank() >= required.rank()
}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w %q (expected admin or developer)", ErrInvalidRole, s)
	}
	return r, nil
}
