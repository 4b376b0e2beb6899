// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// admin_cmd.go - CLI commands for user and lockout administration.
//
// Command: admin [subcommand]
//
// Every subcommand needs an admin session, except that "user-add --role
// admin" and "users-import" run without one while no users exist.
//
// Examples:
//   devops admin user-add --email bob@company.com --role developer --team backend
//   devops admin user-list
//   devops admin user-reset-token bob@company.com --confirm
//   devops admin unlock bob@company.com
//   devops admin users-import --file users.yaml --skip-existing
package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeranaias/devops-cli/internal/security"
	"github.com/jeranaias/devops-cli/internal/util"
)

// HandleAdmin handles the "admin" command group.
func HandleAdmin(env *Env, args Args) error {
	switch args.Subcommand {
	case "user-add":
		return handleUserAdd(env, args)
	case "user-list", "users":
		return handleUserList(env, args)
	case "user-remove":
		return handleUserRemove(env, args)
	case "user-deactivate":
		return handleUserSetActive(env, args, false)
	case "user-activate":
		return handleUserSetActive(env, args, true)
	case "user-reset-token":
		return handleUserResetToken(env, args)
	case "user-sessions":
		return handleUserSessions(env, args)
	case "sessions-prune":
		return handleSessionsPrune(env, args)
	case "unlock":
		return handleUnlock(env, args)
	case "lockout-status":
		return handleLockoutStatus(env, args)
	case "users-import":
		return handleUsersImport(env, args)
	case "users-export":
		return handleUsersExport(env, args)
	case "users-export-template":
		return handleUsersExportTemplate(env, args)
	case "audit-logs":
		return handleAuditLogs(env, args)
	case "audit-verify":
		return handleAuditVerify(env, args)
	case "":
		return ErrMissingArgument("admin subcommand", "devops admin user-list")
	default:
		return NewValidationErrorWithExample("admin subcommand", args.Subcommand, "unknown subcommand", "devops help")
	}
}

// =============================================================================
// USER-ADD
// =============================================================================

func handleUserAdd(env *Env, args Args) error {
	p := NewArgParser(args.Raw)
	if err := p.CheckFlags("email", "e", "role", "r", "name", "n", "team", "t"); err != nil {
		return err
	}

	email := p.FlagOrDefault("email", p.Flag("e"))
	if email == "" && !args.JSON && env.Prompt != nil && env.Prompt.Interactive() {
		var err error
		if email, err = env.Prompt.Line("User email: "); err != nil {
			return err
		}
	}
	if email == "" {
		return ErrMissingArgument("email", "devops admin user-add --email bob@company.com --role developer")
	}

	role, err := security.ParseRole(p.FlagOrDefault("role", p.FlagOrDefault("r", string(security.RoleDeveloper))))
	if err != nil {
		return err
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	user, token, err := env.Gate.AddUser(sid, email, role,
		security.WithName(p.FlagOrDefault("name", p.Flag("n"))),
		security.WithTeam(p.FlagOrDefault("team", p.Flag("t"))),
	)
	if err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("admin user-add", TokenData{Email: user.Email, Role: string(user.Role), Token: token})
	}

	writef(env.Out, "%s\n\n", SuccessStyle.Render(fmt.Sprintf("User '%s' registered (%s)", user.Email, user.Role)))
	printToken(env.Out, "ACCESS TOKEN (share this securely with the user):", token)
	writef(env.Out, "%s\n\n", WarningStyle.Render("This token is shown only ONCE. Save it now!"))
	writef(env.Out, "%s\n", DimStyle.Render("User can login with: devops auth login"))
	return nil
}

// =============================================================================
// USER-LIST
// =============================================================================

func handleUserList(env *Env, args Args) error {
	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	users, err := env.Gate.ListUsers(sid)
	if err != nil {
		return err
	}
	locked, err := env.Gate.LockedIdentities(sid)
	if err != nil {
		return err
	}
	isLocked := make(map[string]bool, len(locked))
	for _, l := range locked {
		isLocked[l.Identity] = true
	}

	if args.JSON {
		return env.printJSON("admin user-list", users)
	}

	if len(users) == 0 {
		writef(env.ErrOut, "%s\n", WarningStyle.Render("No users registered"))
		writef(env.ErrOut, "%s\n", DimStyle.Render("Add a user: devops admin user-add"))
		return nil
	}

	rows := make([][]string, 0, len(users))
	for _, u := range users {
		status := "active"
		if !u.Active {
			status = "inactive"
		}
		if isLocked[u.Email] {
			status = "locked"
		}
		name := u.Name
		if name == "" {
			name = "-"
		}
		rows = append(rows, []string{u.Email, name, string(u.Role), u.Team, status, formatTime(u.LastLoginAt)})
	}

	writef(env.Out, "\n%s\n\n", TitleStyle.Render("Registered Users"))
	writeTable(env.Out, []string{"Email", "Name", "Role", "Team", "Status", "Last Login"}, rows,
		func(col int, cell string) string {
			if col == 4 {
				status := strings.TrimRight(cell, " ")
				return RenderUserStatus(status) + cell[len(status):]
			}
			return cell
		})
	writef(env.Out, "\n%s\n", DimStyle.Render(fmt.Sprintf("Total: %d users", len(users))))
	return nil
}

// =============================================================================
// USER-REMOVE / DEACTIVATE / ACTIVATE / RESET-TOKEN
// =============================================================================

func handleUserRemove(env *Env, args Args) error {
	p := NewArgParser(args.Raw, "confirm")
	email, err := targetEmail(p, "devops admin user-remove bob@company.com --confirm", "confirm")
	if err != nil {
		return err
	}

	ok, err := RequireConfirmation(env.Prompt, fmt.Sprintf("remove user '%s' permanently", email),
		ConfirmationOptions{ConfirmFlag: p.BoolFlag("confirm"), JSONMode: args.JSON})
	if err != nil {
		return err
	}
	if !ok {
		writef(env.ErrOut, "%s\n", DimStyle.Render("Cancelled."))
		return nil
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	if err := env.Gate.RemoveUser(sid, email); err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("admin user-remove", ActionData{Email: email, Action: "user-remove", Changed: true})
	}
	writef(env.Out, "%s\n", SuccessStyle.Render(fmt.Sprintf("User '%s' removed", email)))
	return nil
}

func handleUserSetActive(env *Env, args Args, active bool) error {
	command := "user-deactivate"
	if active {
		command = "user-activate"
	}
	p := NewArgParser(args.Raw)
	email, err := targetEmail(p, "devops admin "+command+" bob@company.com")
	if err != nil {
		return err
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	var user security.User
	if active {
		user, err = env.Gate.Activate(sid, email)
	} else {
		user, err = env.Gate.Deactivate(sid, email)
	}
	if err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("admin "+command, ActionData{Email: user.Email, Action: command, Changed: true})
	}
	if active {
		writef(env.Out, "%s\n", SuccessStyle.Render(fmt.Sprintf("User '%s' activated", user.Email)))
	} else {
		writef(env.Out, "%s\n", SuccessStyle.Render(fmt.Sprintf("User '%s' deactivated", user.Email)))
		writef(env.Out, "%s\n", DimStyle.Render("User cannot login until reactivated"))
	}
	return nil
}

func handleUserResetToken(env *Env, args Args) error {
	p := NewArgParser(args.Raw, "confirm")
	email, err := targetEmail(p, "devops admin user-reset-token bob@company.com --confirm", "confirm")
	if err != nil {
		return err
	}

	ok, err := RequireConfirmation(env.Prompt,
		fmt.Sprintf("generate a new token for '%s' (the old token stops working)", email),
		ConfirmationOptions{ConfirmFlag: p.BoolFlag("confirm"), JSONMode: args.JSON})
	if err != nil {
		return err
	}
	if !ok {
		writef(env.ErrOut, "%s\n", DimStyle.Render("Cancelled."))
		return nil
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	token, err := env.Gate.ResetToken(sid, email)
	if err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("admin user-reset-token", TokenData{Email: security.CanonicalEmail(email), Token: token})
	}
	writef(env.Out, "%s\n\n", SuccessStyle.Render(fmt.Sprintf("New token generated for '%s'!", security.CanonicalEmail(email))))
	printToken(env.Out, "NEW ACCESS TOKEN:", token)
	writef(env.Out, "%s\n", WarningStyle.Render("Share this securely with the user. Old token and sessions no longer work."))
	return nil
}

// =============================================================================
// USER-SESSIONS / SESSIONS-PRUNE
// =============================================================================

func handleUserSessions(env *Env, args Args) error {
	p := NewArgParser(args.Raw)
	email, err := targetEmail(p, "devops admin user-sessions bob@company.com")
	if err != nil {
		return err
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	sessions, err := env.Gate.UserSessions(sid, email)
	if err != nil {
		return err
	}

	if args.JSON {
		if sessions == nil {
			sessions = []security.Session{}
		}
		return env.printJSON("admin user-sessions", sessions)
	}

	if len(sessions) == 0 {
		writef(env.ErrOut, "%s\n", DimStyle.Render(fmt.Sprintf("No sessions recorded for '%s'", email)))
		return nil
	}

	now := env.Now()
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		remaining := "-"
		state := s.StateAt(now)
		if state == security.SessionActive {
			remaining = formatRemaining(s.RemainingAt(now))
		}
		rows = append(rows, []string{
			s.IDHash[:12],
			s.IssuedAt.Local().Format("2006-01-02 15:04"),
			state.String(),
			remaining,
		})
	}

	writef(env.Out, "\n%s\n\n", TitleStyle.Render("Sessions for "+security.CanonicalEmail(email)))
	writeTable(env.Out, []string{"Session", "Issued", "State", "Remaining"}, rows,
		func(col int, cell string) string {
			if col != 2 {
				return cell
			}
			state := strings.TrimRight(cell, " ")
			switch state {
			case "active":
				return SuccessStyle.Render(state) + cell[len(state):]
			case "revoked":
				return ErrorStyle.Render(state) + cell[len(state):]
			default:
				return DimStyle.Render(state) + cell[len(state):]
			}
		})
	writef(env.Out, "\n%s\n", DimStyle.Render(fmt.Sprintf("Total: %d sessions", len(sessions))))
	return nil
}

func handleSessionsPrune(env *Env, args Args) error {
	p := NewArgParser(args.Raw)
	if err := p.CheckFlags(); err != nil {
		return err
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	n, err := env.Gate.PruneSessions(sid)
	if err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("admin sessions-prune", ActionData{Action: "sessions-prune", Changed: n > 0, Count: n})
	}
	if n == 0 {
		writef(env.Out, "%s\n", DimStyle.Render("No expired or revoked sessions to prune"))
		return nil
	}
	writef(env.Out, "%s\n", SuccessStyle.Render(fmt.Sprintf("Pruned %d expired or revoked sessions", n)))
	return nil
}

// =============================================================================
// LOCKOUT
// =============================================================================

func handleUnlock(env *Env, args Args) error {
	p := NewArgParser(args.Raw)
	email, err := targetEmail(p, "devops admin unlock bob@company.com")
	if err != nil {
		return err
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	wasLocked, err := env.Gate.Unlock(sid, email)
	if err != nil {
		return err
	}

	canonical := security.CanonicalEmail(email)
	if args.JSON {
		return env.printJSON("admin unlock", ActionData{Email: canonical, Action: "unlock", Changed: wasLocked})
	}
	if wasLocked {
		writef(env.Out, "%s\n", SuccessStyle.Render(fmt.Sprintf("Unlocked '%s'", canonical)))
	} else {
		writef(env.Out, "%s\n", DimStyle.Render(fmt.Sprintf("'%s' was not locked; failed attempts cleared", canonical)))
	}
	return nil
}

func handleLockoutStatus(env *Env, args Args) error {
	p := NewArgParser(args.Raw)
	if err := p.CheckFlags(); err != nil {
		return err
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}

	var statuses []security.LockoutStatus
	if email := p.Positional(0); email != "" {
		status, err := env.Gate.LockoutStatus(sid, email)
		if err != nil {
			return err
		}
		statuses = []security.LockoutStatus{status}
	} else {
		statuses, err = env.Gate.LockedIdentities(sid)
		if err != nil {
			return err
		}
	}

	if args.JSON {
		return env.printJSON("admin lockout-status", statuses)
	}

	if len(statuses) == 0 {
		writef(env.Out, "%s\n", DimStyle.Render("No identities are locked out"))
		return nil
	}

	now := env.Now()
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		state, retry := "ok", "-"
		if s.Locked {
			state = "locked"
			retry = formatRemaining(s.RetryAfter(now))
		}
		rows = append(rows, []string{s.Identity, fmt.Sprintf("%d/%d", s.Failures, s.MaxFailures), state, retry})
	}
	writeTable(env.Out, []string{"Identity", "Failures", "State", "Retry In"}, rows,
		func(col int, cell string) string {
			if col == 2 && strings.TrimSpace(cell) == "locked" {
				return ErrorStyle.Render(cell)
			}
			return cell
		})
	return nil
}

// =============================================================================
// IMPORT / EXPORT
// =============================================================================

func handleUsersImport(env *Env, args Args) error {
	p := NewArgParser(args.Raw, "skip-existing", "confirm")
	if err := p.CheckFlags("file", "f", "skip-existing", "confirm"); err != nil {
		return err
	}
	path := p.FlagOrDefault("file", p.Flag("f"))
	if path == "" {
		return ErrMissingArgument("file", "devops admin users-import --file users.yaml")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewValidationErrorWithExample("file", path, "file not found",
				"devops admin users-export-template --output users.yaml")
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	entries, err := security.ParseUsersFile(f)
	f.Close()
	if err != nil {
		return err
	}

	if !args.JSON {
		writef(env.ErrOut, "%s\n", DimStyle.Render(fmt.Sprintf("Found %d users in %s", len(entries), path)))
	}
	ok, err := RequireConfirmation(env.Prompt, fmt.Sprintf("import %d users", len(entries)),
		ConfirmationOptions{ConfirmFlag: p.BoolFlag("confirm"), JSONMode: args.JSON})
	if err != nil {
		return err
	}
	if !ok {
		writef(env.ErrOut, "%s\n", DimStyle.Render("Cancelled."))
		return nil
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	results, err := env.Gate.ImportUsers(sid, entries, p.BoolFlag("skip-existing"))
	if err != nil {
		return err
	}

	var added, skipped, failed []security.ImportResult
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped = append(skipped, r)
		case r.Error != "":
			failed = append(failed, r)
		default:
			added = append(added, r)
		}
	}

	if args.JSON {
		if err := env.printJSON("admin users-import", results); err != nil {
			return err
		}
	} else {
		printImportSummary(env.Out, added, skipped, failed)
	}

	if len(failed) > 0 {
		return NewCommandError("admin", "users-import", fmt.Sprintf("%d of %d users failed", len(failed), len(entries)), nil)
	}
	return nil
}

func printImportSummary(w io.Writer, added, skipped, failed []security.ImportResult) {
	if len(skipped) > 0 {
		writef(w, "%s\n", WarningStyle.Render(fmt.Sprintf("Skipped %d existing users:", len(skipped))))
		for _, r := range skipped {
			writef(w, "  - %s\n", r.Email)
		}
		writef(w, "\n")
	}

	if len(added) > 0 {
		writef(w, "%s\n\n", SuccessStyle.Render(fmt.Sprintf("Successfully registered: %d users", len(added))))
		writef(w, "%s\n\n", WarningStyle.Render("ACCESS TOKENS (share these securely with each user):"))
		rows := make([][]string, 0, len(added))
		for _, r := range added {
			rows = append(rows, []string{r.Email, string(r.Role), r.Token})
		}
		writeTable(w, []string{"Email", "Role", "Token"}, rows, nil)
		writef(w, "\n%s\n", WarningStyle.Render("Tokens are shown only ONCE. Save them now!"))
	} else if len(failed) == 0 {
		writef(w, "%s\n", WarningStyle.Render("No new users to import (all already exist)"))
	}

	if len(failed) > 0 {
		writef(w, "\n%s\n", ErrorStyle.Render(fmt.Sprintf("Failed to register: %d users", len(failed))))
		for _, r := range failed {
			writef(w, "  - %s: %s\n", r.Email, r.Error)
		}
	}
}

func handleUsersExport(env *Env, args Args) error {
	p := NewArgParser(args.Raw, "confirm")
	if err := p.CheckFlags("output", "o", "confirm"); err != nil {
		return err
	}

	sid, err := env.adminSessionID()
	if err != nil {
		return err
	}
	users, err := env.Gate.ExportUsers(sid)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := security.EncodeUsersFile(&buf, users, env.Now()); err != nil {
		return err
	}
	path, err := writeExport(env, args, p, p.FlagOrDefault("output", p.FlagOrDefault("o", "users.yaml")), buf.Bytes())
	if err != nil || path == "" {
		return err
	}

	if args.JSON {
		return env.printJSON("admin users-export", ActionData{Action: "users-export", Changed: true, Path: path, Count: len(users)})
	}
	writef(env.Out, "%s\n", SuccessStyle.Render(fmt.Sprintf("Exported %d users to: %s", len(users), path)))
	writef(env.Out, "%s\n", DimStyle.Render("Tokens are not included. Re-imported users get new tokens."))
	return nil
}

func handleUsersExportTemplate(env *Env, args Args) error {
	p := NewArgParser(args.Raw, "confirm")
	if err := p.CheckFlags("output", "o", "confirm"); err != nil {
		return err
	}

	path, err := writeExport(env, args, p, p.FlagOrDefault("output", p.FlagOrDefault("o", "users-template.yaml")),
		security.UsersTemplate())
	if err != nil || path == "" {
		return err
	}

	if args.JSON {
		return env.printJSON("admin users-export-template", ActionData{Action: "users-export-template", Changed: true, Path: path})
	}
	writef(env.Out, "%s\n\n", SuccessStyle.Render("Template exported to: "+path))
	writef(env.Out, "%s\n", DimStyle.Render("Next steps:"))
	writef(env.Out, "%s\n", DimStyle.Render("  1. Edit '"+path+"' with your users"))
	writef(env.Out, "%s\n", DimStyle.Render("  2. Run: devops admin users-import --file "+path))
	return nil
}

// writeExport writes data to output with owner-only permissions. An
// existing file is only replaced after confirmation. Returns "" when the
// user declines.
func writeExport(env *Env, args Args, p *ArgParser, output string, data []byte) (string, error) {
	path, err := ValidateOutputPath(output)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		ok, err := RequireConfirmation(env.Prompt, fmt.Sprintf("overwrite %s", path),
			ConfirmationOptions{ConfirmFlag: p.BoolFlag("confirm"), JSONMode: args.JSON})
		if err != nil {
			return "", err
		}
		if !ok {
			writef(env.ErrOut, "%s\n", DimStyle.Render("Cancelled."))
			return "", nil
		}
	}
	if err := util.AtomicWriteFile(path, data, util.PrivateFilePerm); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// targetEmail returns the single positional email argument.
func targetEmail(p *ArgParser, example string, allowed ...string) (string, error) {
	if err := p.CheckFlags(allowed...); err != nil {
		return "", err
	}
	email := p.Positional(0)
	if email == "" {
		return "", ErrMissingArgument("email", example)
	}
	if p.PositionalCount() > 1 {
		return "", NewValidationErrorWithExample("arguments", strings.Join([]string{p.Positional(0), p.Positional(1)}, " "),
			"expected exactly one email", example)
	}
	return email, nil
}

// printToken shows a freshly issued token between blank lines.
func printToken(w io.Writer, heading, token string) {
	writef(w, "%s\n\n", WarningStyle.Render(heading))
	writef(w, "  %s\n\n", TokenStyle.Render(token))
}

// writeTable writes rows under headers with columns padded to their
// display width. style, when set, decorates a cell after padding so escape
// codes do not disturb alignment.
func writeTable(w io.Writer, headers []string, rows [][]string, style func(col int, cell string) string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = util.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if cw := util.StringWidth(cell); cw > widths[i] {
					widths[i] = cw
				}
			}
		}
	}

	var head, rule strings.Builder
	for i, h := range headers {
		head.WriteString(util.PadRight(h, widths[i]+2))
		rule.WriteString(strings.Repeat("-", widths[i]) + "  ")
	}
	writef(w, "%s\n", SectionStyle.Render(strings.TrimRight(head.String(), " ")))
	writef(w, "%s\n", SeparatorStyle.Render(strings.TrimRight(rule.String(), " ")))

	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			padded := util.PadRight(cell, widths[i])
			if style != nil {
				padded = style(i, padded)
			}
			line.WriteString(padded)
			if i < len(row)-1 {
				line.WriteString("  ")
			}
		}
		writef(w, "%s\n", line.String())
	}
}
