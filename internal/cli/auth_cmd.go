// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// auth_cmd.go - CLI commands for signing in and managing the current session.
//
// Command: auth [subcommand]
//
// Subcommands:
//   login               Sign in with email and token
//   logout              End the current session
//   status (default)    Show user, role and session expiry
//   whoami              Print "email (role)"
//   refresh             Extend the current session
//
// Examples:
//   devops auth login
//   devops auth login --email john@company.com
//   devops auth status --json
//
// The session id is kept only in the owner-readable session file in the
// auth directory; it is never printed.
package cli

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeranaias/devops-cli/internal/security"
)

// HandleAuth handles the "auth" command group.
func HandleAuth(env *Env, args Args) error {
	switch args.Subcommand {
	case "login":
		return handleAuthLogin(env, args)
	case "logout":
		return handleAuthLogout(env, args)
	case "", "status":
		return handleAuthStatus(env, args)
	case "whoami":
		return handleAuthWhoami(env, args)
	case "refresh":
		return handleAuthRefresh(env, args)
	default:
		return NewValidationErrorWithExample("auth subcommand", args.Subcommand, "unknown subcommand",
			"devops auth login | logout | status | whoami | refresh")
	}
}

// =============================================================================
// AUTH LOGIN
// =============================================================================

func handleAuthLogin(env *Env, args Args) error {
	p := NewArgParser(args.Raw)
	if err := p.CheckFlags("email", "e", "token", "t"); err != nil {
		return err
	}

	// An active session is kept; switching accounts needs a logout first.
	if ident, ok := env.activeIdentity(); ok {
		if args.JSON {
			return env.printJSON("auth login", LoginData{
				Email:     ident.Email,
				Role:      string(ident.Role),
				ExpiresAt: ident.Session.ExpiresAt,
			})
		}
		writef(env.ErrOut, "%s\n", WarningStyle.Render("Already logged in as "+ident.Email))
		writef(env.ErrOut, "%s\n", DimStyle.Render("Use 'devops auth logout' to switch accounts"))
		return nil
	}

	email := p.FlagOrDefault("email", p.Flag("e"))
	token := p.FlagOrDefault("token", p.Flag("t"))

	canPrompt := !args.JSON && env.Prompt != nil && env.Prompt.Interactive()
	if email == "" {
		if !canPrompt {
			return ErrMissingArgument("email", "devops auth login --email you@company.com")
		}
		var err error
		if email, err = env.Prompt.Line("Email: "); err != nil {
			return err
		}
		if email == "" {
			return ErrMissingArgument("email", "devops auth login --email you@company.com")
		}
	}
	if token == "" {
		if !canPrompt {
			return &TTYRequiredError{Operation: "read the token", Flag: "--token"}
		}
		var err error
		if token, err = env.Prompt.Secret("Token: "); err != nil {
			return err
		}
		if token == "" {
			return ErrMissingArgument("token", "paste the DVC- token from your admin")
		}
	}

	session, err := env.Gate.Login(email, token)
	if err != nil {
		return err
	}
	if err := env.Current.Save(session.ID); err != nil {
		// The session exists but this workstation cannot use it; end it.
		if _, revokeErr := env.Gate.Sessions().Revoke(session.ID); revokeErr != nil {
			env.Logger.Warn("failed to revoke unsaved session", zap.Error(revokeErr))
		}
		return fmt.Errorf("failed to save session: %w", err)
	}

	ident, err := env.Gate.Sessions().Validate(session.ID)
	if err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("auth login", LoginData{
			Email:     ident.Email,
			Role:      string(ident.Role),
			ExpiresAt: session.ExpiresAt,
		})
	}

	writef(env.Out, "\n%s\n", SuccessStyle.Render("Welcome, "+ident.Email+"!"))
	writef(env.Out, "%s\n", DimStyle.Render("Session valid for "+hoursPhrase(env.Config.Auth.SessionDuration())))
	return nil
}

// =============================================================================
// AUTH LOGOUT
// =============================================================================

func handleAuthLogout(env *Env, args Args) error {
	id, err := env.Current.Load()
	if err != nil {
		return err
	}
	if id == "" {
		if args.JSON {
			return env.printJSON("auth logout", ActionData{Action: "logout"})
		}
		writef(env.ErrOut, "%s\n", WarningStyle.Render("Not logged in"))
		return nil
	}

	ident, _ := env.Gate.Sessions().Validate(id)
	if err := env.Gate.Logout(id); err != nil {
		return err
	}
	if err := env.Current.Clear(); err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("auth logout", ActionData{Email: ident.Email, Action: "logout", Changed: true})
	}
	if ident.Email != "" {
		writef(env.Out, "%s\n", SuccessStyle.Render("Logged out: "+ident.Email))
	} else {
		writef(env.Out, "%s\n", SuccessStyle.Render("Logged out"))
	}
	return nil
}

// =============================================================================
// AUTH STATUS / WHOAMI
// =============================================================================

func handleAuthStatus(env *Env, args Args) error {
	data := StatusData{}

	id, err := env.Current.Load()
	if err != nil {
		return err
	}
	var ident security.Identity
	var validateErr error = errNotLoggedIn
	if id != "" {
		ident, validateErr = env.Gate.Sessions().Validate(id)
	}
	if validateErr != nil && !isSessionError(validateErr) {
		return validateErr
	}

	if validateErr == nil {
		remaining := ident.Session.RemainingAt(env.Now())
		data = StatusData{
			LoggedIn:  true,
			Email:     ident.Email,
			Name:      ident.Name,
			Role:      string(ident.Role),
			Team:      ident.Team,
			IssuedAt:  ident.Session.IssuedAt,
			ExpiresAt: ident.Session.ExpiresAt,
			ExpiresIn: formatRemaining(remaining),
		}
	} else {
		data.Reason = validateErr.Error()
	}

	if args.JSON {
		return env.printJSON("auth status", data)
	}

	writef(env.Out, "\n%s\n%s\n\n", TitleStyle.Render("Auth Status"), RenderSeparator(40))
	if !data.LoggedIn {
		writef(env.Out, "  %s\n", ErrorStyle.Render("Not authenticated"))
		if validateErr != errNotLoggedIn {
			writef(env.Out, "  %s%s\n", RenderLabel("Reason:"), ValueStyle.Render(data.Reason))
		}
		writef(env.Out, "\n  %s\n\n", DimStyle.Render("Run 'devops auth login' to authenticate"))
		return nil
	}

	name := data.Name
	if name == "" {
		name = "-"
	}
	writef(env.Out, "  %s\n\n", SuccessStyle.Render("Authenticated"))
	writef(env.Out, "  %s%s\n", RenderLabel("User:"), ValueStyle.Render(data.Email))
	writef(env.Out, "  %s%s\n", RenderLabel("Name:"), ValueStyle.Render(name))
	writef(env.Out, "  %s%s\n", RenderLabel("Role:"), ValueStyle.Render(data.Role))
	writef(env.Out, "  %s%s\n", RenderLabel("Team:"), ValueStyle.Render(data.Team))
	writef(env.Out, "  %s%s\n\n", RenderLabel("Expires in:"), ValueStyle.Render(data.ExpiresIn))
	return nil
}

func handleAuthWhoami(env *Env, args Args) error {
	id, err := env.sessionID()
	if err != nil {
		return err
	}
	ident, err := env.Gate.Sessions().Validate(id)
	if err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("auth whoami", StatusData{
			LoggedIn: true,
			Email:    ident.Email,
			Name:     ident.Name,
			Role:     string(ident.Role),
			Team:     ident.Team,
		})
	}
	writef(env.Out, "%s (%s)\n", ident.Email, ident.Role)
	return nil
}

// =============================================================================
// AUTH REFRESH
// =============================================================================

func handleAuthRefresh(env *Env, args Args) error {
	id, err := env.sessionID()
	if err != nil {
		return err
	}
	ident, err := env.Gate.Refresh(id)
	if err != nil {
		return err
	}

	if args.JSON {
		return env.printJSON("auth refresh", LoginData{
			Email:     ident.Email,
			Role:      string(ident.Role),
			ExpiresAt: ident.Session.ExpiresAt,
		})
	}
	lifetime := ident.Session.ExpiresAt.Sub(env.Now())
	writef(env.Out, "%s\n", SuccessStyle.Render("Session refreshed (valid for "+hoursPhrase(lifetime, "more")+")"))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// activeIdentity reports the identity behind the saved session when it is
// still valid.
func (e *Env) activeIdentity() (security.Identity, bool) {
	id, err := e.Current.Load()
	if err != nil || id == "" {
		return security.Identity{}, false
	}
	ident, err := e.Gate.Sessions().Validate(id)
	if err != nil {
		return security.Identity{}, false
	}
	return ident, true
}

// isSessionError reports errors that mean "no usable session" rather than
// a storage failure.
func isSessionError(err error) bool {
	return errors.Is(err, errNotLoggedIn) ||
		errors.Is(err, security.ErrSessionNotFound) ||
		errors.Is(err, security.ErrSessionExpired) ||
		errors.Is(err, security.ErrSessionRevoked) ||
		errors.Is(err, security.ErrAccountDisabled)
}
