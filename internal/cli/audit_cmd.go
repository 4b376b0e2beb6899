// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit_cmd.go - Audit log review CLI commands.
//
// Command: admin audit-logs | audit-verify
//
// audit-logs flags:
//   --actor EMAIL       Only events by this actor
//   --action NAME       Only this action (login, logout, user-add, ...)
//   --result RESULT     Only success, failure or denied
//   --since TIME        RFC3339, YYYY-MM-DD, or an age such as 24h or 7d
//   --until TIME        Same formats as --since
//   --limit N           Show the last N matches
//   --follow            Keep printing new events until interrupted
//
// Examples:
//   devops admin audit-logs --limit 20
//   devops admin audit-logs --action login --result failure --since 24h
//   devops admin audit-logs --follow
//   devops admin audit-verify
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jeranaias/devops-cli/internal/security"
)

var auditActions = []security.AuditAction{
	security.ActionLogin,
	security.ActionLogout,
	security.ActionRefresh,
	security.ActionUserAdd,
	security.ActionUserRemove,
	security.ActionDeactivate,
	security.ActionActivate,
	security.ActionResetToken,
	security.ActionAccess,
	security.ActionUnlock,
	security.ActionUserImport,
	security.ActionPrune,
}

// =============================================================================
// AUDIT-LOGS
// =============================================================================

func handleAuditLogs(env *Env, args Args) error {
	p := NewArgParser(args.Raw, "follow")
	if err := p.CheckFlags("actor", "action", "result", "since", "until", "limit", "n", "follow"); err != nil {
		return err
	}

	filter, err := parseAuditFilter(env, p)
	if err != nil {
		return err
	}

	sid, err := env.sessionID()
	if err != nil {
		return err
	}
	events, err := env.Gate.AuditLogs(sid, filter)
	if err != nil {
		return err
	}

	if args.JSON && !p.BoolFlag("follow") {
		if events == nil {
			events = []security.AuditEvent{}
		}
		return env.printJSON("admin audit-logs", events)
	}

	for i := range events {
		printAuditEvent(env, args, events[i])
	}

	if !p.BoolFlag("follow") {
		if len(events) == 0 {
			writef(env.ErrOut, "%s\n", DimStyle.Render("No matching audit entries"))
		} else {
			writef(env.Out, "\n%s\n", DimStyle.Render(fmt.Sprintf("Showing last %d entries", len(events))))
		}
		return nil
	}

	if !args.JSON {
		writef(env.ErrOut, "%s\n", DimStyle.Render("Following audit log (Ctrl+C to stop)..."))
	}
	ctx, stop := signal.NotifyContext(env.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	follow := filter
	follow.Limit = 0
	return env.Gate.FollowAuditLogs(ctx, sid, follow, func(ev security.AuditEvent) error {
		printAuditEvent(env, args, ev)
		return nil
	})
}

// parseAuditFilter builds the query from the audit-logs flags.
func parseAuditFilter(env *Env, p *ArgParser) (security.AuditFilter, error) {
	now := env.Now()
	filter := security.AuditFilter{
		Actor: p.Flag("actor"),
		Limit: env.Config.Audit.DefaultLimit,
	}

	if action := strings.ToLower(p.Flag("action")); action != "" {
		filter.Action = security.AuditAction(action)
		if !validAuditAction(filter.Action) {
			names := make([]string, len(auditActions))
			for i, a := range auditActions {
				names[i] = string(a)
			}
			return filter, NewValidationErrorWithExample("action", action, "unknown action", strings.Join(names, ", "))
		}
	}

	switch result := security.AuditResult(strings.ToLower(p.Flag("result"))); result {
	case "":
	case security.ResultSuccess, security.ResultFailure, security.ResultDenied:
		filter.Result = result
	default:
		return filter, NewValidationErrorWithExample("result", string(result), "unknown result", "success, failure or denied")
	}

	var err error
	if filter.Since, err = parseTimeFlag("since", p.Flag("since"), now); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTimeFlag("until", p.Flag("until"), now); err != nil {
		return filter, err
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Until.Before(filter.Since) {
		return filter, NewValidationError("until", p.Flag("until"), "is before --since")
	}

	if limit := p.FlagOrDefault("limit", p.Flag("n")); limit != "" {
		if filter.Limit, err = ParseIntWithValidation(limit, "limit"); err != nil {
			return filter, err
		}
	}
	return filter, nil
}

func validAuditAction(a security.AuditAction) bool {
	for _, known := range auditActions {
		if a == known {
			return true
		}
	}
	return false
}

// printAuditEvent writes one event as a colored log line, or as a JSON
// object per line in JSON mode.
func printAuditEvent(env *Env, args Args, ev security.AuditEvent) {
	if args.JSON {
		if err := NewJSONResponse("admin audit-logs", ev).Write(env.Out); err != nil {
			env.Logger.Debug("failed to write audit event")
		}
		return
	}
	line := ev.ToLogLine()
	switch ev.Result {
	case security.ResultSuccess:
		writef(env.Out, "%s\n", line)
	case security.ResultDenied:
		writef(env.Out, "%s\n", WarningStyle.Render(line))
	default:
		writef(env.Out, "%s\n", ErrorStyle.Render(line))
	}
}

// =============================================================================
// AUDIT-VERIFY
// =============================================================================

func handleAuditVerify(env *Env, args Args) error {
	p := NewArgParser(args.Raw)
	if err := p.CheckFlags(); err != nil {
		return err
	}

	sid, err := env.sessionID()
	if err != nil {
		return err
	}
	report, err := env.Gate.VerifyAudit(sid)
	if err != nil {
		return err
	}

	var broken error
	if !report.Valid {
		broken = &security.CorruptionError{
			Document: security.AuditDocument,
			Err:      fmt.Errorf("chain broken at entry %d (line %d): %s", report.BrokenAt, report.Line, report.Reason),
		}
	}

	if args.JSON {
		if err := env.printJSON("admin audit-verify", report); err != nil {
			return err
		}
		return broken
	}

	writef(env.Out, "\n%s\n%s\n\n", TitleStyle.Render("Audit Log Integrity"), RenderSeparator(40))
	writef(env.Out, "  %s%s\n", RenderLabel("Entries:"), ValueStyle.Render(fmt.Sprintf("%d", report.Total)))
	if report.Valid {
		writef(env.Out, "  %s%s\n\n", RenderLabel("Chain:"), SuccessStyle.Render("intact"))
		return nil
	}
	writef(env.Out, "  %s%s\n", RenderLabel("Chain:"), ErrorStyle.Render("BROKEN"))
	writef(env.Out, "  %s%s\n", RenderLabel("First bad entry:"), ValueStyle.Render(fmt.Sprintf("#%d (line %d)", report.BrokenAt, report.Line)))
	writef(env.Out, "  %s%s\n\n", RenderLabel("Reason:"), ValueStyle.Render(report.Reason))
	return broken
}
