// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and top-level dispatch for devops.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command group to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdAuth
	CmdAdmin
	CmdConfig
	CmdVersion
	CmdUnknown
)

// String returns the command group name.
func (c Command) String() string {
	switch c {
	case CmdAuth:
		return "auth"
	case CmdAdmin:
		return "admin"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return "unknown"
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON       bool
	Verbose    bool
	ConfigPath string

	// Subcommand within the group (e.g. "login", "user-add").
	Subcommand string

	// Name is the unrecognized command, set with CmdUnknown.
	Name string

	// Raw args after the subcommand.
	Raw []string
}

const usageText = `devops - shared infrastructure CLI

Usage:
  devops auth <command>      Sign in and manage your session
  devops admin <command>     Manage users and review the audit log
  devops config [init]       Show the effective config or write a default one
  devops version             Show version information
  devops help                Show this help

Auth Commands:
  devops auth login                 Sign in (prompts for email and token)
    --email EMAIL                   Email address
    --token TOKEN                   Access token (prefer the hidden prompt)
  devops auth logout                End the current session
  devops auth status                Show user, role and session expiry
  devops auth whoami                Print "email (role)"
  devops auth refresh               Extend the current session

Admin Commands (admin role required):
  devops admin user-add --email EMAIL --role ROLE [--name NAME] [--team TEAM]
                                    Register a user and print their token once
  devops admin user-list            List registered users
  devops admin user-remove EMAIL --confirm
                                    Remove a user and revoke their sessions
  devops admin user-deactivate EMAIL
                                    Disable logins and sessions for a user
  devops admin user-activate EMAIL  Re-enable a deactivated user
  devops admin user-reset-token EMAIL --confirm
                                    Issue a new token and revoke all sessions
  devops admin user-sessions EMAIL  List a user's sessions
  devops admin sessions-prune       Drop expired and revoked sessions
  devops admin unlock EMAIL         Clear failed login attempts
  devops admin lockout-status [EMAIL]
                                    Show lockout state (all locked users if omitted)
  devops admin users-import --file FILE [--skip-existing] [--confirm]
                                    Register users from a YAML file
  devops admin users-export [--output FILE] [--confirm]
                                    Write users to a YAML file (no tokens)
  devops admin users-export-template [--output FILE] [--confirm]
                                    Write an example import file
  devops admin audit-logs           Show audit events (default: last 50)
    --actor EMAIL                   Filter by actor
    --action ACTION                 Filter by action (login, logout, user-add, ...)
    --result RESULT                 Filter by result (success, failure, denied)
    --since TIME                    RFC3339, YYYY-MM-DD or relative (1h, 24h, 7d)
    --until TIME                    Same formats as --since
    --limit N                       Keep the newest N events
    --follow                        Stream new events until interrupted
  devops admin audit-verify         Check the audit log hash chain

Config Commands:
  devops config show                Print the effective configuration
  devops config init [--output FILE] [--confirm]
                                    Write a config file with the defaults

Roles: developer, admin

Bootstrap:
  With no users registered, "admin user-add --role admin" and
  "admin users-import" run without a session.

Global Flags:
  --json            Output in JSON format
  -v, --verbose     Debug logging on stderr
  --config PATH     Config file (default: ~/.devops-cli/config.toml)

Exit Codes:
  0 success, 1 error, 2 invalid credentials, 3 locked out or disabled,
  4 not signed in or permission denied, 5 storage busy,
  6 storage corrupt, 7 not found, 64 usage

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage() {
	fmt.Printf(usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("devops version %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build date: %s\n", BuildDate)
}

// Parse parses os.Args and returns the command and args.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses args (without the program name).
func ParseArgs(args []string) (Command, Args) {
	remaining, parsedArgs := parseGlobalFlags(args)

	if len(remaining) == 0 {
		return CmdHelp, parsedArgs
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	if len(remaining) > 0 {
		parsedArgs.Subcommand = strings.ToLower(remaining[0])
		remaining = remaining[1:]
	}
	parsedArgs.Raw = remaining

	switch cmd {
	case "auth":
		return CmdAuth, parsedArgs
	case "admin":
		return CmdAdmin, parsedArgs
	case "config":
		return CmdConfig, parsedArgs
	case "version", "--version":
		return CmdVersion, parsedArgs
	case "help", "-h", "--help":
		return CmdHelp, parsedArgs
	default:
		parsedArgs.Name = cmd
		return CmdUnknown, parsedArgs
	}
}

// parseGlobalFlags extracts global flags from anywhere in args and returns
// the remaining args in order.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	var parsedArgs Args

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-v", "--verbose":
			parsedArgs.Verbose = true
		case "--json":
			parsedArgs.JSON = true
		case "--config":
			if i+1 < len(args) {
				i++
				parsedArgs.ConfigPath = args[i]
			}
		default:
			if strings.HasPrefix(arg, "--config=") {
				parsedArgs.ConfigPath = strings.TrimPrefix(arg, "--config=")
			} else {
				remaining = append(remaining, arg)
			}
		}
	}

	return remaining, parsedArgs
}

// Run executes cmd and returns the error that decides the exit code.
// Errors are displayed before returning.
func Run(cmd Command, args Args) error {
	var err error
	switch cmd {
	case CmdAuth:
		err = runWithEnv(args, HandleAuth)
	case CmdAdmin:
		err = runWithEnv(args, HandleAdmin)
	case CmdConfig:
		err = HandleConfig(args, os.Stdout, os.Stderr, NewTerminalPrompter())
	case CmdVersion:
		HandleVersionWithJSON(args)
	case CmdHelp:
		HandleHelp()
	default:
		err = NewValidationErrorWithExample("command", args.Name, "unknown command", "devops help")
	}
	if err != nil {
		DisplayError(err, args.JSON)
	}
	return err
}

// runWithEnv opens the auth environment for the duration of one handler.
func runWithEnv(args Args, handler func(*Env, Args) error) error {
	env, err := OpenEnv(args)
	if err != nil {
		return err
	}
	defer env.Close()
	return handler(env, args)
}

// HandleVersionWithJSON handles the "version" command with JSON output support.
func HandleVersionWithJSON(args Args) {
	if args.JSON {
		data := VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}
		resp := NewJSONResponse("version", data)
		resp.Print()
		return
	}
	PrintVersion()
}

// HandleHelp handles the "help" command.
func HandleHelp() {
	PrintUsage()
}

// writef writes formatted output, ignoring write errors on the terminal.
func writef(w io.Writer, format string, a ...interface{}) {
	fmt.Fprintf(w, format, a...)
}
