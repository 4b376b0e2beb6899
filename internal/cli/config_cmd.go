// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - CLI commands for the configuration file.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Print the effective configuration
//   init                Write a config file with the built-in defaults
//
// Flags:
//   --output FILE       init: file to write (default: --config or ~/.devops-cli/config.toml)
//   --confirm           init: overwrite an existing file
//
// Examples:
//   devops config
//   devops config init --output ./devops.toml
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/jeranaias/devops-cli/internal/config"
)

// HandleConfig handles the "config" command group. It does not open the
// auth store.
func HandleConfig(args Args, out, errOut io.Writer, prompt Prompter) error {
	switch args.Subcommand {
	case "", "show":
		return handleConfigShow(args, out)
	case "init":
		return handleConfigInit(args, out, errOut, prompt)
	default:
		return NewValidationErrorWithExample("config subcommand", args.Subcommand, "unknown subcommand", "devops config init")
	}
}

func handleConfigShow(args Args, out io.Writer) error {
	if err := NewArgParser(args.Raw).CheckFlags(); err != nil {
		return err
	}
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("config show", cfg).Write(out)
	}
	return config.EncodeTOML(out, cfg)
}

func handleConfigInit(args Args, out, errOut io.Writer, prompt Prompter) error {
	p := NewArgParser(args.Raw, "confirm")
	if err := p.CheckFlags("output", "o", "confirm"); err != nil {
		return err
	}

	path := p.FlagOrDefault("output", p.FlagOrDefault("o", args.ConfigPath))
	if path == "" {
		path = os.Getenv("DEVOPS_CONFIG")
	}
	if path != "" {
		var err error
		if path, err = ValidateOutputPath(path); err != nil {
			return err
		}
	} else {
		var err error
		if path, err = config.ConfigPathTOML(); err != nil {
			return err
		}
	}

	if _, err := os.Stat(path); err == nil {
		ok, err := RequireConfirmation(prompt, fmt.Sprintf("overwrite %s", path),
			ConfirmationOptions{ConfirmFlag: p.BoolFlag("confirm"), JSONMode: args.JSON})
		if err != nil {
			return err
		}
		if !ok {
			writef(errOut, "%s\n", DimStyle.Render("Cancelled."))
			return nil
		}
	}

	if err := config.SaveTOML(config.Default(), path); err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("config init", ActionData{Action: "config-init", Changed: true, Path: path}).Write(out)
	}
	writef(out, "%s\n", SuccessStyle.Render("Config written to: "+path))
	writef(out, "%s\n", DimStyle.Render("auth_dir is empty and resolves to ~/.devops-cli/auth; set it to share a directory."))
	return nil
}
