// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command hephaestus is the CLI for the Hephaestus orchestrator.
//
// Usage:
//
//	hephaestus serve --config workflow.yaml
//	hephaestus validate workflow.yaml
//	hephaestus schema > orchestrator.schema.json
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"golang.org/x/term"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start an orchestrator instance."`
	Validate ValidateCmd `cmd:"" help:"Validate a workflow configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the workflow configuration format."`

	Config    string `short:"c" help:"Path to workflow configuration file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("hephaestus version %s\n", version)
	return nil
}

// printBanner prints a colored ASCII banner using hephaestus-orange
// (#f97316), skipped when stdout isn't a terminal.
func printBanner() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}

	orangeColor := "\033[38;2;249;115;22m"
	resetColor := "\033[0m"

	banner := `
██╗  ██╗███████╗██████╗ ██╗  ██╗ █████╗ ███████╗███████╗████████╗██╗   ██╗███████╗
██║  ██║██╔════╝██╔══██╗██║  ██║██╔══██╗██╔════╝██╔════╝╚══██╔══╝██║   ██║██╔════╝
███████║█████╗  ██████╔╝███████║███████║█████╗  ███████╗   ██║   ██║   ██║███████╗
██╔══██║██╔══╝  ██╔═══╝ ██╔══██║██╔══██║██╔══╝  ╚════██║   ██║   ██║   ██║╚════██║
██║  ██║███████╗██║     ██║  ██║██║  ██║███████╗███████║   ██║   ╚██████╔╝███████║
╚═╝  ╚═╝╚══════╝╚═╝     ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝   ╚═╝    ╚═════╝ ╚══════╝
`
	fmt.Printf("%s%s%s\n", orangeColor, banner, resetColor)
}

// shouldSkipBanner skips the banner for informational commands.
func shouldSkipBanner(args []string) bool {
	for _, arg := range args {
		if arg == "validate" || arg == "schema" || arg == "version" {
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("hephaestus"),
		kong.Description("Hephaestus - autonomous multi-agent orchestrator"),
		kong.UsageOnError(),
	)

	// Initialize logger with CLI flags/env vars (before config loading).
	// The config file's logger section is not applied to the process logger.
	_, _, _, cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
