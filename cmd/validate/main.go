// SPDX-License-Identifier: MIT

// validate checks a gnirspipe YAML configuration file.
//
// Usage:
//
//	validate -f config.yaml
//
// Exit codes:
//   - 0: configuration is valid
//   - 1: configuration is invalid (parse or validation error)
//   - 2: usage error
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/version"
)

func main() {
	var file string
	var showVersion bool

	flag.StringVar(&file, "file", "", "path to YAML configuration file")
	flag.StringVar(&file, "f", "", "path to YAML configuration file (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}

	if file == "" {
		fmt.Fprintln(os.Stderr, "Error: --file is required")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  validate -f config.yaml")
		os.Exit(2)
	}

	loader := config.NewLoader(file, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error in %s:\n", file)
		fmt.Fprintf(os.Stderr, "  %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s: configuration is valid\n", file)
	fmt.Printf("  data dir:    %s\n", cfg.DataDir)
	fmt.Printf("  raw dir:     %s\n", orDash(cfg.RawDir))
	fmt.Printf("  api listen:  %s\n", cfg.APIListenAddr)
	fmt.Printf("  state path:  %s\n", cfg.StatePath)
	fmt.Printf("  launcher:    %s\n", cfg.Toolchain.LauncherPath)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
