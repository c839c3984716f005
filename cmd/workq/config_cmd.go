package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/workq/internal/config"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	if hasHelpFlag(actionArgs) {
		fmt.Printf("Usage: workq config %s [--config PATH]\n", action)
		return 0
	}

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: workq config <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: check, show")
}

// loadConfig parses --config from args and loads it, discovering a file
// when the flag is absent.
func loadConfig(name string, args []string, extra func(fs *flag.FlagSet)) (*config.Config, string, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, "", fs, err
	}

	cfg, path, err := config.LoadOrDefault(*configPath)
	return cfg, path, fs, err
}

func runConfigCheck(args []string) int {
	_, path, _, err := loadConfig("check", args, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}
	if path == "" {
		fmt.Println("No configuration file found; built-in defaults are valid.")
		return 0
	}
	fmt.Printf("Configuration check PASSED: %s\n", path)
	return 0
}

func runConfigShow(args []string) int {
	cfg, _, _, err := loadConfig("show", args, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}
