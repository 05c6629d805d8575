package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: img-refetch validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doValidate(*configFile, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, warnings, err := loadConfig(configPath)
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "State dir:      %s\n", cfg.StateDir)
	order := cfg.Browser.LaunchOrder()
	for i, ch := range order {
		if ch == "" {
			order[i] = "chromium"
		}
	}
	fmt.Fprintf(stdout, "Browser order:  %s (headed: %t)\n", strings.Join(order, ", "), cfg.Browser.IsHeaded())
	fmt.Fprintf(stdout, "Force browser:  %t\n", cfg.Policy.ForceBrowser)
	fmt.Fprintf(stdout, "Sensitive:      %s\n", strings.Join(cfg.Policy.SensitiveDomains, ", "))
	fmt.Fprintf(stdout, "Batch:          %d workers, %d per host, output %s\n",
		cfg.Batch.Workers, cfg.Batch.MaxRequestsPerHost, cfg.Batch.OutputDir)
	fmt.Fprintf(stdout, "Metadata mode:  %s\n", cfg.Metadata.Mode)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}
