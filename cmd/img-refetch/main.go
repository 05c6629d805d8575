package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	logpkg "github.com/Sriram-PR/img-refetch/pkg/log"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "repair":
		runRepair(os.Args[2:])
	case "fetch":
		runFetch(os.Args[2:])
	case "discover":
		runDiscover(os.Args[2:])
	case "batch":
		runBatch(os.Args[2:])
	case "guard-check":
		runGuardCheck(os.Args[2:])
	case "delete-backup":
		runDeleteBackup(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("img-refetch %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `img-refetch - Re-download broken images from protected sites and swap them in safely

Usage:
  img-refetch <command> [options]

Commands:
  repair         Re-download one image and replace a local file in place
  fetch          Download one image to a file
  discover       List image candidates found on a page
  batch          Download every image listed in a workbook or YAML manifest
  guard-check    Print pixel fingerprints; compare two files
  delete-backup  Delete a backup left by repair
  validate       Validate configuration file
  mcp-server     Start MCP server for AI tool integration
  version        Show version info

Configuration is read from -config (optional), then .env, then IMGREFETCH_*
environment variables.

Run 'img-refetch <command> -h' for command-specific help.`)
}

// loadConfig reads an optional YAML config file, applies .env and environment
// overrides and validates the result. Warnings are returned for the caller to
// report.
func loadConfig(path string) (*config.AppConfig, []string, error) {
	var cfg config.AppConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, fmt.Errorf("load env: %w", err)
	}
	warnings := cfg.ApplyEnv(nil)

	validateWarnings, err := cfg.Validate()
	warnings = append(warnings, validateWarnings...)
	if err != nil {
		return nil, warnings, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, warnings, nil
}

// setup builds the logger and config shared by the subcommands. Logs go to
// stderr so stdout stays free for results.
func setup(configPath, logLevel string, stderr io.Writer) (*config.AppConfig, *logrus.Logger, error) {
	log, err := logpkg.NewLogger(stderr, logLevel)
	if err != nil {
		log.Warnf("Invalid log level '%s', using 'info': %v", logLevel, err)
	}
	cfg, warnings, err := loadConfig(configPath)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, log, err
	}
	return cfg, log, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. When onFirst is
// set, the first signal calls it instead and only the second cancels. A third
// signal exits immediately.
func signalContext(log *logrus.Logger, onFirst func()) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		received := 0
		done := ctx.Done()
		for {
			select {
			case sig := <-sigChan:
				received++
				switch {
				case received == 1 && onFirst != nil:
					log.Warnf("Received signal: %v. Finishing in-flight work (signal again to abort)...", sig)
					onFirst()
				case received <= 2:
					log.Warnf("Received signal: %v. Cancelling...", sig)
					cancel()
				default:
					log.Warnf("Received signal: %v. Forcing exit.", sig)
					os.Exit(1)
				}
			case <-done:
				if received == 0 {
					return
				}
				done = nil
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
