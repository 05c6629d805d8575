package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sriram-PR/img-refetch/pkg/mcp"
)

type mcpOptions struct {
	configPath string
	logLevel   string
	transport  string
	port       int
}

func (o mcpOptions) validate() error {
	switch o.transport {
	case "stdio":
	case "sse":
		if o.port < 1 || o.port > 65535 {
			return fmt.Errorf("port %d out of range for sse transport", o.port)
		}
	default:
		return fmt.Errorf("unknown transport %q (supported: stdio, sse)", o.transport)
	}
	return nil
}

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	var opts mcpOptions
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (optional)")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "Log level (debug, info, warn, error); logs go to stderr")
	fs.StringVar(&opts.transport, "transport", "stdio", "stdio for a local client, sse to listen on -port")
	fs.IntVar(&opts.port, "port", 8080, "Listen port for the sse transport")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: img-refetch mcp-server [options]\n\nServe the fetch, repair and batch pipeline as MCP tools.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nTools:\n")
		writeMcpToolList(os.Stderr)
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  img-refetch mcp-server -config config.yaml\n")
		fmt.Fprintf(os.Stderr, "  img-refetch mcp-server -transport sse -port 9090\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doMcpServer(opts, os.Stderr))
}

// writeMcpToolList prints one line per registered tool with the first
// sentence of its description.
func writeMcpToolList(w io.Writer) {
	for _, tool := range mcp.Tools() {
		summary, _, _ := strings.Cut(tool.Description, ". ")
		fmt.Fprintf(w, "  %-21s %s\n", tool.Name, summary)
	}
}

// doMcpServer runs the server until its transport ends or a signal arrives.
// stdout is left to the stdio transport.
func doMcpServer(opts mcpOptions, stderr io.Writer) int {
	if err := opts.validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	appCfg, log, err := setup(opts.configPath, opts.logLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  appCfg,
		ConfigPath: opts.configPath,
		Transport:  opts.transport,
		Port:       opts.port,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}

	ctx, stop := signalContext(log, nil)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- server.Run() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		log.Info("Signal received, stopping MCP server")
	}
	_ = server.Shutdown(context.Background())

	if err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
