package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Sriram-PR/img-refetch/pkg/metadata"
	"github.com/Sriram-PR/img-refetch/pkg/repair"
)

type repairOptions struct {
	configPath string
	logLevel   string
	jsonOut    bool
	req        repair.Request
	keywords   string
}

// runRepair handles the repair subcommand
func runRepair(args []string) {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	var opts repairOptions
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (optional)")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print the full report as JSON")
	fs.StringVar(&opts.req.Path, "path", "", "Local image file to replace (required)")
	fs.StringVar(&opts.req.ImageURL, "url", "", "Image URL to fetch the replacement from (required)")
	fs.StringVar(&opts.req.SourceURL, "source", "", "Page the image was found on")
	fs.BoolVar(&opts.req.ForceBrowser, "force-browser", false, "Start with browser automation")
	fs.BoolVar(&opts.req.DeleteBackup, "delete-backup", false, "Delete the backup after a successful swap")
	fs.StringVar(&opts.req.Payload.Title, "title", "", "Metadata title")
	fs.StringVar(&opts.req.Payload.Person, "person", "", "Person shown in the image")
	fs.StringVar(&opts.req.Payload.Gender, "gender", "", "Gender of the person")
	fs.StringVar(&opts.req.Payload.Position, "position", "", "Position or role")
	fs.StringVar(&opts.req.Payload.City, "city", "", "City")
	fs.StringVar(&opts.req.Payload.Description, "description", "", "Free-text description")
	fs.StringVar(&opts.keywords, "keywords", "", "Keywords separated by commas or semicolons")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: img-refetch repair -path FILE -url URL [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  img-refetch repair -path imgs/zhang.jpg -url https://example.com/a.jpg -source https://example.com/p/1\n")
		fmt.Fprintf(os.Stderr, "  img-refetch repair -path imgs/zhang.jpg -url https://example.com/a.jpg -person 'Zhang San' -delete-backup\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if opts.req.Path == "" || opts.req.ImageURL == "" {
		fmt.Fprintln(os.Stderr, "Error: -path and -url are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, log, err := setup(opts.configPath, opts.logLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signalContext(log, nil)
	exitCode := doRepair(ctx, repair.NewFromConfig(cfg, log.WithField("command", "repair")), opts, os.Stdout)
	stop()
	os.Exit(exitCode)
}

// doRepair runs one repair and reports it. Returns exit code (0 = replaced).
func doRepair(ctx context.Context, r Repairer, opts repairOptions, stdout io.Writer) int {
	req := opts.req
	req.Payload.Keywords = metadata.ParseKeywords(opts.keywords)

	rep := r.Repair(ctx, req)
	if opts.jsonOut {
		out := struct {
			repair.Report
			Error string `json:"error,omitempty"`
		}{Report: rep}
		if rep.Err != nil {
			out.Error = rep.Err.Error()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	} else {
		fmt.Fprintln(stdout, rep.Summary())
		switch {
		case rep.BackupDeleted:
			fmt.Fprintf(stdout, "Backup deleted: %s\n", rep.BackupPath)
		case rep.BackupPath != "":
			fmt.Fprintf(stdout, "Backup kept: %s\n", rep.BackupPath)
			fmt.Fprintf(stdout, "Remove it with: img-refetch delete-backup -backup %q\n", rep.BackupPath)
		}
	}

	if rep.Err != nil {
		return 1
	}
	return 0
}

// Repairer replaces a broken image in place.
type Repairer interface {
	Repair(ctx context.Context, req repair.Request) repair.Report
}
