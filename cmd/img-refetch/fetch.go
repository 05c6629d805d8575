package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Sriram-PR/img-refetch/pkg/batch"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
	"github.com/Sriram-PR/img-refetch/pkg/orchestrate"
	"github.com/Sriram-PR/img-refetch/pkg/parse"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// runFetch handles the fetch subcommand
func runFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to config file (optional)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")
	imageURL := fs.String("url", "", "Image URL (required)")
	sourceURL := fs.String("source", "", "Page the image was found on")
	output := fs.String("out", "", "File to write the image to (required)")
	forceBrowser := fs.Bool("force-browser", false, "Start with browser automation")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: img-refetch fetch -url URL -out FILE [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *imageURL == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -url and -out are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, log, err := setup(*configFile, *logLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signalContext(log, nil)
	fetcher := orchestrate.New(cfg, log.WithField("command", "fetch"))
	exitCode := doFetch(ctx, fetcher, *imageURL, *sourceURL, *output, *forceBrowser, os.Stdout, os.Stderr)
	stop()
	os.Exit(exitCode)
}

// doFetch downloads one image to output. Returns exit code (0 = saved).
func doFetch(ctx context.Context, fetcher batch.Fetcher, imageURL, sourceURL, output string, forceBrowser bool, stdout, stderr io.Writer) int {
	target, err := parse.NewFetchTarget(imageURL, sourceURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out := fetcher.Fetch(ctx, target, orchestrate.FetchOptions{ForceBrowser: forceBrowser})
	if !out.Succeeded() {
		fmt.Fprintf(stderr, "Fetch failed after %d attempt(s): %v\n", len(out.Attempts), out.Err)
		if out.Diagnostic != "" {
			fmt.Fprintln(stderr, out.Diagnostic)
		}
		return 1
	}

	if err := utils.WriteFileAtomic(output, out.Data, 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Saved %s (%s %dx%d, %d bytes) via %s from %s\n",
		output, out.Info.Format, out.Info.Width, out.Info.Height, len(out.Data), out.Result.Strategy, out.Result.FinalURL)
	return 0
}

// runDiscover handles the discover subcommand
func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to config file (optional)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")
	pageURL := fs.String("page", "", "Page to mine for image candidates (required)")
	maxResults := fs.Int("max", 20, "Maximum number of candidates to print (0 = all)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: img-refetch discover -page URL [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *pageURL == "" {
		fmt.Fprintln(os.Stderr, "Error: -page is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, log, err := setup(*configFile, *logLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	st, err := fetch.NewStealth(cfg.Stealth, cfg.Fetch, cfg.HTTPClientSettings, log.WithField("command", "discover"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signalContext(log, nil)
	exitCode := doDiscover(ctx, st, *pageURL, *maxResults, os.Stdout, os.Stderr)
	stop()
	os.Exit(exitCode)
}

// Discoverer lists image candidates found on a page.
type Discoverer interface {
	Discover(ctx context.Context, pageURL string) (fetch.PageCandidates, error)
}

// doDiscover prints one candidate URL per line. Returns exit code (0 = at
// least one candidate).
func doDiscover(ctx context.Context, d Discoverer, pageURL string, max int, stdout, stderr io.Writer) int {
	page, err := d.Discover(ctx, pageURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if page.Challenge {
		fmt.Fprintf(stderr, "WARN: %s looks like an anti-bot challenge page (HTTP %d)\n", page.FinalURL, page.Status)
	}
	if len(page.Candidates) == 0 {
		fmt.Fprintf(stderr, "No image candidates found on %s\n", page.FinalURL)
		return 1
	}

	candidates := page.Candidates
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	for _, c := range candidates {
		fmt.Fprintln(stdout, c)
	}
	if len(candidates) < len(page.Candidates) {
		fmt.Fprintf(stderr, "(%d more not shown)\n", len(page.Candidates)-len(candidates))
	}
	return 0
}
