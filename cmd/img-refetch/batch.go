package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/batch"
	"github.com/Sriram-PR/img-refetch/pkg/commit"
	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/events"
	"github.com/Sriram-PR/img-refetch/pkg/metadata"
	"github.com/Sriram-PR/img-refetch/pkg/orchestrate"
	"github.com/Sriram-PR/img-refetch/pkg/storage"
)

type batchOptions struct {
	input         string
	outputDir     string
	workers       int
	turbo         bool
	resume        bool
	report        string
	downloadedLog string
}

// runBatch handles the batch subcommand
func runBatch(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	var opts batchOptions
	configFile := fs.String("config", "", "Path to config file (optional)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.input, "input", "", "Workbook (.xlsx) or YAML manifest listing the images (required)")
	fs.StringVar(&opts.outputDir, "out", "", "Output directory (defaults to batch.output_dir)")
	fs.IntVar(&opts.workers, "workers", 0, "Concurrent downloads (defaults to batch.workers)")
	fs.BoolVar(&opts.turbo, "turbo", false, "Disable the delay between requests")
	fs.BoolVar(&opts.resume, "resume", false, "Skip URLs downloaded by an earlier run of the same input")
	fs.StringVar(&opts.report, "report", "", "Write a per-item result workbook (.xlsx) here")
	fs.StringVar(&opts.downloadedLog, "downloaded-log", "", "Write downloaded URLs and their files here on completion")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: img-refetch batch -input FILE [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThe first SIGINT stops after in-flight downloads finish; the second cancels them.\n")
		fmt.Fprintf(os.Stderr, "Exit code is 2 when some items failed.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  img-refetch batch -input people.xlsx -out imgs -report results.xlsx\n")
		fmt.Fprintf(os.Stderr, "  img-refetch batch -input people.xlsx -out imgs -resume\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if opts.input == "" {
		fmt.Fprintln(os.Stderr, "Error: -input is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, log, err := setup(*configFile, *logLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var downloader atomic.Pointer[batch.Downloader]
	ctx, stop := signalContext(log, func() {
		if d := downloader.Load(); d != nil {
			d.Stop()
		}
	})
	newFetcher := func(obs events.Observer) batch.Fetcher {
		return orchestrate.New(cfg, log.WithField("component", "orchestrate"), orchestrate.WithObserver(obs))
	}
	exitCode := doBatch(ctx, cfg, log.WithField("command", "batch"), newFetcher, opts,
		downloader.Store, os.Stdout)
	stop()
	os.Exit(exitCode)
}

// doBatch runs one batch. started, when set, receives the downloader before it
// starts so the caller can stop it. Returns exit code (0 = all done, 1 = error,
// 2 = some items failed).
func doBatch(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry, newFetcher func(events.Observer) batch.Fetcher,
	opts batchOptions, started func(*batch.Downloader), stdout io.Writer) int {
	if opts.outputDir != "" {
		cfg.Batch.OutputDir = opts.outputDir
	}
	if opts.workers > 0 {
		cfg.Batch.Workers = opts.workers
	}
	if opts.turbo {
		cfg.Batch.Turbo = true
	}

	items, err := batch.LoadItems(opts.input, cfg.Batch.Columns)
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}
	if len(items) == 0 {
		fmt.Fprintf(stdout, "No items with an image URL in %s\n", opts.input)
		return 1
	}

	store, err := storage.Open(ctx, cfg, batch.BatchName(opts.input), opts.resume, log)
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}
	defer store.Close()
	gcCtx, stopGC := context.WithCancel(ctx)
	defer stopGC()
	go store.RunGC(gcCtx, 10*time.Minute)

	bus := events.NewBus()
	if err := bus.SubscribeAsync(func(ev events.Event) {
		switch ev.Kind {
		case events.ItemProgress:
			fmt.Fprintf(stdout, "[%d/%d] %s\n", ev.Done, ev.Total, ev.Message)
		case events.AttemptFailed:
			log.WithFields(logrus.Fields{"url": ev.URL, "strategy": ev.Strategy}).Debug(ev.Message)
		}
	}, true); err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}

	committer := commit.New(cfg.Commit, log)
	d := batch.New(cfg.Batch, newFetcher(bus), log,
		batch.WithStore(store),
		batch.WithReconciler(metadata.FromConfig(cfg.Metadata, committer, log)),
		batch.WithObserver(bus),
	)
	if started != nil {
		started(d)
	}

	summary, runErr := d.Start(ctx, items)
	bus.WaitAsync()

	fmt.Fprintf(stdout, "Done in %s: %d succeeded, %d failed, %d skipped of %d\n",
		summary.Duration.Round(time.Millisecond), summary.Succeeded, summary.Failed, summary.Skipped, summary.Total)
	if pending := summary.Total - summary.Succeeded - summary.Failed - summary.Skipped; pending > 0 {
		fmt.Fprintf(stdout, "%d item(s) not started; rerun with -resume to continue\n", pending)
	}

	exitCode := 0
	if opts.report != "" {
		if err := batch.WriteReport(opts.report, summary.Results); err != nil {
			fmt.Fprintf(stdout, "Error writing report: %v\n", err)
			exitCode = 1
		} else {
			fmt.Fprintf(stdout, "Report written to %s\n", opts.report)
		}
	}
	if opts.downloadedLog != "" {
		if err := store.WriteDownloadedLog(opts.downloadedLog); err != nil {
			fmt.Fprintf(stdout, "Error writing downloaded log: %v\n", err)
			exitCode = 1
		}
	}

	switch {
	case runErr != nil:
		fmt.Fprintf(stdout, "Batch ended early: %v\n", runErr)
		return 1
	case exitCode != 0:
		return exitCode
	case summary.Failed > 0:
		return 2
	}
	return 0
}
