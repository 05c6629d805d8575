package batch

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/events"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
	"github.com/Sriram-PR/img-refetch/pkg/imaging"
	"github.com/Sriram-PR/img-refetch/pkg/metadata"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/orchestrate"
	"github.com/Sriram-PR/img-refetch/pkg/parse"
	"github.com/Sriram-PR/img-refetch/pkg/queue"
	"github.com/Sriram-PR/img-refetch/pkg/storage"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Fetcher runs the strategy ladder for one image.
type Fetcher interface {
	Fetch(ctx context.Context, target models.FetchTarget, opts orchestrate.FetchOptions) orchestrate.Outcome
}

// Result is the outcome for one item.
type Result struct {
	Item      Item              `json:"item"`
	Status    models.ItemStatus `json:"status"`
	LocalPath string            `json:"local_path,omitempty"`
	FinalURL  string            `json:"final_url,omitempty"`
	Strategy  models.Strategy   `json:"strategy,omitempty"`
	Attempts  int               `json:"attempts"`
	ErrorType string            `json:"error_type,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Summary is the outcome of one Start call. Items never reached because of
// Stop or cancellation stay pending.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Stopped   bool          `json:"stopped"`
	Duration  time.Duration `json:"duration"`
	Results   []Result      `json:"results"`
}

// Downloader saves batch items into the output directory.
type Downloader struct {
	cfg        config.BatchConfig
	fetcher    Fetcher
	store      storage.DownloadStore
	reconciler metadata.Reconciler
	observer   events.Observer
	pacer      *fetch.Pacer
	hosts      *fetch.HostLimiter
	backoff    func(attempt int) time.Duration
	log        *logrus.Entry

	// mu guards the downloaded-URL set (the store plus inFlight) and filename reservation.
	mu       sync.Mutex
	inFlight map[string]bool
	reserved map[string]bool

	progressMu sync.Mutex
	done       int
	succeeded  int
	failed     int
	skipped    int

	running atomic.Bool
	paused  atomic.Bool
	stopped atomic.Bool

	stopMu     sync.Mutex
	stopCancel context.CancelFunc
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithStore sets the downloaded-URL store (default: in-memory).
func WithStore(s storage.DownloadStore) Option { return func(d *Downloader) { d.store = s } }

// WithReconciler sets the metadata writer applied to each saved file.
func WithReconciler(r metadata.Reconciler) Option { return func(d *Downloader) { d.reconciler = r } }

// WithObserver receives one ItemProgress event per status change.
func WithObserver(o events.Observer) Option {
	return func(d *Downloader) { d.observer = events.OrNop(o) }
}

// WithBackoff replaces the retry delay function.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(d *Downloader) { d.backoff = fn }
}

// DefaultBackoff waits 2^attempt seconds plus a random 1-3 seconds.
func DefaultBackoff(attempt int) time.Duration {
	jitter := time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
	return time.Duration(1<<attempt)*time.Second + jitter
}

// New creates a Downloader. Turbo mode disables the inter-item delay.
func New(cfg config.BatchConfig, fetcher Fetcher, log *logrus.Entry, opts ...Option) *Downloader {
	d := &Downloader{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      storage.NewMemoryStore(),
		reconciler: metadata.Nop{},
		observer:   events.Nop,
		backoff:    DefaultBackoff,
		log:        log.WithField("component", "batch"),
		inFlight:   make(map[string]bool),
		reserved:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	lo, hi := cfg.IntervalMin, cfg.IntervalMax
	if cfg.Turbo {
		lo, hi = 0, 0
	}
	d.pacer = fetch.NewPacer(lo, hi, d.log)
	d.hosts = fetch.NewHostLimiter(cfg.MaxRequestsPerHost, d.log)
	return d
}

func (d *Downloader) Pause() { d.paused.Store(true) }

func (d *Downloader) Resume() { d.paused.Store(false) }

// Stop lets in-flight downloads finish and prevents new items from starting.
func (d *Downloader) Stop() {
	d.stopped.Store(true)
	d.paused.Store(false)
	d.stopMu.Lock()
	if d.stopCancel != nil {
		d.stopCancel()
	}
	d.stopMu.Unlock()
}

func (d *Downloader) IsRunning() bool { return d.running.Load() }
func (d *Downloader) IsPaused() bool  { return d.paused.Load() }

// Start downloads items and blocks until all are handled, Stop is called, or
// ctx ends. A Downloader runs one batch at a time.
func (d *Downloader) Start(ctx context.Context, items []Item) (Summary, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Summary{}, fmt.Errorf("batch already running")
	}
	defer d.running.Store(false)

	start := time.Now()
	d.stopped.Store(false)
	d.progressMu.Lock()
	d.done, d.succeeded, d.failed, d.skipped = 0, 0, 0, 0
	d.progressMu.Unlock()

	if err := os.MkdirAll(d.cfg.OutputDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("%w: create output directory: %w", utils.ErrFilesystem, err)
	}

	// waitCtx ends on Stop as well; it bounds pacing, backoff and pause waits
	// but not a download already in progress.
	waitCtx, cancel := context.WithCancel(ctx)
	d.stopMu.Lock()
	d.stopCancel = cancel
	d.stopMu.Unlock()
	defer cancel()

	incomplete := make(map[string]bool)
	if keys, _, err := d.store.Incomplete(ctx); err == nil && len(keys) > 0 {
		for _, k := range keys {
			incomplete[k] = true
		}
		d.log.Infof("%d items left incomplete by an earlier run go first", len(keys))
	}

	total := len(items)
	results := make([]Result, total)
	for i, it := range items {
		results[i] = Result{Item: it, Status: models.ItemStatusPending}
	}

	workers := d.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	pending := queue.NewThreadSafePriorityQueue[int](d.log.Logger)
	for i, it := range items {
		pending.Add(i, rowPriority(it, incomplete))
	}
	pending.Close()
	go func() {
		<-waitCtx.Done()
		if n := pending.Drain(); n > 0 {
			d.log.Infof("%d items left pending", n)
		}
	}()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		key := "worker-" + strconv.Itoa(w)
		g.Go(func() error {
			for {
				i, ok := pending.Pop()
				if !ok {
					return nil
				}
				if d.stopped.Load() || ctx.Err() != nil {
					continue
				}
				results[i] = d.process(ctx, waitCtx, key, items[i], total)
			}
		})
	}
	_ = g.Wait()

	sum := Summary{Total: total, Results: results, Stopped: d.stopped.Load() || ctx.Err() != nil, Duration: time.Since(start)}
	for _, r := range results {
		switch r.Status {
		case models.ItemStatusSuccess:
			sum.Succeeded++
		case models.ItemStatusFailed:
			sum.Failed++
		case models.ItemStatusSkipped:
			sum.Skipped++
		}
	}
	d.log.WithFields(logrus.Fields{
		"total": total, "succeeded": sum.Succeeded, "failed": sum.Failed,
		"skipped": sum.Skipped, "stopped": sum.Stopped, "duration": sum.Duration.Round(time.Millisecond),
	}).Info("Batch finished")
	return sum, nil
}

// rowPriority orders items left incomplete by an earlier run ahead of the
// rest. Rows keep their input order within each group.
func rowPriority(it Item, incomplete map[string]bool) int {
	if len(incomplete) == 0 {
		return 1
	}
	target, err := parse.NewFetchTarget(it.URL, it.SourceURL)
	if err == nil && incomplete[parse.CanonicalKey(target.ImageURL)] {
		return 0
	}
	return 1
}

// waitWhilePaused spins until resumed, stopped or waitCtx ends.
func (d *Downloader) waitWhilePaused(waitCtx context.Context) {
	interval := d.cfg.PauseInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for d.paused.Load() && !d.stopped.Load() {
		select {
		case <-time.After(interval):
		case <-waitCtx.Done():
			return
		}
	}
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Downloader) progress(status models.ItemStatus, it Item, total int, msg string) {
	d.progressMu.Lock()
	if status.IsTerminal() {
		d.done++
		switch status {
		case models.ItemStatusSuccess:
			d.succeeded++
		case models.ItemStatusFailed:
			d.failed++
		case models.ItemStatusSkipped:
			d.skipped++
		}
	}
	done := d.done
	d.progressMu.Unlock()

	d.observer.Notify(events.Event{
		Kind:    events.ItemProgress,
		URL:     it.URL,
		Message: fmt.Sprintf("%s: %s %s", status, it.displayName(), msg),
		Done:    done,
		Total:   total,
	})
}

// Progress returns counters for the current or last batch.
func (d *Downloader) Progress() (done, succeeded, failed, skipped int) {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	return d.done, d.succeeded, d.failed, d.skipped
}

// claim marks key in flight unless it is already downloaded or being downloaded.
func (d *Downloader) claim(key string) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[key] {
		return false, "duplicate of an item in progress"
	}
	ok, err := d.store.IsDownloaded(key)
	if err != nil {
		d.log.WithError(err).Warn("Download state lookup failed, downloading anyway")
	}
	if ok {
		return false, "already downloaded"
	}
	d.inFlight[key] = true
	return true, ""
}

func (d *Downloader) release(key string) {
	d.mu.Lock()
	delete(d.inFlight, key)
	d.mu.Unlock()
}

func (d *Downloader) process(ctx, waitCtx context.Context, workerKey string, it Item, total int) Result {
	res := Result{Item: it, Status: models.ItemStatusPending}

	d.waitWhilePaused(waitCtx)
	if d.stopped.Load() || ctx.Err() != nil {
		return res
	}

	target, err := parse.NewFetchTarget(it.URL, it.SourceURL)
	if err != nil {
		res.Status = models.ItemStatusFailed
		res.ErrorType = utils.CategorizeError(err)
		res.Error = err.Error()
		d.progress(res.Status, it, total, res.Error)
		return res
	}
	key := parse.CanonicalKey(target.ImageURL)

	ok, why := d.claim(key)
	if !ok {
		res.Status = models.ItemStatusSkipped
		res.Error = why
		d.progress(res.Status, it, total, why)
		return res
	}
	defer d.release(key)

	log := d.log.WithFields(logrus.Fields{"row": it.Row, "url": target.ImageURL})
	d.progress(models.ItemStatusDownloading, it, total, "")
	_ = d.store.UpdateItem(key, &models.ItemDBEntry{Status: models.ItemStatusDownloading, Name: it.Name, LastAttempt: time.Now()})

	if err := d.pacer.ApplyDelay(waitCtx, workerKey); err != nil {
		return res
	}
	defer d.pacer.UpdateLastRequestTime(workerKey)

	release, err := d.hosts.Hold(ctx, target.Domain)
	if err != nil {
		return res
	}
	defer release()

	maxRetries := d.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		res.Attempts = attempt + 1
		out := d.fetcher.Fetch(ctx, target, orchestrate.FetchOptions{})
		if out.Succeeded() {
			path, err := d.save(it, target, out.Data, out.Info)
			if err == nil {
				res.Status = models.ItemStatusSuccess
				res.LocalPath = path
				res.FinalURL = out.Result.FinalURL
				res.Strategy = out.Result.Strategy
				break
			}
			lastErr = err
		} else {
			lastErr = out.Err
			res.Error = out.Diagnostic
		}
		log.WithField("attempt", attempt+1).WithError(lastErr).Warn("Batch item attempt failed")

		if ctx.Err() != nil || d.stopped.Load() || attempt == maxRetries-1 {
			break
		}
		if sleepCtx(waitCtx, d.backoff(attempt)) != nil {
			break
		}
	}

	entry := &models.ItemDBEntry{
		Status:      res.Status,
		LocalPath:   res.LocalPath,
		FinalURL:    res.FinalURL,
		Name:        it.Name,
		Attempts:    res.Attempts,
		LastAttempt: time.Now(),
	}
	if res.Status == models.ItemStatusSuccess {
		res.Error = ""
		if err := d.store.MarkDownloaded(key, entry); err != nil {
			log.WithError(err).Error("Failed to record download")
		}
		d.progress(res.Status, it, total, res.LocalPath)
		return res
	}

	res.Status = models.ItemStatusFailed
	res.ErrorType = utils.CategorizeError(lastErr)
	if res.Error == "" && lastErr != nil {
		res.Error = lastErr.Error()
	}
	entry.Status = res.Status
	entry.ErrorType = res.ErrorType
	if err := d.store.UpdateItem(key, entry); err != nil {
		log.WithError(err).Error("Failed to record failure")
	}
	d.progress(res.Status, it, total, utils.ShortError(res.Error, 80))
	return res
}

var formatExt = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"gif":  ".gif",
	"webp": ".webp",
	"bmp":  ".bmp",
	"tiff": ".tif",
}

// reservePath picks a free name/name_N path not already taken by another worker.
func (d *Downloader) reservePath(name, ext string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	path := utils.UniqueFilePath(d.cfg.OutputDir, name, ext, func(p string) bool { return d.reserved[p] })
	d.reserved[path] = true
	return path
}

// save writes data to a .tmp file, renames it into place and applies metadata
// to the final file. A metadata failure is logged; the image is kept.
func (d *Downloader) save(it Item, target models.FetchTarget, data []byte, info imaging.Info) (string, error) {
	ext, ok := formatExt[info.Format]
	if !ok {
		ext = ".jpg"
	}
	name := it.displayName()
	path := d.reservePath(name, ext)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		d.unreserve(path)
		return "", fmt.Errorf("%w: write %s: %w", utils.ErrFilesystem, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		d.unreserve(path)
		return "", fmt.Errorf("%w: rename %s: %w", utils.ErrFilesystem, tmp, err)
	}

	payload := metadata.Payload{
		Title:       name,
		Person:      name,
		Description: it.Intro,
		Keywords:    it.Keywords,
		ImageURL:    target.ImageURL,
		Source:      target.SourceURL,
	}
	if err := d.reconciler.Update(path, payload); err != nil {
		d.log.WithFields(logrus.Fields{"path": path}).WithError(err).Warn("Saved image without metadata")
	}
	return path, nil
}

func (d *Downloader) unreserve(path string) {
	d.mu.Lock()
	delete(d.reserved, path)
	d.mu.Unlock()
}
