// Package orchestrate sequences the retrieval strategies for one image:
// policy check, direct request, stealth crawl, browser automation and the
// browser-to-HTTP handoff, stopping at the first validated image.
package orchestrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/browser"
	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/events"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
	"github.com/Sriram-PR/img-refetch/pkg/handoff"
	"github.com/Sriram-PR/img-refetch/pkg/imaging"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/policy"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// State is a step of the fetch state machine.
type State string

const (
	StateIdle              State = "idle"
	StatePolicyCheck       State = "policy_check"
	StateDirectOrStealth   State = "direct_or_stealth"
	StateBrowserAutomation State = "browser_automation"
	StateHandoffRetry      State = "handoff_retry"
	StateSucceeded         State = "succeeded"
	StateFailed            State = "failed"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether the machine stops in s.
func (s State) IsTerminal() bool { return s == StateSucceeded || s == StateFailed }

// FetchOptions adjust a single run.
type FetchOptions struct {
	// ForceBrowser routes the target as if the policy had flagged it.
	ForceBrowser bool
}

// Outcome is the result of one run. Data and Info are set only on success.
type Outcome struct {
	State      State
	Result     models.FetchResult
	Data       []byte
	Info       imaging.Info
	Attempts   []models.AttemptRecord
	Path       []State
	Evasion    string // policy reason, empty when not required
	Diagnostic string
	Err        error
}

// Succeeded reports whether a validated image was fetched.
func (o Outcome) Succeeded() bool { return o.State == StateSucceeded }

// Strategies returns the strategies attempted, in order.
func (o Outcome) Strategies() []models.Strategy {
	out := make([]models.Strategy, len(o.Attempts))
	for i, a := range o.Attempts {
		out[i] = a.Strategy
	}
	return out
}

// Orchestrator runs the strategy ladder. It is safe for concurrent use as long
// as its strategies are; the production strategies build per-fetch sessions.
type Orchestrator struct {
	policy    *policy.Policy
	direct    DirectStrategy
	stealth   StealthStrategy
	browser   BrowserStrategy
	handoff   HandoffStrategy
	launcher  browser.Launcher
	observer  events.Observer
	diagLimit int
	log       *logrus.Entry
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithDirect(s DirectStrategy) Option   { return func(o *Orchestrator) { o.direct = s } }
func WithStealth(s StealthStrategy) Option { return func(o *Orchestrator) { o.stealth = s } }
func WithBrowser(s BrowserStrategy) Option { return func(o *Orchestrator) { o.browser = s } }
func WithHandoff(s HandoffStrategy) Option { return func(o *Orchestrator) { o.handoff = s } }

// WithObserver sets the receiver of progress events.
func WithObserver(obs events.Observer) Option {
	return func(o *Orchestrator) { o.observer = events.OrNop(obs) }
}

// WithLauncher sets the browser launcher used by the default browser strategy.
func WithLauncher(l browser.Launcher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

// New creates an Orchestrator wired to the production strategies. Options
// replace individual strategies.
func New(cfg *config.AppConfig, log *logrus.Entry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policy:    policy.New(cfg.Policy),
		observer:  events.Nop,
		diagLimit: cfg.Fetch.DiagnosticLimit,
		log:       log.WithField("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.direct == nil {
		client := fetch.NewClient(cfg.HTTPClientSettings, cfg.Stealth.SkipsTLSVerify(), nil, log)
		o.direct = fetch.NewDirect(fetch.NewFetcher(client, cfg.Fetch, log), cfg.Fetch, cfg.Stealth, log)
	}
	if o.stealth == nil {
		o.stealth = stealthPerFetch{cfg: cfg, log: log}
	}
	if o.browser == nil {
		o.browser = browser.NewAutomation(o.launcher, cfg, log)
	}
	if o.handoff == nil {
		o.handoff = handoff.New(cfg, log)
	}
	return o
}

// run is the bookkeeping for one Fetch call.
type run struct {
	o       *Orchestrator
	target  models.FetchTarget
	log     *logrus.Entry
	out     Outcome
	lastErr error
}

func (r *run) enter(s State) {
	r.out.State = s
	r.out.Path = append(r.out.Path, s)
}

// attempt runs one strategy into a staging buffer and validates what it wrote.
// A strategy that reports success with bytes that do not decode counts as a
// failed attempt.
func (r *run) attempt(strategy models.Strategy, fn func(dst io.Writer) (models.FetchResult, error)) bool {
	r.o.observer.Notify(events.Event{Kind: events.AttemptStarted, Strategy: strategy, URL: r.target.ImageURL, At: time.Now()})
	log := r.log.WithField("strategy", strategy)
	log.Info("Attempting strategy")

	start := time.Now()
	var buf bytes.Buffer
	res, err := fn(&buf)
	var info imaging.Info
	if err == nil {
		info, err = imaging.Validate(buf.Bytes())
	}
	rec := models.AttemptRecord{Strategy: strategy, Duration: time.Since(start)}

	if err != nil {
		rec.Kind = models.KindOf(err)
		rec.Message = utils.ShortError(err.Error(), r.o.diagLimit)
		r.out.Attempts = append(r.out.Attempts, rec)
		r.lastErr = err
		r.o.observer.Notify(events.Event{
			Kind: events.AttemptFailed, Strategy: strategy, ErrKind: rec.Kind,
			URL: r.target.ImageURL, Message: rec.Message, At: time.Now(),
		})
		log.WithFields(logrus.Fields{"kind": rec.Kind, "error": rec.Message}).Warn("Strategy failed")
		return false
	}

	if res.Strategy == "" {
		res.Strategy = strategy
	}
	if res.FinalURL == "" {
		res.FinalURL = r.target.ImageURL
	}
	res.Size = int64(buf.Len())
	rec.Success = true
	rec.FinalURL = res.FinalURL
	r.out.Attempts = append(r.out.Attempts, rec)
	r.out.Result = res
	r.out.Data = buf.Bytes()
	r.out.Info = info
	log.WithFields(logrus.Fields{"final_url": res.FinalURL, "format": info.Format, "bytes": res.Size}).Info("Strategy succeeded")
	return true
}

// Fetch runs the strategy ladder for target. It never loops: each strategy is
// tried at most once, in the order the state machine allows.
func (o *Orchestrator) Fetch(ctx context.Context, target models.FetchTarget, opts FetchOptions) Outcome {
	r := &run{o: o, target: target, log: o.log.WithField("url", target.ImageURL)}
	r.enter(StateIdle)

	r.enter(StatePolicyCheck)
	reason := o.policy.Reason(target.ImageURL)
	if reason == "" && opts.ForceBrowser {
		reason = "forced"
	}
	r.out.Evasion = reason
	evasion := reason != ""
	r.log.WithFields(logrus.Fields{"evasion": evasion, "reason": reason}).Debug("Policy checked")

	r.enter(StateDirectOrStealth)
	if !evasion {
		if r.attempt(models.StrategyDirect, func(dst io.Writer) (models.FetchResult, error) {
			return o.direct.Fetch(ctx, target, dst)
		}) {
			return r.succeed()
		}
	}
	if ctx.Err() != nil {
		return r.fail(ctx.Err())
	}
	if r.attempt(models.StrategyStealth, func(dst io.Writer) (models.FetchResult, error) {
		return o.stealth.Fetch(ctx, target, dst)
	}) {
		return r.succeed()
	}
	if !evasion {
		return r.fail(ctx.Err())
	}
	if ctx.Err() != nil {
		return r.fail(ctx.Err())
	}

	r.enter(StateBrowserAutomation)
	var harvest browser.Harvest
	if r.attempt(models.StrategyBrowser, func(dst io.Writer) (models.FetchResult, error) {
		h, res, err := o.browser.Fetch(ctx, target, dst)
		harvest = h
		return res, err
	}) {
		return r.succeed()
	}
	if len(harvest.Seeds) == 0 || ctx.Err() != nil {
		return r.fail(ctx.Err())
	}

	r.enter(StateHandoffRetry)
	if r.attempt(models.StrategyHandoff, func(dst io.Writer) (models.FetchResult, error) {
		return o.handoff.Transfer(ctx, harvest, target, dst)
	}) {
		return r.succeed()
	}
	return r.fail(ctx.Err())
}

func (r *run) succeed() Outcome {
	r.enter(StateSucceeded)
	r.o.observer.Notify(events.Event{
		Kind: events.Succeeded, Strategy: r.out.Result.Strategy,
		URL: r.out.Result.FinalURL, At: time.Now(),
	})
	return r.out
}

// fail finishes the run. cause overrides the last strategy error, which is how a
// cancelled run is reported.
func (r *run) fail(cause error) Outcome {
	r.enter(StateFailed)
	parts := make([]string, 0, len(r.out.Attempts))
	for _, a := range r.out.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Strategy, a.Message))
	}
	r.out.Diagnostic = utils.ShortError(strings.Join(parts, "; "), r.o.diagLimit)

	err := cause
	if err == nil {
		err = r.lastErr
	}
	if err == nil {
		err = errors.New("no strategy attempted")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.out.Err = fmt.Errorf("%w: fetch interrupted after %d attempts: %w", utils.ErrStopped, len(r.out.Attempts), err)
	} else {
		r.out.Err = fmt.Errorf("fetch failed after %d attempts: %w", len(r.out.Attempts), err)
	}
	if r.out.Diagnostic == "" {
		r.out.Diagnostic = utils.ShortError(r.out.Err.Error(), r.o.diagLimit)
	}
	r.o.observer.Notify(events.Event{
		Kind: events.Failed, URL: r.target.ImageURL,
		ErrKind: models.KindOf(r.out.Err), Message: r.out.Diagnostic, At: time.Now(),
	})
	r.log.WithField("diagnostic", r.out.Diagnostic).Warn("All strategies failed")
	return r.out
}
