// Package repair re-fetches the image behind a local file and swaps it in,
// then reapplies the file's metadata.
package repair

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/commit"
	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/metadata"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/orchestrate"
	"github.com/Sriram-PR/img-refetch/pkg/parse"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Fetcher runs the strategy ladder. *orchestrate.Orchestrator satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, target models.FetchTarget, opts orchestrate.FetchOptions) orchestrate.Outcome
}

// Request describes one repair.
type Request struct {
	Path         string
	ImageURL     string
	SourceURL    string
	ForceBrowser bool
	Payload      metadata.Payload
	DeleteBackup bool
}

// Report is the outcome of a repair. Replaced with MetadataRestored false is a
// valid end state: the pixels are new but the metadata could not be written.
type Report struct {
	Path             string                 `json:"path"`
	Replaced         bool                   `json:"replaced"`
	FinalURL         string                 `json:"final_url,omitempty"`
	Strategy         models.Strategy        `json:"strategy,omitempty"`
	MetadataRestored bool                   `json:"metadata_restored"`
	MetadataError    string                 `json:"metadata_error,omitempty"`
	BackupPath       string                 `json:"backup_path,omitempty"`
	BackupDeleted    bool                   `json:"backup_deleted,omitempty"`
	Evasion          string                 `json:"evasion,omitempty"`
	Diagnostic       string                 `json:"diagnostic,omitempty"`
	Attempts         []models.AttemptRecord `json:"attempts,omitempty"`
	Err              error                  `json:"-"`
}

// Summary returns a one-line operator message.
func (r Report) Summary() string {
	switch {
	case !r.Replaced:
		msg := r.Diagnostic
		if msg == "" && r.Err != nil {
			msg = r.Err.Error()
		}
		return fmt.Sprintf("repair failed: %s", msg)
	case r.MetadataRestored:
		return fmt.Sprintf("image replaced from %s, metadata restored", r.FinalURL)
	}
	return fmt.Sprintf("image replaced from %s but metadata not restored: %s", r.FinalURL, r.MetadataError)
}

// Repairer performs repairs.
type Repairer struct {
	fetcher    Fetcher
	committer  *commit.Committer
	reconciler metadata.Reconciler
	diagLimit  int
	log        *logrus.Entry
}

// New creates a Repairer. A nil reconciler skips metadata.
func New(fetcher Fetcher, committer *commit.Committer, reconciler metadata.Reconciler, diagLimit int, log *logrus.Entry) *Repairer {
	if reconciler == nil {
		reconciler = metadata.Nop{}
	}
	return &Repairer{
		fetcher:    fetcher,
		committer:  committer,
		reconciler: reconciler,
		diagLimit:  diagLimit,
		log:        log.WithField("component", "repair"),
	}
}

// NewFromConfig wires the production fetcher, committer and metadata chain.
func NewFromConfig(cfg *config.AppConfig, log *logrus.Entry, opts ...orchestrate.Option) *Repairer {
	committer := commit.New(cfg.Commit, log)
	return New(
		orchestrate.New(cfg, log, opts...),
		committer,
		metadata.FromConfig(cfg.Metadata, committer, log),
		cfg.Fetch.DiagnosticLimit,
		log,
	)
}

func (r *Repairer) failed(rep Report, err error) Report {
	rep.Err = err
	if rep.Diagnostic == "" {
		rep.Diagnostic = utils.ShortError(err.Error(), r.diagLimit)
	}
	r.log.WithFields(logrus.Fields{"path": rep.Path, "error": rep.Diagnostic}).Warn("Repair failed, file left untouched")
	return rep
}

// writeStaged writes the downloaded bytes beside the target. Replaced in tests.
var writeStaged = os.WriteFile

// Repair fetches req.ImageURL and replaces req.Path with it. If fetching or
// committing fails, req.Path is unchanged and no backup remains.
func (r *Repairer) Repair(ctx context.Context, req Request) Report {
	rep := Report{Path: req.Path}

	target, err := parse.NewFetchTarget(req.ImageURL, req.SourceURL)
	if err != nil {
		return r.failed(rep, err)
	}
	if info, err := os.Stat(req.Path); err != nil || info.IsDir() {
		return r.failed(rep, fmt.Errorf("%w: %s", utils.ErrMissingFile, req.Path))
	}
	log := r.log.WithFields(logrus.Fields{"path": req.Path, "url": target.ImageURL})

	out := r.fetcher.Fetch(ctx, target, orchestrate.FetchOptions{ForceBrowser: req.ForceBrowser})
	rep.Attempts = out.Attempts
	rep.Evasion = out.Evasion
	if !out.Succeeded() {
		rep.Diagnostic = out.Diagnostic
		return r.failed(rep, out.Err)
	}
	rep.FinalURL = out.Result.FinalURL
	rep.Strategy = out.Result.Strategy

	staged := utils.TempPathBeside(req.Path, "refetch-"+uuid.NewString()[:8])
	defer os.Remove(staged)
	if err := writeStaged(staged, out.Data, 0o644); err != nil {
		return r.failed(rep, fmt.Errorf("%w: staging download: %w", utils.ErrFilesystem, err))
	}

	tx, err := r.committer.Replace(req.Path, staged)
	if err != nil {
		return r.failed(rep, err)
	}
	rep.Replaced = true
	rep.BackupPath = tx.BackupPath
	log.WithFields(logrus.Fields{"strategy": rep.Strategy, "backup": tx.BackupPath}).Info("Image replaced")

	payload := req.Payload
	if payload.ImageURL == "" {
		payload.ImageURL = target.ImageURL
	}
	if payload.Source == "" {
		payload.Source = target.SourceURL
	}
	if err := r.reconciler.Update(req.Path, payload); err != nil {
		rep.MetadataError = utils.ShortError(err.Error(), r.diagLimit)
		log.WithError(err).Warn("Image replaced but metadata not restored")
	} else {
		rep.MetadataRestored = true
	}

	if req.DeleteBackup {
		if err := commit.DeleteBackup(tx); err != nil {
			log.WithError(err).Warn("Could not delete backup")
		} else {
			rep.BackupDeleted = true
			log.WithField("backup", tx.BackupPath).Info("Backup deleted")
		}
	}
	return rep
}
