package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Sriram-PR/img-refetch/pkg/batch"
	"github.com/Sriram-PR/img-refetch/pkg/commit"
	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/events"
	"github.com/Sriram-PR/img-refetch/pkg/metadata"
	"github.com/Sriram-PR/img-refetch/pkg/orchestrate"
	"github.com/Sriram-PR/img-refetch/pkg/parse"
	"github.com/Sriram-PR/img-refetch/pkg/repair"
	"github.com/Sriram-PR/img-refetch/pkg/storage"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

const (
	defaultMaxCandidates = 20
	maxCandidatesLimit   = 100
)

// handleFetchImage handles the fetch_image tool
func (s *Server) handleFetchImage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	imageURL := request.GetString("url", "")
	if imageURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}
	output := request.GetString("output", "")
	if output == "" {
		return mcp.NewToolResultError("output parameter is required"), nil
	}

	target, err := parse.NewFetchTarget(imageURL, request.GetString("source_url", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	startTime := time.Now()
	out := s.cfg.Fetcher.Fetch(ctx, target, orchestrate.FetchOptions{
		ForceBrowser: request.GetBool("force_browser", false),
	})
	if !out.Succeeded() {
		msg := fmt.Sprintf("fetch failed after %d attempt(s): %v", len(out.Attempts), out.Err)
		if out.Diagnostic != "" {
			msg += "\n" + out.Diagnostic
		}
		return mcp.NewToolResultError(msg), nil
	}

	if err := utils.WriteFileAtomic(output, out.Data, 0o644); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save image: %v", err)), nil
	}

	result := map[string]interface{}{
		"url":           target.ImageURL,
		"final_url":     out.Result.FinalURL,
		"strategy":      out.Result.Strategy,
		"output":        output,
		"format":        out.Info.Format,
		"width":         out.Info.Width,
		"height":        out.Info.Height,
		"size":          len(out.Data),
		"attempts":      out.Attempts,
		"fetch_time_ms": time.Since(startTime).Milliseconds(),
	}
	if out.Evasion != "" {
		result["evasion"] = out.Evasion
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleRepairImage handles the repair_image tool
func (s *Server) handleRepairImage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := request.GetString("path", "")
	if path == "" {
		return mcp.NewToolResultError("path parameter is required"), nil
	}
	imageURL := request.GetString("url", "")
	if imageURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	req := repair.Request{
		Path:         path,
		ImageURL:     imageURL,
		SourceURL:    request.GetString("source_url", ""),
		ForceBrowser: request.GetBool("force_browser", false),
		DeleteBackup: request.GetBool("delete_backup", false),
		Payload: metadata.Payload{
			Title:       request.GetString("title", ""),
			Person:      request.GetString("person", ""),
			Gender:      request.GetString("gender", ""),
			Position:    request.GetString("position", ""),
			City:        request.GetString("city", ""),
			Description: request.GetString("description", ""),
			Keywords:    metadata.ParseKeywords(request.GetString("keywords", "")),
		},
	}

	rep := s.cfg.Repairer.Repair(ctx, req)
	if rep.Err != nil {
		return mcp.NewToolResultError(rep.Summary()), nil
	}

	result := map[string]interface{}{
		"message":           rep.Summary(),
		"path":              rep.Path,
		"final_url":         rep.FinalURL,
		"strategy":          rep.Strategy,
		"metadata_restored": rep.MetadataRestored,
		"backup_deleted":    rep.BackupDeleted,
	}
	if rep.BackupPath != "" && !rep.BackupDeleted {
		result["backup_path"] = rep.BackupPath
	}
	if rep.MetadataError != "" {
		result["metadata_error"] = rep.MetadataError
	}
	if rep.Evasion != "" {
		result["evasion"] = rep.Evasion
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleDiscoverCandidates handles the discover_candidates tool
func (s *Server) handleDiscoverCandidates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pageURL := request.GetString("page_url", "")
	if pageURL == "" {
		return mcp.NewToolResultError("page_url parameter is required"), nil
	}
	maxResults := request.GetInt("max_results", defaultMaxCandidates)
	if maxResults <= 0 {
		maxResults = defaultMaxCandidates
	}
	if maxResults > maxCandidatesLimit {
		maxResults = maxCandidatesLimit
	}

	page, err := s.cfg.Discoverer.Discover(ctx, pageURL)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load page: %v", err)), nil
	}
	candidates := page.Candidates
	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}
	if candidates == nil {
		candidates = []string{}
	}

	result := map[string]interface{}{
		"page_url":         page.URL,
		"final_url":        page.FinalURL,
		"status":           page.Status,
		"challenge":        page.Challenge,
		"candidates":       candidates,
		"total_candidates": len(page.Candidates),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleStartBatch handles the start_batch tool
func (s *Server) handleStartBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input := request.GetString("input", "")
	if input == "" {
		return mcp.NewToolResultError("input parameter is required"), nil
	}
	if abs, err := filepath.Abs(input); err == nil {
		input = abs
	}

	if existing := s.jobManager.GetJobByInput(input); existing != nil {
		return alreadyRunning(existing), nil
	}

	batchCfg := s.cfg.AppConfig.Batch
	if dir := request.GetString("output_dir", ""); dir != "" {
		batchCfg.OutputDir = dir
	}
	if request.GetBool("turbo", false) {
		batchCfg.Turbo = true
	}
	if w := request.GetInt("workers", 0); w > 0 {
		batchCfg.Workers = w
	}
	resume := request.GetBool("resume", false)

	items, err := batch.LoadItems(input, batchCfg.Columns)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load input: %v", err)), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("no items with an image URL in %s", input)), nil
	}

	job, created := s.jobManager.CreateJob(input, batchCfg.OutputDir, resume)
	if !created {
		return alreadyRunning(job), nil
	}
	s.jobManager.UpdateProgress(job.ID, Progress{Total: len(items)})

	go s.runBatchJob(job, items, batchCfg)

	result := map[string]interface{}{
		"status":     "started",
		"message":    "Batch started successfully",
		"job_id":     job.ID,
		"input":      input,
		"output_dir": batchCfg.OutputDir,
		"items":      len(items),
		"resume":     resume,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

func alreadyRunning(job *Job) *mcp.CallToolResult {
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"status":  "already_running",
		"message": "A batch is already in progress for this input",
		"job_id":  job.ID,
		"input":   job.Input,
	}))
}

// runBatchJob runs a batch job in the background
func (s *Server) runBatchJob(job *Job, items []batch.Item, batchCfg config.BatchConfig) {
	s.jobManager.UpdateStatus(job.ID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(job.ID)
	log := s.log.WithField("job_id", job.ID)

	store, err := storage.Open(jobCtx, s.cfg.AppConfig, batch.BatchName(job.Input), job.Resume, log)
	if err != nil {
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, fmt.Sprintf("failed to open store: %v", err))
		return
	}
	defer store.Close()

	committer := commit.New(s.cfg.AppConfig.Commit, log)
	var d *batch.Downloader
	observer := events.ObserverFunc(func(ev events.Event) {
		if ev.Kind != events.ItemProgress {
			return
		}
		done, succeeded, failed, skipped := d.Progress()
		s.jobManager.UpdateProgress(job.ID, Progress{
			Total: ev.Total, Done: done, Succeeded: succeeded, Failed: failed, Skipped: skipped,
		})
	})
	d = batch.New(batchCfg, s.cfg.Fetcher, log,
		batch.WithStore(store),
		batch.WithReconciler(metadata.FromConfig(s.cfg.AppConfig.Metadata, committer, log)),
		batch.WithObserver(observer),
	)
	s.jobManager.SetStopper(job.ID, d.Stop)

	summary, err := d.Start(jobCtx, items)
	s.jobManager.UpdateProgress(job.ID, Progress{
		Total: summary.Total, Done: summary.Succeeded + summary.Failed + summary.Skipped,
		Succeeded: summary.Succeeded, Failed: summary.Failed, Skipped: summary.Skipped,
	})
	switch {
	case errors.Is(err, context.Canceled) || summary.Stopped:
		s.jobManager.UpdateStatus(job.ID, JobStatusCancelled, "")
	case err != nil:
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, err.Error())
	default:
		s.jobManager.UpdateStatus(job.ID, JobStatusCompleted, "")
	}
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	return mcp.NewToolResultText(formatJSON(jobStatus(job))), nil
}

func jobStatus(job *Job) map[string]interface{} {
	result := map[string]interface{}{
		"job_id":     job.ID,
		"input":      job.Input,
		"output_dir": job.OutputDir,
		"status":     job.Status,
		"started_at": job.StartedAt.Format(time.RFC3339),
		"total":      job.Total,
		"done":       job.Done,
		"succeeded":  job.Succeeded,
		"failed":     job.Failed,
		"skipped":    job.Skipped,
		"resume":     job.Resume,
	}
	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}
	return result
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if s.jobManager.GetJob(jobID) == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	cancelled := s.jobManager.CancelJob(jobID)
	job := s.jobManager.GetJob(jobID)
	result := map[string]interface{}{
		"job_id":    jobID,
		"cancelled": cancelled,
		"status":    job.Status,
	}
	if !cancelled {
		result["message"] = "job is not running"
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListJobs handles the list_jobs tool
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.jobManager.ListJobs()
	list := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		list = append(list, jobStatus(job))
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"jobs":  list,
		"total": len(list),
	})), nil
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
